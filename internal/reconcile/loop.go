// Copyright 2025 Lumina Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reconcile is the reconciliation loop (component F): the periodic
// pass that evaluates every managed group's desired lifecycle mode against
// reality and applies launch-template rewrites or instance replacements.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/scalewright/minionctl/internal/domain"
	"github.com/scalewright/minionctl/internal/groupstore"
	"github.com/scalewright/minionctl/internal/provider"
	"github.com/scalewright/minionctl/pkg/metrics"
)

// checkGroupConverged's bounded convergence check: 3 attempts at 60s
// intervals.
const (
	DefaultConvergenceAttempts = 3
	DefaultConvergenceInterval = 60 * time.Second
)

// Recommender is the subset of the bid advisor the loop needs.
type Recommender interface {
	Recommend(zones []string, instanceType string) domain.Bid
}

// Diagnostic is the subset of the capacity diagnostic the loop needs.
type Diagnostic interface {
	IsInsufficientCapacity(ctx context.Context, groupName string) (bool, error)
}

// Scheduler is the subset of the replacement scheduler the loop needs.
type Scheduler interface {
	ScheduleReplacement(ctx context.Context, group *domain.ScalingGroup)
}

// Loop is the reconciliation loop. It exclusively owns the group-metadata
// store (via Store), except for the instance removal the scheduler
// performs through it.
type Loop struct {
	cloud      provider.Cloud
	orch       provider.Orchestrator
	advisor    Recommender
	diagnostic Diagnostic
	scheduler  Scheduler
	store      *groupstore.Store

	clusterTag      string
	refreshInterval time.Duration
	eventsOnly      bool

	convergenceAttempts int
	convergenceInterval time.Duration

	log     logr.Logger
	metrics *metrics.Metrics
}

// New constructs a Loop with the production convergence-check defaults.
func New(
	cloud provider.Cloud,
	orch provider.Orchestrator,
	advisor Recommender,
	diagnostic Diagnostic,
	scheduler Scheduler,
	store *groupstore.Store,
	clusterTag string,
	refreshInterval time.Duration,
	eventsOnly bool,
	log logr.Logger,
) *Loop {
	return &Loop{
		cloud:               cloud,
		orch:                orch,
		advisor:             advisor,
		diagnostic:          diagnostic,
		scheduler:           scheduler,
		store:               store,
		clusterTag:          clusterTag,
		refreshInterval:     refreshInterval,
		eventsOnly:          eventsOnly,
		convergenceAttempts: DefaultConvergenceAttempts,
		convergenceInterval: DefaultConvergenceInterval,
		log:                 log.WithName("reconcile"),
	}
}

// WithConvergenceCheck overrides the bounded convergence-check timing, for
// tests.
func (l *Loop) WithConvergenceCheck(attempts int, interval time.Duration) *Loop {
	l.convergenceAttempts = attempts
	l.convergenceInterval = interval
	return l
}

// WithMetrics attaches a metrics sink; pass duration and pass-error counts
// are only reported when one has been set.
func (l *Loop) WithMetrics(m *metrics.Metrics) *Loop {
	l.metrics = m
	return l
}

// Run discovers groups, then reconciles forever: one pass, sleep
// refreshInterval, rediscover, repeat. A rediscovery failure is fatal and
// returns an error; the caller is expected to restart the
// process. Run blocks until ctx is cancelled or rediscovery fails.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.discover(ctx); err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}

	for {
		l.runPass(ctx)

		select {
		case <-time.After(l.refreshInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := l.discover(ctx); err != nil {
			return fmt.Errorf("rediscovery failed: %w", err)
		}
	}
}

// discover rebuilds the group-metadata store from scratch: enumerate
// managed groups, then repopulate each one's launch template and derived
// bid. Any failure here is unrecoverable.
func (l *Loop) discover(ctx context.Context) error {
	descriptions, err := l.cloud.DescribeManagedGroups(ctx, l.clusterTag)
	if err != nil {
		return fmt.Errorf("describe managed groups: %w", err)
	}

	groups := make([]*domain.ScalingGroup, 0, len(descriptions))
	for _, desc := range descriptions {
		lt, err := l.cloud.DescribeLaunchTemplate(ctx, desc.CurrentLaunchTemplate)
		if err != nil {
			return fmt.Errorf("describe launch template for %s: %w", desc.Name, err)
		}
		groups = append(groups, &domain.ScalingGroup{
			Name:           desc.Name,
			Description:    desc,
			LaunchTemplate: lt,
			Bid:            bidFromLaunchTemplate(lt),
			Instances:      make(map[string]domain.InstanceSnapshot),
		})
	}

	l.store.ReplaceAll(groups)
	return nil
}

func bidFromLaunchTemplate(lt domain.LaunchTemplate) domain.Bid {
	if lt.SpotPrice != "" {
		return domain.NewSpotBid(lt.SpotPrice)
	}
	return domain.NewOnDemandBid()
}

// runPass evaluates every group serially. An error from any group is
// recoverable: it is logged and the pass terminates early, leaving the
// remaining groups for the next pass.
func (l *Loop) runPass(ctx context.Context) {
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.ObservePassDuration(time.Since(start))
		}
	}()

	for _, group := range l.store.Snapshot() {
		if err := l.reconcileGroup(ctx, group); err != nil {
			l.log.Error(err, "reconciliation pass aborted", "group", group.Name)
			if l.metrics != nil {
				l.metrics.ReconcilePassErrors.Inc()
			}
			return
		}
	}
}

// reconcileGroup runs one full evaluation of a single group: refresh its
// instances, schedule replacements, and rewrite the launch template if the
// desired lifecycle diverges from the current bid.
func (l *Loop) reconcileGroup(ctx context.Context, group *domain.ScalingGroup) error {
	if err := l.populateInstances(ctx, group); err != nil {
		return fmt.Errorf("populate instances for %s: %w", group.Name, err)
	}

	l.scheduler.ScheduleReplacement(ctx, group)

	needed, err := l.updateNeeded(ctx, group)
	if err != nil {
		return fmt.Errorf("update-needed check for %s: %w", group.Name, err)
	}
	if !needed {
		return nil
	}

	group.Mu.Lock()
	currentBid := group.Bid
	policy := group.PolicyTag()
	zones := append([]string(nil), group.Description.AvailabilityZones...)
	instanceType := group.LaunchTemplate.InstanceType
	group.Mu.Unlock()

	if policy == domain.PolicyNoSpot && currentBid.Type == domain.Spot {
		return l.applyBid(ctx, group, domain.NewOnDemandBid())
	}

	newBid := l.advisor.Recommend(zones, instanceType)

	insufficient, err := l.diagnostic.IsInsufficientCapacity(ctx, group.Name)
	if err != nil {
		return fmt.Errorf("capacity diagnostic for %s: %w", group.Name, err)
	}
	if insufficient {
		newBid = domain.NewOnDemandBid()
	}

	if domain.BidsEqual(newBid, currentBid) {
		return nil
	}
	return l.applyBid(ctx, group, newBid)
}

// populateInstances re-describes the group, then describes its instances,
// retaining only running ones.
func (l *Loop) populateInstances(ctx context.Context, group *domain.ScalingGroup) error {
	desc, ok, err := provider.FindGroupByName(ctx, l.cloud, l.clusterTag, group.Name)
	if err != nil {
		return err
	}
	if !ok {
		// The group disappeared between discovery and this pass; the next
		// rediscovery will drop it from the store.
		return nil
	}

	ids := make([]string, 0, len(desc.Instances))
	for _, i := range desc.Instances {
		ids = append(ids, i.ID)
	}
	snaps, err := l.cloud.DescribeInstances(ctx, ids)
	if err != nil {
		return err
	}

	group.Mu.Lock()
	group.Description = desc
	group.Instances = make(map[string]domain.InstanceSnapshot, len(snaps))
	for _, s := range snaps {
		if s.IsRunning() {
			group.Instances[s.ID] = s
		}
	}
	group.Mu.Unlock()
	return nil
}

// updateNeeded decides whether the group's launch template must be
// rewritten. It always emits an orchestrator event, including on the
// nothing-to-do branches, and the payload reports the decision: useSpot is
// where the policy steers the group, spotPrice is the current bid's price
// when the bid is spot and a freshly queried recommendation's price when
// it is not.
func (l *Loop) updateNeeded(ctx context.Context, group *domain.ScalingGroup) (bool, error) {
	group.Mu.Lock()
	bid := group.Bid
	policy := group.PolicyTag()
	name := group.Name
	zones := append([]string(nil), group.Description.AvailabilityZones...)
	instanceType := group.LaunchTemplate.InstanceType
	group.Mu.Unlock()

	currentPrice := bid.Price
	if bid.Type != domain.Spot {
		currentPrice = l.advisor.Recommend(zones, instanceType).Price
	}

	payload := provider.EventPayload{
		APIVersion: "v1alpha1",
		SpotPrice:  currentPrice,
		UseSpot:    policy == domain.PolicyUseSpot,
	}
	if policy == domain.PolicyNoSpot && bid.Type == domain.OnDemand {
		payload.SpotPrice = ""
	}
	if err := l.orch.EmitEvent(ctx, name, payload); err != nil {
		l.log.Error(err, "emit event failed", "group", name)
	}

	var needed bool
	switch {
	case policy == domain.PolicyNoSpot && bid.Type == domain.Spot:
		needed = true
	case policy == domain.PolicyUseSpot && bid.Type == domain.OnDemand:
		needed = true
	case policy == domain.PolicyUseSpot && bid.Type == domain.Spot:
		converged, err := l.checkGroupConverged(ctx, name)
		if err != nil {
			return false, err
		}
		needed = !converged
	}

	return needed, nil
}

// checkGroupConverged polls whether the group has reached its desired
// capacity: up to convergenceAttempts tries, sleeping convergenceInterval
// between them, comparing desired capacity to healthy instance count.
func (l *Loop) checkGroupConverged(ctx context.Context, groupName string) (bool, error) {
	for attempt := 1; attempt <= l.convergenceAttempts; attempt++ {
		desc, ok, err := provider.FindGroupByName(ctx, l.cloud, l.clusterTag, groupName)
		if err != nil {
			return false, err
		}
		if ok && desc.DesiredCapacity == desc.HealthyCount() {
			return true, nil
		}

		if attempt == l.convergenceAttempts {
			break
		}
		select {
		case <-time.After(l.convergenceInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return false, nil
}

// applyBid performs the launch-template rewrite: create the new template,
// repoint the group, delete the old one, then update in-memory state.
// Under --events-only this is a pure no-op: no mutating provider call is
// made.
func (l *Loop) applyBid(ctx context.Context, group *domain.ScalingGroup, newBid domain.Bid) error {
	if l.eventsOnly {
		return nil
	}

	group.Mu.Lock()
	oldName := group.LaunchTemplate.Name
	newTemplate := domain.LaunchTemplate{
		Name:                     toggleSuffix(oldName),
		InstanceType:             group.LaunchTemplate.InstanceType,
		UserData:                 group.LaunchTemplate.UserData,
		SecurityGroupIDs:         group.LaunchTemplate.SecurityGroupIDs,
		AssociatePublicIPAddress: group.LaunchTemplate.AssociatePublicIPAddress,
	}
	if newBid.Type == domain.Spot {
		newTemplate.SpotPrice = newBid.Price
	}
	groupName := group.Name
	group.Mu.Unlock()

	if err := l.cloud.CreateLaunchTemplate(ctx, newTemplate); err != nil {
		return fmt.Errorf("create launch template %s: %w", newTemplate.Name, err)
	}
	if err := l.cloud.UpdateGroupLaunchTemplate(ctx, groupName, newTemplate.Name); err != nil {
		return fmt.Errorf("update group %s launch template: %w", groupName, err)
	}
	if err := l.cloud.DeleteLaunchTemplate(ctx, oldName); err != nil {
		// A crash or failure here leaves the prior template orphaned, but the
		// group already points at the new one.
		l.log.Error(err, "failed to delete prior launch template, now orphaned", "name", oldName)
	}

	group.Mu.Lock()
	group.LaunchTemplate.Name = newTemplate.Name
	group.LaunchTemplate.SpotPrice = newTemplate.SpotPrice
	group.Bid = newBid
	group.Mu.Unlock()
	return nil
}

// toggleSuffix alternates a -0 suffix on the template name, guaranteeing
// the new name never collides with the name being deleted in the same
// pass.
func toggleSuffix(name string) string {
	if strings.HasSuffix(name, "-0") {
		return strings.TrimSuffix(name, "-0")
	}
	return name + "-0"
}
