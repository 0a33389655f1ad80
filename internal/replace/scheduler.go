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

// Package replace is the instance-replacement scheduler (component E): it
// fans out per-instance termination tasks bounded by a per-group
// concurrency cap, respecting an orchestrator-level drain before each
// termination.
package replace

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/scalewright/minionctl/internal/domain"
	"github.com/scalewright/minionctl/internal/groupstore"
	"github.com/scalewright/minionctl/internal/provider"
	"github.com/scalewright/minionctl/pkg/metrics"
)

// Scheduler timing and sizing defaults. TerminatePercentage bounds how
// much of a group's desired capacity may be mid-replacement at once.
const (
	DefaultTerminatePercentage = 50
	DefaultSecondsBeforeCheck  = 10 * time.Second
	DefaultPostTerminationWait = 180 * time.Second
	DefaultConvergencePoll     = 60 * time.Second
)

// Recommender is the subset of the bid advisor the scheduler needs to
// re-evaluate a pending termination immediately before it executes.
type Recommender interface {
	Recommend(zones []string, instanceType string) domain.Bid
}

// Scheduler owns the pending-terminations map exclusively; ScalingGroup
// instance mutation goes through groupstore.Store.RemoveInstance, which is
// itself per-group-mutex protected.
type Scheduler struct {
	cloud      provider.Cloud
	orch       provider.Orchestrator
	advisor    Recommender
	store      *groupstore.Store
	clusterTag string
	log        logr.Logger

	eventsOnly          bool
	terminatePercentage int
	secondsBeforeCheck  time.Duration
	postTerminationWait time.Duration
	convergencePoll     time.Duration

	mu      sync.Mutex
	pending map[string]*domain.PendingTermination

	metrics *metrics.Metrics
}

// New constructs a Scheduler with the production defaults.
func New(cloud provider.Cloud, orch provider.Orchestrator, advisor Recommender, store *groupstore.Store, clusterTag string, eventsOnly bool, log logr.Logger) *Scheduler {
	return &Scheduler{
		cloud:               cloud,
		orch:                orch,
		advisor:             advisor,
		store:               store,
		clusterTag:          clusterTag,
		eventsOnly:          eventsOnly,
		terminatePercentage: DefaultTerminatePercentage,
		secondsBeforeCheck:  DefaultSecondsBeforeCheck,
		postTerminationWait: DefaultPostTerminationWait,
		convergencePoll:     DefaultConvergencePoll,
		log:                 log.WithName("replace"),
		pending:             make(map[string]*domain.PendingTermination),
	}
}

// WithTimings overrides the scheduler's timers, for tests.
func (s *Scheduler) WithTimings(secondsBeforeCheck, postTerminationWait, convergencePoll time.Duration) *Scheduler {
	s.secondsBeforeCheck = secondsBeforeCheck
	s.postTerminationWait = postTerminationWait
	s.convergencePoll = convergencePoll
	return s
}

// WithTerminatePercentage overrides the default terminate percentage.
func (s *Scheduler) WithTerminatePercentage(pct int) *Scheduler {
	s.terminatePercentage = pct
	return s
}

// WithMetrics attaches a metrics sink; termination counts, abort counts, and
// semaphore saturation are only reported when one has been set.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// clampSlots sizes a group's replacement semaphore: pct is clamped to
// (0, 100] before the multiply, and the rounded result is clamped to
// >= 1 (and, separately, <= desired) after.
func clampSlots(desired, pct int) int {
	if pct <= 0 {
		pct = 1
	}
	if pct > 100 {
		pct = 100
	}
	slots := int(math.Round(float64(desired) * float64(pct) / 100.0))
	if slots < 1 {
		slots = 1
	}
	if slots > desired {
		slots = desired
	}
	return slots
}

func (s *Scheduler) hasPending(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[instanceID]
	return ok
}

func (s *Scheduler) registerPending(pt *domain.PendingTermination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pt.InstanceID] = pt
}

func (s *Scheduler) removePending(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pt, ok := s.pending[instanceID]; ok {
		if pt.Timer != nil {
			pt.Timer.Stop()
		}
		delete(s.pending, instanceID)
	}
}

// PendingCount reports the number of outstanding pending terminations,
// exposed for observability and tests.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func lifecycleMatchesPolicy(lifecycle domain.Lifecycle, policy string) bool {
	return (lifecycle == domain.Spot && policy == domain.PolicyUseSpot) ||
		(lifecycle == domain.OnDemand && policy == domain.PolicyNoSpot)
}

// ScheduleReplacement walks the group's instances and registers a
// termination timer for every instance whose lifecycle no longer matches
// the group's policy. It constructs a fresh semaphore for this call (never
// stored across passes).
func (s *Scheduler) ScheduleReplacement(ctx context.Context, group *domain.ScalingGroup) {
	group.Mu.Lock()
	desired := group.Description.DesiredCapacity
	zones := append([]string(nil), group.Description.AvailabilityZones...)
	notTerminate := group.NotTerminate()
	policy := group.PolicyTag()
	instances := make([]domain.InstanceSnapshot, 0, len(group.Instances))
	for _, inst := range group.Instances {
		instances = append(instances, inst)
	}
	groupName := group.Name
	group.Mu.Unlock()

	if notTerminate || s.eventsOnly {
		return
	}
	if desired <= 0 {
		return
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	slots := clampSlots(desired, s.terminatePercentage)
	sem := semaphore.NewWeighted(int64(slots))
	inUse := new(int64)

	for _, inst := range instances {
		if lifecycleMatchesPolicy(inst.Lifecycle, policy) {
			continue
		}
		if !inst.IsRunning() {
			continue
		}
		if s.hasPending(inst.ID) {
			continue
		}

		instanceID := inst.ID
		pt := &domain.PendingTermination{InstanceID: instanceID, GroupName: groupName}
		pt.Timer = time.AfterFunc(s.secondsBeforeCheck, func() {
			s.terminate(ctx, instanceID, groupName, zones, sem, slots, inUse)
		})
		s.registerPending(pt)
	}
}

// reportSaturation records the fraction of slots currently in use for
// groupName. Called after every semaphore acquire/release.
func (s *Scheduler) reportSaturation(groupName string, slots int, inUse *int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.SemaphoreSaturation.WithLabelValues(groupName).Set(float64(atomic.LoadInt64(inUse)) / float64(slots))
}

// terminate drains and terminates one instance, then holds its semaphore
// slot until the group has replaced it. Every exit path removes the
// PendingTermination; the semaphore is only released on paths that
// successfully acquired it.
func (s *Scheduler) terminate(ctx context.Context, instanceID, groupName string, zones []string, sem *semaphore.Weighted, slots int, inUse *int64) {
	defer s.removePending(instanceID)
	log := s.log.WithValues("instance", instanceID, "group", groupName)

	abort := func(reason string) {
		if s.metrics != nil {
			s.metrics.TerminationAborts.WithLabelValues(groupName, reason).Inc()
		}
	}

	group, ok := s.store.Get(groupName)
	if !ok {
		return
	}

	group.Mu.Lock()
	inst, exists := group.Instances[instanceID]
	notTerminate := group.NotTerminate()
	policy := group.PolicyTag()
	group.Mu.Unlock()

	if !exists || notTerminate || s.eventsOnly {
		return
	}
	if lifecycleMatchesPolicy(inst.Lifecycle, policy) {
		return
	}
	if !inst.IsRunning() {
		return
	}

	fresh := s.advisor.Recommend(zones, inst.InstanceType)
	if policy == domain.PolicyUseSpot && inst.Lifecycle == domain.OnDemand && fresh.Type == domain.OnDemand {
		log.Info("aborting termination, market no longer supports spot")
		abort("market-reverted")
		return
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	atomic.AddInt64(inUse, 1)
	s.reportSaturation(groupName, slots, inUse)
	acquired := true
	defer func() {
		if acquired {
			atomic.AddInt64(inUse, -1)
			s.reportSaturation(groupName, slots, inUse)
			sem.Release(1)
		}
	}()

	if nodeName, found := s.orch.FindNodeByProviderInstanceID(ctx, instanceID); found {
		if err := s.orch.DrainNode(ctx, nodeName); err != nil {
			log.Error(err, "drain failed, attempting uncordon")
			if uerr := s.orch.UncordonNode(ctx, nodeName); uerr == nil {
				log.Info("uncordon succeeded, aborting termination this cycle")
				abort("drain-failed-uncordoned")
				return
			}
			log.Info("uncordon also failed, proceeding with termination")
		}
	}

	if err := s.cloud.TerminateInstanceInGroup(ctx, instanceID, false); err != nil {
		log.Error(err, "terminate instance failed")
		abort("terminate-api-error")
		return
	}
	s.store.RemoveInstance(groupName, instanceID)
	if s.metrics != nil {
		s.metrics.TerminationsTotal.WithLabelValues(groupName).Inc()
	}

	select {
	case <-time.After(s.postTerminationWait):
	case <-ctx.Done():
		return
	}
	s.waitForConvergence(ctx, groupName)
}

// waitForConvergence blocks until the group's desired capacity equals its
// healthy instance count, polling at convergencePoll. Unlike the
// reconciliation loop's bounded checkGroupConverged, this wait is
// unbounded but interruptible by ctx cancellation, so a process shutdown
// does not hang indefinitely on it.
func (s *Scheduler) waitForConvergence(ctx context.Context, groupName string) {
	for {
		desc, ok, err := provider.FindGroupByName(ctx, s.cloud, s.clusterTag, groupName)
		if err != nil {
			s.log.Error(err, "convergence check failed, will retry", "group", groupName)
		} else if !ok {
			return
		} else if desc.DesiredCapacity == desc.HealthyCount() {
			return
		}

		select {
		case <-time.After(s.convergencePoll):
		case <-ctx.Done():
			return
		}
	}
}
