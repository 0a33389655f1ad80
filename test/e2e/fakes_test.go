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

package e2e

import (
	"context"
	"sync"

	"github.com/scalewright/minionctl/internal/domain"
	"github.com/scalewright/minionctl/internal/provider"
)

// fakeCloud is a hand-written call-recording provider.Cloud: no mocking
// framework, just a struct whose fields the tests configure directly.
type fakeCloud struct {
	mu sync.Mutex

	groups          map[string]domain.GroupDescription
	launchTemplates map[string]domain.LaunchTemplate
	instances       map[string][]domain.InstanceSnapshot
	activities      map[string][]provider.ScalingActivity
	spotRequests    map[string]provider.SpotRequestStatus
	spotHistory     []domain.SpotPricePoint
	onDemand        provider.OnDemandCatalog

	createdTemplates []domain.LaunchTemplate
	updatedGroups    map[string]string
	deletedTemplates []string
	terminated       []string
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		groups:          make(map[string]domain.GroupDescription),
		launchTemplates: make(map[string]domain.LaunchTemplate),
		instances:       make(map[string][]domain.InstanceSnapshot),
		activities:      make(map[string][]provider.ScalingActivity),
		spotRequests:    make(map[string]provider.SpotRequestStatus),
		updatedGroups:   make(map[string]string),
	}
}

func (f *fakeCloud) DescribeManagedGroups(ctx context.Context, clusterTag string) ([]domain.GroupDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.GroupDescription, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeCloud) DescribeLaunchTemplate(ctx context.Context, name string) (domain.LaunchTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launchTemplates[name], nil
}

func (f *fakeCloud) DescribeGroupActivities(ctx context.Context, groupName string) ([]provider.ScalingActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activities[groupName], nil
}

func (f *fakeCloud) DescribeSpotRequests(ctx context.Context, ids []string) ([]provider.SpotRequestStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.SpotRequestStatus, 0, len(ids))
	for _, id := range ids {
		if s, ok := f.spotRequests[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeCloud) DescribeInstances(ctx context.Context, ids []string) ([]domain.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []domain.InstanceSnapshot
	for _, snaps := range f.instances {
		for _, s := range snaps {
			if wanted[s.ID] {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeCloud) CreateLaunchTemplate(ctx context.Context, spec domain.LaunchTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchTemplates[spec.Name] = spec
	f.createdTemplates = append(f.createdTemplates, spec)
	return nil
}

func (f *fakeCloud) UpdateGroupLaunchTemplate(ctx context.Context, groupName, templateName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedGroups[groupName] = templateName
	g := f.groups[groupName]
	g.CurrentLaunchTemplate = templateName
	f.groups[groupName] = g
	return nil
}

func (f *fakeCloud) DeleteLaunchTemplate(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.launchTemplates, name)
	f.deletedTemplates = append(f.deletedTemplates, name)
	return nil
}

func (f *fakeCloud) TerminateInstanceInGroup(ctx context.Context, instanceID string, decrementDesired bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func (f *fakeCloud) GetSpotPriceHistory(ctx context.Context, region string) ([]domain.SpotPricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spotHistory, nil
}

func (f *fakeCloud) GetOnDemandPriceCatalog(ctx context.Context, region string) (provider.OnDemandCatalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onDemand, nil
}

func (f *fakeCloud) terminatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

// fakeOrchestrator is a hand-written call-recording provider.Orchestrator.
type fakeOrchestrator struct {
	mu         sync.Mutex
	drained    []string
	uncordoned []string
	events     []provider.EventPayload
	drainErrs  map[string]error
	nodeByInst map[string]string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		drainErrs:  make(map[string]error),
		nodeByInst: make(map[string]string),
	}
}

func (f *fakeOrchestrator) DrainNode(ctx context.Context, nodeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = append(f.drained, nodeName)
	return f.drainErrs[nodeName]
}

func (f *fakeOrchestrator) UncordonNode(ctx context.Context, nodeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uncordoned = append(f.uncordoned, nodeName)
	return nil
}

func (f *fakeOrchestrator) EmitEvent(ctx context.Context, groupName string, payload provider.EventPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload)
	return nil
}

func (f *fakeOrchestrator) FindNodeByProviderInstanceID(ctx context.Context, instanceID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodeByInst[instanceID]
	return n, ok
}
