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

// Package groupstore is the per-group metadata store (component B):
// the reconciliation loop's exclusive record of every managed scaling
// group, rebuilt from scratch on every discovery pass.
package groupstore

import (
	"sync"

	"github.com/scalewright/minionctl/internal/domain"
)

// Store holds the current generation of managed ScalingGroups, keyed by
// name. It is owned exclusively by the reconciliation loop, except for
// instance removal which the replacement scheduler performs through
// RemoveInstance — both paths serialize through the store's own mutex and
// each ScalingGroup's own mutex.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*domain.ScalingGroup
}

// New returns an empty Store.
func New() *Store {
	return &Store{groups: make(map[string]*domain.ScalingGroup)}
}

// ReplaceAll discards the current generation of groups and installs a fresh
// one. Group records never survive a discovery pass.
func (s *Store) ReplaceAll(groups []*domain.ScalingGroup) {
	next := make(map[string]*domain.ScalingGroup, len(groups))
	for _, g := range groups {
		next[g.Name] = g
	}
	s.mu.Lock()
	s.groups = next
	s.mu.Unlock()
}

// Snapshot returns the current groups in no particular order (it may differ
// between calls), safe for the caller to range over without further locking (the slice
// itself is a copy; each element is still the live, mutex-guarded group).
func (s *Store) Snapshot() []*domain.ScalingGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ScalingGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// Get returns the named group, if present.
func (s *Store) Get(name string) (*domain.ScalingGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	return g, ok
}

// AddInstances adds each snapshot to the named group, skipping duplicates
// by id. A no-op if the group is not present (it may have been dropped by a
// concurrent rediscovery).
func (s *Store) AddInstances(groupName string, snaps []domain.InstanceSnapshot) {
	g, ok := s.Get(groupName)
	if !ok {
		return
	}
	g.Mu.Lock()
	defer g.Mu.Unlock()
	for _, snap := range snaps {
		g.AddInstance(snap)
	}
}

// RemoveInstance deletes an instance from the named group by id. Safe to
// call concurrently from the replacement scheduler.
func (s *Store) RemoveInstance(groupName, instanceID string) {
	g, ok := s.Get(groupName)
	if !ok {
		return
	}
	g.Mu.Lock()
	defer g.Mu.Unlock()
	g.RemoveInstance(instanceID)
}

// PolicyTag scans the group's description tags and normalizes the
// minion-manager tag value, defaulting unrecognized or absent values to
// domain.PolicyNoSpot.
func PolicyTag(g *domain.ScalingGroup) string {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.PolicyTag()
}

// NotTerminate reports whether the group carries the not-terminate tag.
func NotTerminate(g *domain.ScalingGroup) bool {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.NotTerminate()
}
