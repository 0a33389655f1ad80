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

package domain

import "sync"

// Tag keys read (never written) on a managed scaling group.
const (
	TagClusterID     = "cluster-id"
	TagPolicy        = "minion-manager"
	TagNotTerminate  = "minion-manager/not-terminate"
	PolicyUseSpot    = "use-spot"
	PolicyNoSpot     = "no-spot"
	NotTerminateTrue = "true"
)

// LaunchTemplate is the opaque-to-us provider payload describing how new
// instances in a group are provisioned. UserData is carried verbatim and
// MUST NOT be reinterpreted or modified by anything in this module.
type LaunchTemplate struct {
	Name                     string
	InstanceType             string
	UserData                 []byte
	SecurityGroupIDs         []string
	SpotPrice                string // empty means on-demand
	AssociatePublicIPAddress *bool  // nil means "unset in source template", passed through as unset
}

// GroupInstanceSummary is the minimal per-instance health view carried on a
// GroupDescription, used to tell whether a group has converged on its
// desired capacity after a termination or launch-template change.
type GroupInstanceSummary struct {
	ID      string
	Healthy bool
}

// GroupDescription is the opaque-to-us provider payload returned by
// describeManagedGroups: desired capacity,
// availability zones, the current launch template name, instance
// summaries, and tags.
type GroupDescription struct {
	Name                  string
	DesiredCapacity       int
	AvailabilityZones     []string
	CurrentLaunchTemplate string
	Instances             []GroupInstanceSummary
	Tags                  map[string]string
}

// HealthyCount returns the number of instance summaries reporting healthy.
func (d GroupDescription) HealthyCount() int {
	n := 0
	for _, i := range d.Instances {
		if i.Healthy {
			n++
		}
	}
	return n
}

// ScalingGroup is the mutable per-group record owned exclusively by the
// reconciliation loop, except for Instances removal which the replacement
// scheduler performs through RemoveInstance. All mutation of a given
// ScalingGroup must hold its Mu.
type ScalingGroup struct {
	Mu sync.Mutex

	Name           string
	Description    GroupDescription
	LaunchTemplate LaunchTemplate
	Bid            Bid
	Instances      map[string]InstanceSnapshot
}

// PolicyTag normalizes the group's minion-manager tag to either
// PolicyUseSpot or PolicyNoSpot, defaulting unknown or absent values to
// PolicyNoSpot.
func (g *ScalingGroup) PolicyTag() string {
	v, ok := g.Description.Tags[TagPolicy]
	if !ok || (v != PolicyUseSpot && v != PolicyNoSpot) {
		return PolicyNoSpot
	}
	return v
}

// NotTerminate reports whether the group carries the not-terminate tag.
func (g *ScalingGroup) NotTerminate() bool {
	return g.Description.Tags[TagNotTerminate] == NotTerminateTrue
}

// AddInstance inserts snap if no instance with the same ID is already
// present. Callers must hold g.Mu.
func (g *ScalingGroup) AddInstance(snap InstanceSnapshot) {
	if g.Instances == nil {
		g.Instances = make(map[string]InstanceSnapshot)
	}
	if _, exists := g.Instances[snap.ID]; exists {
		return
	}
	g.Instances[snap.ID] = snap
}

// RemoveInstance deletes an instance from the group by id. Safe to call
// from the replacement scheduler; callers must hold g.Mu.
func (g *ScalingGroup) RemoveInstance(id string) {
	delete(g.Instances, id)
}
