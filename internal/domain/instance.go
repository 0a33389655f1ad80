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

import "time"

// InstanceState mirrors the provider's instance lifecycle state. Only
// Running is meaningful to the control loop; every other value is treated
// uniformly as "not running".
type InstanceState string

const (
	InstanceRunning InstanceState = "running"
)

// InstanceSnapshot is a point-in-time view of one instance within a group.
type InstanceSnapshot struct {
	ID               string
	InstanceType     string
	AvailabilityZone string
	LaunchTime       time.Time
	Lifecycle        Lifecycle
	State            InstanceState
	Name             string
}

// IsRunning reports whether the snapshot's state is InstanceRunning.
func (s InstanceSnapshot) IsRunning() bool {
	return s.State == InstanceRunning
}
