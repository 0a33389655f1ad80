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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupDescription_HealthyCount(t *testing.T) {
	d := GroupDescription{Instances: []GroupInstanceSummary{
		{ID: "i-1", Healthy: true},
		{ID: "i-2", Healthy: false},
		{ID: "i-3", Healthy: true},
	}}
	assert.Equal(t, 2, d.HealthyCount())
}

func TestScalingGroup_PolicyTag(t *testing.T) {
	cases := []struct {
		name string
		tags map[string]string
		want string
	}{
		{"use-spot", map[string]string{TagPolicy: PolicyUseSpot}, PolicyUseSpot},
		{"no-spot", map[string]string{TagPolicy: PolicyNoSpot}, PolicyNoSpot},
		{"unknown value defaults to no-spot", map[string]string{TagPolicy: "bogus"}, PolicyNoSpot},
		{"absent tag defaults to no-spot", map[string]string{}, PolicyNoSpot},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g := &ScalingGroup{Description: GroupDescription{Tags: c.tags}}
			assert.Equal(t, c.want, g.PolicyTag())
		})
	}
}

func TestScalingGroup_NotTerminate(t *testing.T) {
	g := &ScalingGroup{Description: GroupDescription{Tags: map[string]string{TagNotTerminate: NotTerminateTrue}}}
	assert.True(t, g.NotTerminate())

	g2 := &ScalingGroup{Description: GroupDescription{Tags: map[string]string{}}}
	assert.False(t, g2.NotTerminate())
}

func TestScalingGroup_AddInstance_IgnoresDuplicateID(t *testing.T) {
	g := &ScalingGroup{}
	g.AddInstance(InstanceSnapshot{ID: "i-1", InstanceType: "m5.large"})
	g.AddInstance(InstanceSnapshot{ID: "i-1", InstanceType: "m5.xlarge"})

	assert.Len(t, g.Instances, 1)
	assert.Equal(t, "m5.large", g.Instances["i-1"].InstanceType, "first insert wins")
}

func TestScalingGroup_RemoveInstance(t *testing.T) {
	g := &ScalingGroup{Instances: map[string]InstanceSnapshot{"i-1": {ID: "i-1"}}}
	g.RemoveInstance("i-1")
	assert.Empty(t, g.Instances)

	g.RemoveInstance("does-not-exist")
}
