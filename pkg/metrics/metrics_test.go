/*
Copyright 2025 Lumina Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ControllerRunning.Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ControllerRunning), 0.0001)
}

func TestObservePassDuration(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObservePassDuration(250 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReconcilePassDuration))
}

func TestSetTableAge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetTableAge("spot", time.Now().Add(-90*time.Second))
	age := testutil.ToFloat64(m.BidTableAge.WithLabelValues("spot"))
	assert.InDelta(t, 90, age, 1)
}
