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

// SpotPricePoint is one observation from the provider's spot price history.
type SpotPricePoint struct {
	InstanceType     string
	AvailabilityZone string
	Price            string
	Timestamp        time.Time
}

// PriceTable holds the two independently-refreshed price caches the bid
// advisor maintains. OnDemand is keyed by instance type; Spot is an
// ordered, most-recent-first sequence of observations.
//
// A PriceTable value is a point-in-time snapshot. It carries no lock of its
// own; callers obtain a consistent snapshot from the bid advisor and then
// read it without further synchronization.
type PriceTable struct {
	OnDemand map[string]string
	Spot     []SpotPricePoint
}

// Empty reports whether either sub-table is empty. Bid recommendations
// fall back to on-demand until both tables have data.
func (t PriceTable) Empty() bool {
	return len(t.OnDemand) == 0 || len(t.Spot) == 0
}
