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

// Package bidadvisor is the bid advisor (component C): two
// concurrently-refreshed price caches that together produce lifecycle
// recommendations for a given instance type and set of availability zones.
package bidadvisor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/scalewright/minionctl/internal/domain"
	"github.com/scalewright/minionctl/internal/provider"
	"github.com/scalewright/minionctl/pkg/metrics"
)

// Default refresh intervals for the two price caches.
const (
	DefaultOnDemandInterval = 4 * time.Hour
	DefaultSpotInterval     = 15 * time.Minute
)

// spotMarginMultiplier is the margin applied to the observed max spot price
// before comparing it against the on-demand ceiling in recommend.
const spotMarginMultiplier = 1.2

// CurrentPrice is the flattened view of the price tables used for event
// emission: spot keyed by zone then instance type, on-demand keyed by
// instance type.
type CurrentPrice struct {
	Spot     map[string]map[string]string
	OnDemand map[string]string
}

// Advisor owns the price table exclusively; every other component only
// reads consistent snapshots through Recommend/CurrentPrice/Snapshot.
type Advisor struct {
	cloud  provider.Cloud
	region string
	log    logr.Logger

	onDemandInterval time.Duration
	spotInterval     time.Duration

	mu    sync.RWMutex
	table domain.PriceTable

	stopCh chan struct{}
	wg     sync.WaitGroup

	metrics *metrics.Metrics
}

// New constructs an Advisor with the default refresh intervals. Use the
// With* options to override them (chiefly for tests).
func New(cloud provider.Cloud, region string, log logr.Logger) *Advisor {
	return &Advisor{
		cloud:            cloud,
		region:           region,
		log:              log.WithName("bidadvisor"),
		onDemandInterval: DefaultOnDemandInterval,
		spotInterval:     DefaultSpotInterval,
	}
}

// WithIntervals overrides the default refresh intervals, for tests that
// need faster cycles than the production defaults.
func (a *Advisor) WithIntervals(onDemand, spot time.Duration) *Advisor {
	a.onDemandInterval = onDemand
	a.spotInterval = spot
	return a
}

// WithMetrics attaches a metrics sink; table-age and recommendation
// counters are only reported when one has been set.
func (a *Advisor) WithMetrics(m *metrics.Metrics) *Advisor {
	a.metrics = m
	return a
}

// Start spawns both refresh tasks. Each runs forever: refresh, then sleep,
// until Stop is called or ctx is cancelled.
func (a *Advisor) Start(ctx context.Context) {
	a.stopCh = make(chan struct{})
	a.wg.Add(2)
	go a.runRefresher(ctx, "on-demand", a.onDemandInterval, a.refreshOnDemand)
	go a.runRefresher(ctx, "spot", a.spotInterval, a.refreshSpot)
}

// Stop signals both refresh tasks and blocks until they have returned. No
// refresh task remains live once Stop returns.
func (a *Advisor) Stop() {
	if a.stopCh != nil {
		close(a.stopCh)
	}
	a.wg.Wait()
}

func (a *Advisor) runRefresher(ctx context.Context, name string, interval time.Duration, refresh func(context.Context) error) {
	defer a.wg.Done()
	log := a.log.WithValues("refresher", name)
	for {
		if err := refresh(ctx); err != nil {
			log.Error(err, "refresh failed, will retry next interval")
		} else {
			log.V(1).Info("refresh complete")
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

// refreshSpot queries the last hour of spot history and replaces the spot
// table atomically.
func (a *Advisor) refreshSpot(ctx context.Context) error {
	points, err := a.cloud.GetSpotPriceHistory(ctx, a.region)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.table.Spot = points
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.SetTableAge("spot", time.Now())
	}
	return nil
}

// refreshOnDemand reads the provider's on-demand catalog, applies the
// hourly-Linux-Shared row filter, and merges the result into the existing
// table in place: a missing
// or "0.00" row never erases a prior good price (invariant (a) of
// PriceTable), while a later row for the same type overwrites a prior one.
func (a *Advisor) refreshOnDemand(ctx context.Context) error {
	catalog, err := a.cloud.GetOnDemandPriceCatalog(ctx, a.region)
	if err != nil {
		return err
	}
	fresh, err := provider.ParseOnDemandCatalog(catalog, a.region)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.table.OnDemand == nil {
		a.table.OnDemand = make(map[string]string, len(fresh))
	}
	for instanceType, price := range fresh {
		a.table.OnDemand[instanceType] = price
	}
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.SetTableAge("on-demand", time.Now())
	}
	return nil
}

// snapshot returns a consistent copy of the current price table.
func (a *Advisor) snapshot() domain.PriceTable {
	a.mu.RLock()
	defer a.mu.RUnlock()

	onDemand := make(map[string]string, len(a.table.OnDemand))
	for k, v := range a.table.OnDemand {
		onDemand[k] = v
	}
	spot := make([]domain.SpotPricePoint, len(a.table.Spot))
	copy(spot, a.table.Spot)

	return domain.PriceTable{OnDemand: onDemand, Spot: spot}
}

// Snapshot exposes the current price table to callers that need more than
// a single recommendation (e.g. tests).
func (a *Advisor) Snapshot() domain.PriceTable {
	return a.snapshot()
}

// Recommend produces the bid recommendation for instanceType across zones,
// evaluated against a consistent point-in-time snapshot of the price
// tables.
func (a *Advisor) Recommend(zones []string, instanceType string) domain.Bid {
	bid := a.recommend(zones, instanceType)
	if a.metrics != nil {
		a.metrics.BidRecommendations.WithLabelValues(string(bid.Type)).Inc()
	}
	return bid
}

func (a *Advisor) recommend(zones []string, instanceType string) domain.Bid {
	table := a.snapshot()

	if table.Empty() {
		return domain.NewOnDemandBid()
	}

	od, ok := table.OnDemand[instanceType]
	if !ok {
		return domain.NewOnDemandBid()
	}
	odValue, err := strconv.ParseFloat(od, 64)
	if err != nil {
		return domain.NewOnDemandBid()
	}

	zoneSet := make(map[string]struct{}, len(zones))
	for _, z := range zones {
		zoneSet[z] = struct{}{}
	}

	var maxSpot float64
	found := false
	for _, p := range table.Spot {
		if p.InstanceType != instanceType {
			continue
		}
		if _, inZone := zoneSet[p.AvailabilityZone]; !inZone {
			continue
		}
		value, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			continue
		}
		// Ties resolve by first-seen order: only a strictly greater value
		// replaces the current max.
		if !found || value > maxSpot {
			maxSpot = value
			found = true
		}
	}
	if !found {
		return domain.NewOnDemandBid()
	}

	if maxSpot*spotMarginMultiplier < odValue {
		return domain.NewSpotBid(od)
	}
	return domain.NewOnDemandBid()
}

// CurrentPrice returns the current tables reshaped for event emission.
func (a *Advisor) CurrentPrice() CurrentPrice {
	table := a.snapshot()

	cp := CurrentPrice{
		Spot:     make(map[string]map[string]string),
		OnDemand: make(map[string]string, len(table.OnDemand)),
	}
	for k, v := range table.OnDemand {
		cp.OnDemand[k] = v
	}
	for _, p := range table.Spot {
		byType, ok := cp.Spot[p.AvailabilityZone]
		if !ok {
			byType = make(map[string]string)
			cp.Spot[p.AvailabilityZone] = byType
		}
		byType[p.InstanceType] = p.Price
	}
	return cp
}
