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
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scalewright/minionctl/internal/bidadvisor"
	"github.com/scalewright/minionctl/internal/capacity"
	"github.com/scalewright/minionctl/internal/domain"
	"github.com/scalewright/minionctl/internal/groupstore"
	"github.com/scalewright/minionctl/internal/provider"
	"github.com/scalewright/minionctl/internal/reconcile"
	"github.com/scalewright/minionctl/internal/replace"
)

// runOnePass brings up the reconciliation loop against cloud/orch, lets it
// complete exactly one discovery + pass, then stops it via context timeout
// (the loop's own refreshInterval is set far longer so only the deadline
// can interrupt it).
func runOnePass(cloud *fakeCloud, orch *fakeOrchestrator, advisor *bidadvisor.Advisor, diagnostic *capacity.Diagnostic, scheduler *replace.Scheduler, store *groupstore.Store, clusterTag string, eventsOnly bool) {
	loop := reconcile.New(cloud, orch, advisor, diagnostic, scheduler, store, clusterTag, time.Hour, eventsOnly, logr.Discard()).
		WithConvergenceCheck(1, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)
}

var _ = Describe("upgrade on-demand to spot", func() {
	// Group tagged use-spot, template has no SpotPrice, and the
	// market favors spot by more than the margin.
	It("creates a new template, points the group at it, and deletes the old one", func() {
		cloud := newFakeCloud()
		orch := newFakeOrchestrator()
		store := groupstore.New()

		cloud.groups["workers"] = domain.GroupDescription{
			Name:                  "workers",
			DesiredCapacity:       1,
			AvailabilityZones:     []string{"us-west-2a"},
			CurrentLaunchTemplate: "workers-lt",
			Tags:                  map[string]string{domain.TagPolicy: domain.PolicyUseSpot},
		}
		cloud.launchTemplates["workers-lt"] = domain.LaunchTemplate{Name: "workers-lt", InstanceType: "m3.large"}
		cloud.onDemand.Documents = []string{onDemandDoc("m3.large", "0.10")}
		cloud.spotHistory = []domain.SpotPricePoint{{InstanceType: "m3.large", AvailabilityZone: "us-west-2a", Price: "0.05"}}

		advisor := bidadvisor.New(cloud, "us-west-2", logr.Discard()).WithIntervals(time.Hour, time.Hour)
		advisor.Start(context.Background())
		defer advisor.Stop()
		Eventually(func() bool { return advisor.Snapshot().Empty() }, time.Second, 5*time.Millisecond).Should(BeFalse())

		diagnostic := capacity.New(cloud, logr.Discard())
		scheduler := replace.New(cloud, orch, advisor, store, "test-cluster", false, logr.Discard())

		runOnePass(cloud, orch, advisor, diagnostic, scheduler, store, "test-cluster", false)

		Expect(cloud.createdTemplates).To(HaveLen(1))
		Expect(cloud.createdTemplates[0].SpotPrice).To(Equal("0.10"))
		Expect(cloud.updatedGroups["workers"]).To(Equal(cloud.createdTemplates[0].Name))
		Expect(cloud.deletedTemplates).To(ContainElement("workers-lt"))
	})
})

var _ = Describe("downgrade on insufficient capacity", func() {
	// Same group as the upgrade case, but an incomplete scaling activity carries the
	// insufficient-capacity literal.
	It("forces an on-demand bid regardless of market price", func() {
		cloud := newFakeCloud()
		orch := newFakeOrchestrator()
		store := groupstore.New()

		cloud.groups["workers"] = domain.GroupDescription{
			Name:                  "workers",
			DesiredCapacity:       1,
			AvailabilityZones:     []string{"us-west-2a"},
			CurrentLaunchTemplate: "workers-lt",
			Tags:                  map[string]string{domain.TagPolicy: domain.PolicyUseSpot},
			// No healthy instances reported: the group has not converged on
			// its desired capacity, which is what makes updateNeeded true for
			// an already-spot group.
			Instances: nil,
		}
		cloud.launchTemplates["workers-lt"] = domain.LaunchTemplate{Name: "workers-lt", InstanceType: "m3.large", SpotPrice: "0.08"}
		cloud.onDemand.Documents = []string{onDemandDoc("m3.large", "0.10")}
		cloud.spotHistory = []domain.SpotPricePoint{{InstanceType: "m3.large", AvailabilityZone: "us-west-2a", Price: "0.05"}}
		cloud.activities["workers"] = []provider.ScalingActivity{{
			Progress:      20,
			StatusMessage: "We currently do not have sufficient m3.large capacity in the Availability Zone you requested",
		}}

		advisor := bidadvisor.New(cloud, "us-west-2", logr.Discard()).WithIntervals(time.Hour, time.Hour)
		advisor.Start(context.Background())
		defer advisor.Stop()
		Eventually(func() bool { return advisor.Snapshot().Empty() }, time.Second, 5*time.Millisecond).Should(BeFalse())

		diagnostic := capacity.New(cloud, logr.Discard())
		scheduler := replace.New(cloud, orch, advisor, store, "test-cluster", false, logr.Discard())

		runOnePass(cloud, orch, advisor, diagnostic, scheduler, store, "test-cluster", false)

		Expect(cloud.createdTemplates).To(HaveLen(1))
		Expect(cloud.createdTemplates[0].SpotPrice).To(BeEmpty())
	})
})

var _ = Describe("policy reverted to no-spot while running spot", func() {
	// No bid-advisor input is needed to force the downgrade.
	It("forces on-demand without consulting the price tables", func() {
		cloud := newFakeCloud()
		orch := newFakeOrchestrator()
		store := groupstore.New()

		cloud.groups["workers"] = domain.GroupDescription{
			Name:                  "workers",
			DesiredCapacity:       1,
			AvailabilityZones:     []string{"us-west-2a"},
			CurrentLaunchTemplate: "workers-lt",
			Tags:                  map[string]string{domain.TagPolicy: domain.PolicyNoSpot},
		}
		cloud.launchTemplates["workers-lt"] = domain.LaunchTemplate{Name: "workers-lt", InstanceType: "m3.large", SpotPrice: "0.10"}

		advisor := bidadvisor.New(cloud, "us-west-2", logr.Discard()).WithIntervals(time.Hour, time.Hour)
		diagnostic := capacity.New(cloud, logr.Discard())
		scheduler := replace.New(cloud, orch, advisor, store, "test-cluster", false, logr.Discard())

		runOnePass(cloud, orch, advisor, diagnostic, scheduler, store, "test-cluster", false)

		Expect(cloud.createdTemplates).To(HaveLen(1))
		Expect(cloud.createdTemplates[0].SpotPrice).To(BeEmpty())
	})
})

var _ = Describe("replacement scheduling cap", func() {
	// desired=3, terminatePercentage=60 -> 2 slots.
	It("terminates at most the semaphore cap concurrently", func() {
		cloud := newFakeCloud()
		orch := newFakeOrchestrator()
		store := groupstore.New()

		cloud.onDemand.Documents = []string{onDemandDoc("m3.large", "0.10")}
		cloud.spotHistory = []domain.SpotPricePoint{{InstanceType: "m3.large", AvailabilityZone: "us-west-2a", Price: "0.05"}}
		advisor := bidadvisor.New(cloud, "us-west-2", logr.Discard()).WithIntervals(time.Hour, time.Hour)
		advisor.Start(context.Background())
		defer advisor.Stop()
		Eventually(func() bool { return advisor.Snapshot().Empty() }, time.Second, 5*time.Millisecond).Should(BeFalse())

		group := &domain.ScalingGroup{
			Name: "workers",
			Description: domain.GroupDescription{
				DesiredCapacity:   3,
				AvailabilityZones: []string{"us-west-2a"},
				Tags:              map[string]string{domain.TagPolicy: domain.PolicyUseSpot},
			},
			Instances: map[string]domain.InstanceSnapshot{
				"i-1": {ID: "i-1", InstanceType: "m3.large", Lifecycle: domain.OnDemand, State: domain.InstanceRunning},
				"i-2": {ID: "i-2", InstanceType: "m3.large", Lifecycle: domain.OnDemand, State: domain.InstanceRunning},
				"i-3": {ID: "i-3", InstanceType: "m3.large", Lifecycle: domain.OnDemand, State: domain.InstanceRunning},
			},
		}
		store.ReplaceAll([]*domain.ScalingGroup{group})

		scheduler := replace.New(cloud, orch, advisor, store, "test-cluster", false, logr.Discard()).
			WithTerminatePercentage(60).
			WithTimings(10*time.Millisecond, time.Hour, time.Hour)
		scheduler.ScheduleReplacement(context.Background(), group)

		Eventually(cloud.terminatedCount, time.Second, 5*time.Millisecond).Should(Equal(2))
		Consistently(cloud.terminatedCount, 50*time.Millisecond, 10*time.Millisecond).Should(Equal(2))
	})
})

var _ = Describe("not-terminate tag honored", func() {
	// Same setup as the concurrency-cap case, but not-terminate blocks every
	// termination.
	It("schedules zero terminations", func() {
		cloud := newFakeCloud()
		orch := newFakeOrchestrator()
		store := groupstore.New()
		advisor := bidadvisor.New(cloud, "us-west-2", logr.Discard())

		group := &domain.ScalingGroup{
			Name: "workers",
			Description: domain.GroupDescription{
				DesiredCapacity:   3,
				AvailabilityZones: []string{"us-west-2a"},
				Tags: map[string]string{
					domain.TagPolicy:       domain.PolicyUseSpot,
					domain.TagNotTerminate: domain.NotTerminateTrue,
				},
			},
			Instances: map[string]domain.InstanceSnapshot{
				"i-1": {ID: "i-1", InstanceType: "m3.large", Lifecycle: domain.OnDemand, State: domain.InstanceRunning},
			},
		}
		store.ReplaceAll([]*domain.ScalingGroup{group})

		scheduler := replace.New(cloud, orch, advisor, store, "test-cluster", false, logr.Discard()).
			WithTimings(10*time.Millisecond, time.Hour, time.Hour)
		scheduler.ScheduleReplacement(context.Background(), group)

		Consistently(cloud.terminatedCount, 50*time.Millisecond, 10*time.Millisecond).Should(Equal(0))
	})
})

var _ = Describe("on-demand catalog parsing", func() {
	// Two accepted rows for the same type (later wins), a
	// zero-priced row that must never overwrite, and a row rejected by
	// rate-code suffix, all flowing through the advisor's own refresh.
	It("keeps the last accepted non-zero price per instance type", func() {
		cloud := newFakeCloud()
		cloud.onDemand.Documents = []string{
			onDemandDocRated("m5.4xlarge", "sku.JRTCKXETXF.6YS6EN2CT7", "0.453"),
			onDemandDocRated("m5.4xlarge", "sku.JRTCKXETXF.6YS6EN2CT7", "0.658"),
			onDemandDocRated("m5.4xlarge", "sku.JRTCKXETXF.6YS6EN2CT7", "0.00"),
			onDemandDocRated("m5.4xlarge", "X", "9.99"),
		}
		cloud.spotHistory = []domain.SpotPricePoint{{InstanceType: "m5.4xlarge", AvailabilityZone: "us-west-2a", Price: "0.10"}}

		advisor := bidadvisor.New(cloud, "us-west-2", logr.Discard()).WithIntervals(time.Hour, time.Hour)
		advisor.Start(context.Background())
		defer advisor.Stop()
		Eventually(func() bool { return advisor.Snapshot().Empty() }, time.Second, 5*time.Millisecond).Should(BeFalse())

		Expect(advisor.CurrentPrice().OnDemand["m5.4xlarge"]).To(Equal("0.658"))
	})
})

func onDemandDoc(instanceType, price string) string {
	return onDemandDocRated(instanceType, "sku.JRTCKXETXF.6YS6EN2CT7", price)
}

func onDemandDocRated(instanceType, rateCode, price string) string {
	return `{"product":{"attributes":{"instanceType":"` + instanceType + `","location":"US West (Oregon)","operatingSystem":"Linux","preInstalledSw":"NA","tenancy":"Shared","capacitystatus":"Used"}},"terms":{"OnDemand":{"sku.JRTCKXETXF":{"priceDimensions":{"` + rateCode + `":{"rateCode":"` + rateCode + `","unit":"Hrs","pricePerUnit":{"USD":"` + price + `"}}}}}}}`
}
