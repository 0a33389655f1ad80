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

// Package provider is the typed facade over the cloud provider's and the
// orchestrator's APIs. Every Cloud operation implements bounded exponential
// backoff retry (see RetryConfig) and surfaces failures as typed errors
// rather than leaving callers to parse response bodies. Orchestrator
// operations are not retried: each makes a single attempt.
package provider

import (
	"context"

	"github.com/scalewright/minionctl/internal/domain"
)

// ScalingActivity is one row of a group's scaling-activity history, used by
// the capacity diagnostic.
type ScalingActivity struct {
	Progress      int
	StatusMessage string
}

// SpotRequestStatus is the status of one outstanding spot instance request.
type SpotRequestStatus struct {
	RequestID  string
	StatusCode string
}

// Cloud is the typed facade over the cloud provider's APIs. Every method
// implements the bounded retry contract internally; callers never retry.
type Cloud interface {
	// DescribeManagedGroups enumerates groups whose tags include
	// cluster-id == clusterTag and carry a minion-manager tag.
	DescribeManagedGroups(ctx context.Context, clusterTag string) ([]domain.GroupDescription, error)

	DescribeLaunchTemplate(ctx context.Context, name string) (domain.LaunchTemplate, error)
	DescribeGroupActivities(ctx context.Context, groupName string) ([]ScalingActivity, error)
	DescribeSpotRequests(ctx context.Context, ids []string) ([]SpotRequestStatus, error)
	DescribeInstances(ctx context.Context, ids []string) ([]domain.InstanceSnapshot, error)

	// CreateLaunchTemplate is idempotent: if the template already exists,
	// it returns nil rather than an AlreadyExistsError.
	CreateLaunchTemplate(ctx context.Context, spec domain.LaunchTemplate) error
	UpdateGroupLaunchTemplate(ctx context.Context, groupName, templateName string) error
	DeleteLaunchTemplate(ctx context.Context, name string) error

	TerminateInstanceInGroup(ctx context.Context, instanceID string, decrementDesired bool) error

	GetSpotPriceHistory(ctx context.Context, region string) ([]domain.SpotPricePoint, error)
	GetOnDemandPriceCatalog(ctx context.Context, region string) (OnDemandCatalog, error)
}

// Orchestrator is the typed facade over the container orchestrator's API
// used to drain nodes before termination and to emit events describing bid
// recommendations.
type Orchestrator interface {
	// DrainNode cordons and evicts workloads from the named node. Failure is
	// soft: the caller logs it and attempts Uncordon.
	DrainNode(ctx context.Context, nodeName string) error
	UncordonNode(ctx context.Context, nodeName string) error

	EmitEvent(ctx context.Context, groupName string, payload EventPayload) error

	// FindNodeByProviderInstanceID returns the orchestrator node name
	// hosting the given instance, best effort. ok is false if no match was
	// found.
	FindNodeByProviderInstanceID(ctx context.Context, instanceID string) (nodeName string, ok bool)
}

// EventPayload is the fixed-shape JSON body of an emitted SpotPriceInfo
// event.
type EventPayload struct {
	APIVersion string `json:"apiVersion"`
	SpotPrice  string `json:"spotPrice"`
	UseSpot    bool   `json:"useSpot"`
}

// FindGroupByName re-describes every managed group under clusterTag and
// returns the one matching name. Used by the reconciliation loop's
// checkGroupConverged and the replacement scheduler's post-termination
// wait, both of which need a fresh desired-capacity/healthy-count reading
// without a dedicated single-group describe operation.
func FindGroupByName(ctx context.Context, cloud Cloud, clusterTag, name string) (domain.GroupDescription, bool, error) {
	groups, err := cloud.DescribeManagedGroups(ctx, clusterTag)
	if err != nil {
		return domain.GroupDescription{}, false, err
	}
	for _, g := range groups {
		if g.Name == name {
			return g, true, nil
		}
	}
	return domain.GroupDescription{}, false, nil
}
