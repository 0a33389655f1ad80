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

// Package capacity is the insufficient-capacity detector (component D): it
// inspects a group's scaling-activity history and outstanding spot-request
// statuses for signals that the market cannot satisfy spot demand.
package capacity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-logr/logr"

	"github.com/scalewright/minionctl/internal/provider"
)

const (
	insufficientCapacityLiteralA = "We currently do not have sufficient"
	insufficientCapacityLiteralB = "capacity in the Availability Zone you requested"
)

var spotRequestPlacedPattern = regexp.MustCompile(`Placed Spot instance request: (sir-[A-Za-z0-9]+)\. Waiting for instance\(s\)`)

const (
	statusCapacityOversubscribed = "capacity-oversubscribed"
	statusCapacityNotAvailable   = "capacity-not-available"
)

// Diagnostic wraps the provider adapter calls isInsufficientCapacity needs.
type Diagnostic struct {
	cloud provider.Cloud
	log   logr.Logger
}

// New constructs a Diagnostic.
func New(cloud provider.Cloud, log logr.Logger) *Diagnostic {
	return &Diagnostic{cloud: cloud, log: log.WithName("capacity")}
}

// IsInsufficientCapacity reports whether the market cannot currently
// satisfy the group's spot demand: a completed activity
// (progress == 100) never signals insufficient capacity regardless of its
// message; an incomplete one does if its message carries the literal
// capacity-shortage substrings, or if it references a spot request whose
// status code is capacity-oversubscribed or capacity-not-available.
func (d *Diagnostic) IsInsufficientCapacity(ctx context.Context, groupName string) (bool, error) {
	activities, err := d.cloud.DescribeGroupActivities(ctx, groupName)
	if err != nil {
		return false, fmt.Errorf("describe group activities for %s: %w", groupName, err)
	}

	var pendingSpotRequestIDs []string
	for _, a := range activities {
		if a.Progress == 100 {
			continue
		}
		if strings.Contains(a.StatusMessage, insufficientCapacityLiteralA) &&
			strings.Contains(a.StatusMessage, insufficientCapacityLiteralB) {
			return true, nil
		}
		if m := spotRequestPlacedPattern.FindStringSubmatch(a.StatusMessage); m != nil {
			pendingSpotRequestIDs = append(pendingSpotRequestIDs, m[1])
		}
	}

	if len(pendingSpotRequestIDs) == 0 {
		return false, nil
	}

	statuses, err := d.cloud.DescribeSpotRequests(ctx, pendingSpotRequestIDs)
	if err != nil {
		return false, fmt.Errorf("describe spot requests for %s: %w", groupName, err)
	}
	for _, s := range statuses {
		if s.StatusCode == statusCapacityOversubscribed || s.StatusCode == statusCapacityNotAvailable {
			return true, nil
		}
	}
	return false, nil
}
