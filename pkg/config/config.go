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

// Package config holds the typed, validated configuration value every
// component of minionctl is constructed with. Populating the struct from
// CLI flags is a thin main-level concern; everything downstream only ever
// sees a Config that has passed Validate.
package config

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultRefreshInterval is the reconciliation loop's default wake-up
// interval when --refresh-interval-seconds is not set.
const DefaultRefreshInterval = 300 * time.Second

// DefaultEventNamespace is the orchestrator namespace used for emitted
// events when EVENT_NAMESPACE is unset.
const DefaultEventNamespace = "default"

// Cloud identifies the provider backing the provider adapter. Only "aws" is
// currently supported; any other value is a configuration error.
const CloudAWS = "aws"

// Config is the validated, typed configuration shared by every component.
// It is constructed once in main and passed down by constructor injection;
// nothing in this module reads it from a package-level global.
type Config struct {
	// Region is the cloud region the provider adapter operates against.
	Region string

	// ClusterName is matched against the cluster-id tag on candidate
	// scaling groups during discovery.
	ClusterName string

	// Cloud selects the provider implementation. Only CloudAWS is
	// supported today; Validate rejects anything else.
	Cloud string

	// Profile is an optional credentials profile passed to the provider's
	// default credential chain.
	Profile string

	// RefreshInterval is how often the reconciliation loop wakes and how
	// long it sleeps between passes.
	RefreshInterval time.Duration

	// EventsOnly, when true, disables every mutating provider call
	// (launch-template create/update/delete, instance termination); the
	// agent only emits recommendation events.
	EventsOnly bool

	// EventNamespace is the orchestrator namespace emitted events are
	// created in, sourced from the EVENT_NAMESPACE environment variable.
	EventNamespace string
}

var clusterNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Validate checks that c is well-formed, failing fast before any provider
// call is made. A validation failure here means exit 1 before any work.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.ClusterName == "" {
		return fmt.Errorf("cluster name is required")
	}
	if !clusterNamePattern.MatchString(c.ClusterName) {
		return fmt.Errorf("invalid cluster name %q: must start with an alphanumeric and contain only alphanumerics, '.', '_', '-'", c.ClusterName)
	}
	if c.Cloud == "" {
		c.Cloud = CloudAWS
	}
	if c.Cloud != CloudAWS {
		return fmt.Errorf("unsupported cloud provider %q: only %q is supported", c.Cloud, CloudAWS)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", c.RefreshInterval)
	}
	if c.EventNamespace == "" {
		c.EventNamespace = DefaultEventNamespace
	}
	return nil
}
