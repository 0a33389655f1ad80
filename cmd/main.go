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

// Main entrypoint for the minion manager: wires the provider adapter,
// group-metadata store, bid advisor, capacity diagnostic, replacement
// scheduler, orchestrator, and reconciliation loop together and runs the
// loop until the process receives a shutdown signal or rediscovery fails.
//
// Coverage: Excluded - main entrypoints are tested via E2E tests.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/scalewright/minionctl/internal/bidadvisor"
	"github.com/scalewright/minionctl/internal/capacity"
	"github.com/scalewright/minionctl/internal/groupstore"
	"github.com/scalewright/minionctl/internal/orchestrator"
	"github.com/scalewright/minionctl/internal/provider"
	"github.com/scalewright/minionctl/internal/reconcile"
	"github.com/scalewright/minionctl/internal/replace"
	"github.com/scalewright/minionctl/pkg/config"
	"github.com/scalewright/minionctl/pkg/metrics"
)

func main() {
	var (
		region              string
		clusterName         string
		cloud               string
		profile             string
		assumeRoleARN       string
		pricingRegion       string
		refreshIntervalSecs int
		eventsOnly          bool
		terminatePercentage int
		kubeconfigPath      string
		development         bool
	)

	flag.StringVar(&region, "region", "", "AWS region the cluster's scaling groups live in.")
	flag.StringVar(&clusterName, "cluster-name", "", "Cluster tag value used to scope managed groups.")
	flag.StringVar(&cloud, "cloud", config.CloudAWS, "Cloud provider backing the scaling groups.")
	flag.StringVar(&profile, "profile", "", "AWS shared config profile to assume, if any.")
	flag.StringVar(&assumeRoleARN, "assume-role-arn", "", "IAM role to assume for every AWS call; empty uses the default credential chain.")
	flag.StringVar(&pricingRegion, "pricing-region", "", "AWS Pricing API region (us-east-1 or ap-south-1); empty defaults to us-east-1.")
	flag.IntVar(&refreshIntervalSecs, "refresh-interval-seconds", int(config.DefaultRefreshInterval/time.Second), "Seconds between reconciliation passes.")
	flag.BoolVar(&eventsOnly, "events-only", false, "Emit recommendation events without mutating launch templates or terminating instances.")
	flag.IntVar(&terminatePercentage, "terminate-percentage", replace.DefaultTerminatePercentage, "Percentage of a group's desired capacity that may be mid-replacement concurrently.")
	flag.StringVar(&kubeconfigPath, "kubeconfig", "", "Path to a kubeconfig file; empty uses in-cluster config.")
	flag.BoolVar(&development, "development", false, "Use a human-readable development logging encoder instead of JSON.")
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "Address the /metrics endpoint listens on.")
	flag.Parse()

	opts := ctrlzap.Options{Development: development}
	log := ctrlzap.New(ctrlzap.UseFlagOptions(&opts)).WithName("minionctl")

	cfg := &config.Config{
		Region:          region,
		ClusterName:     clusterName,
		Cloud:           cloud,
		Profile:         profile,
		RefreshInterval: time.Duration(refreshIntervalSecs) * time.Second,
		EventsOnly:      eventsOnly,
		EventNamespace:  os.Getenv("EVENT_NAMESPACE"),
	}
	if err := cfg.Validate(); err != nil {
		log.Error(err, "invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	m.ControllerRunning.Set(1)
	go serveMetrics(metricsAddr, log)

	cloudAdapter, err := provider.NewAWSCloud(ctx, cfg.Region, cfg.Profile, assumeRoleARN, pricingRegion, log)
	if err != nil {
		log.Error(err, "unable to construct cloud adapter")
		os.Exit(1)
	}

	clientset, err := newKubernetesClientset(kubeconfigPath)
	if err != nil {
		log.Error(err, "unable to construct Kubernetes client")
		os.Exit(1)
	}
	orch := orchestrator.New(clientset, cfg.EventNamespace, log)

	store := groupstore.New()

	advisor := bidadvisor.New(cloudAdapter, cfg.Region, log).WithMetrics(m)
	advisor.Start(ctx)
	defer advisor.Stop()

	diagnostic := capacity.New(cloudAdapter, log)

	scheduler := replace.New(cloudAdapter, orch, advisor, store, cfg.ClusterName, cfg.EventsOnly, log).
		WithTerminatePercentage(terminatePercentage).
		WithMetrics(m)

	loop := reconcile.New(cloudAdapter, orch, advisor, diagnostic, scheduler, store, cfg.ClusterName, cfg.RefreshInterval, cfg.EventsOnly, log).
		WithMetrics(m)

	log.Info("starting reconciliation loop",
		"region", cfg.Region, "clusterName", cfg.ClusterName, "eventsOnly", cfg.EventsOnly)
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error(err, "reconciliation loop exited")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// serveMetrics runs the Prometheus scrape endpoint until the process exits.
// A failure here is logged, not fatal: the reconciliation loop is more
// valuable than the metrics endpoint.
func serveMetrics(addr string, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Error(err, "metrics server exited")
	}
}

// newKubernetesClientset builds a client-go clientset from kubeconfigPath,
// falling back to in-cluster configuration when it is empty.
func newKubernetesClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	if kubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restConfig)
}
