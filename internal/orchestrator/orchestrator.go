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

// Package orchestrator implements provider.Orchestrator against a live
// Kubernetes API server: cordon/drain before termination, and event
// emission describing each reconciliation pass's bid recommendation.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/scalewright/minionctl/internal/provider"
)

const mirrorPodAnnotationKey = "kubernetes.io/config.source"

// Orchestrator is the client-go-backed provider.Orchestrator implementation.
type Orchestrator struct {
	clientset kubernetes.Interface
	namespace string
	log       logr.Logger
}

// New constructs an Orchestrator that emits events into namespace.
func New(clientset kubernetes.Interface, namespace string, log logr.Logger) *Orchestrator {
	return &Orchestrator{clientset: clientset, namespace: namespace, log: log.WithName("orchestrator")}
}

// FindNodeByProviderInstanceID scans all nodes for one whose providerID
// contains instanceID as a substring: providerID formats
// vary across cloud providers and Kubernetes versions ("aws:///zone/i-xxx"
// vs bare instance IDs on some distributions), so an exact match is too
// brittle.
func (o *Orchestrator) FindNodeByProviderInstanceID(ctx context.Context, instanceID string) (string, bool) {
	nodes, err := o.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		o.log.Error(err, "list nodes failed")
		return "", false
	}
	for _, n := range nodes.Items {
		if strings.Contains(n.Spec.ProviderID, instanceID) {
			return n.Name, true
		}
	}
	return "", false
}

// DrainNode cordons nodeName, then evicts every non-DaemonSet, non-mirror
// pod running on it via the policy/v1 eviction API.
func (o *Orchestrator) DrainNode(ctx context.Context, nodeName string) error {
	if err := o.setUnschedulable(ctx, nodeName, true); err != nil {
		return fmt.Errorf("cordon %s: %w", nodeName, err)
	}

	pods, err := o.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return fmt.Errorf("list pods on %s: %w", nodeName, err)
	}

	for _, pod := range pods.Items {
		if !evictable(pod) {
			continue
		}
		eviction := &policyv1.Eviction{
			ObjectMeta: metav1.ObjectMeta{Name: pod.Name, Namespace: pod.Namespace},
		}
		if err := o.clientset.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
	}
	return nil
}

// UncordonNode marks nodeName schedulable again.
func (o *Orchestrator) UncordonNode(ctx context.Context, nodeName string) error {
	if err := o.setUnschedulable(ctx, nodeName, false); err != nil {
		return fmt.Errorf("uncordon %s: %w", nodeName, err)
	}
	return nil
}

func (o *Orchestrator) setUnschedulable(ctx context.Context, nodeName string, unschedulable bool) error {
	node, err := o.clientset.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if node.Spec.Unschedulable == unschedulable {
		return nil
	}
	node.Spec.Unschedulable = unschedulable
	_, err = o.clientset.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
	return err
}

func evictable(pod corev1.Pod) bool {
	if pod.Annotations[mirrorPodAnnotationKey] == "file" {
		return false
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return false
		}
	}
	return true
}

// EmitEvent publishes a SpotPriceInfo event describing the current bid
// recommendation for groupName.
func (o *Orchestrator) EmitEvent(ctx context.Context, groupName string, payload provider.EventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	event := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "spot-instance-update-",
			Namespace:    o.namespace,
		},
		InvolvedObject: corev1.ObjectReference{
			Kind:      "SpotPriceInfo",
			Name:      groupName,
			Namespace: o.namespace,
		},
		Reason:  "SpotRecommendationGiven",
		Message: string(body),
		Type:    corev1.EventTypeNormal,
		Source:  corev1.EventSource{Component: "minion-manager"},
		Count:   1,
	}

	_, err = o.clientset.CoreV1().Events(o.namespace).Create(ctx, event, metav1.CreateOptions{})
	return err
}
