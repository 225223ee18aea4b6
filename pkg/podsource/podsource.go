// Copyright 2026 The Citus Membership Manager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package podsource streams classified pod lifecycle events out of the
// Kubernetes API and polls individual pod readiness. It is the only
// component that talks to the orchestrator's pod API.
package podsource

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/bakdata/citus-membership-manager/pkg/membership"
	"github.com/bakdata/citus-membership-manager/pkg/metrics"
)

const readyRetryInterval = 5 * time.Second

// LabelKey is the pod label whose value classifies a pod as master or
// worker.
const LabelKey = "citusType"

// ApiError wraps an orchestrator API rejection of a specific request
// (e.g. a readiness read). It is surfaced to the caller and never
// retried internally.
type ApiError struct {
	Err error
}

func (e *ApiError) Error() string { return "podsource: api error: " + e.Err.Error() }
func (e *ApiError) Unwrap() error { return e.Err }

// Source streams pod events from a namespace and classifies them by the
// citusType label against the configured master/worker label values.
type Source struct {
	logger      log.Logger
	client      kubernetes.Interface
	namespace   string
	masterLabel string
	workerLabel string
	metrics     *metrics.Metrics
}

// New builds a Source bound to the given clientset and namespace. m is
// typically metrics.New(), registered by the caller against the
// process's Prometheus registry.
func New(logger log.Logger, client kubernetes.Interface, namespace, masterLabel, workerLabel string, m *metrics.Metrics) *Source {
	return &Source{
		logger:      logger,
		client:      client,
		namespace:   namespace,
		masterLabel: masterLabel,
		workerLabel: workerLabel,
		metrics:     m,
	}
}

// classify maps a pod's citusType label to a Role. Pods lacking the
// label, or carrying a value that matches neither configured label, map
// to RoleUnknown.
func (s *Source) classify(pod *corev1.Pod) membership.Role {
	v, ok := pod.Labels[LabelKey]
	if !ok {
		return membership.RoleUnknown
	}
	switch v {
	case s.masterLabel:
		return membership.RoleMaster
	case s.workerLabel:
		return membership.RoleWorker
	default:
		return membership.RoleUnknown
	}
}

// Stream sends classified PodEvents to out until ctx is canceled. It
// never terminates on its own: on a watch-transport error it logs and
// reconnects. Modified events and events with an unrecognized citusType
// are dropped here and never sent to out.
func (s *Source) Stream(ctx context.Context, out chan<- membership.PodEvent) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx, out)
		if ctx.Err() != nil {
			return
		}
		level.Info(s.logger).Log("msg", "pod watch ended, reconnecting")
	}
}

func (s *Source) runOnce(ctx context.Context, out chan<- membership.PodEvent) {
	w, err := s.client.CoreV1().Pods(s.namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		level.Error(s.logger).Log("msg", "starting pod watch failed", "err", err)
		select {
		case <-time.After(readyRetryInterval):
		case <-ctx.Done():
		}
		return
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				return
			}
			s.handle(ev, out)
		}
	}
}

func (s *Source) handle(ev watch.Event, out chan<- membership.PodEvent) {
	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		return
	}
	var kind membership.EventKind
	switch ev.Type {
	case watch.Added:
		kind = membership.EventAdded
	case watch.Deleted:
		kind = membership.EventDeleted
	default:
		// Modified and bookmark/error events are dropped at the
		// boundary; the reconciler has no handler for them.
		return
	}

	role := s.classify(pod)
	level.Debug(s.logger).Log("msg", "pod event", "kind", kind, "pod", pod.Name, "role", role)
	if role == membership.RoleUnknown {
		return
	}
	if s.metrics != nil {
		s.metrics.PodEventsTotal.WithLabelValues(kind.String(), role.String()).Inc()
	}
	out <- membership.PodEvent{Kind: kind, Name: membership.PodName(pod.Name), Role: role}
}

// CheckReady polls the orchestrator for pod's container statuses and
// returns nil iff every container reports ready, which holds vacuously
// for a pod with zero container statuses. It retries at a fixed 5
// second interval on any transport error; an ApiError (an explicit
// orchestrator rejection) is returned immediately and not retried.
func (s *Source) CheckReady(ctx context.Context, pod membership.PodName) error {
	return wait.PollUntilContextCancel(ctx, readyRetryInterval, true, func(ctx context.Context) (bool, error) {
		p, err := s.client.CoreV1().Pods(s.namespace).Get(ctx, string(pod), metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) || apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
				return false, &ApiError{Err: err}
			}
			level.Info(s.logger).Log("msg", "readiness check transport error, retrying", "pod", pod, "err", err)
			return false, nil
		}

		statuses := p.Status.ContainerStatuses
		ready := make([]bool, 0, len(statuses))
		for _, cs := range statuses {
			ready = append(ready, cs.Ready)
		}
		level.Debug(s.logger).Log("msg", "readiness status", "pod", pod, "ready", ready)

		for _, r := range ready {
			if !r {
				return false, nil
			}
		}
		level.Info(s.logger).Log("msg", "pod ready", "pod", pod)
		return true, nil
	})
}
