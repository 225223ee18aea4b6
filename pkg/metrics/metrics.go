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

// Package metrics holds the domain Prometheus collectors shared across
// the pod source, reconciler, and provision file store. Collectors are
// constructed here and registered by the caller, grounded on the
// teacher's package-level prometheus.NewCounterVec/NewGaugeVec plus
// reg.MustRegister idiom.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of domain collectors the controller exposes on
// /metrics alongside the Go/process collectors.
type Metrics struct {
	PodEventsTotal         *prometheus.CounterVec
	SQLErrorsTotal         *prometheus.CounterVec
	ProvisionDigestChanges *prometheus.CounterVec
	Workers                prometheus.Gauge
	Masters                prometheus.Gauge
}

// New constructs the domain collectors. They are not registered with
// any registry; call Collectors and pass the result to a
// prometheus.Registerer's MustRegister.
func New() *Metrics {
	return &Metrics{
		PodEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membership_pod_events_total",
			Help: "Total pod lifecycle events classified and dispatched to the reconciler, by event kind and pod role.",
		}, []string{"kind", "role"}),
		SQLErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membership_sql_errors_total",
			Help: "Total statement execution failures against Citus nodes, by statement kind.",
		}, []string{"statement_kind"}),
		ProvisionDigestChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membership_provision_digest_changes_total",
			Help: "Total detected content changes to a provisioning script file, by role.",
		}, []string{"role"}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "membership_workers",
			Help: "Current number of known worker pods.",
		}),
		Masters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "membership_masters",
			Help: "Current number of known master pods.",
		}),
	}
}

// Collectors lists every domain collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PodEventsTotal,
		m.SQLErrorsTotal,
		m.ProvisionDigestChanges,
		m.Workers,
		m.Masters,
	}
}

// SetMembership sets the workers/masters gauges to the given counts.
func (m *Metrics) SetMembership(masters, workers int) {
	m.Masters.Set(float64(masters))
	m.Workers.Set(float64(workers))
}
