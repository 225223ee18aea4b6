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

// Package reconciler is the event-driven state machine binding pod
// lifecycle events and provisioning file changes into a consistent,
// serialized sequence of SQL and provisioning actions against the
// membership state.
package reconciler

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bakdata/citus-membership-manager/pkg/membership"
	"github.com/bakdata/citus-membership-manager/pkg/metrics"
)

// DBExecutor is the subset of the DB Gateway's contract the reconciler
// needs. Satisfied by *dbgateway.Gateway.
type DBExecutor interface {
	Execute(ctx context.Context, pod membership.PodName, service, statement string, namedParams map[string]any) error
}

// Prober is the subset of the Pod Source's contract the reconciler
// needs. Satisfied by *podsource.Source.
type Prober interface {
	CheckReady(ctx context.Context, pod membership.PodName) error
}

// ScriptLoader is the subset of the Provision File Store's contract the
// reconciler needs. Satisfied by *provision.Store.
type ScriptLoader interface {
	Load(role membership.Role) (membership.ProvisionScript, error)
}

// Event is the tagged union of inputs the reconciler consumes: either a
// classified pod lifecycle transition or a provisioning-file change
// notification.
type Event struct {
	Pod             *membership.PodEvent
	ProvisionChange *membership.Role
}

// PodEventOf wraps a PodEvent as an Event for sending on the reconciler's
// input channel.
func PodEventOf(e membership.PodEvent) Event { return Event{Pod: &e} }

// ProvisionChangeOf wraps a Role as a provisioning-file-change Event.
func ProvisionChangeOf(role membership.Role) Event { return Event{ProvisionChange: &role} }

// Config carries the reconciler's static knobs, resolved once from the
// controller's environment configuration.
type Config struct {
	MasterService  string
	WorkerService  string
	PGPort         int
	MinimumWorkers int
}

// Reconciler owns the membership State and is the sole writer to it. It
// drains a single channel of Events, processing each to completion
// before starting the next — this is the one serialization point that
// stands in for a dedicated mutex around both state mutation and
// outbound SQL (see the package doc).
type Reconciler struct {
	logger  log.Logger
	state   *membership.State
	db      DBExecutor
	prober  Prober
	store   ScriptLoader
	cfg     Config
	metrics *metrics.Metrics

	// hostResolver computes the %(host)s bind parameter for a pod
	// registering against a master. Supplied by the caller of New: the
	// controller passes dbgateway.Gateway.ResolveHost, bound to its
	// namespace/short-url configuration; tests pass a trivial resolver.
	hostResolver func(pod membership.PodName, service string) string
}

// New builds a Reconciler. state is created by the caller (typically
// membership.NewState()) and also handed to the HTTP query surface.
// hostResolver is typically dbgateway.Gateway.ResolveHost. m is typically
// metrics.New(), registered by the caller against the process's
// Prometheus registry.
func New(logger log.Logger, state *membership.State, db DBExecutor, prober Prober, store ScriptLoader, cfg Config, hostResolver func(membership.PodName, string) string, m *metrics.Metrics) *Reconciler {
	return &Reconciler{logger: logger, state: state, db: db, prober: prober, store: store, cfg: cfg, hostResolver: hostResolver, metrics: m}
}

// Run drains events until the channel is closed or ctx is canceled,
// processing exactly one event at a time.
func (r *Reconciler) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.process(ctx, ev)
		}
	}
}

func (r *Reconciler) process(ctx context.Context, ev Event) {
	switch {
	case ev.Pod != nil:
		r.handlePodEvent(ctx, *ev.Pod)
	case ev.ProvisionChange != nil:
		r.handleProvisionChange(ctx, *ev.ProvisionChange)
	}
}

func (r *Reconciler) handlePodEvent(ctx context.Context, ev membership.PodEvent) {
	switch ev.Kind {
	case membership.EventAdded:
		if ev.Role == membership.RoleWorker {
			r.addWorker(ctx, ev.Name)
		} else if ev.Role == membership.RoleMaster {
			r.addMaster(ctx, ev.Name)
		}
	case membership.EventDeleted:
		if ev.Role == membership.RoleWorker {
			r.removeWorker(ctx, ev.Name)
		} else if ev.Role == membership.RoleMaster {
			// Remove, never add: an earlier implementation mistakenly
			// re-added masters on delete.
			r.state.RemoveMaster(ev.Name)
			r.reportMembership()
		}
	}
}

// reportMembership refreshes the workers/masters gauges from the current
// state. Called after every mutation of the masters or workers set.
func (r *Reconciler) reportMembership() {
	if r.metrics == nil {
		return
	}
	masters, workers := r.state.Snapshot()
	r.metrics.SetMembership(len(masters), len(workers))
}

func (r *Reconciler) addWorker(ctx context.Context, pod membership.PodName) {
	if err := r.prober.CheckReady(ctx, pod); err != nil {
		level.Info(r.logger).Log("msg", "dropping added worker event, not ready", "pod", pod, "err", err)
		return
	}

	r.state.AddWorker(pod)
	r.reportMembership()

	if r.state.WorkerCount() >= r.cfg.MinimumWorkers {
		if r.state.TryMarkInitiallyProvisioned() {
			r.provisionAllNodes(ctx)
		} else {
			r.provisionNode(ctx, membership.RoleWorker, pod)
		}
	}

	r.registerWorkerOnMasters(ctx, pod)
}

func (r *Reconciler) addMaster(ctx context.Context, pod membership.PodName) {
	if err := r.prober.CheckReady(ctx, pod); err != nil {
		level.Info(r.logger).Log("msg", "dropping added master event, not ready", "pod", pod, "err", err)
		return
	}

	r.state.AddMaster(pod)
	r.reportMembership()

	if r.state.WorkerCount() >= r.cfg.MinimumWorkers {
		r.provisionNode(ctx, membership.RoleMaster, pod)
	}

	_, workers := r.state.Snapshot()
	for _, w := range workers {
		r.registerWorkerOnMasters(ctx, w)
	}
}

func (r *Reconciler) removeWorker(ctx context.Context, pod membership.PodName) {
	if !r.state.HasWorker(pod) {
		// Already absent: a repeated delete, or one for a pod the
		// controller never saw added. No SQL, no state change.
		return
	}
	r.state.RemoveWorker(pod)
	r.reportMembership()

	masters, _ := r.state.Snapshot()
	for _, m := range masters {
		host := r.hostFor(pod, r.cfg.WorkerService)
		params := map[string]any{"host": host, "port": r.cfg.PGPort}
		// Issued as two statements, not one semicolon-joined string: the
		// DB Gateway binds parameters through the extended protocol,
		// which Postgres rejects for multi-command text.
		if err := r.db.Execute(ctx, m, r.cfg.MasterService, "DELETE FROM pg_dist_shard_placement WHERE nodename=%(host)s AND nodeport=%(port)s", params); err != nil {
			level.Error(r.logger).Log("msg", "unregistering worker failed", "master", m, "worker", pod, "statement", "delete_shard_placement", "err", err)
			r.recordSQLError("delete_shard_placement")
		}
		if err := r.db.Execute(ctx, m, r.cfg.MasterService, "SELECT master_remove_node(%(host)s, %(port)s)", params); err != nil {
			level.Error(r.logger).Log("msg", "unregistering worker failed", "master", m, "worker", pod, "statement", "master_remove_node", "err", err)
			r.recordSQLError("master_remove_node")
		}
	}
}

// recordSQLError increments the SQL error counter for statementKind, the
// same short tag used in the adjacent log line.
func (r *Reconciler) recordSQLError(statementKind string) {
	if r.metrics == nil {
		return
	}
	r.metrics.SQLErrorsTotal.WithLabelValues(statementKind).Inc()
}

// registerWorkerOnMasters issues master_add_node for worker against
// every currently known master.
func (r *Reconciler) registerWorkerOnMasters(ctx context.Context, worker membership.PodName) {
	masters, _ := r.state.Snapshot()
	for _, m := range masters {
		host := r.hostFor(worker, r.cfg.WorkerService)
		params := map[string]any{"host": host, "port": r.cfg.PGPort}
		if err := r.db.Execute(ctx, m, r.cfg.MasterService, "SELECT master_add_node(%(host)s, %(port)s)", params); err != nil {
			level.Error(r.logger).Log("msg", "registering worker failed", "master", m, "worker", worker, "err", err)
			r.recordSQLError("master_add_node")
		}
	}
}

// hostFor resolves the host string used as the %(host)s bind parameter,
// always the *worker's* externally-resolvable address: the master being
// registered against dials this address itself once the statement
// reaches the DB Gateway.
func (r *Reconciler) hostFor(pod membership.PodName, service string) string {
	return r.hostResolver(pod, service)
}

func (r *Reconciler) provisionAllNodes(ctx context.Context) {
	masters, workers := r.state.Snapshot()
	for _, m := range masters {
		r.provisionNode(ctx, membership.RoleMaster, m)
	}
	for _, w := range workers {
		r.provisionNode(ctx, membership.RoleWorker, w)
	}
}

func (r *Reconciler) provisionNode(ctx context.Context, role membership.Role, pod membership.PodName) {
	script, err := r.store.Load(role)
	if err != nil {
		level.Error(r.logger).Log("msg", "loading provision script failed", "role", role, "pod", pod, "err", err)
		return
	}
	service := r.cfg.WorkerService
	if role == membership.RoleMaster {
		service = r.cfg.MasterService
	}
	for _, stmt := range script {
		if err := r.db.Execute(ctx, pod, service, stmt, nil); err != nil {
			level.Error(r.logger).Log("msg", "provision statement failed", "role", role, "pod", pod, "statement", stmt, "err", err)
			r.recordSQLError("provision")
			continue
		}
	}
}

func (r *Reconciler) handleProvisionChange(ctx context.Context, role membership.Role) {
	masters, workers := r.state.Snapshot()
	switch role {
	case membership.RoleMaster:
		for _, m := range masters {
			r.provisionNode(ctx, membership.RoleMaster, m)
		}
	case membership.RoleWorker:
		for _, w := range workers {
			r.provisionNode(ctx, membership.RoleWorker, w)
		}
	}
}
