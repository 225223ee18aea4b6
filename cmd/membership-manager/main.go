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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/bakdata/citus-membership-manager/pkg/api"
	"github.com/bakdata/citus-membership-manager/pkg/config"
	"github.com/bakdata/citus-membership-manager/pkg/dbgateway"
	"github.com/bakdata/citus-membership-manager/pkg/membership"
	"github.com/bakdata/citus-membership-manager/pkg/metrics"
	"github.com/bakdata/citus-membership-manager/pkg/podsource"
	"github.com/bakdata/citus-membership-manager/pkg/provision"
	"github.com/bakdata/citus-membership-manager/pkg/reconciler"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

var validLogLevels = []string{logLevelDebug, logLevelInfo, logLevelWarn, logLevelError}

// eventQueueSize bounds the in-flight backlog of pod/provisioning events
// between the sources and the reconciler's single drain loop.
const eventQueueSize = 64

func main() {
	var kubeconfig *string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = flag.String("kubeconfig", filepath.Join(home, ".kube", "config"), "(optional) absolute path to the kubeconfig file")
	} else {
		kubeconfig = flag.String("kubeconfig", "", "absolute path to the kubeconfig file")
	}
	var (
		apiserverURL  = flag.String("apiserver", "", "URL to the Kubernetes API server.")
		logLevel      = flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level. One of: %s", strings.Join(validLogLevels, ", ")))
		listenAddress = flag.String("listen-address", ":8080", "Address on which to serve /registered and /metrics.")
	)
	flag.Parse()

	logger, err := setupLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger failed: %s\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "resolved configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))

	kubeCfg, err := clientcmd.BuildConfigFromFlags(*apiserverURL, *kubeconfig)
	if err != nil {
		level.Error(logger).Log("msg", "building kubeconfig failed", "err", err)
		os.Exit(1)
	}
	kubeClient, err := kubernetes.NewForConfig(kubeCfg)
	if err != nil {
		level.Error(logger).Log("msg", "building kubernetes clientset failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	dm := metrics.New()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	reg.MustRegister(dm.Collectors()...)

	state := membership.NewState()
	db := dbgateway.New(logger, cfg)
	store := provision.New(logger, cfg.MasterProvisionPath, cfg.WorkerProvisionPath, dm)
	pods := podsource.New(logger, kubeClient, cfg.Namespace, cfg.MasterLabel, cfg.WorkerLabel, dm)

	rec := reconciler.New(logger, state, db, pods, store, reconciler.Config{
		MasterService:  cfg.MasterService,
		WorkerService:  cfg.WorkerService,
		PGPort:         cfg.PGPort,
		MinimumWorkers: cfg.MinimumWorkers,
	}, db.ResolveHost, dm)

	events := make(chan reconciler.Event, eventQueueSize)

	var g run.Group

	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
			case <-cancel:
			}
			return nil
		}, func(err error) {
			close(cancel)
		})
	}

	// Pod event stream.
	{
		ctx, cancel := context.WithCancel(context.Background())
		podEvents := make(chan membership.PodEvent)
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting pod watch", "namespace", cfg.Namespace)
			go func() {
				for ev := range podEvents {
					select {
					case events <- reconciler.PodEventOf(ev):
					case <-ctx.Done():
					}
				}
			}()
			pods.Stream(ctx, podEvents)
			close(podEvents)
			return nil
		}, func(error) {
			cancel()
		})
	}

	// Master / worker provisioning file watchers.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return store.Watch(ctx, membership.RoleMaster, func() {
				events <- reconciler.ProvisionChangeOf(membership.RoleMaster)
			})
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return store.Watch(ctx, membership.RoleWorker, func() {
				events <- reconciler.ProvisionChangeOf(membership.RoleWorker)
			})
		}, func(error) {
			cancel()
		})
	}

	// Reconciler drain loop — the single serialization point for all
	// membership-state mutation and outbound SQL.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return rec.Run(ctx, events)
		}, func(error) {
			cancel()
		})
	}

	// HTTP: /registered membership query + /metrics.
	{
		mux := http.NewServeMux()
		mux.Handle("/", api.NewHandler(state))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server := &http.Server{Addr: *listenAddress, Handler: mux}

		g.Add(func() error {
			level.Info(logger).Log("msg", "starting http server", "addr", *listenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(1)
	}
}

func setupLogger(lvl string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	switch lvl {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, errors.Errorf("log level %q unknown, must be one of (%s)", lvl, strings.Join(validLogLevels, ", "))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	return logger, nil
}
