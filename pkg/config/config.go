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

// Package config parses the controller's environment-variable
// configuration once at startup into an immutable Config value.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Config is the full set of enumerated, immutable startup options. It is
// parsed once in Load and never mutated afterwards.
type Config struct {
	Namespace string

	MasterLabel   string
	WorkerLabel   string
	MasterService string
	WorkerService string

	PGDB       string
	PGUser     string
	PGPassword string
	PGPort     int

	MinimumWorkers int
	ShortURL       bool

	MasterProvisionPath string
	WorkerProvisionPath string
}

const (
	defaultMasterLabel   = "citus-master"
	defaultWorkerLabel   = "citus-worker"
	defaultMasterService = "pg-citus-master"
	defaultWorkerService = "pg-citus-worker"
	defaultPGDB          = "postgres"
	defaultPGUser        = "postgres"
	defaultPGPort        = 5432
	defaultMinWorkers    = 0

	defaultMasterProvisionPath = "/etc/citus-config/master.setup"
	defaultWorkerProvisionPath = "/etc/citus-config/worker.setup"
)

// Load reads and validates the controller's configuration from the
// process environment. NAMESPACE is the only required variable; a
// missing value is a ConfigError, fatal at startup.
func Load() (Config, error) {
	namespace := os.Getenv("NAMESPACE")
	if namespace == "" {
		return Config{}, &ConfigError{Var: "NAMESPACE", Msg: "must be set"}
	}

	pgPort, err := parseIntEnv("PG_PORT", defaultPGPort)
	if err != nil {
		return Config{}, err
	}
	minWorkers, err := parseIntEnv("MINIMUM_WORKERS", defaultMinWorkers)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Namespace: namespace,

		MasterLabel:   getEnvDefault("MASTER_LABEL", defaultMasterLabel),
		WorkerLabel:   getEnvDefault("WORKER_LABEL", defaultWorkerLabel),
		MasterService: getEnvDefault("MASTER_SERVICE", defaultMasterService),
		WorkerService: getEnvDefault("WORKER_SERVICE", defaultWorkerService),

		PGDB:       getEnvDefault("PG_DB", defaultPGDB),
		PGUser:     getEnvDefault("PG_USER", defaultPGUser),
		PGPassword: os.Getenv("PG_PASSWORD"),
		PGPort:     pgPort,

		MinimumWorkers: minWorkers,
		ShortURL:       os.Getenv("SHORT_URL") == "true",

		MasterProvisionPath: getEnvDefault("MASTER_PROVISION_PATH", defaultMasterProvisionPath),
		WorkerProvisionPath: getEnvDefault("WORKER_PROVISION_PATH", defaultWorkerProvisionPath),
	}, nil
}

func getEnvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func parseIntEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(&ConfigError{Var: name, Msg: "must be an integer"}, "parsing %s=%q", name, v)
	}
	return n, nil
}

// ConfigError reports a missing or malformed environment variable. It is
// always fatal at startup.
type ConfigError struct {
	Var string
	Msg string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Var + ": " + e.Msg
}

// Redacted returns a copy of c with PGPassword replaced, suitable for
// logging the resolved configuration at startup.
func (c Config) Redacted() Config {
	if c.PGPassword != "" {
		c.PGPassword = "***"
	}
	return c
}
