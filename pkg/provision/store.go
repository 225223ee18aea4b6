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

// Package provision reads the master/worker provisioning script files
// from disk and watches them for content changes. Change detection is by
// digest, not mtime, so a touch without an edit does not trigger a
// re-provision.
package provision

import (
	"context"
	"crypto/md5" //nolint:gosec // content-change detection only, not security sensitive.
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/bakdata/citus-membership-manager/pkg/membership"
	"github.com/bakdata/citus-membership-manager/pkg/metrics"
)

// PollInterval is the fixed interval at which a watched file's digest is
// recomputed.
const PollInterval = 5 * time.Second

// IOError reports a provisioning file that could not be read. The
// previous digest is retained and the read is retried at the next poll.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return "provision: reading " + e.Path + ": " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// Store reads and watches the provisioning files for both roles.
type Store struct {
	logger log.Logger

	masterPath string
	workerPath string
	metrics    *metrics.Metrics
}

// New returns a Store reading from the given master/worker script paths.
// m is typically metrics.New(), registered by the caller against the
// process's Prometheus registry.
func New(logger log.Logger, masterPath, workerPath string, m *metrics.Metrics) *Store {
	return &Store{logger: logger, masterPath: masterPath, workerPath: workerPath, metrics: m}
}

// Path returns the configured file path for role.
func (s *Store) Path(role membership.Role) string {
	if role == membership.RoleMaster {
		return s.masterPath
	}
	return s.workerPath
}

// Load reads the file for role fresh from disk and parses it into an
// ordered statement sequence, one statement per non-empty line. It never
// caches across calls, so an on-disk edit is always visible to the next
// Load.
func (s *Store) Load(role membership.Role) (membership.ProvisionScript, error) {
	path := s.Path(role)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	var script membership.ProvisionScript
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		script = append(script, line)
	}
	return script, nil
}

// digest returns the content hash of path, or an *IOError if it cannot
// be read.
func digest(path string) (membership.ProvisionDigest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return membership.ProvisionDigest{}, &IOError{Path: path, Err: err}
	}
	return md5.Sum(data), nil
}

// Watch starts a background poller for role's file. Every PollInterval
// it recomputes the content digest; if it differs from the last
// observation, onChange is invoked exactly once for that transition. The
// initial digest is taken at call time, so no callback fires for the
// file's state as of Watch's invocation. Watch blocks until ctx is
// canceled; callers run it in its own goroutine.
//
// If a read fails, the poll is skipped (logged) and the previous digest
// is retained; the next poll retries.
func (s *Store) Watch(ctx context.Context, role membership.Role, onChange func()) error {
	path := s.Path(role)

	current, err := digest(path)
	if err != nil {
		level.Warn(s.logger).Log("msg", "initial provision digest read failed", "role", role, "path", path, "err", err)
	}

	return wait.PollUntilContextCancel(ctx, PollInterval, false, func(ctx context.Context) (bool, error) {
		next, err := digest(path)
		if err != nil {
			level.Warn(s.logger).Log("msg", "provision file poll skipped", "role", role, "path", path, "err", err)
			return false, nil
		}
		if next != current {
			level.Info(s.logger).Log("msg", "provision file changed", "role", role, "path", path)
			current = next
			if s.metrics != nil {
				s.metrics.ProvisionDigestChanges.WithLabelValues(role.String()).Inc()
			}
			onChange()
		}
		return false, nil
	})
}
