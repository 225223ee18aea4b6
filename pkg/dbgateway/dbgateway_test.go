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

package dbgateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/bakdata/citus-membership-manager/pkg/config"
	"github.com/bakdata/citus-membership-manager/pkg/membership"
)

func TestResolveHost(t *testing.T) {
	cases := []struct {
		desc     string
		pod      membership.PodName
		service  string
		ns       string
		short    bool
		expected string
	}{
		{"long form", "w0", "pg-citus-worker", "citus", false, "w0.pg-citus-worker.citus.svc.cluster.local"},
		{"short form", "w0", "pg-citus-worker", "citus", true, "w0.pg-citus-worker"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got := ResolveHost(tc.pod, tc.service, tc.ns, tc.short)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestGateway_ResolveHost_UsesConfiguredMode(t *testing.T) {
	g := New(log.NewNopLogger(), config.Config{Namespace: "citus", ShortURL: true})
	require.Equal(t, "w0.pg-citus-worker", g.ResolveHost("w0", "pg-citus-worker"))
}

func TestBindNamedParams(t *testing.T) {
	sql, args := bindNamedParams("SELECT master_add_node(%(host)s, %(port)s)", map[string]any{
		"host": "w0.pg-citus-worker",
		"port": 5432,
	})
	require.Equal(t, "SELECT master_add_node($1, $2)", sql)
	require.Equal(t, []any{"w0.pg-citus-worker", 5432}, args)
}

func TestBindNamedParams_RepeatedPlaceholder(t *testing.T) {
	sql, args := bindNamedParams(
		"SELECT master_remove_node(%(host)s, %(host)s)",
		map[string]any{"host": "w1.pg-citus-worker"},
	)
	require.Equal(t, "SELECT master_remove_node($1, $2)", sql)
	require.Equal(t, []any{"w1.pg-citus-worker", "w1.pg-citus-worker"}, args)
}

func TestBindNamedParams_NoPlaceholders(t *testing.T) {
	sql, args := bindNamedParams("CREATE EXTENSION IF NOT EXISTS citus", nil)
	require.Equal(t, "CREATE EXTENSION IF NOT EXISTS citus", sql)
	require.Empty(t, args)
}

// fakeConn lets Execute be exercised without a live Postgres instance.
type fakeConn struct {
	execErr  error
	execd    []string
	execArgs [][]any
	closeErr error
	closed   bool
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	f.execd = append(f.execd, sql)
	f.execArgs = append(f.execArgs, args)
	if f.execErr != nil {
		return pgx.CommandTag{}, f.execErr
	}
	return pgx.CommandTag{}, nil
}

func (f *fakeConn) Close(ctx context.Context) error {
	f.closed = true
	return f.closeErr
}

func TestGateway_Execute_Success(t *testing.T) {
	g := New(log.NewNopLogger(), config.Config{Namespace: "citus", PGPort: 5432, PGDB: "citus", PGUser: "postgres"})
	fc := &fakeConn{}
	dialCalls := 0
	g.dial = func(ctx context.Context, connString string) (conn, error) {
		dialCalls++
		return fc, nil
	}

	err := g.Execute(context.Background(), "w0", "pg-citus-worker", "SELECT master_add_node(%(host)s, %(port)s)", map[string]any{
		"host": "w0.pg-citus-worker.citus.svc.cluster.local",
		"port": 5432,
	})
	require.NoError(t, err)
	require.Equal(t, 1, dialCalls)
	require.True(t, fc.closed, "connection must be closed after Execute")
	require.Equal(t, []string{"SELECT master_add_node($1, $2)"}, fc.execd)
	require.Equal(t, []any{"w0.pg-citus-worker.citus.svc.cluster.local", 5432}, fc.execArgs[0])
}

func TestGateway_Execute_StatementFailureClosesConnection(t *testing.T) {
	g := New(log.NewNopLogger(), config.Config{Namespace: "citus", PGPort: 5432})
	fc := &fakeConn{execErr: errStatementBoom}
	g.dial = func(ctx context.Context, connString string) (conn, error) {
		return fc, nil
	}

	err := g.Execute(context.Background(), "w0", "pg-citus-worker", "SELECT 1", nil)
	require.Error(t, err)
	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)
	require.True(t, fc.closed, "connection must still be closed on statement failure")
}

func TestGateway_Execute_ConnectFailureSurfacesAsUnreachable(t *testing.T) {
	// connectRetryInterval is a fixed 5s, so exercising the full 10-attempt
	// exhaustion path here would make this test sleep real wall-clock time.
	// A context that's already gone gives the same code path (lastErr set,
	// wrapped as *UnreachableError) after exactly one attempt.
	g := New(log.NewNopLogger(), config.Config{Namespace: "citus", PGPort: 5432})
	attempts := 0
	g.dial = func(ctx context.Context, connString string) (conn, error) {
		attempts++
		return nil, errDialBoom
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	err := g.Execute(ctx, "w0", "pg-citus-worker", "SELECT 1", nil)
	require.Error(t, err)
	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	require.GreaterOrEqual(t, attempts, 1)
}

var (
	errDialBoom      = fmt.Errorf("dial boom")
	errStatementBoom = fmt.Errorf("statement boom")
)
