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

// Package dbgateway resolves a pod into a network host, opens a single
// retrying connection to it, executes one parameterized statement, and
// closes. No connection is ever reused across statements.
package dbgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/bakdata/citus-membership-manager/pkg/config"
	"github.com/bakdata/citus-membership-manager/pkg/membership"
)

const (
	connectRetryInterval = 5 * time.Second
	connectMaxAttempts   = 10
)

// UnreachableError reports that connection establishment to a host
// exhausted its retries.
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("db: unreachable host %s: %v", e.Host, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// StatementError reports that a connection was established but the
// statement failed to execute.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("db: statement failed: %v", e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// Gateway resolves pods to hosts and executes single statements against
// them. It holds no connection pool: Execute opens a connection scoped
// to the single call and releases it on every exit path.
type Gateway struct {
	logger    log.Logger
	namespace string
	shortURL  bool

	db       string
	user     string
	password string
	port     int

	// dial is overridden in tests to avoid a real network connection.
	dial func(ctx context.Context, connString string) (conn, error)
}

// conn is the minimal surface of *pgx.Conn the gateway needs; it exists
// so tests can substitute a fake without a live Postgres instance.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Close(ctx context.Context) error
}

// New builds a Gateway from the resolved controller configuration.
func New(logger log.Logger, cfg config.Config) *Gateway {
	g := &Gateway{
		logger:    logger,
		namespace: cfg.Namespace,
		shortURL:  cfg.ShortURL,
		db:        cfg.PGDB,
		user:      cfg.PGUser,
		password:  cfg.PGPassword,
		port:      cfg.PGPort,
	}
	g.dial = g.dialPGX
	return g
}

// ResolveHost is the pure host-address mapping documented in spec §6.
func ResolveHost(pod membership.PodName, service, namespace string, shortURL bool) string {
	if shortURL {
		return fmt.Sprintf("%s.%s", pod, service)
	}
	return fmt.Sprintf("%s.%s.%s.svc.cluster.local", pod, service, namespace)
}

// ResolveHost resolves pod+service using the gateway's configured
// namespace and short-URL mode.
func (g *Gateway) ResolveHost(pod membership.PodName, service string) string {
	return ResolveHost(pod, service, g.namespace, g.shortURL)
}

// Execute resolves pod+service to a host, opens a retrying connection,
// executes statement with namedParams bound in, commits implicitly via
// the single-statement exec, and closes the connection on every exit
// path. Connection-establishment failures are retried (fixed 5s
// interval, up to 10 attempts) before surfacing as *UnreachableError;
// statement-execution failures surface immediately as *StatementError
// and are never retried.
//
// statement must be a single SQL command. Binding any namedParams routes
// the call through pgx's extended protocol, and Postgres rejects multiple
// commands in one extended-protocol statement; callers with more than one
// command to run against the same pod must issue separate Execute calls.
func (g *Gateway) Execute(ctx context.Context, pod membership.PodName, service, statement string, namedParams map[string]any) error {
	host := g.ResolveHost(pod, service)

	c, err := g.connectWithRetry(ctx, host)
	if err != nil {
		return &UnreachableError{Host: host, Err: err}
	}
	defer func() {
		if cerr := c.Close(ctx); cerr != nil {
			level.Warn(g.logger).Log("msg", "closing db connection", "host", host, "err", cerr)
		}
	}()

	sqlText, args := bindNamedParams(statement, namedParams)
	if _, err := c.Exec(ctx, sqlText, args...); err != nil {
		return &StatementError{Statement: statement, Err: err}
	}
	return nil
}

// connectWithRetry establishes a connection to host, retrying at a fixed
// 5 second interval up to 10 attempts before giving up. Grounded on the
// wait.PollUntilContextTimeout idiom used for readiness polling
// elsewhere in this codebase's corpus of origin.
func (g *Gateway) connectWithRetry(ctx context.Context, host string) (conn, error) {
	var (
		c       conn
		lastErr error
		attempt int
	)
	connString := g.connString(host)

	err := wait.PollUntilContextCancel(ctx, connectRetryInterval, true, func(ctx context.Context) (bool, error) {
		attempt++
		var derr error
		c, derr = g.dial(ctx, connString)
		if derr == nil {
			return true, nil
		}
		lastErr = derr
		level.Info(g.logger).Log("msg", "db connect attempt failed", "host", host, "attempt", attempt, "err", derr)
		if attempt >= connectMaxAttempts {
			return false, errors.Wrapf(lastErr, "exhausted %d connection attempts to %s", connectMaxAttempts, host)
		}
		return false, nil
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return c, nil
}

func (g *Gateway) connString(host string) string {
	cs := fmt.Sprintf("host=%s port=%d dbname=%s user=%s", host, g.port, g.db, g.user)
	if g.password != "" {
		cs += " password=" + g.password
	}
	return cs
}

func (g *Gateway) dialPGX(ctx context.Context, connString string) (conn, error) {
	c, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	return pgxConn{c}, nil
}

type pgxConn struct{ c *pgx.Conn }

func (p pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	return p.c.Exec(ctx, sql, args...)
}

func (p pgxConn) Close(ctx context.Context) error { return p.c.Close(ctx) }

// bindNamedParams rewrites Python-style %(name)s placeholders in
// statement into pgx positional placeholders ($1, $2, ...) and returns
// the rewritten SQL text alongside the correspondingly ordered argument
// list. This rejects SQL-level string interpolation: values are always
// passed as bind parameters, never spliced into the statement text.
// Statements are constructed internally (see pkg/reconciler) with a
// fixed, known set of placeholder names, so a left-to-right scan is
// sufficient; callers never pass untrusted placeholder syntax.
func bindNamedParams(statement string, params map[string]any) (string, []any) {
	var (
		out  []byte
		args []any
	)
	for i := 0; i < len(statement); i++ {
		if statement[i] != '%' || i+2 >= len(statement) || statement[i+1] != '(' {
			out = append(out, statement[i])
			continue
		}
		end := i + 2
		for end < len(statement) && statement[end] != ')' {
			end++
		}
		// %(name)s — require the trailing "s" conversion marker.
		if end+1 >= len(statement) || statement[end] != ')' || statement[end+1] != 's' {
			out = append(out, statement[i])
			continue
		}
		name := statement[i+2 : end]
		args = append(args, params[name])
		out = append(out, []byte(fmt.Sprintf("$%d", len(args)))...)
		i = end + 1
	}
	return string(out), args
}
