// Package pool manages the process-wide PostgreSQL connection pool.
//
// A Pool is created once, initialized at startup and closed at shutdown. Every
// query helper fails fast with ErrPoolNotReady until Initialize succeeds, and
// the *WithRetry variants run through an Executor that retries connection
// failures only.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gatekeeper/internal/models"
	"gatekeeper/internal/version"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// State is the pool lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures Initialize.
type Options struct {
	ConnString     string
	MinConns       int32
	MaxConns       int32
	CommandTimeout time.Duration
	MaxIdleTime    time.Duration
	RetryBaseDelay time.Duration
}

// OptionsFromConfig converts the database configuration section.
func OptionsFromConfig(cfg models.DatabaseConfig) Options {
	return Options{
		ConnString:     cfg.DSN,
		MinConns:       int32(cfg.MinConns),
		MaxConns:       int32(cfg.MaxConns),
		CommandTimeout: cfg.CommandTimeout,
		MaxIdleTime:    cfg.MaxIdleTime,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}
}

// Status is a snapshot of the pool for health reporting.
type Status struct {
	State State `json:"state"`
	Size  int32 `json:"size"`
	Idle  int32 `json:"idle"`
	Min   int32 `json:"min"`
	Max   int32 `json:"max"`
}

// Querier is the query surface shared by Pool and its instrumented wrapper.
type Querier interface {
	Execute(ctx context.Context, query string, args ...any) (string, error)
	Fetch(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	FetchOne(ctx context.Context, query string, args ...any) (map[string]any, error)
	ExecuteWithRetry(ctx context.Context, query string, maxRetries int, args ...any) (string, error)
	FetchWithRetry(ctx context.Context, query string, maxRetries int, args ...any) ([]map[string]any, error)
	Ping(ctx context.Context) error
	Status() Status
}

// Pool wraps a pgxpool.Pool with an explicit lifecycle.
type Pool struct {
	initMu sync.Mutex // serializes Initialize and Close

	mu    sync.RWMutex
	state State
	pool  *pgxpool.Pool
	opts  Options

	executor *Executor
	logger   *slog.Logger
}

var _ Querier = (*Pool)(nil)

// New returns an uninitialized pool. A nil logger selects slog.Default().
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:   logger,
		executor: NewExecutor(DefaultRetryBaseDelay, logger),
	}
}

// Initialize connects the pool. Calling it on an active pool does nothing.
// On failure the pool returns to the uninitialized state and may be retried.
func (p *Pool) Initialize(ctx context.Context, opts Options) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	switch p.State() {
	case StateActive:
		return nil
	case StateClosed:
		return ErrPoolClosed
	}

	if opts.ConnString == "" {
		return fmt.Errorf("connection string is required for the database pool")
	}

	p.setState(StateInitializing, nil)

	cfg, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		p.setState(StateUninitialized, nil)
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxIdleTime
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = version.GetInfo().UserAgent()
	}

	pgPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		p.setState(StateUninitialized, nil)
		p.logger.Error("Failed to create database pool", "error", err)
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pgPool.Ping(ctx); err != nil {
		pgPool.Close()
		p.setState(StateUninitialized, nil)
		p.logger.Error("Failed to ping database", "error", err)
		return fmt.Errorf("failed to ping database: %w", err)
	}

	p.mu.Lock()
	p.opts = opts
	p.opts.MinConns = cfg.MinConns
	p.opts.MaxConns = cfg.MaxConns
	p.state = StateActive
	p.pool = pgPool
	p.executor = NewExecutor(opts.RetryBaseDelay, p.logger)
	p.mu.Unlock()

	p.logger.Info("Database pool initialized",
		"min_conns", cfg.MinConns,
		"max_conns", cfg.MaxConns,
		"command_timeout", opts.CommandTimeout.String(),
	)
	return nil
}

func (p *Pool) setState(state State, pgPool *pgxpool.Pool) {
	p.mu.Lock()
	p.state = state
	p.pool = pgPool
	p.mu.Unlock()
}

// Close releases all connections. The pool cannot be initialized again.
func (p *Pool) Close() {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	pgPool := p.pool
	wasActive := p.state == StateActive
	p.pool = nil
	p.state = StateClosed
	p.mu.Unlock()

	if pgPool != nil {
		pgPool.Close()
	}
	if wasActive {
		p.logger.Info("Database pool closed")
	}
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Status reports the lifecycle state and connection counts.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{State: p.state, Min: p.opts.MinConns, Max: p.opts.MaxConns}
	if p.state == StateActive && p.pool != nil {
		stat := p.pool.Stat()
		st.Size = stat.TotalConns()
		st.Idle = stat.IdleConns()
	}
	return st
}

func (p *Pool) ready() (*pgxpool.Pool, time.Duration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != StateActive || p.pool == nil {
		return nil, 0, ErrPoolNotReady
	}
	return p.pool, p.opts.CommandTimeout, nil
}

// Acquire runs fn with a pooled connection. The connection is released on
// every path. Errors are logged and returned unchanged.
func (p *Pool) Acquire(ctx context.Context, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	pgPool, timeout, err := p.ready()
	if err != nil {
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := pgPool.Acquire(ctx)
	if err != nil {
		p.logger.Error("Failed to acquire database connection", "error", err)
		return err
	}
	defer conn.Release()

	if err := fn(ctx, conn); err != nil {
		p.logger.Error("Database operation failed", "error", err)
		return err
	}
	return nil
}

// Execute runs a statement and returns its command tag, e.g. "INSERT 0 1".
func (p *Pool) Execute(ctx context.Context, query string, args ...any) (string, error) {
	var tag string
	err := p.Acquire(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		ct, err := conn.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		tag = ct.String()
		return nil
	})
	return tag, err
}

// Fetch runs a query and returns every row as a column-name map.
func (p *Pool) Fetch(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var result []map[string]any
	err := p.Acquire(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		result, err = pgx.CollectRows(rows, pgx.RowToMap)
		return err
	})
	return result, err
}

// FetchOne returns the first row, or nil when the query produced none.
func (p *Pool) FetchOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	var result map[string]any
	err := p.Acquire(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		row, err := pgx.CollectOneRow(rows, pgx.RowToMap)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		result = row
		return nil
	})
	return result, err
}

// Executor returns the executor used by the *WithRetry helpers.
func (p *Pool) Executor() *Executor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.executor
}

// ExecuteWithRetry is Execute retried on connection failures.
func (p *Pool) ExecuteWithRetry(ctx context.Context, query string, maxRetries int, args ...any) (string, error) {
	return Retry(ctx, p.Executor(), maxRetries, func(ctx context.Context) (string, error) {
		return p.Execute(ctx, query, args...)
	})
}

// FetchWithRetry is Fetch retried on connection failures.
func (p *Pool) FetchWithRetry(ctx context.Context, query string, maxRetries int, args ...any) ([]map[string]any, error) {
	return Retry(ctx, p.Executor(), maxRetries, func(ctx context.Context) ([]map[string]any, error) {
		return p.Fetch(ctx, query, args...)
	})
}

// StdDB returns a database/sql handle sharing the pool's connections, for
// tools that need one. Closing it does not close the pool.
func (p *Pool) StdDB() (*sql.DB, error) {
	pgPool, _, err := p.ready()
	if err != nil {
		return nil, err
	}
	return stdlib.OpenDBFromPool(pgPool), nil
}

// Ping checks that the database answers.
func (p *Pool) Ping(ctx context.Context) error {
	pgPool, timeout, err := p.ready()
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return pgPool.Ping(ctx)
}
