// Package postgres implements the crawl queue Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

var _ queue.Store = (*Store)(nil)

// StoreConfig controls the Postgres connection pool and table naming.
type StoreConfig struct {
	DSN string
	// TablePrefix is prepended to rate_limit, crawl_time and queue.
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store is a queue.Store backed by a pgx pool. Each method issues exactly one
// statement, so correctness never depends on how callers are scheduled.
type Store struct {
	pool   pool
	tables tables
	sql    statements
}

// NewStore connects to Postgres using cfg. The schema is not created here;
// the queue Manager provisions it the first time a statement needs it.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	t, err := newTables(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: p, tables: t, sql: newStatements(t)}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, tablePrefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := newTables(tablePrefix)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, tables: t, sql: newStatements(t)}, nil
}

// EnsureSchema creates the three queue relations if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.sql.schema); err != nil {
		return classify("create schema", err)
	}
	return nil
}

// Insert registers the entry's domain if needed and inserts the entry unless its
// id is already queued.
func (s *Store) Insert(ctx context.Context, entry queue.Entry, rateLimitSeconds int) (queue.Entry, error) {
	var (
		out     queue.Entry
		status  int16
		created bool
	)
	err := s.pool.QueryRow(ctx, s.sql.insert, entry.Domain, rateLimitSeconds, entry.ID, entry.URL).
		Scan(&out.ID, &out.URL, &out.Domain, &status, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		// Another transaction inserted the same id after this statement's
		// snapshot was taken; the row exists but is not visible yet.
		out = entry
		out.Status = queue.StatusPending
		out.Created = false
		return out, nil
	}
	if err != nil {
		return queue.Entry{}, classify("insert entry", err)
	}
	out.Status = queue.Status(status)
	out.Created = created
	return out, nil
}

// Claim atomically moves one eligible entry to Claimed.
func (s *Store) Claim(ctx context.Context) (queue.Entry, bool, error) {
	var (
		out    queue.Entry
		status int16
	)
	err := s.pool.QueryRow(ctx, s.sql.claim).Scan(&out.ID, &out.URL, &out.Domain, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Entry{}, false, nil
	}
	if err != nil {
		return queue.Entry{}, false, classify("claim entry", err)
	}
	out.Status = queue.Status(status)
	return out, true, nil
}

// Complete marks the entry Done regardless of its current status.
func (s *Store) Complete(ctx context.Context, id string) (queue.Entry, error) {
	var (
		out    queue.Entry
		status int16
	)
	err := s.pool.QueryRow(ctx, s.sql.complete, id).Scan(&out.ID, &out.URL, &out.Domain, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Entry{}, queue.ErrEntryNotFound
	}
	if err != nil {
		return queue.Entry{}, classify("complete entry", err)
	}
	out.Status = queue.Status(status)
	return out, nil
}

// SetRateLimit creates or replaces the interval of domain.
func (s *Store) SetRateLimit(ctx context.Context, domain string, seconds int) error {
	if _, err := s.pool.Exec(ctx, s.sql.setRateLimit, domain, seconds); err != nil {
		return classify("set rate limit", err)
	}
	return nil
}

// Stats counts entries per status and the number of known domains.
func (s *Store) Stats(ctx context.Context) (queue.Stats, error) {
	var stats queue.Stats
	err := s.pool.QueryRow(ctx, s.sql.stats).Scan(&stats.Pending, &stats.Claimed, &stats.Done, &stats.Domains)
	if err != nil {
		return queue.Stats{}, classify("queue stats", err)
	}
	return stats, nil
}

// Ping verifies the pool can reach Postgres.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// classify maps Postgres SQLSTATE codes onto queue sentinels while keeping the
// driver error in the chain.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable:
			return fmt.Errorf("%s: %w: %w", op, queue.ErrSchemaMissing, err)
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, queue.ErrDuplicateKey, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
