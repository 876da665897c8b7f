// Package queue defines the persistent crawl queue: entry types, the Store
// abstraction over the shared relational store, and the Manager that callers
// use to add, claim, and finish work under per-domain pacing.
package queue

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by Store implementations and the Manager.
var (
	// ErrNoWorkAvailable reports that no entry became eligible within the poll budget.
	// It is an empty result, not a failure.
	ErrNoWorkAvailable = errors.New("no work available")
	// ErrSchemaMissing signals that a queue relation does not exist yet.
	ErrSchemaMissing = errors.New("queue schema missing")
	// ErrDuplicateKey signals a unique constraint conflict.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrEntryNotFound signals that no entry has the requested id.
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrClosed is returned by operations issued after Shutdown.
	ErrClosed = errors.New("queue manager closed")
)

// Status mirrors the queue.status column.
type Status int16

// Entry lifecycle states. Entries move Pending -> Claimed -> Done.
const (
	StatusPending Status = 0
	StatusClaimed Status = 1
	StatusDone    Status = 2
)

// String returns the lowercase status label.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusClaimed:
		return "claimed"
	case StatusDone:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

// Entry is one queued URL.
type Entry struct {
	// ID is the SHA-256 hex digest of URL and the primary key.
	ID     string `json:"id"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
	Status Status `json:"status"`
	// Created is true only when Add inserted a new row.
	Created bool `json:"created,omitempty"`
}

// Stats summarizes queue depth.
type Stats struct {
	Pending int64 `json:"pending"`
	Claimed int64 `json:"claimed"`
	Done    int64 `json:"done"`
	Domains int64 `json:"domains"`
}

// Store is the shared store behind the queue. Every mutating method must be a
// single atomic statement so that concurrent callers, possibly in different
// processes, never observe or produce a partial transition.
type Store interface {
	// EnsureSchema creates the queue relations if they are absent. Safe to call concurrently.
	EnsureSchema(ctx context.Context) error
	// Insert creates the domain's rate state if absent and inserts the entry unless
	// its id already exists. The returned entry has Created set accordingly.
	Insert(ctx context.Context, entry Entry, rateLimitSeconds int) (Entry, error)
	// Claim moves one eligible Pending entry to Claimed and stamps its domain's
	// last crawl time. ok is false when nothing is eligible right now.
	Claim(ctx context.Context) (entry Entry, ok bool, err error)
	// Complete marks the entry Done. Repeated calls succeed.
	Complete(ctx context.Context, id string) (Entry, error)
	// SetRateLimit creates or replaces the minimum dispatch interval of a domain.
	SetRateLimit(ctx context.Context, domain string, seconds int) error
	// Stats counts entries per status.
	Stats(ctx context.Context) (Stats, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection pool.
	Close()
}
