// Package memory provides a single-process queue store for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

var _ queue.Store = (*Store)(nil)

type domainState struct {
	rateLimit time.Duration
	// lastCrawl is the zero time until the domain's first claim.
	lastCrawl time.Time
}

// Store keeps queue rows in maps guarded by a mutex. Each method holds the lock
// for its whole body, which gives it the same all-or-nothing behavior as a
// single SQL statement.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	provisioned bool
	closed      bool
	domains     map[string]*domainState
	entries     map[string]*queue.Entry
	order       []string
	closeCalls  int
}

// NewStore returns a provisioned Store. A nil now uses time.Now.
func NewStore(now func() time.Time) *Store {
	s := NewUnprovisionedStore(now)
	s.provisioned = true
	return s
}

// NewUnprovisionedStore returns a Store that reports queue.ErrSchemaMissing
// until EnsureSchema is called.
func NewUnprovisionedStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:     now,
		domains: make(map[string]*domainState),
		entries: make(map[string]*queue.Entry),
	}
}

// EnsureSchema marks the store provisioned.
func (s *Store) EnsureSchema(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	s.provisioned = true
	return nil
}

// Insert creates the domain state if absent and adds the entry unless its id exists.
func (s *Store) Insert(_ context.Context, entry queue.Entry, rateLimitSeconds int) (queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return queue.Entry{}, err
	}
	if _, ok := s.domains[entry.Domain]; !ok {
		s.domains[entry.Domain] = &domainState{rateLimit: time.Duration(rateLimitSeconds) * time.Second}
	}
	if existing, ok := s.entries[entry.ID]; ok {
		out := *existing
		out.Created = false
		return out, nil
	}
	stored := entry
	stored.Status = queue.StatusPending
	stored.Created = false
	s.entries[entry.ID] = &stored
	s.order = append(s.order, entry.ID)

	out := stored
	out.Created = true
	return out, nil
}

// Claim picks the first Pending entry, in insertion order, whose domain is outside
// its rate limit window, marks it Claimed, and stamps the domain's last crawl time.
func (s *Store) Claim(_ context.Context) (queue.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return queue.Entry{}, false, err
	}
	now := s.now()
	for _, id := range s.order {
		e := s.entries[id]
		if e.Status != queue.StatusPending {
			continue
		}
		d := s.domains[e.Domain]
		if !d.lastCrawl.IsZero() && now.Sub(d.lastCrawl) <= d.rateLimit {
			continue
		}
		e.Status = queue.StatusClaimed
		d.lastCrawl = now
		return *e, true, nil
	}
	return queue.Entry{}, false, nil
}

// Complete marks the entry Done.
func (s *Store) Complete(_ context.Context, id string) (queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return queue.Entry{}, err
	}
	e, ok := s.entries[id]
	if !ok {
		return queue.Entry{}, queue.ErrEntryNotFound
	}
	e.Status = queue.StatusDone
	return *e, nil
}

// SetRateLimit creates or replaces the interval of domain.
func (s *Store) SetRateLimit(_ context.Context, domain string, seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	limit := time.Duration(seconds) * time.Second
	if d, ok := s.domains[domain]; ok {
		d.rateLimit = limit
		return nil
	}
	s.domains[domain] = &domainState{rateLimit: limit}
	return nil
}

// Stats counts entries per status.
func (s *Store) Stats(_ context.Context) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return queue.Stats{}, err
	}
	stats := queue.Stats{Domains: int64(len(s.domains))}
	for _, e := range s.entries {
		switch e.Status {
		case queue.StatusPending:
			stats.Pending++
		case queue.StatusClaimed:
			stats.Claimed++
		case queue.StatusDone:
			stats.Done++
		}
	}
	return stats, nil
}

// Ping fails once the store is closed.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
}

// CloseCalls reports how many times Close was invoked.
func (s *Store) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// RateLimit returns the interval recorded for domain.
func (s *Store) RateLimit(domain string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domain]
	if !ok {
		return 0, false
	}
	return d.rateLimit, true
}

// LastCrawl returns the last claim time of domain; zero means never claimed.
func (s *Store) LastCrawl(domain string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[domain]; ok {
		return d.lastCrawl
	}
	return time.Time{}
}

func (s *Store) checkLocked() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	if !s.provisioned {
		return queue.ErrSchemaMissing
	}
	return nil
}
