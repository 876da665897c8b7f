package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/metrics"
	"github.com/JakeFAU/crawlqueue/internal/urlid"
)

const tracerName = "github.com/JakeFAU/crawlqueue/internal/queue"

// Defaults applied by NewManager when the corresponding Config field is zero.
const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollAttempts = 10
)

// Config carries the per-instance queue settings.
//   - Domain: rate-limit domain for every added URL; empty derives it from the URL host.
//   - RateLimitSeconds: interval used when a domain is first seen.
//   - PollInterval: wait between claim attempts when nothing is eligible.
//   - MaxPollAttempts: extra claim attempts before Get gives up; 0 means a single attempt.
type Config struct {
	Domain           string
	RateLimitSeconds int
	PollInterval     time.Duration
	MaxPollAttempts  int
}

// Validate rejects negative settings.
func (c Config) Validate() error {
	if c.RateLimitSeconds < 0 {
		return fmt.Errorf("queue.rate_limit_seconds must be >= 0")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("queue.poll_interval_ms must be >= 0")
	}
	if c.MaxPollAttempts < 0 {
		return fmt.Errorf("queue.max_poll_attempts must be >= 0")
	}
	return nil
}

// Manager coordinates workers over a shared Store. It keeps no queue state of
// its own, so any number of Managers in any number of processes may share one store.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewManager validates cfg and returns a Manager that owns store until Shutdown.
func NewManager(store Store, cfg Config, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// EnsureSchema provisions the queue relations immediately instead of on first use.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	ctx, span := m.tracer.Start(ctx, "queue.EnsureSchema")
	defer span.End()
	if err := m.provision(ctx); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// Add enqueues rawURL. Adding a URL that is already queued succeeds and returns
// the stored entry with Created set to false.
func (m *Manager) Add(ctx context.Context, rawURL string) (Entry, error) {
	if m.closed.Load() {
		return Entry{}, ErrClosed
	}
	ctx, span := m.tracer.Start(ctx, "queue.Add", trace.WithAttributes(attribute.String("queue.url", rawURL)))
	defer span.End()

	if strings.TrimSpace(rawURL) == "" {
		err := errors.New("add: url is empty")
		recordError(span, err)
		return Entry{}, err
	}
	domain, err := m.domainFor(rawURL)
	if err != nil {
		err = fmt.Errorf("add %s: resolve domain: %w", rawURL, err)
		recordError(span, err)
		return Entry{}, err
	}

	entry := Entry{ID: urlid.ID(rawURL), URL: rawURL, Domain: domain, Status: StatusPending}
	var stored Entry
	err = m.withSchema(ctx, "add", func() error {
		var insertErr error
		stored, insertErr = m.store.Insert(ctx, entry, m.cfg.RateLimitSeconds)
		return insertErr
	})
	if err != nil {
		err = fmt.Errorf("add %s: %w", rawURL, err)
		recordError(span, err)
		m.logger.Error("add failed", zap.String("url", rawURL), zap.Error(err))
		return Entry{}, err
	}

	span.SetAttributes(attribute.String("queue.id", stored.ID), attribute.Bool("queue.created", stored.Created))
	metrics.ObserveAdd(stored.Domain, stored.Created)
	m.logger.Debug("entry added",
		zap.String("id", stored.ID),
		zap.String("url", stored.URL),
		zap.String("domain", stored.Domain),
		zap.Bool("created", stored.Created),
	)
	return stored, nil
}

// Get claims the next eligible entry. When nothing is eligible it polls every
// PollInterval, at most MaxPollAttempts more times, and then returns
// ErrNoWorkAvailable. Cancelling ctx stops the wait early.
func (m *Manager) Get(ctx context.Context) (Entry, error) {
	if m.closed.Load() {
		return Entry{}, ErrClosed
	}
	ctx, span := m.tracer.Start(ctx, "queue.Get")
	defer span.End()

	start := time.Now()
	attempts := 0
	var entry Entry
	claim := func() error {
		if m.closed.Load() {
			return backoff.Permanent(ErrClosed)
		}
		attempts++
		var ok bool
		err := m.withSchema(ctx, "get", func() error {
			var claimErr error
			entry, ok, claimErr = m.store.Claim(ctx)
			return claimErr
		})
		if err != nil {
			if m.closed.Load() {
				return backoff.Permanent(ErrClosed)
			}
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrNoWorkAvailable
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.PollInterval), uint64(m.cfg.MaxPollAttempts)),
		ctx,
	)
	err := backoff.RetryNotify(claim, policy, func(_ error, next time.Duration) {
		metrics.ObserveEmptyPoll()
		m.logger.Debug("no eligible entry; polling again", zap.Int("attempt", attempts), zap.Duration("next", next))
	})
	span.SetAttributes(attribute.Int("queue.attempts", attempts))

	switch {
	case err == nil:
	case errors.Is(err, ErrNoWorkAvailable):
		metrics.ObserveGetResult("empty")
		m.logger.Debug("no work available", zap.Int("attempts", attempts))
		return Entry{}, ErrNoWorkAvailable
	case errors.Is(err, ErrClosed):
		metrics.ObserveGetResult("closed")
		m.logger.Debug("queue shut down while polling", zap.Int("attempts", attempts))
		return Entry{}, ErrClosed
	default:
		metrics.ObserveGetResult("error")
		err = fmt.Errorf("claim entry: %w", err)
		recordError(span, err)
		if ctx.Err() == nil {
			m.logger.Error("claim failed", zap.Error(err))
		}
		return Entry{}, err
	}

	span.SetAttributes(attribute.String("queue.id", entry.ID), attribute.String("queue.domain", entry.Domain))
	metrics.ObserveClaim(entry.Domain, time.Since(start))
	m.logger.Debug("entry claimed",
		zap.String("id", entry.ID),
		zap.String("url", entry.URL),
		zap.String("domain", entry.Domain),
		zap.Int("attempts", attempts),
	)
	return entry, nil
}

// End marks a claimed entry Done. Calling it again for the same entry succeeds.
// When entry.ID is empty the id is derived from entry.URL.
func (m *Manager) End(ctx context.Context, entry Entry) (Entry, error) {
	if m.closed.Load() {
		return Entry{}, ErrClosed
	}
	ctx, span := m.tracer.Start(ctx, "queue.End")
	defer span.End()

	id := entry.ID
	if id == "" {
		if entry.URL == "" {
			err := errors.New("end: entry has neither id nor url")
			recordError(span, err)
			return Entry{}, err
		}
		id = urlid.ID(entry.URL)
	}
	span.SetAttributes(attribute.String("queue.id", id))

	var done Entry
	err := m.withSchema(ctx, "end", func() error {
		var completeErr error
		done, completeErr = m.store.Complete(ctx, id)
		return completeErr
	})
	if err != nil {
		err = fmt.Errorf("end %s: %w", id, err)
		recordError(span, err)
		return Entry{}, err
	}

	metrics.ObserveCompletion(done.Domain)
	m.logger.Debug("entry done", zap.String("id", done.ID), zap.String("url", done.URL))
	return done, nil
}

// SetRateLimit replaces the dispatch interval of domain. Add never overwrites an
// existing interval, so this is the only way to change one.
func (m *Manager) SetRateLimit(ctx context.Context, domain string, seconds int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	ctx, span := m.tracer.Start(ctx, "queue.SetRateLimit",
		trace.WithAttributes(attribute.String("queue.domain", domain), attribute.Int("queue.rate_limit_seconds", seconds)))
	defer span.End()

	if strings.TrimSpace(domain) == "" {
		err := errors.New("set rate limit: domain is empty")
		recordError(span, err)
		return err
	}
	if seconds < 0 {
		err := fmt.Errorf("set rate limit: seconds must be >= 0, got %d", seconds)
		recordError(span, err)
		return err
	}
	err := m.withSchema(ctx, "set_rate_limit", func() error {
		return m.store.SetRateLimit(ctx, domain, seconds)
	})
	if err != nil {
		err = fmt.Errorf("set rate limit for %s: %w", domain, err)
		recordError(span, err)
		return err
	}
	m.logger.Info("rate limit updated", zap.String("domain", domain), zap.Int("seconds", seconds))
	return nil
}

// Stats reports queue depth and refreshes the depth gauges.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if m.closed.Load() {
		return Stats{}, ErrClosed
	}
	ctx, span := m.tracer.Start(ctx, "queue.Stats")
	defer span.End()

	var stats Stats
	err := m.withSchema(ctx, "stats", func() error {
		var statsErr error
		stats, statsErr = m.store.Stats(ctx)
		return statsErr
	})
	if err != nil {
		err = fmt.Errorf("queue stats: %w", err)
		recordError(span, err)
		return Stats{}, err
	}
	metrics.SetQueueDepth(StatusPending.String(), stats.Pending)
	metrics.SetQueueDepth(StatusClaimed.String(), stats.Claimed)
	metrics.SetQueueDepth(StatusDone.String(), stats.Done)
	return stats, nil
}

// Ping checks store connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// Shutdown releases the store. It is meant to be called once when crawling
// completes; further calls are no-ops and further operations return ErrClosed.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.store.Close()
		m.logger.Info("queue manager shut down")
	})
}

// withSchema runs fn and, if it failed because the schema is absent, provisions
// the schema and runs fn exactly once more.
func (m *Manager) withSchema(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrSchemaMissing) {
		return err
	}
	m.logger.Info("queue schema missing; provisioning", zap.String("op", op))
	if provErr := m.provision(ctx); provErr != nil {
		return provErr
	}
	return fn()
}

func (m *Manager) provision(ctx context.Context) error {
	if err := m.store.EnsureSchema(ctx); err != nil {
		metrics.ObserveProvision(false)
		return fmt.Errorf("ensure schema: %w", err)
	}
	metrics.ObserveProvision(true)
	m.logger.Info("queue schema ready")
	return nil
}

func (m *Manager) domainFor(rawURL string) (string, error) {
	if m.cfg.Domain != "" {
		return m.cfg.Domain, nil
	}
	domain, err := urlid.Domain(rawURL)
	if err != nil {
		return "", fmt.Errorf("derive domain: %w", err)
	}
	return domain, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
