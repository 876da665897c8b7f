package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

var (
	entryColumns  = []string{"id", "url", "domain", "status"}
	insertColumns = []string{"id", "url", "domain", "status", "created"}
)

func newMockStore(t *testing.T, prefix string) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock, prefix)
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreWithPoolRejectsInvalidPrefix(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(mock, "bad-prefix;")
	require.Error(t, err)

	_, err = NewStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestNewStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), StoreConfig{})
	require.Error(t, err)
}

func TestEnsureSchemaCreatesPrefixedTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "crawl_")
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS crawl_queue")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReturnsCreatedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	entry := queue.Entry{ID: "abc", URL: "https://example.com/a", Domain: "example.com"}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue (id, url, domain, status)")).
		WithArgs("example.com", 5, "abc", "https://example.com/a").
		WillReturnRows(pgxmock.NewRows(insertColumns).
			AddRow("abc", "https://example.com/a", "example.com", int16(0), true))

	got, err := store.Insert(context.Background(), entry, 5)
	require.NoError(t, err)
	require.True(t, got.Created)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Equal(t, "example.com", got.Domain)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertExistingRowIsNotCreated(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	entry := queue.Entry{ID: "abc", URL: "https://example.com/a", Domain: "example.com"}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue")).
		WithArgs("example.com", 0, "abc", "https://example.com/a").
		WillReturnRows(pgxmock.NewRows(insertColumns).
			AddRow("abc", "https://example.com/a", "example.com", int16(2), false))

	got, err := store.Insert(context.Background(), entry, 0)
	require.NoError(t, err)
	require.False(t, got.Created)
	require.Equal(t, queue.StatusDone, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertConcurrentDuplicateWithoutVisibleRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	entry := queue.Entry{ID: "abc", URL: "https://example.com/a", Domain: "example.com"}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue")).
		WithArgs("example.com", 0, "abc", "https://example.com/a").
		WillReturnRows(pgxmock.NewRows(insertColumns))

	got, err := store.Insert(context.Background(), entry, 0)
	require.NoError(t, err)
	require.False(t, got.Created)
	require.Equal(t, "abc", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertUndefinedTableIsSchemaMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit")).
		WithArgs("example.com", 0, "abc", "https://example.com/a").
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "rate_limit" does not exist`})

	_, err := store.Insert(context.Background(),
		queue.Entry{ID: "abc", URL: "https://example.com/a", Domain: "example.com"}, 0)
	require.ErrorIs(t, err, queue.ErrSchemaMissing)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertUniqueViolationIsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue")).
		WithArgs("example.com", 0, "abc", "https://example.com/a").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.Insert(context.Background(),
		queue.Entry{ID: "abc", URL: "https://example.com/a", Domain: "example.com"}, 0)
	require.ErrorIs(t, err, queue.ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsEntry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF q, ct SKIP LOCKED")).
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow("abc", "https://example.com/a", "example.com", int16(1)))

	got, ok, err := store.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, queue.StatusClaimed, got.Status)
	require.Equal(t, "https://example.com/a", got.URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNothingEligible(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE crawl_time ct SET last_crawl_time = now()")).
		WillReturnRows(pgxmock.NewRows(entryColumns))

	_, ok, err := store.Claim(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimStorageErrorIsWrapped(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue q SET status = 1")).
		WillReturnError(errors.New("connection reset"))

	_, _, err := store.Claim(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, queue.ErrSchemaMissing)
	require.Contains(t, err.Error(), "claim entry")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMarksDone(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	for range 2 {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue SET status = 2")).
			WithArgs("abc").
			WillReturnRows(pgxmock.NewRows(entryColumns).
				AddRow("abc", "https://example.com/a", "example.com", int16(2)))
	}

	for range 2 {
		got, err := store.Complete(context.Background(), "abc")
		require.NoError(t, err)
		require.Equal(t, queue.StatusDone, got.Status)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteUnknownEntry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue SET status = 2")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(entryColumns))

	_, err := store.Complete(context.Background(), "missing")
	require.ErrorIs(t, err, queue.ErrEntryNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRateLimitUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectExec(regexp.QuoteMeta("DO UPDATE SET limit_in_sec = EXCLUDED.limit_in_sec")).
		WithArgs("example.com", 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SetRateLimit(context.Background(), "example.com", 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsScansCounts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta("count(*) FILTER (WHERE status = 0)")).
		WillReturnRows(pgxmock.NewRows([]string{"pending", "claimed", "done", "domains"}).
			AddRow(int64(3), int64(1), int64(7), int64(2)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Pending: 3, Claimed: 1, Done: 7, Domains: 2}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

type pingPool struct {
	pgxmock.PgxPoolIface
	pingErr error
	closed  int
}

func (p *pingPool) Ping(context.Context) error { return p.pingErr }
func (p *pingPool) Close()                     { p.closed++ }

func TestPingAndClose(t *testing.T) {
	t.Parallel()

	p := &pingPool{}
	store, err := NewStoreWithPool(p, "")
	require.NoError(t, err)

	require.NoError(t, store.Ping(context.Background()))
	p.pingErr = errors.New("down")
	require.Error(t, store.Ping(context.Background()))

	store.Close()
	require.Equal(t, 1, p.closed)
}

func TestSchemaLockKeyDependsOnTables(t *testing.T) {
	t.Parallel()

	a, err := newTables("")
	require.NoError(t, err)
	b, err := newTables("other_")
	require.NoError(t, err)
	require.NotEqual(t, schemaLockKey(a), schemaLockKey(b))
	require.Equal(t, schemaLockKey(a), schemaLockKey(a))
}
