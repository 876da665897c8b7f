package postgres

import (
	"fmt"
	"hash/fnv"
	"regexp"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// tables holds the relation names of one queue.
type tables struct {
	rateLimit string
	crawlTime string
	queue     string
}

func newTables(prefix string) (tables, error) {
	t := tables{
		rateLimit: prefix + "rate_limit",
		crawlTime: prefix + "crawl_time",
		queue:     prefix + "queue",
	}
	for _, name := range []string{t.rateLimit, t.crawlTime, t.queue} {
		if !validTableName.MatchString(name) {
			return tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// statements are rendered once per Store so table names never come from call arguments.
type statements struct {
	schema       string
	insert       string
	claim        string
	complete     string
	setRateLimit string
	stats        string
}

// schemaLockKey derives the advisory lock that serializes schema creation for
// one set of tables. Concurrent CREATE TABLE IF NOT EXISTS can otherwise fail on
// the catalog's unique indexes.
func schemaLockKey(t tables) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("crawlqueue:" + t.queue))
	return int64(h.Sum64())
}

func newStatements(t tables) statements {
	return statements{
		// Sent without arguments, so pgx uses the simple protocol and the whole
		// script runs as one implicit transaction holding the advisory lock.
		schema: fmt.Sprintf(`
SELECT pg_advisory_xact_lock(%[4]d);
CREATE TABLE IF NOT EXISTS %[1]s (
	domain varchar(250) NOT NULL,
	limit_in_sec integer NOT NULL DEFAULT 0 CHECK (limit_in_sec >= 0),
	CONSTRAINT %[1]s_pkey PRIMARY KEY (domain)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	domain varchar(250) NOT NULL,
	last_crawl_time timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT %[2]s_domain_key UNIQUE (domain),
	CONSTRAINT %[2]s_domain_fkey FOREIGN KEY (domain) REFERENCES %[1]s (domain)
		MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS %[3]s (
	id varchar(250) NOT NULL,
	url text NOT NULL,
	domain varchar(250) NOT NULL,
	status smallint NOT NULL DEFAULT 0,
	CONSTRAINT %[3]s_pkey PRIMARY KEY (id),
	CONSTRAINT %[3]s_domain_fkey FOREIGN KEY (domain) REFERENCES %[1]s (domain)
		MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS %[3]s_pending_idx ON %[3]s (domain) WHERE status = 0;
`, t.rateLimit, t.crawlTime, t.queue, schemaLockKey(t)),

		// $1 domain, $2 limit_in_sec, $3 id, $4 url.
		// A new domain starts at -infinity so its first entry is dispatchable at once.
		// The trailing SELECT reads the pre-statement snapshot, so it only returns
		// a row that existed before this insert.
		insert: fmt.Sprintf(`
WITH rate AS (
	INSERT INTO %[1]s (domain, limit_in_sec) VALUES ($1, $2)
	ON CONFLICT (domain) DO NOTHING
), pacing AS (
	INSERT INTO %[2]s (domain, last_crawl_time) VALUES ($1, '-infinity')
	ON CONFLICT (domain) DO NOTHING
), inserted AS (
	INSERT INTO %[3]s (id, url, domain, status) VALUES ($3, $4, $1, 0)
	ON CONFLICT (id) DO NOTHING
	RETURNING id, url, domain, status
)
SELECT id, url, domain, status, true AS created FROM inserted
UNION ALL
SELECT id, url, domain, status, false AS created FROM %[3]s
WHERE id = $3 AND NOT EXISTS (SELECT 1 FROM inserted)`, t.rateLimit, t.crawlTime, t.queue),

		// Row locks on the entry and on its domain's pacing row are the only mutual
		// exclusion: a concurrent claimer skips both, and the pacing update in the
		// same statement closes the window for every other entry of the domain.
		claim: fmt.Sprintf(`
WITH next AS (
	SELECT q.id, q.domain
	FROM %[3]s q
	JOIN %[2]s ct ON ct.domain = q.domain
	JOIN %[1]s rl ON rl.domain = q.domain
	WHERE q.status = 0
	  AND ct.last_crawl_time + make_interval(secs => rl.limit_in_sec) < now()
	LIMIT 1
	FOR UPDATE OF q, ct SKIP LOCKED
), claimed AS (
	UPDATE %[3]s q SET status = 1
	FROM next
	WHERE q.id = next.id
	RETURNING q.id, q.url, q.domain, q.status
), paced AS (
	UPDATE %[2]s ct SET last_crawl_time = now()
	FROM next
	WHERE ct.domain = next.domain
)
SELECT id, url, domain, status FROM claimed`, t.rateLimit, t.crawlTime, t.queue),

		complete: fmt.Sprintf(`
UPDATE %[1]s SET status = 2
WHERE id = $1
RETURNING id, url, domain, status`, t.queue),

		// $1 domain, $2 limit_in_sec.
		setRateLimit: fmt.Sprintf(`
WITH rate AS (
	INSERT INTO %[1]s (domain, limit_in_sec) VALUES ($1, $2)
	ON CONFLICT (domain) DO UPDATE SET limit_in_sec = EXCLUDED.limit_in_sec
)
INSERT INTO %[2]s (domain, last_crawl_time) VALUES ($1, '-infinity')
ON CONFLICT (domain) DO NOTHING`, t.rateLimit, t.crawlTime),

		stats: fmt.Sprintf(`
SELECT
	count(*) FILTER (WHERE status = 0),
	count(*) FILTER (WHERE status = 1),
	count(*) FILTER (WHERE status = 2),
	(SELECT count(*) FROM %[1]s)
FROM %[2]s`, t.rateLimit, t.queue),
	}
}
