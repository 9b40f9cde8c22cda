package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// pgxPool is the subset of pgxpool.Pool the store uses. Declared as an
// interface so pgxmock can stand in during tests.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresConfig controls the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Postgres is the production store.
type Postgres struct {
	pool pgxPool
}

// NewPostgres connects a pool and returns the store.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool constructs a store from an existing pool (testing).
func NewPostgresWithPool(pool pgxPool) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Enqueue inserts frontier rows, skipping URLs already present in any
// status. Returns the number actually added.
func (s *Postgres) Enqueue(ctx context.Context, entries []ingest.FrontierEntry) (int, error) {
	added := 0
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		tag, err := s.pool.Exec(ctx, `
INSERT INTO frontier (url, country_code, source_id, status, classification)
VALUES ($1, $2, $3, 'pending', $4)
ON CONFLICT (url) DO NOTHING`,
			e.URL, e.CountryCode, e.SourceID, string(e.Classification))
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", e.URL, err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

const leaseNextSQL = `
UPDATE frontier SET
	status = 'leased',
	lease_owner = $1,
	lease_expiry = NOW() + $2
WHERE url = (
	SELECT url FROM frontier
	WHERE (status = 'pending' OR (status = 'leased' AND lease_expiry < NOW()))
	  AND ($3 = '' OR country_code = $3)
	ORDER BY enqueued_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING url, country_code, source_id, status, attempts, last_error,
	classification, lease_owner, lease_expiry, last_proxy_id, enqueued_at`

// LeaseNext claims the oldest leasable entry with a single SKIP LOCKED
// update. Expired leases become leasable again without operator action.
func (s *Postgres) LeaseNext(ctx context.Context, workerID, country string, ttl time.Duration) (*ingest.FrontierEntry, error) {
	row := s.pool.QueryRow(ctx, leaseNextSQL, workerID, ttl, country)
	entry, err := scanFrontier(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingest.ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("lease next: %w", err)
	}
	return entry, nil
}

// Complete transitions the entry to done and inserts the document in one
// transaction. A crash anywhere before commit leaves the entry leased until
// TTL, then re-leasable; never done without its document.
func (s *Postgres) Complete(ctx context.Context, entry *ingest.FrontierEntry, key ingest.SequenceKey, build ingest.DocumentFactory) (ingest.Document, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	doc, isNew, err := assignOrLookupTx(ctx, tx, entry.URL, key, build)
	if err != nil {
		return ingest.Document{}, false, err
	}

	tag, err := tx.Exec(ctx, `
UPDATE frontier SET status = 'done', lease_owner = '', last_error = ''
WHERE url = $1 AND status = 'leased' AND lease_owner = $2`,
		entry.URL, entry.LeaseOwner)
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("mark done: %w", err)
	}
	if tag.RowsAffected() != 1 {
		// The lease expired and someone else took it; abort so the other
		// holder commits instead of us double-counting.
		return ingest.Document{}, false, fmt.Errorf("lease on %s no longer held by %s", entry.URL, entry.LeaseOwner)
	}

	if err := tx.Commit(ctx); err != nil {
		return ingest.Document{}, false, fmt.Errorf("commit complete tx: %w", err)
	}
	return doc, isNew, nil
}

// AssignOrLookup resolves a source URL outside of a frontier transition.
func (s *Postgres) AssignOrLookup(ctx context.Context, sourceURL string, key ingest.SequenceKey, build ingest.DocumentFactory) (ingest.Document, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("begin assign tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	doc, isNew, err := assignOrLookupTx(ctx, tx, sourceURL, key, build)
	if err != nil {
		return ingest.Document{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ingest.Document{}, false, fmt.Errorf("commit assign tx: %w", err)
	}
	return doc, isNew, nil
}

// assignOrLookupTx is the atomic dedup-check plus sequence allocation. The
// advisory lock serializes concurrent first fetches of the same URL; the
// counter upsert serializes allocation within a partition.
func assignOrLookupTx(ctx context.Context, tx pgx.Tx, sourceURL string, key ingest.SequenceKey, build ingest.DocumentFactory) (ingest.Document, bool, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, sourceURL); err != nil {
		return ingest.Document{}, false, fmt.Errorf("acquire url lock: %w", err)
	}

	existing, err := findBySourceURLTx(ctx, tx, sourceURL)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ingest.Document{}, false, fmt.Errorf("dedup lookup: %w", err)
	}

	var seq int
	err = tx.QueryRow(ctx, `
INSERT INTO sequence_counters (country_code, doc_category, doc_year, next_value)
VALUES ($1, $2, $3, 2)
ON CONFLICT (country_code, doc_category, doc_year)
DO UPDATE SET next_value = sequence_counters.next_value + 1
RETURNING next_value - 1`,
		key.CountryCode, key.DocCategory, key.DocYear).Scan(&seq)
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("allocate sequence: %w", err)
	}

	doc := build(seq)
	parsedJSON, err := json.Marshal(doc.Parsed)
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("marshal parsed fields: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO documents (
	global_id, uuid, country_code, doc_category, doc_year, yearly_sequence,
	title_full, source_url, raw_content_ref, content_hash, fetched_via,
	parsed_fields, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		doc.GlobalID, nullIfEmpty(doc.UUID), doc.CountryCode, doc.DocCategory,
		doc.DocYear, doc.YearlySequence, doc.TitleFull, doc.SourceURL,
		doc.RawContentRef, doc.ContentHash, doc.FetchedVia, parsedJSON,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique violation on global_id despite the serialized
			// allocation path: an invariant break, not a retryable race.
			return ingest.Document{}, false, fmt.Errorf("%w: %s", ingest.ErrDuplicateAllocation, doc.GlobalID)
		}
		return ingest.Document{}, false, fmt.Errorf("insert document: %w", err)
	}
	return doc, true, nil
}

// Fail marks the entry terminally failed, keeping the error visible. Like
// Complete, the update only applies while this worker still owns the lease;
// a lapsed lease makes the call a no-op so the current holder's transition
// wins.
func (s *Postgres) Fail(ctx context.Context, entry *ingest.FrontierEntry, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.pool.Exec(ctx, `
UPDATE frontier SET status = 'failed', attempts = attempts + 1,
	lease_owner = '', last_error = $3, last_proxy_id = $4
WHERE url = $1 AND status = 'leased' AND lease_owner = $2`,
		entry.URL, entry.LeaseOwner, msg, entry.LastProxyID)
	if err != nil {
		return fmt.Errorf("fail %s: %w", entry.URL, err)
	}
	return nil
}

// Requeue returns the entry to pending with attempts incremented, guarded by
// the same lease-ownership check as Fail.
func (s *Postgres) Requeue(ctx context.Context, entry *ingest.FrontierEntry, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.pool.Exec(ctx, `
UPDATE frontier SET status = 'pending', attempts = attempts + 1,
	lease_owner = '', last_error = $3, classification = $4, last_proxy_id = $5
WHERE url = $1 AND status = 'leased' AND lease_owner = $2`,
		entry.URL, entry.LeaseOwner, msg, string(entry.Classification), entry.LastProxyID)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", entry.URL, err)
	}
	return nil
}

// Park shelves an entry that fetches but will not parse, keeping the pinned
// strategy so a later retry skips reclassification. Lease-guarded like Fail.
func (s *Postgres) Park(ctx context.Context, entry *ingest.FrontierEntry, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.pool.Exec(ctx, `
UPDATE frontier SET status = 'parked', attempts = attempts + 1,
	lease_owner = '', last_error = $3, classification = $4, last_proxy_id = $5
WHERE url = $1 AND status = 'leased' AND lease_owner = $2`,
		entry.URL, entry.LeaseOwner, msg, string(entry.Classification), entry.LastProxyID)
	if err != nil {
		return fmt.Errorf("park %s: %w", entry.URL, err)
	}
	return nil
}

// ResetParked returns parked entries to pending after an adapter fix.
func (s *Postgres) ResetParked(ctx context.Context, country string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE frontier SET status = 'pending', attempts = 0
WHERE status = 'parked' AND ($1 = '' OR country_code = $1)`, country)
	if err != nil {
		return 0, fmt.Errorf("reset parked: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats summarizes frontier and document state for one country.
func (s *Postgres) Stats(ctx context.Context, country string) (ingest.FrontierStats, error) {
	var stats ingest.FrontierStats
	err := s.pool.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'leased'),
	COUNT(*) FILTER (WHERE status = 'done'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'parked')
FROM frontier WHERE ($1 = '' OR country_code = $1)`, country).
		Scan(&stats.Pending, &stats.Leased, &stats.Done, &stats.Failed, &stats.Parked)
	if err != nil {
		return ingest.FrontierStats{}, fmt.Errorf("frontier stats: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
SELECT COUNT(*), COUNT(*) FILTER (WHERE created_at >= date_trunc('day', NOW()))
FROM documents WHERE ($1 = '' OR country_code = $1)`, country).
		Scan(&stats.Documents, &stats.AddedToday)
	if err != nil {
		return ingest.FrontierStats{}, fmt.Errorf("document stats: %w", err)
	}
	return stats, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanFrontier(row pgx.Row) (*ingest.FrontierEntry, error) {
	var (
		e           ingest.FrontierEntry
		status      string
		class       string
		leaseExpiry *time.Time
	)
	err := row.Scan(&e.URL, &e.CountryCode, &e.SourceID, &status, &e.Attempts,
		&e.LastError, &class, &e.LeaseOwner, &leaseExpiry, &e.LastProxyID, &e.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	e.Status = ingest.FrontierStatus(status)
	e.Classification = ingest.Strategy(class)
	if leaseExpiry != nil {
		e.LeaseExpiry = *leaseExpiry
	}
	return &e, nil
}
