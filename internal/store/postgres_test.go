package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewPostgresWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

// anyDocumentArgs matches the 14 INSERT INTO documents placeholders without
// constraining their values; pgxmock treats a missing WithArgs as "expect
// zero arguments" rather than "any arguments".
func anyDocumentArgs() []interface{} {
	args := make([]interface{}, 14)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func frontierRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"url", "country_code", "source_id", "status", "attempts", "last_error",
		"classification", "lease_owner", "lease_expiry", "last_proxy_id", "enqueued_at",
	})
}

func TestEnqueueSkipsKnownURLs(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO frontier").
		WithArgs("https://a", "KR", "kr-statutes", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO frontier").
		WithArgs("https://b", "KR", "kr-statutes", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0)) // already present

	added, err := s.Enqueue(context.Background(), []ingest.FrontierEntry{
		{URL: "https://a", CountryCode: "KR", SourceID: "kr-statutes"},
		{URL: "https://b", CountryCode: "KR", SourceID: "kr-statutes"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseNextClaimsAndScans(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	expiry := time.Now().Add(2 * time.Minute)
	mock.ExpectQuery("UPDATE frontier SET").
		WithArgs("w1", 2*time.Minute, "KR").
		WillReturnRows(frontierRows().AddRow(
			"https://a", "KR", "kr-statutes", "leased", 1, "timeout",
			"rendered", "w1", &expiry, "ep-0002", time.Now(),
		))

	entry, err := s.LeaseNext(context.Background(), "w1", "KR", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://a", entry.URL)
	assert.Equal(t, ingest.FrontierLeased, entry.Status)
	assert.Equal(t, ingest.StrategyRendered, entry.Classification)
	assert.Equal(t, "ep-0002", entry.LastProxyID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseNextEmptyFrontier(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE frontier SET").
		WithArgs("w1", time.Minute, "").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LeaseNext(context.Background(), "w1", "", time.Minute)
	assert.ErrorIs(t, err, ingest.ErrNoPending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func completeFactory(url string) ingest.DocumentFactory {
	return func(seq int) ingest.Document {
		return ingest.Document{
			GlobalID:       "KR-STAT-2021-00001",
			CountryCode:    "KR",
			DocCategory:    "STAT",
			DocYear:        2021,
			YearlySequence: seq,
			TitleFull:      "Energy Act",
			SourceURL:      url,
		}
	}
}

func TestCompleteAllocatesInsideOneTransaction(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	entry := &ingest.FrontierEntry{URL: "https://a", LeaseOwner: "w1"}
	key := ingest.SequenceKey{CountryCode: "KR", DocCategory: "STAT", DocYear: 2021}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtextextended($1, 0))")).
		WithArgs("https://a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE source_url").
		WithArgs("https://a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO sequence_counters").
		WithArgs("KR", "STAT", 2021).
		WillReturnRows(pgxmock.NewRows([]string{"next_value"}).AddRow(1))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(anyDocumentArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE frontier SET status = 'done'").
		WithArgs("https://a", "w1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().Maybe()

	doc, isNew, err := s.Complete(context.Background(), entry, key, completeFactory("https://a"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "KR-STAT-2021-00001", doc.GlobalID)
	assert.Equal(t, 1, doc.YearlySequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAbortsWhenLeaseLost(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	entry := &ingest.FrontierEntry{URL: "https://a", LeaseOwner: "w1"}
	key := ingest.SequenceKey{CountryCode: "KR", DocCategory: "STAT", DocYear: 2021}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtextextended($1, 0))")).
		WithArgs("https://a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE source_url").
		WithArgs("https://a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO sequence_counters").
		WithArgs("KR", "STAT", 2021).
		WillReturnRows(pgxmock.NewRows([]string{"next_value"}).AddRow(1))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(anyDocumentArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Another worker took the expired lease: zero rows updated, no commit.
	mock.ExpectExec("UPDATE frontier SET status = 'done'").
		WithArgs("https://a", "w1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, _, err := s.Complete(context.Background(), entry, key, completeFactory("https://a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer held")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignOrLookupReturnsExisting(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	key := ingest.SequenceKey{CountryCode: "KR", DocCategory: "STAT", DocYear: 2021}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtextextended($1, 0))")).
		WithArgs("https://a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE source_url").
		WithArgs("https://a").
		WillReturnRows(pgxmock.NewRows([]string{
			"global_id", "uuid", "country_code", "doc_category", "doc_year",
			"yearly_sequence", "title_full", "source_url", "raw_content_ref",
			"content_hash", "fetched_via", "parsed_fields", "created_at", "updated_at",
		}).AddRow(
			"KR-STAT-2021-00001", "some-uuid", "KR", "STAT", 2021,
			1, "Energy Act", "https://a", "raw/kr/ab/abc.html",
			"abc", "ep-0001", []byte(`{"Title":"Energy Act"}`), now, now,
		))
	mock.ExpectCommit()
	mock.ExpectRollback().Maybe()

	doc, isNew, err := s.AssignOrLookup(context.Background(), "https://a", key, completeFactory("https://a"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "KR-STAT-2021-00001", doc.GlobalID)
	assert.Equal(t, "Energy Act", doc.Parsed.Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignOrLookupSurfacesDuplicateAllocation(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	key := ingest.SequenceKey{CountryCode: "KR", DocCategory: "STAT", DocYear: 2021}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtextextended($1, 0))")).
		WithArgs("https://a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE source_url").
		WithArgs("https://a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO sequence_counters").
		WithArgs("KR", "STAT", 2021).
		WillReturnRows(pgxmock.NewRows([]string{"next_value"}).AddRow(1))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(anyDocumentArgs()...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "documents_pkey"})
	mock.ExpectRollback()

	_, _, err := s.AssignOrLookup(context.Background(), "https://a", key, completeFactory("https://a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrDuplicateAllocation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM frontier WHERE").
		WithArgs("KR").
		WillReturnRows(pgxmock.NewRows([]string{"pending", "leased", "done", "failed", "parked"}).
			AddRow(3, 1, 10, 2, 1))
	mock.ExpectQuery("FROM documents WHERE").
		WithArgs("KR").
		WillReturnRows(pgxmock.NewRows([]string{"count", "today"}).AddRow(10, 4))

	stats, err := s.Stats(context.Background(), "KR")
	require.NoError(t, err)
	assert.Equal(t, ingest.FrontierStats{Pending: 3, Leased: 1, Done: 10, Failed: 2, Parked: 1, Documents: 10, AddedToday: 4}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParkClearsLeaseAndKeepsClassification(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE frontier SET status = 'parked'").
		WithArgs("https://a", "w1", "sentinel title", "rendered", "ep-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	entry := &ingest.FrontierEntry{
		URL:            "https://a",
		LeaseOwner:     "w1",
		Classification: ingest.StrategyRendered,
		LastProxyID:    "ep-1",
	}
	require.NoError(t, s.Park(context.Background(), entry, errors.New("sentinel title")))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Requeue, Fail and Park carry the same lease-ownership guard as Complete.
// A lapsed lease makes them row-count-zero no-ops instead of clobbering the
// current holder's state.
func TestFrontierTransitionsAreLeaseGuarded(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	stale := &ingest.FrontierEntry{
		URL:         "https://a",
		LeaseOwner:  "w1",
		LastProxyID: "ep-1",
	}
	cause := errors.New("slow fetch")

	guarded := regexp.QuoteMeta("status = 'leased' AND lease_owner = $2")
	mock.ExpectExec("(?s)UPDATE frontier SET status = 'pending'.*" + guarded).
		WithArgs("https://a", "w1", "slow fetch", "", "ep-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.NoError(t, s.Requeue(context.Background(), stale, cause))

	mock.ExpectExec("(?s)UPDATE frontier SET status = 'failed'.*" + guarded).
		WithArgs("https://a", "w1", "slow fetch", "ep-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.NoError(t, s.Fail(context.Background(), stale, cause))

	mock.ExpectExec("(?s)UPDATE frontier SET status = 'parked'.*" + guarded).
		WithArgs("https://a", "w1", "slow fetch", "", "ep-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.NoError(t, s.Park(context.Background(), stale, cause))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetParkedReportsRowCount(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE frontier SET status = 'pending'").
		WithArgs("KR").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	reset, err := s.ResetParked(context.Background(), "KR")
	require.NoError(t, err)
	assert.Equal(t, 3, reset)
	require.NoError(t, mock.ExpectationsWereMet())
}
