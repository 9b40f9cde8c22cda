package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

const documentColumns = `global_id, COALESCE(uuid::text, ''), country_code,
	doc_category, doc_year, yearly_sequence, title_full, source_url,
	raw_content_ref, content_hash, fetched_via, parsed_fields,
	created_at, updated_at`

// Search matches documents by title substring, newest partition first.
func (s *Postgres) Search(ctx context.Context, query, country string, limit int) ([]ingest.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT %s FROM documents
WHERE ($1 = '' OR country_code = $1)
  AND ($2 = '' OR title_full ILIKE '%%' || $2 || '%%')
ORDER BY doc_year DESC, global_id
LIMIT $3`, documentColumns), country, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ForEachDocument streams every document for the country through fn,
// in global ID order. Used by the re-normalization pass.
func (s *Postgres) ForEachDocument(ctx context.Context, country string, fn func(ingest.Document) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT %s FROM documents
WHERE ($1 = '' OR country_code = $1)
ORDER BY global_id`, documentColumns), country)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}
	return nil
}

// UpdateParsed amends the extracted fields after a re-normalization pass.
// The identity columns never change here.
func (s *Postgres) UpdateParsed(ctx context.Context, globalID string, parsed ingest.ParsedFields) error {
	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("marshal parsed fields: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE documents SET parsed_fields = $2, title_full = $3, updated_at = NOW()
WHERE global_id = $1`,
		globalID, parsedJSON, parsed.Title)
	if err != nil {
		return fmt.Errorf("update parsed fields for %s: %w", globalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", globalID)
	}
	return nil
}

// CountsByYear reports document counts per year for one country.
func (s *Postgres) CountsByYear(ctx context.Context, country string) (map[int]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT doc_year, COUNT(*) FROM documents
WHERE ($1 = '' OR country_code = $1)
GROUP BY doc_year ORDER BY doc_year`, country)
	if err != nil {
		return nil, fmt.Errorf("counts by year: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var year, count int
		if err := rows.Scan(&year, &count); err != nil {
			return nil, fmt.Errorf("scan year count: %w", err)
		}
		out[year] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate year counts: %w", err)
	}
	return out, nil
}

func findBySourceURLTx(ctx context.Context, tx pgx.Tx, sourceURL string) (ingest.Document, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM documents WHERE source_url = $1`, documentColumns), sourceURL)
	return scanDocument(row)
}

func scanDocument(row pgx.Row) (ingest.Document, error) {
	var (
		d          ingest.Document
		parsedJSON []byte
		created    time.Time
		updated    time.Time
	)
	err := row.Scan(&d.GlobalID, &d.UUID, &d.CountryCode, &d.DocCategory,
		&d.DocYear, &d.YearlySequence, &d.TitleFull, &d.SourceURL,
		&d.RawContentRef, &d.ContentHash, &d.FetchedVia, &parsedJSON,
		&created, &updated)
	if err != nil {
		return ingest.Document{}, err
	}
	if len(parsedJSON) > 0 {
		if err := json.Unmarshal(parsedJSON, &d.Parsed); err != nil {
			return ingest.Document{}, fmt.Errorf("unmarshal parsed fields: %w", err)
		}
	}
	d.CreatedAt = created
	d.UpdatedAt = updated
	return d, nil
}

func collectDocuments(rows pgx.Rows) ([]ingest.Document, error) {
	var out []ingest.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}
