package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// InsertEndpoint registers a proxy endpoint and returns its assigned ID.
func (s *Postgres) InsertEndpoint(ctx context.Context, ep ingest.ProxyEndpoint) (string, error) {
	state := ep.State
	if state == "" {
		state = ingest.StateProvisioning
	}
	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO proxy_endpoints (provider, address, region, proxy_url, credentials_ref, state)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		ep.Provider, ep.Address, ep.Region, ep.ProxyURL, ep.CredentialsRef, string(state)).
		Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert endpoint: %w", err)
	}
	return id, nil
}

// ListEndpoints returns endpoints passing the filter, oldest first.
func (s *Postgres) ListEndpoints(ctx context.Context, filter ingest.EndpointFilter) ([]ingest.ProxyEndpoint, error) {
	states := make([]string, 0, len(filter.States))
	for _, st := range filter.States {
		states = append(states, string(st))
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, provider, address, region, proxy_url, credentials_ref, state,
	COALESCE(last_tested_at, 'epoch'::timestamptz), last_response_time_ms
FROM proxy_endpoints
WHERE ($1 = '' OR provider = $1)
  AND (cardinality($2::text[]) = 0 OR state = ANY($2))
ORDER BY created_at`, filter.Provider, states)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []ingest.ProxyEndpoint
	for rows.Next() {
		var (
			ep     ingest.ProxyEndpoint
			state  string
			tested time.Time
		)
		err := rows.Scan(&ep.ID, &ep.Provider, &ep.Address, &ep.Region,
			&ep.ProxyURL, &ep.CredentialsRef, &state, &tested, &ep.LastResponseTimeMs)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		ep.State = ingest.LifecycleState(state)
		if tested.Unix() > 0 {
			ep.LastTestedAt = tested
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoints: %w", err)
	}
	return out, nil
}

// UpdateEndpointState transitions an endpoint's lifecycle state. Terminated
// is final: the guard refuses to resurrect a terminated endpoint.
func (s *Postgres) UpdateEndpointState(ctx context.Context, id string, state ingest.LifecycleState) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE proxy_endpoints SET state = $2
WHERE id = $1 AND (state != 'terminated' OR $2 = 'terminated')`,
		id, string(state))
	if err != nil {
		return fmt.Errorf("update endpoint state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s not found or terminated", id)
	}
	return nil
}

// UpdateEndpointProbe records the latest probe timing for an endpoint.
func (s *Postgres) UpdateEndpointProbe(ctx context.Context, id string, testedAt time.Time, responseTimeMs int64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE proxy_endpoints SET last_tested_at = $2, last_response_time_ms = $3
WHERE id = $1`,
		id, testedAt, responseTimeMs)
	if err != nil {
		return fmt.Errorf("update endpoint probe: %w", err)
	}
	return nil
}
