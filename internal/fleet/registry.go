package fleet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// Registry is the durable record of provisioned egress proxies. It owns all
// ProxyEndpoint mutation; workers only ever read snapshots.
type Registry struct {
	store    ingest.EndpointStore
	provider Provider
	logger   *zap.Logger
}

// NewRegistry constructs a Registry. provider may be nil when the external
// fleet collaborator is managed out-of-band; Terminate then only records
// state.
func NewRegistry(store ingest.EndpointStore, provider Provider, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, provider: provider, logger: logger}
}

// Register records a provisioned endpoint and returns its ID.
func (r *Registry) Register(ctx context.Context, ep ingest.ProxyEndpoint) (string, error) {
	if ep.Address == "" || ep.ProxyURL == "" {
		return "", fmt.Errorf("endpoint address and proxy url are required")
	}
	if ep.State == "" {
		ep.State = ingest.StateActive
	}
	id, err := r.store.InsertEndpoint(ctx, ep)
	if err != nil {
		return "", fmt.Errorf("register endpoint: %w", err)
	}
	r.logger.Info("proxy endpoint registered",
		zap.String("endpoint_id", id),
		zap.String("provider", ep.Provider),
		zap.String("region", ep.Region),
	)
	return id, nil
}

// List returns endpoints matching the filter.
func (r *Registry) List(ctx context.Context, filter ingest.EndpointFilter) ([]ingest.ProxyEndpoint, error) {
	return r.store.ListEndpoints(ctx, filter)
}

// Active returns the endpoints eligible for probing and leasing.
func (r *Registry) Active(ctx context.Context) ([]ingest.ProxyEndpoint, error) {
	return r.store.ListEndpoints(ctx, ingest.EndpointFilter{
		States: []ingest.LifecycleState{ingest.StateActive, ingest.StateUnhealthy},
	})
}

// MarkUnhealthy flags an endpoint that failed its health probe.
func (r *Registry) MarkUnhealthy(ctx context.Context, id string) error {
	if err := r.store.UpdateEndpointState(ctx, id, ingest.StateUnhealthy); err != nil {
		return fmt.Errorf("mark unhealthy: %w", err)
	}
	return nil
}

// MarkActive restores an endpoint that passed a probe after being flagged.
func (r *Registry) MarkActive(ctx context.Context, id string) error {
	if err := r.store.UpdateEndpointState(ctx, id, ingest.StateActive); err != nil {
		return fmt.Errorf("mark active: %w", err)
	}
	return nil
}

// Terminate tears the endpoint down at the provider first, then records the
// terminal state. Idempotent: terminating an already-terminated endpoint is
// a no-op. If the provider call fails the registry entry stays active, so a
// VM the provider still bills for is never hidden from cleanup.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	eps, err := r.store.ListEndpoints(ctx, ingest.EndpointFilter{})
	if err != nil {
		return fmt.Errorf("terminate lookup: %w", err)
	}
	var found *ingest.ProxyEndpoint
	for i := range eps {
		if eps[i].ID == id {
			found = &eps[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("endpoint %s not found", id)
	}
	if found.State == ingest.StateTerminated {
		return nil
	}

	if r.provider != nil {
		if err := r.provider.TerminateProxy(ctx, id); err != nil {
			r.logger.Error("provider teardown failed; endpoint stays active",
				zap.String("endpoint_id", id),
				zap.Error(err),
			)
			return fmt.Errorf("provider teardown for %s: %w", id, err)
		}
	}
	if err := r.store.UpdateEndpointState(ctx, id, ingest.StateTerminated); err != nil {
		return fmt.Errorf("record termination: %w", err)
	}
	r.logger.Info("proxy endpoint terminated", zap.String("endpoint_id", id))
	return nil
}

// RecordProbe stores the latest probe outcome for an endpoint and flips its
// state according to the rating.
func (r *Registry) RecordProbe(ctx context.Context, result ingest.ProbeResult, testedAt time.Time) error {
	if err := r.store.UpdateEndpointProbe(ctx, result.EndpointID, testedAt, result.ResponseTimeMs); err != nil {
		return err
	}
	if result.Rating == ingest.ProbeFailed {
		return r.MarkUnhealthy(ctx, result.EndpointID)
	}
	return r.MarkActive(ctx, result.EndpointID)
}
