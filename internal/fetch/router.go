package fetch

import (
	"context"
	"fmt"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// Router dispatches a fetch to the strategy's fetcher. When rendering is
// disabled, rendered-classified URLs take the direct path so a run without
// Chrome still makes progress (the parse step catches any page that truly
// needed scripts).
type Router struct {
	direct   ingest.Fetcher
	rendered ingest.Fetcher
}

// NewRouter builds a Router. rendered may be nil.
func NewRouter(direct, rendered ingest.Fetcher) (*Router, error) {
	if direct == nil {
		return nil, fmt.Errorf("direct fetcher is required")
	}
	return &Router{direct: direct, rendered: rendered}, nil
}

// Fetch routes the request by its strategy.
func (r *Router) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	if request.Strategy == ingest.StrategyRendered && r.rendered != nil {
		return r.rendered.Fetch(ctx, request)
	}
	return r.direct.Fetch(ctx, request)
}
