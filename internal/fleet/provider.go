// Package fleet manages the proxy egress fleet boundary: the endpoint
// registry, the narrow interface to the cloud VM collaborator, and the
// inventory file exchanged with the fleet tooling.
package fleet

import (
	"context"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// Provider is the narrow contract to the external VM collaborator. The core
// never talks to a cloud SDK directly; provisioning and teardown details
// live behind this seam.
type Provider interface {
	ProvisionProxy(ctx context.Context, region string) (ingest.ProxyEndpoint, error)
	ListProxies(ctx context.Context) ([]ingest.ProxyEndpoint, error)
	TerminateProxy(ctx context.Context, endpointID string) error
}
