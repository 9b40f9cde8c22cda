package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// HTTPProvider talks to a proxy-VM provisioning API over its REST surface.
// The bearer token arrives at construction time, resolved by the caller from
// the environment; it is never persisted with the endpoint records.
type HTTPProvider struct {
	baseURL string
	name    string
	token   string
	client  *http.Client
}

// NewHTTPProvider builds a provider client.
func NewHTTPProvider(name, baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		name:    name,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type providerProxy struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Region   string `json:"region"`
	ProxyURL string `json:"proxyUrl"`
	Status   string `json:"status"`
}

// ProvisionProxy requests a new proxy VM in the region.
func (p *HTTPProvider) ProvisionProxy(ctx context.Context, region string) (ingest.ProxyEndpoint, error) {
	body, err := json.Marshal(map[string]string{"region": region})
	if err != nil {
		return ingest.ProxyEndpoint{}, err
	}
	var out providerProxy
	if err := p.do(ctx, http.MethodPost, "/v1/proxies", bytes.NewReader(body), &out); err != nil {
		return ingest.ProxyEndpoint{}, fmt.Errorf("provision proxy in %s: %w", region, err)
	}
	return p.toEndpoint(out), nil
}

// ListProxies returns the provider's view of the fleet.
func (p *HTTPProvider) ListProxies(ctx context.Context) ([]ingest.ProxyEndpoint, error) {
	var out struct {
		Proxies []providerProxy `json:"proxies"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/proxies", nil, &out); err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	endpoints := make([]ingest.ProxyEndpoint, 0, len(out.Proxies))
	for _, proxy := range out.Proxies {
		endpoints = append(endpoints, p.toEndpoint(proxy))
	}
	return endpoints, nil
}

// TerminateProxy tears down the proxy VM.
func (p *HTTPProvider) TerminateProxy(ctx context.Context, endpointID string) error {
	if err := p.do(ctx, http.MethodDelete, "/v1/proxies/"+endpointID, nil, nil); err != nil {
		return fmt.Errorf("terminate proxy %s: %w", endpointID, err)
	}
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *HTTPProvider) toEndpoint(proxy providerProxy) ingest.ProxyEndpoint {
	state := ingest.StateActive
	if proxy.Status == "provisioning" {
		state = ingest.StateProvisioning
	}
	return ingest.ProxyEndpoint{
		ID:       proxy.ID,
		Provider: p.name,
		Address:  proxy.IP,
		Region:   proxy.Region,
		ProxyURL: proxy.ProxyURL,
		State:    state,
	}
}
