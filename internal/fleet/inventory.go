package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// InventoryRecord is one proxy row in the inventory file exchanged with the
// fleet tooling.
type InventoryRecord struct {
	Provider string `json:"provider"`
	IP       string `json:"ip"`
	Region   string `json:"region"`
	ProxyURL string `json:"proxyUrl"`
}

// Inventory is the fleet-management boundary file: proxies grouped by
// provider plus aggregate counts.
type Inventory struct {
	Providers map[string][]InventoryRecord `json:"providers"`
	Counts    map[string]int               `json:"counts"`
}

// LoadInventory reads and validates an inventory file.
func LoadInventory(path string) (Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Inventory{}, fmt.Errorf("read inventory %s: %w", path, err)
	}
	var inv Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return Inventory{}, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	if inv.Counts == nil {
		inv.Counts = make(map[string]int)
	}
	for provider, records := range inv.Providers {
		inv.Counts[provider] = len(records)
	}
	return inv, nil
}

// WriteInventory persists the inventory with refreshed counts.
func WriteInventory(path string, inv Inventory) error {
	if inv.Counts == nil {
		inv.Counts = make(map[string]int)
	}
	for provider, records := range inv.Providers {
		inv.Counts[provider] = len(records)
	}
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal inventory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write inventory %s: %w", path, err)
	}
	return nil
}

// Endpoints flattens the inventory into endpoint records ready to register.
func (inv Inventory) Endpoints() []ingest.ProxyEndpoint {
	var out []ingest.ProxyEndpoint
	for provider, records := range inv.Providers {
		for _, rec := range records {
			out = append(out, ingest.ProxyEndpoint{
				Provider: provider,
				Address:  rec.IP,
				Region:   rec.Region,
				ProxyURL: rec.ProxyURL,
				State:    ingest.StateActive,
			})
		}
	}
	return out
}

// SyncInventory registers every inventory proxy not yet present in the
// registry (matched by address) and returns how many were added.
func SyncInventory(ctx context.Context, reg *Registry, inv Inventory) (int, error) {
	existing, err := reg.List(ctx, ingest.EndpointFilter{})
	if err != nil {
		return 0, fmt.Errorf("list existing endpoints: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, ep := range existing {
		known[ep.Address] = struct{}{}
	}
	added := 0
	for _, ep := range inv.Endpoints() {
		if _, ok := known[ep.Address]; ok {
			continue
		}
		if _, err := reg.Register(ctx, ep); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
