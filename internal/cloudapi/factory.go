package cloudapi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/softcane/skyway-agent/internal/config"
)

// Constructor builds a vendor adapter from configuration.
type Constructor func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (CloudProvider, error)

// Factory maps vendor tags to adapter constructors. The vendor is resolved
// once at startup; nothing dispatches on it afterwards.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for vendor.
func (f *Factory) Register(vendor string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[vendor] = c
}

// Vendors returns the registered vendor tags, sorted.
func (f *Factory) Vendors() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for v := range f.ctors {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// New builds the adapter for vendor. The "auto" vendor is resolved with DetectVendor.
func (f *Factory) New(ctx context.Context, vendor string, cfg *config.Config, logger *slog.Logger) (CloudProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if vendor == config.VendorAuto {
		vendor = DetectVendor(ctx, DefaultDetector())
		logger.Info("detected provider vendor", "vendor", vendor)
	}

	f.mu.RLock()
	ctor, ok := f.ctors[vendor]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownVendor, vendor, f.Vendors())
	}

	p, err := ctor(ctx, cfg, logger.With("vendor", vendor))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", vendor, err)
	}
	return p, nil
}
