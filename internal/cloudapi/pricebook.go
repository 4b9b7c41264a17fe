package cloudapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/config"
)

// PriceCacheTTL is how long a vendor list price is reused.
const PriceCacheTTL = 5 * time.Minute

type cachedPrice struct {
	price   decimal.Decimal
	fetched time.Time
}

// PriceBook resolves node class prices by name: a configured override wins,
// otherwise the provider's list price is fetched and cached.
type PriceBook struct {
	provider  CloudProvider
	classes   map[string]NodeClass
	overrides map[string]decimal.Decimal
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

// NewPriceBook creates a price book over the given classes. With a nil
// provider only overrides resolve.
func NewPriceBook(provider CloudProvider, classes []NodeClass, overrides map[string]decimal.Decimal) *PriceBook {
	byName := make(map[string]NodeClass, len(classes))
	for _, c := range classes {
		byName[c.Name] = c
	}
	if overrides == nil {
		overrides = make(map[string]decimal.Decimal)
	}
	return &PriceBook{
		provider:  provider,
		classes:   byName,
		overrides: overrides,
		now:       time.Now,
		cache:     make(map[string]cachedPrice),
	}
}

// Class returns the class with the given name.
func (b *PriceBook) Class(name string) (NodeClass, bool) {
	c, ok := b.classes[name]
	return c, ok
}

// PriceOf returns the hourly unit price of the named class.
func (b *PriceBook) PriceOf(ctx context.Context, name string) (decimal.Decimal, error) {
	if p, ok := b.overrides[name]; ok {
		return p, nil
	}

	b.mu.RLock()
	if cached, ok := b.cache[name]; ok && b.now().Sub(cached.fetched) < PriceCacheTTL {
		b.mu.RUnlock()
		return cached.price, nil
	}
	b.mu.RUnlock()

	class, ok := b.classes[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, name)
	}
	if b.provider == nil {
		return decimal.Zero, fmt.Errorf("%w: %s (no provider)", ErrNoPrice, name)
	}
	price, err := b.provider.UnitPrice(ctx, class)
	if err != nil {
		return decimal.Zero, err
	}

	b.mu.Lock()
	b.cache[name] = cachedPrice{price: price, fetched: b.now()}
	b.mu.Unlock()
	return price, nil
}

// ClassesFromConfig converts configured node classes and collects their price overrides.
func ClassesFromConfig(classes []config.NodeClassConfig) ([]NodeClass, map[string]decimal.Decimal) {
	out := make([]NodeClass, 0, len(classes))
	overrides := make(map[string]decimal.Decimal)
	for _, c := range classes {
		out = append(out, NodeClass{
			Name:         c.Name,
			InstanceType: c.InstanceType,
			Preemptible:  c.Preemptible,
			Partition:    c.Partition,
			Cores:        c.Cores,
			MemoryGB:     c.MemoryGB,
			Walltime:     c.Walltime(),
			Image:        c.Image,
		})
		if p, ok := c.PriceOverride(); ok {
			overrides[c.Name] = p
		}
	}
	return out, overrides
}
