package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/registry"
)

// Budget status levels.
const (
	LevelNormal   = "normal"
	LevelWarning  = "warning"
	LevelExceeded = "exceeded"
)

var (
	// ErrNoAllocation is returned for per-user balances of users without an allocation.
	ErrNoAllocation = errors.New("ledger: user has no allocation")

	// ErrInvalidUsage is returned for entries with an empty or inverted interval or a negative cost.
	ErrInvalidUsage = errors.New("ledger: invalid usage entry")

	warningPct = decimal.NewFromInt(90)
	hundred    = decimal.NewFromInt(100)
)

// RecordLister lists node records. Satisfied by *registry.Registry.
type RecordLister interface {
	List(ctx context.Context, states ...registry.State) ([]registry.NodeRecord, error)
}

// PriceSource resolves the hourly unit price of a node class.
type PriceSource interface {
	PriceOf(ctx context.Context, class string) (decimal.Decimal, error)
}

// Status summarizes cumulative spending. It is informational and never gates admission.
type Status struct {
	Account   string
	Allocated decimal.Decimal
	Spent     decimal.Decimal
	Balance   decimal.Decimal
	Percent   decimal.Decimal
	Level     string
}

// Ledger answers admission control and records usage.
type Ledger struct {
	store   Store
	records RecordLister
	prices  PriceSource
	logger  *slog.Logger
}

// Config configures a Ledger.
type Config struct {
	Store   Store
	Records RecordLister
	Prices  PriceSource
	Logger  *slog.Logger
}

// New creates a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if cfg.Records == nil {
		return nil, fmt.Errorf("record lister is required")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   cfg.Store,
		records: cfg.Records,
		prices:  cfg.Prices,
		logger:  logger.With("component", "ledger"),
	}, nil
}

// AvailableRate returns the account's rate cap minus the unit prices of all
// its non-terminal records.
func (l *Ledger) AvailableRate(ctx context.Context, account string) (decimal.Decimal, error) {
	budget, err := l.store.Budget(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	committed, err := l.CommittedRate(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	return budget.RateCap.Sub(committed), nil
}

// CommittedRate sums the unit prices of the account's non-terminal records.
func (l *Ledger) CommittedRate(ctx context.Context, account string) (decimal.Decimal, error) {
	recs, err := l.records.List(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list records: %w", err)
	}
	total := decimal.Zero
	for _, rec := range recs {
		if rec.Account != account || rec.State.Terminal() {
			continue
		}
		price, err := l.prices.PriceOf(ctx, rec.NodeClass)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to price %s (class %s): %w", rec.Name, rec.NodeClass, err)
		}
		total = total.Add(price)
	}
	return total, nil
}

// RecordUsage appends e. Replays of an already recorded interval are no-ops.
func (l *Ledger) RecordUsage(ctx context.Context, e UsageEntry) error {
	if e.ProviderID == "" || !e.End.After(e.Start) || e.Cost.IsNegative() {
		return fmt.Errorf("%w: provider_id=%q start=%s end=%s cost=%s",
			ErrInvalidUsage, e.ProviderID, e.Start, e.End, e.Cost)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	appended, err := l.store.AppendUsage(ctx, e)
	if err != nil {
		return fmt.Errorf("failed to append usage for %s: %w", e.ProviderID, err)
	}
	if !appended {
		l.logger.Debug("usage already recorded",
			"provider_id", e.ProviderID,
			"start", e.Start,
			"end", e.End,
		)
		return nil
	}

	l.logger.Info("usage recorded",
		"account", e.Account,
		"user", e.User,
		"provider_id", e.ProviderID,
		"node_class", e.NodeClass,
		"cost", e.Cost.StringFixed(4),
	)
	return nil
}

// Balance returns the remaining allocation of the account, or of one user when user is set.
func (l *Ledger) Balance(ctx context.Context, account, user string) (decimal.Decimal, error) {
	budget, err := l.store.Budget(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	allocated := budget.Allocated
	if user != "" {
		var ok bool
		allocated, ok = budget.Users[user]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoAllocation, account, user)
		}
	}
	spent, err := l.spent(ctx, account, user)
	if err != nil {
		return decimal.Zero, err
	}
	return allocated.Sub(spent), nil
}

// Status reports cumulative spending against the allocation:
// below 90% is normal, below 100% warning, otherwise exceeded.
func (l *Ledger) Status(ctx context.Context, account string) (Status, error) {
	budget, err := l.store.Budget(ctx, account)
	if err != nil {
		return Status{}, err
	}
	spent, err := l.spent(ctx, account, "")
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Account:   account,
		Allocated: budget.Allocated,
		Spent:     spent,
		Balance:   budget.Allocated.Sub(spent),
		Level:     LevelExceeded,
	}
	if budget.Allocated.IsPositive() {
		st.Percent = spent.Div(budget.Allocated).Mul(hundred)
		switch {
		case st.Percent.LessThan(warningPct):
			st.Level = LevelNormal
		case st.Percent.LessThan(hundred):
			st.Level = LevelWarning
		}
	}
	return st, nil
}

// Usage returns recorded entries for the account, optionally filtered by user.
func (l *Ledger) Usage(ctx context.Context, account, user string) ([]UsageEntry, error) {
	return l.store.Usage(ctx, account, user)
}

func (l *Ledger) spent(ctx context.Context, account, user string) (decimal.Decimal, error) {
	entries, err := l.store.Usage(ctx, account, user)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read usage: %w", err)
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Cost)
	}
	return total, nil
}
