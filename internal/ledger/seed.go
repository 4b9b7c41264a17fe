package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/config"
)

// Seed writes the configured budgets to the store, replacing earlier versions.
// Recorded usage is untouched.
func Seed(ctx context.Context, store Store, budgets []config.BudgetConfig) error {
	for _, bc := range budgets {
		b := Budget{
			Account:   bc.Account,
			Allocated: decimal.RequireFromString(bc.Amount),
			RateCap:   decimal.RequireFromString(bc.RateCap),
			Users:     make(map[string]decimal.Decimal, len(bc.Users)),
		}
		if bc.StartDate != "" {
			start, err := time.Parse(time.DateOnly, bc.StartDate)
			if err != nil {
				return fmt.Errorf("budget %s: %w", bc.Account, err)
			}
			b.StartDate = start
		}
		for user, amount := range bc.Users {
			b.Users[user] = decimal.RequireFromString(amount)
		}
		if err := store.PutBudget(ctx, b); err != nil {
			return fmt.Errorf("failed to store budget %s: %w", bc.Account, err)
		}
	}
	return nil
}
