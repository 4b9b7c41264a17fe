// Package ledger tracks budgets and the append-only usage record, and answers
// admission questions for the reconciler.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/storage"
)

// ErrNoBudget is returned when an account has no budget.
var ErrNoBudget = errors.New("ledger: no budget for account")

// Budget is the spending allocation of one account.
type Budget struct {
	Account   string                     `json:"account"`
	Allocated decimal.Decimal            `json:"allocated"`
	RateCap   decimal.Decimal            `json:"rate_cap"`
	StartDate time.Time                  `json:"start_date"`
	Users     map[string]decimal.Decimal `json:"users,omitempty"`
}

// UsageEntry is one billed interval of one instance.
type UsageEntry struct {
	ID         string          `json:"id"`
	Account    string          `json:"account"`
	User       string          `json:"user,omitempty"`
	ProviderID string          `json:"provider_id"`
	NodeClass  string          `json:"node_class"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	Cost       decimal.Decimal `json:"cost"`
}

// IdempotencyKey identifies the interval independent of the entry id.
func (e UsageEntry) IdempotencyKey() string {
	return e.ProviderID + "|" + strconv.FormatInt(e.Start.UnixNano(), 10) + "|" + strconv.FormatInt(e.End.UnixNano(), 10)
}

// Store is the durable budget and usage backend.
type Store interface {
	PutBudget(ctx context.Context, b Budget) error
	Budget(ctx context.Context, account string) (Budget, error)

	// AppendUsage writes e atomically. It reports false without error when
	// an entry with the same idempotency key already exists.
	AppendUsage(ctx context.Context, e UsageEntry) (bool, error)

	// Usage returns the account's entries in key order. An empty user matches all users.
	Usage(ctx context.Context, account, user string) ([]UsageEntry, error)
}

// BadgerStore implements Store on the shared embedded database.
type BadgerStore struct {
	db *storage.DB
}

// NewBadgerStore creates a store on db.
func NewBadgerStore(db *storage.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func budgetKey(account string) []byte {
	return []byte("budget:" + account)
}

func usagePrefix(account string) []byte {
	return []byte("usage:" + account + ":")
}

func usageKey(e UsageEntry) []byte {
	return append(usagePrefix(e.Account), e.IdempotencyKey()...)
}

// PutBudget implements Store.
func (s *BadgerStore) PutBudget(ctx context.Context, b Budget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return storage.SetJSON(txn, budgetKey(b.Account), b)
	})
}

// Budget implements Store.
func (s *BadgerStore) Budget(ctx context.Context, account string) (Budget, error) {
	if err := ctx.Err(); err != nil {
		return Budget{}, err
	}
	var b Budget
	err := s.db.View(func(txn *badger.Txn) error {
		return storage.GetJSON(txn, budgetKey(account), &b)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Budget{}, fmt.Errorf("%w: %s", ErrNoBudget, account)
	}
	return b, err
}

// AppendUsage implements Store.
func (s *BadgerStore) AppendUsage(ctx context.Context, e UsageEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	appended := false
	err := s.db.Update(func(txn *badger.Txn) error {
		exists, err := storage.Exists(txn, usageKey(e))
		if err != nil || exists {
			return err
		}
		appended = true
		return storage.SetJSON(txn, usageKey(e), e)
	})
	if err != nil {
		return false, err
	}
	return appended, nil
}

// Usage implements Store.
func (s *BadgerStore) Usage(ctx context.Context, account, user string) ([]UsageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []UsageEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return storage.ScanJSON(txn, usagePrefix(account), func(_ []byte, decode func(any) error) error {
			var e UsageEntry
			if err := decode(&e); err != nil {
				return err
			}
			if user == "" || e.User == user {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// Compile-time interface check
var _ Store = (*BadgerStore)(nil)
