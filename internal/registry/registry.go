package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/softcane/skyway-agent/internal/storage"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when no record exists for a name.
	ErrNotFound = errors.New("registry: record not found")

	// ErrInvalidRecord is returned for records missing a name or carrying an unknown state.
	ErrInvalidRecord = errors.New("registry: invalid record")
)

const keyPrefix = "node:"

func recordKey(name string) []byte {
	return []byte(keyPrefix + name)
}

// Registry is the durable map from node name to NodeRecord.
// Every successful write is committed before the call returns.
type Registry struct {
	db     *storage.DB
	logger *slog.Logger

	// mu serializes read-modify-write sequences from this process.
	mu sync.Mutex
}

// New creates a registry backed by db.
func New(db *storage.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:     db,
		logger: logger.With("component", "registry"),
	}
}

// Put inserts or replaces a record.
// Replacing a non-terminal record requires opts.Overwrite, otherwise a
// *ConflictError is returned.
func (r *Registry) Put(ctx context.Context, rec NodeRecord, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Name == "" || !rec.State.Valid() {
		return fmt.Errorf("%w: name=%q state=%q", ErrInvalidRecord, rec.Name, rec.State)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(txn *badger.Txn) error {
		var existing NodeRecord
		err := storage.GetJSON(txn, recordKey(rec.Name), &existing)
		switch {
		case err == nil:
			if !existing.State.Terminal() && !opts.Overwrite {
				return &ConflictError{Name: rec.Name, Existing: existing.State}
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return err
		}
		return storage.SetJSON(txn, recordKey(rec.Name), rec)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("record written",
		"node", rec.Name,
		"state", rec.State,
		"provider_id", rec.ProviderID,
	)
	return nil
}

// Get returns a copy of the record for name.
func (r *Registry) Get(ctx context.Context, name string) (NodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return NodeRecord{}, err
	}
	var rec NodeRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return storage.GetJSON(txn, recordKey(name), &rec)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return NodeRecord{}, ErrNotFound
	}
	if err != nil {
		return NodeRecord{}, fmt.Errorf("failed to read record %s: %w", name, err)
	}
	return rec, nil
}

// Remove deletes a terminal record. Non-terminal records yield *InvalidStateError.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Update(func(txn *badger.Txn) error {
		var existing NodeRecord
		if err := storage.GetJSON(txn, recordKey(name), &existing); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !existing.State.Terminal() {
			return &InvalidStateError{Name: name, Op: "remove", From: existing.State}
		}
		return txn.Delete(recordKey(name))
	})
}

// List returns a snapshot of all records, sorted by name.
// When states are given only records in one of them are returned.
func (r *Registry) List(ctx context.Context, states ...State) ([]NodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var out []NodeRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return storage.ScanJSON(txn, []byte(keyPrefix), func(_ []byte, decode func(any) error) error {
			var rec NodeRecord
			if err := decode(&rec); err != nil {
				return err
			}
			if len(want) == 0 || want[rec.State] {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ByProviderID returns the record carrying the given provider id.
func (r *Registry) ByProviderID(ctx context.Context, id string) (NodeRecord, error) {
	all, err := r.List(ctx)
	if err != nil {
		return NodeRecord{}, err
	}
	for _, rec := range all {
		if rec.ProviderID == id {
			return rec, nil
		}
	}
	return NodeRecord{}, ErrNotFound
}

// Transition moves the record to state to, applying mutate to the stored copy
// in the same transaction. Illegal edges yield *InvalidStateError.
func (r *Registry) Transition(ctx context.Context, name string, to State, mutate func(*NodeRecord)) (NodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return NodeRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var rec NodeRecord
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := storage.GetJSON(txn, recordKey(name), &rec); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !CanTransition(rec.State, to) {
			return &InvalidStateError{Name: name, Op: "transition", From: rec.State, To: to}
		}
		from := rec.State
		rec.State = to
		if mutate != nil {
			mutate(&rec)
		}
		if err := storage.SetJSON(txn, recordKey(name), rec); err != nil {
			return err
		}
		r.logger.Debug("record transitioned", "node", name, "from", from, "to", to)
		return nil
	})
	if err != nil {
		return NodeRecord{}, err
	}
	return rec, nil
}

// IsInvariantViolation reports whether err is a ConflictError or InvalidStateError.
func IsInvariantViolation(err error) bool {
	var conflict *ConflictError
	var invalid *InvalidStateError
	return errors.As(err, &conflict) || errors.As(err, &invalid)
}
