package cluster

import (
	"context"
	"sync"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

// SentHint is a hint recorded by FakeOracle.
type SentHint struct {
	Node string
	Hint Hint
}

// FakeOracle serves scripted snapshots per class and records hints.
type FakeOracle struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	errs      map[string]error
	hints     []SentHint
}

// NewFakeOracle creates an oracle with no classes; unknown classes report
// an empty snapshot.
func NewFakeOracle() *FakeOracle {
	return &FakeOracle{snapshots: make(map[string]Snapshot), errs: make(map[string]error)}
}

// Set replaces the snapshot served for class.
func (f *FakeOracle) Set(class string, snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[class] = snap
}

// Fail makes Snapshot for class return err; nil clears it.
func (f *FakeOracle) Fail(class string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[class] = err
}

// Snapshot implements Oracle. Slices are copied so callers cannot alias the script.
func (f *FakeOracle) Snapshot(_ context.Context, class cloudapi.NodeClass) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[class.Name]; err != nil {
		return Snapshot{}, err
	}
	s := f.snapshots[class.Name]
	return Snapshot{
		Idle:        append([]string(nil), s.Idle...),
		Drained:     append([]string(nil), s.Drained...),
		Down:        append([]string(nil), s.Down...),
		PendingJobs: s.PendingJobs,
	}, nil
}

// Hint implements Oracle.
func (f *FakeOracle) Hint(_ context.Context, name string, h Hint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, SentHint{Node: name, Hint: h})
	return nil
}

// Hints returns every hint sent so far.
func (f *FakeOracle) Hints() []SentHint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentHint(nil), f.hints...)
}

// Compile-time interface check
var _ Oracle = (*FakeOracle)(nil)
