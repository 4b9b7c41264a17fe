// Package cluster reports the batch scheduler's view of each node class and
// carries best-effort hints back to it.
package cluster

import (
	"context"
	"errors"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

// ErrUnknownClass is returned for a class the oracle has no mapping for.
var ErrUnknownClass = errors.New("cluster: unknown node class")

// Snapshot is one class's scheduler state, valid for a single tick.
// Name order is the scheduler's order and must not be re-sorted.
type Snapshot struct {
	Idle        []string
	Drained     []string
	Down        []string
	PendingJobs int
}

// HintKind is the scheduler action requested by a hint.
type HintKind string

const (
	// HintResume returns a freshly backed node to service.
	HintResume HintKind = "resume"
	// HintDrain takes a released or failed node out of service.
	HintDrain HintKind = "drain"
)

// Hint is an out-of-band request to the scheduler.
type Hint struct {
	Kind    HintKind
	Address string
}

// Oracle is the boundary to the batch scheduler. The reconciler never
// mutates scheduler state except through Hint.
type Oracle interface {
	Snapshot(ctx context.Context, class cloudapi.NodeClass) (Snapshot, error)
	// Hint is best effort: callers log the error and move on.
	Hint(ctx context.Context, name string, h Hint) error
}
