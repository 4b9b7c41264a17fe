// Package cloudapi defines the provisioning capability the reconciler drives,
// plus the shared pieces every vendor adapter uses.
// Mutating calls go through SafetyWrapper, which honors dry-run mode.
package cloudapi

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// NodeClass is the vendor-neutral description of a class of nodes.
type NodeClass struct {
	Name         string
	InstanceType string
	Preemptible  bool
	Partition    string
	Cores        int
	MemoryGB     int
	Walltime     time.Duration
	Image        string
}

// InstanceInfo describes one instance as reported by the provider.
type InstanceInfo struct {
	ID        string
	Name      string
	Class     string
	User      string
	Account   string
	State     string
	Address   string
	CreatedAt time.Time
}

// ListFilter narrows ListInstances. Empty fields match everything.
type ListFilter struct {
	Account string
	Names   []string
}

// CreateRequest asks for one instance per name.
type CreateRequest struct {
	Class   NodeClass
	Names   []string
	Account string
	User    string

	// RequestID makes retries of the same request idempotent on vendors that support it.
	RequestID string
}

// CreatedInstance is one successfully requested instance.
type CreatedInstance struct {
	Name string
	ID   string
}

// CreateResult reports per-name outcomes. Names in Failed were not created
// and may be requested again on a later tick.
type CreateResult struct {
	Created []CreatedInstance
	Failed  map[string]error
	DryRun  bool
}

// DestroyOutcome is the per-id result of a destroy call.
type DestroyOutcome string

const (
	OutcomeDestroyed DestroyOutcome = "destroyed"
	OutcomeNotFound  DestroyOutcome = "not-found"
	OutcomeProtected DestroyOutcome = "protected"
	OutcomeFailed    DestroyOutcome = "failed"
)

// Confirmed reports whether the instance is known to be gone.
func (o DestroyOutcome) Confirmed() bool {
	return o == OutcomeDestroyed || o == OutcomeNotFound
}

// CloudProvider is the capability the reconciler drives.
// Expected per-item failures are reported in results; returned errors mean
// the whole call failed (transport, auth) and are usually TransientError.
type CloudProvider interface {
	// Name returns the vendor tag.
	Name() string

	// ListInstances returns the non-terminated instances matching f.
	ListInstances(ctx context.Context, f ListFilter) ([]InstanceInfo, error)

	// CreateInstances requests one instance per name.
	CreateInstances(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// DestroyInstances terminates the given ids. Ids whose instance name is in
	// protect are skipped with OutcomeProtected.
	DestroyInstances(ctx context.Context, ids []string, protect []string) (map[string]DestroyOutcome, error)

	// UnitPrice returns the hourly price of one instance of class.
	UnitPrice(ctx context.Context, class NodeClass) (decimal.Decimal, error)

	// HostAddress returns the reachable address of an instance, or ErrNotFound.
	HostAddress(ctx context.Context, id string) (string, error)
}
