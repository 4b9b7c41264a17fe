package cloudapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDryRun marks create requests that were only simulated.
var ErrDryRun = errors.New("cloudapi: dry-run, no instance created")

// OutcomeDryRun is returned for destroys that were only simulated.
const OutcomeDryRun DestroyOutcome = "dry-run"

// SafetyWrapper wraps a real cloud provider with safety controls.
// It enforces dry-run mode and logs every mutating call. Reads pass through.
type SafetyWrapper struct {
	dryRun   bool
	provider CloudProvider
	logger   *slog.Logger
}

// SafetyWrapperConfig configures the SafetyWrapper.
type SafetyWrapperConfig struct {
	DryRun   bool
	Provider CloudProvider
	Logger   *slog.Logger
}

// NewSafetyWrapper creates a new safety wrapper for cloud operations.
func NewSafetyWrapper(cfg SafetyWrapperConfig) *SafetyWrapper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SafetyWrapper{
		dryRun:   cfg.DryRun,
		provider: cfg.Provider,
		logger:   logger.With("component", "cloud"),
	}
}

// Name implements CloudProvider.
func (w *SafetyWrapper) Name() string {
	if w.provider == nil {
		return "none"
	}
	return w.provider.Name()
}

// ListInstances implements CloudProvider.
func (w *SafetyWrapper) ListInstances(ctx context.Context, f ListFilter) ([]InstanceInfo, error) {
	if w.provider == nil {
		if w.dryRun {
			return nil, nil
		}
		return nil, ErrNoProvider
	}
	return w.provider.ListInstances(ctx, f)
}

// CreateInstances implements CloudProvider with dry-run protection.
func (w *SafetyWrapper) CreateInstances(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	start := time.Now()

	w.logger.Info("create requested",
		"node_class", req.Class.Name,
		"instance_type", req.Class.InstanceType,
		"names", req.Names,
		"request_id", req.RequestID,
		"dry_run", w.dryRun,
	)

	if w.dryRun {
		w.logger.Info("dry-run: simulating create",
			"node_class", req.Class.Name,
			"count", len(req.Names),
			"action", "would_create_instances",
		)
		res := &CreateResult{Failed: make(map[string]error, len(req.Names)), DryRun: true}
		for _, n := range req.Names {
			res.Failed[n] = ErrDryRun
		}
		return res, nil
	}

	if w.provider == nil {
		w.logger.Error("no cloud provider configured for live mode")
		return nil, ErrNoProvider
	}

	res, err := w.provider.CreateInstances(ctx, req)
	if err != nil {
		w.logger.Error("create failed", "node_class", req.Class.Name, "error", err, "duration", time.Since(start))
		return nil, err
	}
	w.logger.Info("create finished",
		"node_class", req.Class.Name,
		"created", len(res.Created),
		"failed", len(res.Failed),
		"duration", time.Since(start),
	)
	return res, nil
}

// DestroyInstances implements CloudProvider with dry-run protection.
func (w *SafetyWrapper) DestroyInstances(ctx context.Context, ids []string, protect []string) (map[string]DestroyOutcome, error) {
	w.logger.Info("destroy requested",
		"provider_ids", ids,
		"protected", protect,
		"dry_run", w.dryRun,
	)

	if w.dryRun {
		out := make(map[string]DestroyOutcome, len(ids))
		for _, id := range ids {
			w.logger.Info("dry-run: simulating destroy",
				"provider_id", id,
				"action", "would_destroy_instance",
			)
			out[id] = OutcomeDryRun
		}
		return out, nil
	}

	if w.provider == nil {
		w.logger.Error("no cloud provider configured for live mode")
		return nil, ErrNoProvider
	}
	return w.provider.DestroyInstances(ctx, ids, protect)
}

// UnitPrice implements CloudProvider.
func (w *SafetyWrapper) UnitPrice(ctx context.Context, class NodeClass) (decimal.Decimal, error) {
	if w.provider == nil {
		return decimal.Zero, ErrNoProvider
	}
	return w.provider.UnitPrice(ctx, class)
}

// HostAddress implements CloudProvider.
func (w *SafetyWrapper) HostAddress(ctx context.Context, id string) (string, error) {
	if w.provider == nil {
		return "", ErrNoProvider
	}
	return w.provider.HostAddress(ctx, id)
}

// IsDryRun returns whether the wrapper is in dry-run mode.
func (w *SafetyWrapper) IsDryRun() bool {
	return w.dryRun
}

// Compile-time interface check
var _ CloudProvider = (*SafetyWrapper)(nil)
