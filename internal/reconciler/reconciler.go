// Package reconciler implements the per-tick control loop that provisions and
// reclaims cloud nodes for a batch-scheduler cluster under a rate cap.
//
// One Tick walks the configured node classes in priority order. For each class
// it reclaims down nodes, releases idle nodes past their grace window, and
// scales up into drained slots while the account has rate headroom. Every
// provider call is preceded by a durable registry write so a restart never
// provisions the same slot twice.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/billing"
	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/cluster"
	"github.com/softcane/skyway-agent/internal/events"
	"github.com/softcane/skyway-agent/internal/ledger"
	"github.com/softcane/skyway-agent/internal/metrics"
	"github.com/softcane/skyway-agent/internal/probe"
	"github.com/softcane/skyway-agent/internal/registry"
	"github.com/softcane/skyway-agent/internal/retry"
)

// UsageReporter forwards written usage entries to an accounting system.
// Satisfied by *billing.Meter.
type UsageReporter interface {
	Report(ctx context.Context, e ledger.UsageEntry) error
}

// Config holds reconciler configuration. Registry, Ledger, Provider, Prices
// and Oracle are required.
type Config struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Provider cloudapi.CloudProvider
	Prices   *cloudapi.PriceBook
	Oracle   cluster.Oracle

	Prober    probe.Prober
	Registrar probe.Registrar
	Events    events.Publisher
	Usage     UsageReporter

	// Classes are reconciled in order; earlier classes get budget first.
	Classes []cloudapi.NodeClass

	// NamePatterns maps a class name to the pattern its node names follow.
	// Orphaned instances matching a pattern are adopted into that class.
	NamePatterns map[string]*regexp.Regexp

	Account string
	User    string

	// Protected node names are never passed to a destroy call.
	Protected []string

	// Increment is the vendor billing increment; Grace keeps idle nodes alive
	// at the start of each increment.
	Increment time.Duration
	Grace     time.Duration

	ProbeAttempts int
	ProbeInterval time.Duration

	// CallTimeout caps every single provider call. A timed out call leaves
	// the record untouched for the next tick.
	CallTimeout time.Duration

	// Retry is applied to provider calls. Retryable defaults to cloudapi.IsTransient.
	Retry retry.Policy

	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Reconciler drives node records toward the state the cluster asks for.
type Reconciler struct {
	reg       *registry.Registry
	ledger    *ledger.Ledger
	provider  cloudapi.CloudProvider
	prices    *cloudapi.PriceBook
	oracle    cluster.Oracle
	prober    probe.Prober
	registrar probe.Registrar
	events    events.Publisher
	usage     UsageReporter

	classes   []cloudapi.NodeClass
	patterns  map[string]*regexp.Regexp
	account   string
	user      string
	protected map[string]bool
	protect   []string

	increment     time.Duration
	grace         time.Duration
	probeAttempts int
	probeInterval time.Duration
	callTimeout   time.Duration
	retry         retry.Policy

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger

	// flagged holds orphan ids already reported for manual review.
	flagged map[string]bool
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("cloud provider is required")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price book is required")
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("cluster state oracle is required")
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if cfg.Increment <= 0 {
		return nil, fmt.Errorf("billing increment must be positive")
	}
	if cfg.Grace < 0 || cfg.Grace >= cfg.Increment {
		return nil, fmt.Errorf("grace must be in [0, increment)")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prober := cfg.Prober
	if prober == nil {
		prober = &probe.TCPProber{Port: 22}
	}
	registrar := cfg.Registrar
	if registrar == nil {
		registrar = probe.NopRegistrar{}
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}
	policy := cfg.Retry
	if policy.Retryable == nil {
		policy.Retryable = cloudapi.IsTransient
	}
	attempts := cfg.ProbeAttempts
	if attempts < 1 {
		attempts = 1
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 2 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	protected := make(map[string]bool, len(cfg.Protected))
	for _, n := range cfg.Protected {
		protected[n] = true
	}

	return &Reconciler{
		reg:           cfg.Registry,
		ledger:        cfg.Ledger,
		provider:      cfg.Provider,
		prices:        cfg.Prices,
		oracle:        cfg.Oracle,
		prober:        prober,
		registrar:     registrar,
		events:        pub,
		usage:         cfg.Usage,
		classes:       cfg.Classes,
		patterns:      cfg.NamePatterns,
		account:       cfg.Account,
		user:          cfg.User,
		protected:     protected,
		protect:       cfg.Protected,
		increment:     cfg.Increment,
		grace:         cfg.Grace,
		probeAttempts: attempts,
		probeInterval: cfg.ProbeInterval,
		callTimeout:   callTimeout,
		retry:         policy,
		now:           now,
		sleep:         sleep,
		logger:        logger.With("component", "reconciler", "account", cfg.Account),
		flagged:       make(map[string]bool),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one reconciliation pass over all classes.
// It returns an error only when a registry invariant was violated; the rest of
// the tick is skipped in that case. Per-class failures are logged and skipped.
func (r *Reconciler) Tick(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.ReconcileLoopDuration)
	defer timer.ObserveDuration()

	err := r.tick(ctx)
	switch {
	case err == nil:
		metrics.Ticks.WithLabelValues("ok").Inc()
	case registry.IsInvariantViolation(err):
		metrics.InvariantViolations.Inc()
		metrics.Ticks.WithLabelValues("aborted").Inc()
		r.logger.Error("registry invariant violated, aborting tick", "error", err)
	default:
		metrics.Ticks.WithLabelValues("failed").Inc()
		r.logger.Error("tick failed", "error", err)
	}
	r.recordGauges(ctx)
	return err
}

func (r *Reconciler) tick(ctx context.Context) error {
	if err := r.inventory(ctx); err != nil {
		if registry.IsInvariantViolation(err) || ctx.Err() != nil {
			return err
		}
		r.logger.Warn("inventory pass failed", "error", err)
	}

	for _, class := range r.classes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcileClass(ctx, class); err != nil {
			if registry.IsInvariantViolation(err) {
				return err
			}
			r.logger.Warn("skipping node class", "node_class", class.Name, "error", err)
		}
	}
	return nil
}

// reconcileClass applies down reclamation, idle release and scale-up to one
// class, in that order. At most one of them changes capacity per tick.
func (r *Reconciler) reconcileClass(ctx context.Context, class cloudapi.NodeClass) error {
	snap, err := r.oracle.Snapshot(ctx, class)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	r.logger.Debug("cluster snapshot",
		"node_class", class.Name,
		"idle", len(snap.Idle),
		"drained", len(snap.Drained),
		"down", len(snap.Down),
		"pending_jobs", snap.PendingJobs,
	)

	if err := r.observe(ctx, class, snap); err != nil {
		return err
	}

	pending, err := r.reclaimDown(ctx, class, snap.Down)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	released, err := r.releaseIdle(ctx, class, snap.Idle)
	if err != nil {
		return err
	}
	if released > 0 {
		return nil
	}

	return r.scaleUp(ctx, class, snap)
}

// call runs one provider operation under the retry policy, with a timeout per attempt.
func call[T any](ctx context.Context, r *Reconciler, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	vendor := r.provider.Name()
	return retry.Value(ctx, r.retry, func(ctx context.Context) (T, error) {
		cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()

		timer := prometheus.NewTimer(metrics.ProviderCallDuration.WithLabelValues(vendor, op))
		v, err := fn(cctx)
		timer.ObserveDuration()
		if err != nil {
			metrics.ProviderErrors.WithLabelValues(vendor, op, errorKind(err)).Inc()
		}
		return v, err
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case cloudapi.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}

// publish sends a lifecycle event. Failures are logged only.
func (r *Reconciler) publish(ctx context.Context, typ events.Type, rec registry.NodeRecord, detail string) {
	ev := events.Event{
		Type:       typ,
		Node:       rec.Name,
		ProviderID: rec.ProviderID,
		Class:      rec.NodeClass,
		Account:    rec.Account,
		Address:    rec.HostAddress,
		Detail:     detail,
		Time:       r.now(),
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Debug("event not published", "type", typ, "node", rec.Name, "error", err)
	}
}

// hint is best effort.
func (r *Reconciler) hint(ctx context.Context, name string, h cluster.Hint) {
	if err := r.oracle.Hint(ctx, name, h); err != nil {
		r.logger.Warn("cluster hint failed", "node", name, "hint", h.Kind, "error", err)
	}
}

func (r *Reconciler) recordGauges(ctx context.Context) {
	recs, err := r.reg.List(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]map[registry.State]int, len(r.classes))
	for _, c := range r.classes {
		counts[c.Name] = make(map[registry.State]int, len(registry.AllStates))
	}
	for _, rec := range recs {
		if counts[rec.NodeClass] == nil {
			counts[rec.NodeClass] = make(map[registry.State]int, len(registry.AllStates))
		}
		counts[rec.NodeClass][rec.State]++
	}
	for class, byState := range counts {
		for _, s := range registry.AllStates {
			metrics.NodesByState.WithLabelValues(class, string(s)).Set(float64(byState[s]))
		}
	}

	committed, err := r.ledger.CommittedRate(ctx, r.account)
	if err != nil {
		return
	}
	available, err := r.ledger.AvailableRate(ctx, r.account)
	if err != nil {
		return
	}
	status, err := r.ledger.Status(ctx, r.account)
	if err != nil {
		return
	}
	metrics.RecordBudget(r.account,
		committed.InexactFloat64(),
		available.Add(committed).InexactFloat64(),
		status.Spent.InexactFloat64(),
		status.Allocated.InexactFloat64(),
	)
	for _, c := range r.classes {
		if p, err := r.prices.PriceOf(ctx, c.Name); err == nil {
			metrics.UnitPriceUSD.WithLabelValues(c.Name).Set(p.InexactFloat64())
		}
	}
}

// SnapshotUsage writes a usage entry for every running node covering the time
// since it was last billed, so spend is visible before nodes are released.
func (r *Reconciler) SnapshotUsage(ctx context.Context) error {
	recs, err := r.reg.List(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	var errs []error
	for _, rec := range recs {
		if rec.ProviderID == "" || rec.State.Terminal() || rec.State == registry.StateRequested {
			continue
		}
		entry, err := r.bill(ctx, rec, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Name, err))
			continue
		}
		if entry == nil {
			continue
		}
		if _, err := r.reg.Transition(ctx, rec.Name, rec.State, func(n *registry.NodeRecord) {
			n.BilledUntil = now
		}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Name, err))
		}
	}
	r.recordGauges(ctx)
	r.logger.Info("usage snapshot written", "records", len(recs), "errors", len(errs))
	return errors.Join(errs...)
}

// bill records usage for rec from its last billed point up to end.
// Returns nil without error when there is nothing to bill.
func (r *Reconciler) bill(ctx context.Context, rec registry.NodeRecord, end time.Time) (*ledger.UsageEntry, error) {
	start := rec.CreatedAt
	if !rec.BilledUntil.IsZero() {
		start = rec.BilledUntil
	}
	if !end.After(start) || rec.ProviderID == "" {
		return nil, nil
	}

	price, err := r.prices.PriceOf(ctx, rec.NodeClass)
	if err != nil {
		r.logger.Error("no price for usage entry, recording zero cost",
			"node", rec.Name,
			"node_class", rec.NodeClass,
			"error", err,
		)
		price = decimal.Zero
	}

	entry := ledger.UsageEntry{
		Account:    rec.Account,
		User:       rec.User,
		ProviderID: rec.ProviderID,
		NodeClass:  rec.NodeClass,
		Start:      start,
		End:        end,
		Cost:       billing.Cost(price, start, end),
	}
	entry.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(entry.IdempotencyKey())).String()
	if err := r.ledger.RecordUsage(ctx, entry); err != nil {
		return nil, err
	}
	if r.usage != nil {
		if err := r.usage.Report(ctx, entry); err != nil {
			r.logger.Warn("usage report failed", "node", rec.Name, "error", err)
		}
	}
	return &entry, nil
}
