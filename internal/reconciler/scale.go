package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/cluster"
	"github.com/softcane/skyway-agent/internal/events"
	"github.com/softcane/skyway-agent/internal/metrics"
	"github.com/softcane/skyway-agent/internal/registry"
)

// observe records whether each live node of the class is idle or busy.
func (r *Reconciler) observe(ctx context.Context, class cloudapi.NodeClass, snap cluster.Snapshot) error {
	idle := make(map[string]bool, len(snap.Idle))
	for _, n := range snap.Idle {
		idle[n] = true
	}
	other := make(map[string]bool, len(snap.Drained)+len(snap.Down))
	for _, n := range snap.Drained {
		other[n] = true
	}
	for _, n := range snap.Down {
		other[n] = true
	}

	recs, err := r.reg.List(ctx, registry.StateReady, registry.StateIdle, registry.StateBusy)
	if err != nil {
		return err
	}
	now := r.now()
	for _, rec := range recs {
		if rec.NodeClass != class.Name {
			continue
		}
		want := rec.State
		switch {
		case idle[rec.Name]:
			want = registry.StateIdle
		case !other[rec.Name]:
			want = registry.StateBusy
		}
		if want == rec.State {
			continue
		}
		if _, err := r.reg.Transition(ctx, rec.Name, want, func(n *registry.NodeRecord) {
			n.LastSeen = now
		}); err != nil {
			return err
		}
	}
	return nil
}

// reclaimDown destroys live nodes the scheduler reports down. It is never
// gated by budget. It reports whether any down node of the class still has a
// non-terminal record, protected ones included.
func (r *Reconciler) reclaimDown(ctx context.Context, class cloudapi.NodeClass, down []string) (bool, error) {
	var (
		batch   []registry.NodeRecord
		pending bool
	)
	for _, name := range down {
		rec, ok, err := r.owned(ctx, class, name)
		if err != nil {
			return false, err
		}
		if !ok || rec.State.Terminal() {
			continue
		}
		pending = true
		if !(rec.State.Live() || rec.State == registry.StateDraining) {
			continue
		}
		if r.protected[name] {
			r.logger.Warn("down node is protected, not reclaiming", "node", name)
			continue
		}
		t, err := r.reg.Transition(ctx, name, registry.StateTerminating, nil)
		if err != nil {
			return false, err
		}
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		return pending, nil
	}

	r.logger.Info("reclaiming down nodes", "node_class", class.Name, "count", len(batch))
	metrics.ActionTaken.WithLabelValues(class.Name, "reclaim").Add(float64(len(batch)))
	return true, r.decommission(ctx, batch, events.TypeReclaimed)
}

// releaseIdle destroys idle nodes in oracle order, skipping any node that is
// still inside the grace window at the start of its billing increment.
func (r *Reconciler) releaseIdle(ctx context.Context, class cloudapi.NodeClass, idle []string) (int, error) {
	now := r.now()
	var batch []registry.NodeRecord
	for _, name := range idle {
		rec, ok, err := r.owned(ctx, class, name)
		if err != nil {
			return 0, err
		}
		if !ok || !rec.State.Live() || r.protected[name] {
			continue
		}
		if into := now.Sub(rec.CreatedAt) % r.increment; into < r.grace {
			r.logger.Debug("idle node within grace period",
				"node", name,
				"into_increment", into,
				"grace", r.grace,
			)
			continue
		}

		if _, err := r.reg.Transition(ctx, name, registry.StateDraining, nil); err != nil {
			return 0, err
		}
		r.hint(ctx, name, cluster.Hint{Kind: cluster.HintDrain})
		t, err := r.reg.Transition(ctx, name, registry.StateTerminating, nil)
		if err != nil {
			return 0, err
		}
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	r.logger.Info("releasing idle nodes", "node_class", class.Name, "count", len(batch))
	metrics.ActionTaken.WithLabelValues(class.Name, "release").Add(float64(len(batch)))
	return len(batch), r.decommission(ctx, batch, events.TypeReleased)
}

// owned returns the record for name when it belongs to class.
func (r *Reconciler) owned(ctx context.Context, class cloudapi.NodeClass, name string) (registry.NodeRecord, bool, error) {
	rec, err := r.reg.Get(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.NodeRecord{}, false, nil
	}
	if err != nil {
		return registry.NodeRecord{}, false, err
	}
	return rec, rec.NodeClass == class.Name, nil
}

// scaleUp backs drained slots with new instances while there is pending work,
// no idle capacity, and rate headroom on the account.
func (r *Reconciler) scaleUp(ctx context.Context, class cloudapi.NodeClass, snap cluster.Snapshot) error {
	if snap.PendingJobs <= 0 || len(snap.Drained) == 0 || len(snap.Idle) > 0 {
		return nil
	}

	var candidates []string
	for _, name := range snap.Drained {
		if r.protected[name] {
			continue
		}
		rec, err := r.reg.Get(ctx, name)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			candidates = append(candidates, name)
		case err != nil:
			return err
		case rec.State.Terminal():
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		r.logger.Debug("no free drained slots", "node_class", class.Name)
		return nil
	}

	price, err := r.prices.PriceOf(ctx, class.Name)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("price: non-positive unit price %s", price)
	}
	available, err := r.ledger.AvailableRate(ctx, r.account)
	if err != nil {
		return fmt.Errorf("available rate: %w", err)
	}

	n := int(available.Div(price).Floor().IntPart())
	if n < 0 {
		n = 0
	}
	if class.Preemptible {
		n = min(n, 1)
	}
	k := min(n, len(candidates), snap.PendingJobs)
	if k <= 0 {
		if n == 0 {
			metrics.BudgetExhausted.WithLabelValues(class.Name).Inc()
		}
		r.logger.Debug("no scale-up this tick",
			"node_class", class.Name,
			"available_rate", available.String(),
			"unit_price", price.String(),
			"pending_jobs", snap.PendingJobs,
		)
		return nil
	}

	return r.provision(ctx, class, candidates[:k])
}

// provision writes requested records for names, then asks the provider for them.
func (r *Reconciler) provision(ctx context.Context, class cloudapi.NodeClass, names []string) error {
	requestID := uuid.NewString()
	now := r.now()
	for _, name := range names {
		rec := registry.NodeRecord{
			Name:      name,
			NodeClass: class.Name,
			Account:   r.account,
			User:      r.user,
			State:     registry.StateRequested,
			RequestID: requestID,
			CreatedAt: now,
			LastSeen:  now,
		}
		if err := r.reg.Put(ctx, rec, registry.PutOptions{}); err != nil {
			return err
		}
	}

	r.logger.Info("requesting instances",
		"node_class", class.Name,
		"names", names,
		"request_id", requestID,
	)
	res, err := call(ctx, r, "create", func(ctx context.Context) (*cloudapi.CreateResult, error) {
		return r.provider.CreateInstances(ctx, cloudapi.CreateRequest{
			Class:     class,
			Names:     names,
			Account:   r.account,
			User:      r.user,
			RequestID: requestID,
		})
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("create timed out, outcome unknown until next inventory",
				"node_class", class.Name,
				"request_id", requestID,
			)
			return nil
		}
		r.logger.Error("create failed, quarantining requested nodes",
			"node_class", class.Name,
			"request_id", requestID,
			"error", err,
		)
		for _, name := range names {
			q, terr := r.reg.Transition(ctx, name, registry.StateQuarantined, nil)
			if terr != nil {
				return terr
			}
			metrics.ActionTaken.WithLabelValues(class.Name, "quarantine").Inc()
			r.publish(ctx, events.TypeQuarantined, q, err.Error())
		}
		return nil
	}

	if res.DryRun {
		metrics.DryRunSimulated.WithLabelValues("create").Add(float64(len(names)))
	}
	for _, name := range names {
		ferr, failed := res.Failed[name]
		if !failed {
			continue
		}
		if errors.Is(ferr, context.DeadlineExceeded) || errors.Is(ferr, context.Canceled) {
			// The instance may exist; inventory adopts or quarantines the record.
			r.logger.Warn("create timed out, outcome unknown until next inventory",
				"node", name,
				"request_id", requestID,
				"error", ferr,
			)
			continue
		}
		if !errors.Is(ferr, cloudapi.ErrDryRun) {
			r.logger.Warn("instance not created", "node", name, "error", ferr)
		}
		if err := r.forget(ctx, name); err != nil {
			return err
		}
	}

	var created []registry.NodeRecord
	for _, c := range res.Created {
		rec, err := r.reg.Transition(ctx, c.Name, registry.StateProvisioning, func(n *registry.NodeRecord) {
			n.ProviderID = c.ID
		})
		if err != nil {
			return err
		}
		metrics.ActionTaken.WithLabelValues(class.Name, "provision").Inc()
		r.publish(ctx, events.TypeRequested, rec, "")
		created = append(created, rec)
	}

	for _, rec := range created {
		if err := r.verify(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// forget drops a requested record whose creation failed so the slot is a
// fresh candidate on the next tick.
func (r *Reconciler) forget(ctx context.Context, name string) error {
	if _, err := r.reg.Transition(ctx, name, registry.StateTerminated, nil); err != nil {
		return err
	}
	return r.reg.Remove(ctx, name)
}
