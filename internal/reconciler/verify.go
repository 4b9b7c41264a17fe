package reconciler

import (
	"context"
	"fmt"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/cluster"
	"github.com/softcane/skyway-agent/internal/events"
	"github.com/softcane/skyway-agent/internal/metrics"
	"github.com/softcane/skyway-agent/internal/probe"
	"github.com/softcane/skyway-agent/internal/registry"
	"github.com/softcane/skyway-agent/internal/retry"
)

// verify polls the instance address and readiness probe at a fixed interval.
// A node that passes becomes ready and is registered with the cluster.
// A node that never passes is quarantined and destroyed.
func (r *Reconciler) verify(ctx context.Context, rec registry.NodeRecord) error {
	rec, err := r.reg.Transition(ctx, rec.Name, registry.StateVerifying, nil)
	if err != nil {
		return err
	}

	var addr string
	var lastErr error
	for attempt := 1; attempt <= r.probeAttempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, r.probeInterval); err != nil {
				return err
			}
		}

		a, err := call(ctx, r, "address", func(ctx context.Context) (string, error) {
			return r.provider.HostAddress(ctx, rec.ProviderID)
		})
		if err != nil {
			lastErr = err
			r.logger.Debug("no address yet", "node", rec.Name, "attempt", attempt, "error", err)
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err = r.prober.Probe(pctx, a)
		cancel()
		if err != nil {
			lastErr = err
			r.logger.Debug("readiness probe failed", "node", rec.Name, "address", a, "attempt", attempt, "error", err)
			continue
		}
		addr = a
		break
	}

	if addr == "" {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.quarantine(ctx, rec, lastErr)
	}

	ready, err := r.reg.Transition(ctx, rec.Name, registry.StateReady, func(n *registry.NodeRecord) {
		n.HostAddress = addr
		n.LastSeen = r.now()
	})
	if err != nil {
		return err
	}

	node := probe.Node{
		Name:       ready.Name,
		ProviderID: ready.ProviderID,
		Address:    addr,
		Class:      ready.NodeClass,
		User:       ready.User,
	}
	if err := retry.Do(ctx, retry.Policy{Attempts: r.retry.Attempts, BaseDelay: r.retry.BaseDelay, MaxDelay: r.retry.MaxDelay}, func(ctx context.Context) error {
		return r.registrar.Register(ctx, node)
	}); err != nil {
		r.logger.Error("post-provision registration failed", "node", ready.Name, "error", err)
	}

	r.hint(ctx, ready.Name, cluster.Hint{Kind: cluster.HintResume, Address: addr})
	r.logger.Info("node ready", "node", ready.Name, "provider_id", ready.ProviderID, "address", addr)
	metrics.ActionTaken.WithLabelValues(ready.NodeClass, "ready").Inc()
	r.publish(ctx, events.TypeReady, ready, "")
	return nil
}

// quarantine marks a node that never became usable and issues exactly one
// destroy for it. If the destroy is not confirmed the record moves to
// terminating and the inventory pass retries it.
func (r *Reconciler) quarantine(ctx context.Context, rec registry.NodeRecord, cause error) error {
	q, err := r.reg.Transition(ctx, rec.Name, registry.StateQuarantined, nil)
	if err != nil {
		return err
	}
	detail := "readiness probe exhausted"
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", detail, cause)
	}
	r.logger.Warn("node failed verification, quarantining",
		"node", q.Name,
		"provider_id", q.ProviderID,
		"attempts", r.probeAttempts,
		"error", cause,
	)
	metrics.ActionTaken.WithLabelValues(q.NodeClass, "quarantine").Inc()
	r.publish(ctx, events.TypeQuarantined, q, detail)

	outcomes, err := call(ctx, r, "destroy", func(ctx context.Context) (map[string]cloudapi.DestroyOutcome, error) {
		return r.provider.DestroyInstances(ctx, []string{q.ProviderID}, r.protect)
	})
	outcome := outcomes[q.ProviderID]
	switch {
	case err == nil && outcome.Confirmed():
		now := r.now()
		entry, berr := r.bill(ctx, q, now)
		if berr != nil {
			r.logger.Error("usage not recorded for quarantined node", "node", q.Name, "error", berr)
			return nil
		}
		if entry != nil {
			_, err := r.reg.Transition(ctx, q.Name, registry.StateQuarantined, func(n *registry.NodeRecord) {
				n.BilledUntil = now
			})
			return err
		}
		return nil
	case err == nil && outcome == cloudapi.OutcomeDryRun:
		metrics.DryRunSimulated.WithLabelValues("destroy").Inc()
		return nil
	}

	if err == nil {
		err = fmt.Errorf("destroy outcome %q", outcome)
	}
	r.logger.Warn("destroy of quarantined node not confirmed, will retry",
		"node", q.Name,
		"provider_id", q.ProviderID,
		"error", err,
	)
	_, terr := r.reg.Transition(ctx, q.Name, registry.StateTerminating, nil)
	return terr
}
