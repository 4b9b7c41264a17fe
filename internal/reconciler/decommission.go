package reconciler

import (
	"context"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/cluster"
	"github.com/softcane/skyway-agent/internal/events"
	"github.com/softcane/skyway-agent/internal/metrics"
	"github.com/softcane/skyway-agent/internal/registry"
)

// decommission destroys terminating records in one provider call. Records are
// only billed and removed once the provider confirms the instance is gone;
// everything else stays terminating for the next tick.
func (r *Reconciler) decommission(ctx context.Context, recs []registry.NodeRecord, typ events.Type) error {
	var ids []string
	byID := make(map[string]registry.NodeRecord, len(recs))
	for _, rec := range recs {
		if rec.ProviderID == "" {
			if err := r.finish(ctx, rec, typ, "no instance"); err != nil {
				return err
			}
			continue
		}
		if r.protected[rec.Name] {
			r.logger.Warn("protected node left terminating", "node", rec.Name, "provider_id", rec.ProviderID)
			continue
		}
		ids = append(ids, rec.ProviderID)
		byID[rec.ProviderID] = rec
	}
	if len(ids) == 0 {
		return nil
	}

	outcomes, err := call(ctx, r, "destroy", func(ctx context.Context) (map[string]cloudapi.DestroyOutcome, error) {
		return r.provider.DestroyInstances(ctx, ids, r.protect)
	})
	if err != nil {
		r.logger.Warn("destroy failed, nodes stay terminating", "provider_ids", ids, "error", err)
		return nil
	}

	for _, id := range ids {
		rec := byID[id]
		switch o := outcomes[id]; {
		case o.Confirmed():
			if err := r.finish(ctx, rec, typ, string(o)); err != nil {
				if registry.IsInvariantViolation(err) {
					return err
				}
				r.logger.Error("failed to retire node", "node", rec.Name, "error", err)
			}
		case o == cloudapi.OutcomeDryRun:
			metrics.DryRunSimulated.WithLabelValues("destroy").Inc()
		default:
			r.logger.Warn("destroy not confirmed, node stays terminating",
				"node", rec.Name,
				"provider_id", id,
				"outcome", o,
			)
		}
	}
	return nil
}

// finish closes out a terminating record: usage entry, terminated, removed,
// drain hint and event. A usage failure leaves the record terminating.
func (r *Reconciler) finish(ctx context.Context, rec registry.NodeRecord, typ events.Type, detail string) error {
	now := r.now()
	if _, err := r.bill(ctx, rec, now); err != nil {
		return err
	}
	done, err := r.reg.Transition(ctx, rec.Name, registry.StateTerminated, func(n *registry.NodeRecord) {
		n.BilledUntil = now
		n.LastSeen = now
	})
	if err != nil {
		return err
	}
	if err := r.reg.Remove(ctx, rec.Name); err != nil {
		return err
	}
	r.hint(ctx, rec.Name, cluster.Hint{Kind: cluster.HintDrain})
	r.logger.Info("node retired", "node", rec.Name, "provider_id", rec.ProviderID, "reason", typ)
	r.publish(ctx, typ, done, detail)
	return nil
}
