package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/events"
	"github.com/softcane/skyway-agent/internal/metrics"
	"github.com/softcane/skyway-agent/internal/registry"
)

// inventory compares the registry with the provider's instance list.
//
// Requested records left by an interrupted tick are adopted when the provider
// knows their name and quarantined otherwise. Records whose instance vanished
// are billed and removed. Terminating records are retried and unfinished
// verifications resume. Instances without a record are orphans: adopted when
// their name matches a class pattern, flagged for review otherwise.
func (r *Reconciler) inventory(ctx context.Context) error {
	instances, err := call(ctx, r, "list", func(ctx context.Context) ([]cloudapi.InstanceInfo, error) {
		return r.provider.ListInstances(ctx, cloudapi.ListFilter{Account: r.account})
	})
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	byID := lo.KeyBy(instances, func(i cloudapi.InstanceInfo) string { return i.ID })
	byName := lo.KeyBy(instances, func(i cloudapi.InstanceInfo) string { return i.Name })

	recs, err := r.reg.List(ctx)
	if err != nil {
		return err
	}

	knownIDs := make(map[string]bool, len(recs))
	knownNames := make(map[string]bool, len(recs))
	var resume, retry []registry.NodeRecord

	for _, rec := range recs {
		knownNames[rec.Name] = true
		if rec.ProviderID != "" {
			knownIDs[rec.ProviderID] = true
		}
		_, alive := byID[rec.ProviderID]

		switch rec.State {
		case registry.StateTerminated:
			if err := r.reg.Remove(ctx, rec.Name); err != nil && !errors.Is(err, registry.ErrNotFound) {
				return err
			}

		case registry.StateQuarantined:
			if rec.ProviderID == "" || !alive {
				r.logger.Debug("dropping quarantined record", "node", rec.Name, "provider_id", rec.ProviderID)
				if err := r.reg.Remove(ctx, rec.Name); err != nil && !errors.Is(err, registry.ErrNotFound) {
					return err
				}
			}

		case registry.StateRequested:
			inst, ok := byName[rec.Name]
			if !ok {
				r.logger.Warn("requested node has no instance, quarantining",
					"node", rec.Name,
					"request_id", rec.RequestID,
				)
				q, err := r.reg.Transition(ctx, rec.Name, registry.StateQuarantined, nil)
				if err != nil {
					return err
				}
				metrics.ActionTaken.WithLabelValues(rec.NodeClass, "quarantine").Inc()
				r.publish(ctx, events.TypeQuarantined, q, "no instance for request")
				continue
			}
			knownIDs[inst.ID] = true
			adopted, err := r.reg.Transition(ctx, rec.Name, registry.StateProvisioning, func(n *registry.NodeRecord) {
				n.ProviderID = inst.ID
				if !inst.CreatedAt.IsZero() {
					n.CreatedAt = inst.CreatedAt
				}
			})
			if err != nil {
				return err
			}
			r.logger.Info("adopted instance for interrupted request",
				"node", rec.Name,
				"provider_id", inst.ID,
				"request_id", rec.RequestID,
			)
			resume = append(resume, adopted)

		case registry.StateTerminating:
			retry = append(retry, rec)

		case registry.StateProvisioning, registry.StateVerifying:
			if !alive {
				if err := r.vanished(ctx, rec); err != nil {
					return err
				}
				continue
			}
			resume = append(resume, rec)

		default:
			if !alive {
				if err := r.vanished(ctx, rec); err != nil {
					return err
				}
			}
		}
	}

	if err := r.reconcileOrphans(ctx, instances, knownIDs, knownNames); err != nil {
		return err
	}

	if len(retry) > 0 {
		r.logger.Info("retrying destroy of terminating nodes", "count", len(retry))
		if err := r.decommission(ctx, retry, events.TypeReclaimed); err != nil {
			return err
		}
	}
	for _, rec := range resume {
		if err := r.verify(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// vanished retires a record whose instance the provider no longer reports.
func (r *Reconciler) vanished(ctx context.Context, rec registry.NodeRecord) error {
	r.logger.Warn("instance vanished", "node", rec.Name, "provider_id", rec.ProviderID, "state", rec.State)
	t, err := r.reg.Transition(ctx, rec.Name, registry.StateTerminating, nil)
	if err != nil {
		return err
	}
	return r.finish(ctx, t, events.TypeReclaimed, "instance vanished")
}

func (r *Reconciler) reconcileOrphans(ctx context.Context, instances []cloudapi.InstanceInfo, knownIDs, knownNames map[string]bool) error {
	orphans := lo.Filter(instances, func(i cloudapi.InstanceInfo, _ int) bool {
		return !knownIDs[i.ID] && !knownNames[i.Name]
	})

	for _, inst := range orphans {
		// A record may have been written since the listing, under another name.
		if rec, err := r.reg.ByProviderID(ctx, inst.ID); err == nil {
			r.logger.Debug("instance already tracked", "provider_id", inst.ID, "node", rec.Name)
			continue
		} else if !errors.Is(err, registry.ErrNotFound) {
			return err
		}

		class, ok := r.classFor(inst.Name)
		if !ok {
			if r.flagged[inst.ID] {
				continue
			}
			r.flagged[inst.ID] = true
			r.logger.Warn("orphan instance needs manual review",
				"provider_id", inst.ID,
				"name", inst.Name,
				"state", inst.State,
			)
			metrics.Orphans.WithLabelValues("manual_review").Inc()
			r.publish(ctx, events.TypeOrphan, registry.NodeRecord{
				Name:       inst.Name,
				ProviderID: inst.ID,
				NodeClass:  inst.Class,
				Account:    r.account,
			}, "manual_review")
			continue
		}

		now := r.now()
		created := inst.CreatedAt
		if created.IsZero() {
			created = now
		}
		user := inst.User
		if user == "" {
			user = r.user
		}
		rec := registry.NodeRecord{
			Name:        inst.Name,
			ProviderID:  inst.ID,
			NodeClass:   class,
			Account:     r.account,
			User:        user,
			HostAddress: inst.Address,
			State:       registry.StateReady,
			CreatedAt:   created,
			LastSeen:    now,
		}
		if err := r.reg.Put(ctx, rec, registry.PutOptions{}); err != nil {
			return err
		}
		r.logger.Info("adopted orphan instance", "node", rec.Name, "provider_id", rec.ProviderID, "node_class", class)
		metrics.Orphans.WithLabelValues("adopted").Inc()
		metrics.ActionTaken.WithLabelValues(class, "adopt").Inc()
		r.publish(ctx, events.TypeOrphan, rec, "adopted")
	}
	return nil
}

// classFor returns the first class, in priority order, whose name pattern matches name.
func (r *Reconciler) classFor(name string) (string, bool) {
	for _, c := range r.classes {
		if p := r.patterns[c.Name]; p != nil && p.MatchString(name) {
			return c.Name, true
		}
	}
	return "", false
}
