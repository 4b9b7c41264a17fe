package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/execx"
)

// drainReason is set on nodes the agent drains.
const drainReason = "skyway-released"

// SlurmOracle reads sinfo/squeue and writes hints with scontrol.
// A class maps to the partition its placeholder nodes live in.
type SlurmOracle struct {
	run    execx.Runner
	logger *slog.Logger
}

// NewSlurmOracle creates a Slurm-backed oracle.
func NewSlurmOracle(run execx.Runner, logger *slog.Logger) *SlurmOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlurmOracle{run: run, logger: logger}
}

// Snapshot implements Oracle.
func (o *SlurmOracle) Snapshot(ctx context.Context, class cloudapi.NodeClass) (Snapshot, error) {
	partition := class.Partition
	if partition == "" {
		partition = class.Name
	}

	out, err := o.run.Run(ctx, "sinfo", "-h", "-N", "-p", partition, "-o", "%N|%T")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query node states for %s: %w", partition, err)
	}

	var snap Snapshot
	seen := make(map[string]bool)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name, state, ok := strings.Cut(strings.TrimSpace(line), "|")
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		switch classifyNodeState(state) {
		case "idle":
			snap.Idle = append(snap.Idle, name)
		case "drained":
			snap.Drained = append(snap.Drained, name)
		case "down":
			snap.Down = append(snap.Down, name)
		}
	}

	out, err = o.run.Run(ctx, "squeue", "-h", "-t", "PD", "-p", partition, "-o", "%i")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to count pending jobs for %s: %w", partition, err)
	}
	snap.PendingJobs = len(lo.Filter(strings.Split(string(out), "\n"), func(l string, _ int) bool {
		return strings.TrimSpace(l) != ""
	}))

	o.logger.Debug("slurm snapshot",
		"class", class.Name,
		"partition", partition,
		"idle", len(snap.Idle),
		"drained", len(snap.Drained),
		"down", len(snap.Down),
		"pending_jobs", snap.PendingJobs,
	)
	return snap, nil
}

// classifyNodeState maps a long-form sinfo state onto idle, drained or down.
// Flag suffixes (*, ~, #, ...) are stripped first; powered-down cloud nodes
// (idle~) are placeholders awaiting backing and count as drained.
func classifyNodeState(state string) string {
	state = strings.ToLower(strings.TrimSpace(state))
	powered := !strings.HasSuffix(state, "~")
	base := strings.TrimRight(state, "*~#!%$@^-+")

	switch base {
	case "down", "fail", "failing", "not_responding", "unknown":
		return "down"
	case "drained", "draining", "drain", "powered_down", "power_down", "powering_down":
		return "drained"
	case "idle":
		if !powered {
			return "drained"
		}
		return "idle"
	}
	return ""
}

// Hint implements Oracle.
func (o *SlurmOracle) Hint(ctx context.Context, name string, h Hint) error {
	args := []string{"update", "nodename=" + name}
	switch h.Kind {
	case HintResume:
		if h.Address != "" {
			args = append(args, "nodeaddr="+h.Address, "nodehostname="+h.Address)
		}
		args = append(args, "state=resume")
	case HintDrain:
		args = append(args, "state=drain", "reason="+drainReason)
	default:
		return fmt.Errorf("cluster: unknown hint %q", h.Kind)
	}
	if _, err := o.run.Run(ctx, "scontrol", args...); err != nil {
		return fmt.Errorf("failed to %s node %s: %w", h.Kind, name, err)
	}
	o.logger.Info("scheduler hint sent", "node", name, "hint", string(h.Kind))
	return nil
}

// Compile-time interface check
var _ Oracle = (*SlurmOracle)(nil)
