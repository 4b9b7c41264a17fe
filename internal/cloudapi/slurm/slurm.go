// Package slurm implements the on-prem pass-through adapter. A "node" is a
// one-node batch allocation held open on an existing partition; the job id is
// the provider id.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/execx"
)

// commentPrefix tags allocations with the request that created them.
const commentPrefix = "skyway-request:"

// squeueFormat is id|name|state|user|account|nodes|submit|comment.
const squeueFormat = "%i|%j|%T|%u|%a|%N|%V|%k"

// transientMarkers are controller errors worth retrying.
var transientMarkers = []string{
	"Socket timed out",
	"Unable to contact slurm controller",
	"Slurm temporarily unable",
	"Resource temporarily unavailable",
}

// Config configures the adapter.
type Config struct {
	Runner execx.Runner
	Logger *slog.Logger
}

// Provider implements cloudapi.CloudProvider over sbatch/squeue/scancel.
type Provider struct {
	run    execx.Runner
	logger *slog.Logger
}

// New creates the pass-through adapter.
func New(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	run := cfg.Runner
	if run == nil {
		run = &execx.ExecRunner{Logger: logger}
	}
	return &Provider{run: run, logger: logger}
}

// Name implements cloudapi.CloudProvider.
func (p *Provider) Name() string { return "slurm" }

type job struct {
	id, name, state, user, account, nodes, comment string
	submitted                                      time.Time
}

func (p *Provider) queue(ctx context.Context, args ...string) ([]job, error) {
	args = append([]string{"-h", "-o", squeueFormat}, args...)
	out, err := p.run.Run(ctx, "squeue", args...)
	if err != nil {
		return nil, err
	}
	var jobs []job
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		f := strings.SplitN(strings.TrimSpace(line), "|", 8)
		if len(f) < 8 {
			continue
		}
		j := job{id: f[0], name: f[1], state: f[2], user: f[3], account: f[4], nodes: f[5], comment: f[7]}
		if ts, err := time.ParseInLocation("2006-01-02T15:04:05", f[6], time.Local); err == nil {
			j.submitted = ts
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListInstances implements cloudapi.CloudProvider.
func (p *Provider) ListInstances(ctx context.Context, f cloudapi.ListFilter) ([]cloudapi.InstanceInfo, error) {
	var args []string
	if f.Account != "" {
		args = append(args, "-A", f.Account)
	}
	if len(f.Names) > 0 {
		args = append(args, "-n", strings.Join(f.Names, ","))
	}
	jobs, err := p.queue(ctx, args...)
	if err != nil {
		return nil, classify("list", err)
	}
	return lo.Map(jobs, func(j job, _ int) cloudapi.InstanceInfo {
		return cloudapi.InstanceInfo{
			ID:        j.id,
			Name:      j.name,
			User:      j.user,
			Account:   j.account,
			State:     strings.ToLower(j.state),
			Address:   nodeAddress(j.nodes),
			CreatedAt: j.submitted,
		}
	}), nil
}

// CreateInstances implements cloudapi.CloudProvider. Allocations already
// carrying the request id are adopted rather than submitted again.
func (p *Provider) CreateInstances(ctx context.Context, req cloudapi.CreateRequest) (*cloudapi.CreateResult, error) {
	res := &cloudapi.CreateResult{Failed: make(map[string]error)}

	existing := map[string]string{}
	if req.RequestID != "" {
		jobs, err := p.queue(ctx, "-n", strings.Join(req.Names, ","))
		if err != nil {
			return nil, classify("create", err)
		}
		for _, j := range jobs {
			if j.comment == commentPrefix+req.RequestID {
				existing[j.name] = j.id
			}
		}
	}

	for _, name := range req.Names {
		if id, ok := existing[name]; ok {
			res.Created = append(res.Created, cloudapi.CreatedInstance{Name: name, ID: id})
			continue
		}
		out, err := p.run.Run(ctx, "sbatch", sbatchArgs(req, name)...)
		if err != nil {
			err = classify("create", err)
			if len(res.Created) == 0 && cloudapi.IsTransient(err) {
				return nil, err
			}
			p.logger.Warn("allocation submit failed", "node", name, "error", err)
			res.Failed[name] = err
			continue
		}
		// --parsable prints "jobid" or "jobid;cluster".
		id := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), ";", 2)[0])
		if _, err := strconv.Atoi(id); err != nil {
			res.Failed[name] = fmt.Errorf("unexpected sbatch output %q", out)
			continue
		}
		p.logger.Info("allocation submitted", "node", name, "provider_id", id, "partition", req.Class.Partition)
		res.Created = append(res.Created, cloudapi.CreatedInstance{Name: name, ID: id})
	}
	return res, nil
}

func sbatchArgs(req cloudapi.CreateRequest, name string) []string {
	args := []string{"--parsable", "-J", name, "-N", "1"}
	if req.Account != "" {
		args = append(args, "-A", req.Account)
	}
	if req.Class.Partition != "" {
		args = append(args, "-p", req.Class.Partition)
	}
	if req.Class.Cores > 0 {
		args = append(args, "--ntasks-per-node="+strconv.Itoa(req.Class.Cores))
	}
	if req.Class.MemoryGB > 0 {
		args = append(args, fmt.Sprintf("--mem=%dG", req.Class.MemoryGB))
	}
	walltime := req.Class.Walltime
	if walltime <= 0 {
		walltime = time.Hour
	}
	args = append(args, "-t", formatWalltime(walltime))
	if req.RequestID != "" {
		args = append(args, "--comment="+commentPrefix+req.RequestID)
	}
	return append(args, "--wrap", "sleep infinity")
}

// formatWalltime renders d as Slurm's D-HH:MM:SS (or HH:MM:SS under a day).
func formatWalltime(d time.Duration) string {
	secs := int(d / time.Second)
	days, secs := secs/86400, secs%86400
	hms := fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	if days > 0 {
		return fmt.Sprintf("%d-%s", days, hms)
	}
	return hms
}

// DestroyInstances implements cloudapi.CloudProvider.
func (p *Provider) DestroyInstances(ctx context.Context, ids []string, protect []string) (map[string]cloudapi.DestroyOutcome, error) {
	out := make(map[string]cloudapi.DestroyOutcome, len(ids))
	for _, id := range ids {
		j, err := p.lookup(ctx, id)
		if errors.Is(err, cloudapi.ErrNotFound) {
			out[id] = cloudapi.OutcomeNotFound
			continue
		}
		if err != nil {
			if len(out) == 0 && cloudapi.IsTransient(err) {
				return nil, err
			}
			out[id] = cloudapi.OutcomeFailed
			continue
		}
		if lo.Contains(protect, j.name) {
			out[id] = cloudapi.OutcomeProtected
			continue
		}
		if _, err := p.run.Run(ctx, "scancel", id); err != nil {
			if isInvalidJob(err) {
				out[id] = cloudapi.OutcomeNotFound
				continue
			}
			p.logger.Warn("scancel failed", "provider_id", id, "error", err)
			out[id] = cloudapi.OutcomeFailed
			continue
		}
		out[id] = cloudapi.OutcomeDestroyed
	}
	return out, nil
}

// UnitPrice implements cloudapi.CloudProvider. On-prem classes are priced in
// configuration only.
func (p *Provider) UnitPrice(_ context.Context, class cloudapi.NodeClass) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("%w: %s (slurm has no price list, set nodeClasses[].price)", cloudapi.ErrNoPrice, class.Name)
}

// HostAddress implements cloudapi.CloudProvider. The allocated node's
// hostname is the address; pending allocations have none yet.
func (p *Provider) HostAddress(ctx context.Context, id string) (string, error) {
	j, err := p.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if addr := nodeAddress(j.nodes); addr != "" {
		return addr, nil
	}
	return "", cloudapi.ErrNoAddress
}

func (p *Provider) lookup(ctx context.Context, id string) (job, error) {
	jobs, err := p.queue(ctx, "-j", id)
	if err != nil {
		if isInvalidJob(err) {
			return job{}, cloudapi.ErrNotFound
		}
		return job{}, classify("describe", err)
	}
	for _, j := range jobs {
		if j.id == id && !isFinished(j.state) {
			return j, nil
		}
	}
	return job{}, cloudapi.ErrNotFound
}

func nodeAddress(nodes string) string {
	nodes = strings.TrimSpace(nodes)
	if nodes == "" || strings.HasPrefix(nodes, "(") {
		return ""
	}
	return nodes
}

func isFinished(state string) bool {
	switch strings.ToUpper(state) {
	case "COMPLETED", "CANCELLED", "FAILED", "TIMEOUT", "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "DEADLINE", "OUT_OF_MEMORY":
		return true
	}
	return false
}

func isInvalidJob(err error) bool {
	var exitErr *execx.ExitError
	return errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "Invalid job id")
}

func classify(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var exitErr *execx.ExitError
	if errors.As(err, &exitErr) {
		for _, m := range transientMarkers {
			if strings.Contains(exitErr.Stderr, m) {
				return cloudapi.Transient(op, err)
			}
		}
	}
	return err
}

// Compile-time interface check
var _ cloudapi.CloudProvider = (*Provider)(nil)
