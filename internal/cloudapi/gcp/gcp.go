// Package gcp implements the Compute Engine provisioning adapter.
// Instance names are the provider ids: they are unique per zone.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

// Label keys written on every instance. GCP labels must be lowercase.
const (
	LabelAccount = "skyway-account"
	LabelClass   = "skyway-class"
	LabelUser    = "skyway-user"
)

// Approximate list pricing used when no override is configured.
const (
	pricePerVCPU       = 0.033
	pricePerGBMemory   = 0.004
	preemptibleDiscount = 0.30
)

// ComputeAPI is the subset of Compute Engine the adapter uses.
type ComputeAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) error
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) error
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	MachineType(ctx context.Context, req *computepb.GetMachineTypeRequest) (*computepb.MachineType, error)
}

// Config configures the adapter.
type Config struct {
	ProjectID string
	Zone      string
	Network   string

	// API overrides the REST clients, for tests.
	API    ComputeAPI
	Logger *slog.Logger
}

// Provider implements cloudapi.CloudProvider on Compute Engine.
type Provider struct {
	api    ComputeAPI
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	priceCache map[string]float64 // key: machineType
}

// New creates the Compute Engine adapter.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.API == nil {
		api, err := newRESTAPI(ctx)
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	return &Provider{
		api:        cfg.API,
		cfg:        cfg,
		logger:     logger,
		priceCache: make(map[string]float64),
	}, nil
}

// Name implements cloudapi.CloudProvider.
func (p *Provider) Name() string { return "gcp" }

// ListInstances implements cloudapi.CloudProvider.
func (p *Provider) ListInstances(ctx context.Context, f cloudapi.ListFilter) ([]cloudapi.InstanceInfo, error) {
	req := &computepb.ListInstancesRequest{Project: p.cfg.ProjectID, Zone: p.cfg.Zone}
	if f.Account != "" {
		req.Filter = proto.String(fmt.Sprintf("labels.%s = %q", LabelAccount, labelValue(f.Account)))
	}
	insts, err := p.api.List(ctx, req)
	if err != nil {
		return nil, classify("list", err)
	}

	names := make(map[string]bool, len(f.Names))
	for _, n := range f.Names {
		names[n] = true
	}
	var out []cloudapi.InstanceInfo
	for _, inst := range insts {
		if len(names) > 0 && !names[inst.GetName()] {
			continue
		}
		out = append(out, toInfo(inst))
	}
	return out, nil
}

// CreateInstances implements cloudapi.CloudProvider.
func (p *Provider) CreateInstances(ctx context.Context, req cloudapi.CreateRequest) (*cloudapi.CreateResult, error) {
	res := &cloudapi.CreateResult{Failed: make(map[string]error)}
	for _, name := range req.Names {
		err := p.api.Insert(ctx, p.insertRequest(req, name))
		if err != nil {
			err = classify("create", err)
			if len(res.Created) == 0 && cloudapi.IsTransient(err) {
				return nil, err
			}
			p.logger.Warn("instance insert failed", "node", name, "error", err)
			res.Failed[name] = err
			continue
		}
		p.logger.Info("instance inserted", "node", name, "machine_type", req.Class.InstanceType, "zone", p.cfg.Zone)
		res.Created = append(res.Created, cloudapi.CreatedInstance{Name: name, ID: name})
	}
	return res, nil
}

func (p *Provider) insertRequest(req cloudapi.CreateRequest, name string) *computepb.InsertInstanceRequest {
	labels := map[string]string{
		LabelAccount: labelValue(req.Account),
		LabelClass:   labelValue(req.Class.Name),
	}
	if req.User != "" {
		labels[LabelUser] = labelValue(req.User)
	}

	inst := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, req.Class.InstanceType)),
		Labels:      labels,
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(req.Class.Image),
			},
		}},
		Scheduling: &computepb.Scheduling{},
	}
	if p.cfg.Network != "" {
		inst.NetworkInterfaces = []*computepb.NetworkInterface{{Network: proto.String(p.cfg.Network)}}
	}
	if req.Class.Preemptible {
		inst.Scheduling.Preemptible = proto.Bool(true)
	}
	if req.Class.Walltime > 0 {
		inst.Scheduling.MaxRunDuration = &computepb.Duration{Seconds: proto.Int64(int64(req.Class.Walltime / time.Second))}
		inst.Scheduling.InstanceTerminationAction = proto.String("DELETE")
	}

	// Insert deduplicates on request id for a while; derive one per name so a
	// replayed request maps to the same id.
	requestID := uuid.NewString()
	if req.RequestID != "" {
		requestID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(req.RequestID+"/"+name)).String()
	}
	return &computepb.InsertInstanceRequest{
		Project:          p.cfg.ProjectID,
		Zone:             p.cfg.Zone,
		InstanceResource: inst,
		RequestId:        proto.String(requestID),
	}
}

// DestroyInstances implements cloudapi.CloudProvider.
func (p *Provider) DestroyInstances(ctx context.Context, ids []string, protect []string) (map[string]cloudapi.DestroyOutcome, error) {
	protected := make(map[string]bool, len(protect))
	for _, n := range protect {
		protected[n] = true
	}
	out := make(map[string]cloudapi.DestroyOutcome, len(ids))
	for _, id := range ids {
		if protected[id] {
			out[id] = cloudapi.OutcomeProtected
			continue
		}
		err := p.api.Delete(ctx, &computepb.DeleteInstanceRequest{Project: p.cfg.ProjectID, Zone: p.cfg.Zone, Instance: id})
		switch {
		case err == nil:
			out[id] = cloudapi.OutcomeDestroyed
		case isNotFound(err):
			out[id] = cloudapi.OutcomeNotFound
		default:
			err = classify("destroy", err)
			if len(out) == 0 && cloudapi.IsTransient(err) {
				return nil, err
			}
			p.logger.Warn("instance delete failed", "provider_id", id, "error", err)
			out[id] = cloudapi.OutcomeFailed
		}
	}
	return out, nil
}

// UnitPrice implements cloudapi.CloudProvider. The price is estimated from
// the machine type's vCPUs and memory.
func (p *Provider) UnitPrice(ctx context.Context, class cloudapi.NodeClass) (decimal.Decimal, error) {
	p.mu.RLock()
	price, ok := p.priceCache[class.InstanceType]
	p.mu.RUnlock()

	if !ok {
		mt, err := p.api.MachineType(ctx, &computepb.GetMachineTypeRequest{
			Project:     p.cfg.ProjectID,
			Zone:        p.cfg.Zone,
			MachineType: class.InstanceType,
		})
		if err != nil {
			return decimal.Zero, classify("price", fmt.Errorf("failed to get machine type: %w", err))
		}
		memoryGB := float64(mt.GetMemoryMb()) / 1024.0
		price = float64(mt.GetGuestCpus())*pricePerVCPU + memoryGB*pricePerGBMemory

		p.mu.Lock()
		p.priceCache[class.InstanceType] = price
		p.mu.Unlock()
	}

	if class.Preemptible {
		price *= preemptibleDiscount
	}
	return decimal.NewFromFloat(price).Round(6), nil
}

// HostAddress implements cloudapi.CloudProvider.
func (p *Provider) HostAddress(ctx context.Context, id string) (string, error) {
	inst, err := p.api.Get(ctx, &computepb.GetInstanceRequest{Project: p.cfg.ProjectID, Zone: p.cfg.Zone, Instance: id})
	if err != nil {
		if isNotFound(err) {
			return "", cloudapi.ErrNotFound
		}
		return "", classify("address", err)
	}
	for _, nic := range inst.GetNetworkInterfaces() {
		if ip := nic.GetNetworkIP(); ip != "" {
			return ip, nil
		}
	}
	return "", cloudapi.ErrNoAddress
}

func toInfo(inst *computepb.Instance) cloudapi.InstanceInfo {
	info := cloudapi.InstanceInfo{
		ID:      inst.GetName(),
		Name:    inst.GetName(),
		Class:   inst.GetLabels()[LabelClass],
		User:    inst.GetLabels()[LabelUser],
		Account: inst.GetLabels()[LabelAccount],
		State:   strings.ToLower(inst.GetStatus()),
	}
	for _, nic := range inst.GetNetworkInterfaces() {
		if ip := nic.GetNetworkIP(); ip != "" {
			info.Address = ip
			break
		}
	}
	if ts, err := time.Parse(time.RFC3339, inst.GetCreationTimestamp()); err == nil {
		info.CreatedAt = ts
	}
	return info
}

// labelValue lowercases v and replaces characters GCP labels reject.
func labelValue(v string) string {
	v = strings.ToLower(v)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, v)
}

func classify(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return cloudapi.Transient(op, err)
		}
		return err
	}
	return cloudapi.Transient(op, err)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// restAPI adapts the generated REST clients to ComputeAPI.
type restAPI struct {
	instances    *compute.InstancesClient
	machineTypes *compute.MachineTypesClient
}

func newRESTAPI(ctx context.Context) (*restAPI, error) {
	instances, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create instances client: %w", err)
	}
	machineTypes, err := compute.NewMachineTypesRESTClient(ctx)
	if err != nil {
		instances.Close()
		return nil, fmt.Errorf("failed to create machine types client: %w", err)
	}
	return &restAPI{instances: instances, machineTypes: machineTypes}, nil
}

func (r *restAPI) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) error {
	_, err := r.instances.Insert(ctx, req)
	return err
}

func (r *restAPI) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) error {
	_, err := r.instances.Delete(ctx, req)
	return err
}

func (r *restAPI) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.instances.Get(ctx, req)
}

func (r *restAPI) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.instances.List(ctx, req)
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *restAPI) MachineType(ctx context.Context, req *computepb.GetMachineTypeRequest) (*computepb.MachineType, error) {
	return r.machineTypes.Get(ctx, req)
}

// Close releases the REST clients.
func (r *restAPI) Close() error {
	return errors.Join(r.instances.Close(), r.machineTypes.Close())
}

// Compile-time interface check
var _ cloudapi.CloudProvider = (*Provider)(nil)
