// Package openstack implements the Nova provisioning adapter.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

// Metadata keys written on every server.
const (
	MetaAccount = "skyway-account"
	MetaClass   = "skyway-class"
	MetaUser    = "skyway-user"
	MetaRequest = "skyway-request"
)

// ComputeAPI is the subset of Nova the adapter uses.
type ComputeAPI interface {
	CreateServer(ctx context.Context, opts servers.CreateOptsBuilder) (*servers.Server, error)
	DeleteServer(ctx context.Context, id string) error
	GetServer(ctx context.Context, id string) (*servers.Server, error)
	ListServers(ctx context.Context, opts servers.ListOpts) ([]servers.Server, error)
}

// Config configures the adapter.
type Config struct {
	Region    string
	NetworkID string
	KeyPair   string

	// API overrides the Nova client, for tests.
	API    ComputeAPI
	Logger *slog.Logger
}

// Provider implements cloudapi.CloudProvider on Nova.
type Provider struct {
	api    ComputeAPI
	cfg    Config
	logger *slog.Logger
}

// New creates the Nova adapter. Credentials come from the OS_* environment.
func New(_ context.Context, cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.API == nil {
		opts, err := openstack.AuthOptionsFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to get auth options from env: %w", err)
		}
		provider, err := openstack.AuthenticatedClient(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to get authenticated client: %w", err)
		}
		region := cfg.Region
		if region == "" {
			region = os.Getenv("OS_REGION_NAME")
		}
		client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
		if err != nil {
			return nil, fmt.Errorf("failed to get compute client: %w", err)
		}
		cfg.API = &novaAPI{client: client}
	}
	return &Provider{api: cfg.API, cfg: cfg, logger: logger}, nil
}

// Name implements cloudapi.CloudProvider.
func (p *Provider) Name() string { return "openstack" }

// ListInstances implements cloudapi.CloudProvider.
func (p *Provider) ListInstances(ctx context.Context, f cloudapi.ListFilter) ([]cloudapi.InstanceInfo, error) {
	all, err := p.api.ListServers(ctx, servers.ListOpts{})
	if err != nil {
		return nil, classify("list", err)
	}
	names := make(map[string]bool, len(f.Names))
	for _, n := range f.Names {
		names[n] = true
	}

	var out []cloudapi.InstanceInfo
	for _, s := range all {
		if f.Account != "" && s.Metadata[MetaAccount] != f.Account {
			continue
		}
		if len(names) > 0 && !names[s.Name] {
			continue
		}
		if strings.EqualFold(s.Status, "DELETED") {
			continue
		}
		out = append(out, toInfo(s))
	}
	return out, nil
}

// CreateInstances implements cloudapi.CloudProvider. Nova has no client
// token, so a server already carrying this request id is adopted instead of
// booting a second one.
func (p *Provider) CreateInstances(ctx context.Context, req cloudapi.CreateRequest) (*cloudapi.CreateResult, error) {
	res := &cloudapi.CreateResult{Failed: make(map[string]error)}

	existing := make(map[string]string)
	if req.RequestID != "" {
		all, err := p.api.ListServers(ctx, servers.ListOpts{})
		if err != nil {
			return nil, classify("create", err)
		}
		for _, s := range all {
			if s.Metadata[MetaRequest] == req.RequestID {
				existing[s.Name] = s.ID
			}
		}
	}

	for _, name := range req.Names {
		if id, ok := existing[name]; ok {
			p.logger.Info("adopting server from earlier request", "node", name, "provider_id", id, "request_id", req.RequestID)
			res.Created = append(res.Created, cloudapi.CreatedInstance{Name: name, ID: id})
			continue
		}
		server, err := p.api.CreateServer(ctx, p.createOpts(req, name))
		if err != nil {
			err = classify("create", err)
			if len(res.Created) == 0 && cloudapi.IsTransient(err) {
				return nil, err
			}
			p.logger.Warn("server create failed", "node", name, "error", err)
			res.Failed[name] = fmt.Errorf("failed to create server '%s': %w", name, err)
			continue
		}
		p.logger.Info("server created", "node", name, "provider_id", server.ID, "flavor", req.Class.InstanceType)
		res.Created = append(res.Created, cloudapi.CreatedInstance{Name: name, ID: server.ID})
	}
	return res, nil
}

func (p *Provider) createOpts(req cloudapi.CreateRequest, name string) servers.CreateOptsBuilder {
	meta := map[string]string{
		MetaAccount: req.Account,
		MetaClass:   req.Class.Name,
	}
	if req.User != "" {
		meta[MetaUser] = req.User
	}
	if req.RequestID != "" {
		meta[MetaRequest] = req.RequestID
	}

	opts := servers.CreateOpts{
		Name:      name,
		ImageRef:  req.Class.Image,
		FlavorRef: req.Class.InstanceType,
		Metadata:  meta,
	}
	if p.cfg.NetworkID != "" {
		opts.Networks = []servers.Network{{UUID: p.cfg.NetworkID}}
	}
	if req.Class.Walltime > 0 {
		minutes := int(req.Class.Walltime.Minutes())
		if minutes < 1 {
			minutes = 1
		}
		opts.UserData = []byte(fmt.Sprintf("#!/bin/sh\nshutdown -h +%d\n", minutes))
	}
	if p.cfg.KeyPair == "" {
		return opts
	}
	return keypairs.CreateOptsExt{CreateOptsBuilder: opts, KeyName: p.cfg.KeyPair}
}

// DestroyInstances implements cloudapi.CloudProvider.
func (p *Provider) DestroyInstances(ctx context.Context, ids []string, protect []string) (map[string]cloudapi.DestroyOutcome, error) {
	protected := make(map[string]bool, len(protect))
	for _, n := range protect {
		protected[n] = true
	}

	out := make(map[string]cloudapi.DestroyOutcome, len(ids))
	for _, id := range ids {
		server, err := p.api.GetServer(ctx, id)
		if isNotFound(err) {
			out[id] = cloudapi.OutcomeNotFound
			continue
		}
		if err != nil {
			err = classify("describe", err)
			if len(out) == 0 && cloudapi.IsTransient(err) {
				return nil, err
			}
			p.logger.Warn("get before delete failed", "provider_id", id, "error", err)
			out[id] = cloudapi.OutcomeFailed
			continue
		}
		if protected[server.Name] {
			p.logger.Info("skipping protected server", "provider_id", id, "node", server.Name)
			out[id] = cloudapi.OutcomeProtected
			continue
		}

		err = p.api.DeleteServer(ctx, id)
		switch {
		case err == nil:
			out[id] = cloudapi.OutcomeDestroyed
		case isNotFound(err):
			out[id] = cloudapi.OutcomeNotFound
		default:
			p.logger.Warn("failed to delete server", "provider_id", id, "error", err)
			out[id] = cloudapi.OutcomeFailed
		}
	}
	return out, nil
}

// UnitPrice implements cloudapi.CloudProvider. Nova publishes no prices;
// classes on this vendor must configure one.
func (p *Provider) UnitPrice(_ context.Context, class cloudapi.NodeClass) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("%w: %s (openstack has no price list, set nodeClasses[].price)", cloudapi.ErrNoPrice, class.Name)
}

// HostAddress implements cloudapi.CloudProvider. The first IPv4 address wins,
// in network name order.
func (p *Provider) HostAddress(ctx context.Context, id string) (string, error) {
	server, err := p.api.GetServer(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return "", cloudapi.ErrNotFound
		}
		return "", classify("address", err)
	}
	if addr := ipv4Address(server.Addresses); addr != "" {
		return addr, nil
	}
	return "", cloudapi.ErrNoAddress
}

func toInfo(s servers.Server) cloudapi.InstanceInfo {
	return cloudapi.InstanceInfo{
		ID:        s.ID,
		Name:      s.Name,
		Class:     s.Metadata[MetaClass],
		User:      s.Metadata[MetaUser],
		Account:   s.Metadata[MetaAccount],
		State:     strings.ToLower(s.Status),
		Address:   ipv4Address(s.Addresses),
		CreatedAt: s.Created,
	}
}

// ipv4Address digs the first IPv4 address out of Nova's untyped address map.
func ipv4Address(addresses map[string]interface{}) string {
	networks := make([]string, 0, len(addresses))
	for n := range addresses {
		networks = append(networks, n)
	}
	sort.Strings(networks)

	for _, n := range networks {
		list, ok := addresses[n].([]interface{})
		if !ok {
			continue
		}
		for _, entry := range list {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			if v, _ := m["version"].(float64); v != 4 {
				continue
			}
			if addr, _ := m["addr"].(string); addr != "" {
				return addr
			}
		}
	}
	return ""
}

func classify(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		e429 gophercloud.ErrDefault429
		e500 gophercloud.ErrDefault500
		e503 gophercloud.ErrDefault503
		code gophercloud.ErrUnexpectedResponseCode
	)
	switch {
	case errors.As(err, &e429), errors.As(err, &e500), errors.As(err, &e503):
		return cloudapi.Transient(op, err)
	case errors.As(err, &code):
		if code.Actual >= 500 {
			return cloudapi.Transient(op, err)
		}
		return err
	}
	var (
		e400 gophercloud.ErrDefault400
		e401 gophercloud.ErrDefault401
		e403 gophercloud.ErrDefault403
		e404 gophercloud.ErrDefault404
	)
	if errors.As(err, &e400) || errors.As(err, &e401) || errors.As(err, &e403) || errors.As(err, &e404) {
		return err
	}
	return cloudapi.Transient(op, err)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e404 gophercloud.ErrDefault404
	return errors.As(err, &e404)
}

// novaAPI adapts gophercloud's compute client to ComputeAPI. gophercloud v1
// takes no per-call context; the provider's HTTP timeout bounds each call.
type novaAPI struct {
	client *gophercloud.ServiceClient
}

func (n *novaAPI) CreateServer(_ context.Context, opts servers.CreateOptsBuilder) (*servers.Server, error) {
	return servers.Create(n.client, opts).Extract()
}

func (n *novaAPI) DeleteServer(_ context.Context, id string) error {
	return servers.Delete(n.client, id).ExtractErr()
}

func (n *novaAPI) GetServer(_ context.Context, id string) (*servers.Server, error) {
	return servers.Get(n.client, id).Extract()
}

func (n *novaAPI) ListServers(_ context.Context, opts servers.ListOpts) ([]servers.Server, error) {
	pages, err := servers.List(n.client, opts).AllPages()
	if err != nil {
		return nil, err
	}
	return servers.ExtractServers(pages)
}

// Compile-time interface check
var _ cloudapi.CloudProvider = (*Provider)(nil)
