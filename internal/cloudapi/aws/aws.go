// Package aws implements the EC2 provisioning adapter.
// Uses aws-sdk-go-v2 for real API calls; tests inject the client interfaces.
package aws

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

// Tag keys written on every instance.
const (
	TagName    = "Name"
	TagUser    = "User"
	TagAccount = "skyway:account"
	TagClass   = "skyway:class"
)

// EC2API is the subset of the EC2 client the adapter uses.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, in *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// Config configures the adapter. Nil clients are built from the default credential chain.
type Config struct {
	Region           string
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string

	EC2     EC2API
	Pricing PricingAPI
	Logger  *slog.Logger
}

// Provider implements cloudapi.CloudProvider on EC2.
type Provider struct {
	ec2    EC2API
	prices *PriceClient
	cfg    Config
	logger *slog.Logger
}

// New creates the EC2 adapter.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.EC2 == nil || cfg.Pricing == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		if cfg.EC2 == nil {
			cfg.EC2 = ec2.NewFromConfig(awsCfg)
		}
		if cfg.Pricing == nil {
			cfg.Pricing = pricing.NewFromConfig(awsCfg, func(o *pricing.Options) {
				// Pricing API is only available in us-east-1
				o.Region = "us-east-1"
			})
		}
	}

	return &Provider{
		ec2:    cfg.EC2,
		prices: NewPriceClient(cfg.EC2, cfg.Pricing, cfg.Region, logger),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Name implements cloudapi.CloudProvider.
func (p *Provider) Name() string { return "aws" }

// ListInstances implements cloudapi.CloudProvider.
func (p *Provider) ListInstances(ctx context.Context, f cloudapi.ListFilter) ([]cloudapi.InstanceInfo, error) {
	filters := []types.Filter{{
		Name:   aws.String("instance-state-name"),
		Values: []string{"pending", "running", "stopping", "stopped"},
	}}
	if f.Account != "" {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + TagAccount), Values: []string{f.Account}})
	}
	if len(f.Names) > 0 {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + TagName), Values: f.Names})
	}

	var out []cloudapi.InstanceInfo
	pager := ec2.NewDescribeInstancesPaginator(p.ec2, &ec2.DescribeInstancesInput{Filters: filters})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				out = append(out, toInfo(inst))
			}
		}
	}
	return out, nil
}

// CreateInstances implements cloudapi.CloudProvider with one RunInstances call
// per name, each carrying a client token derived from the request id.
func (p *Provider) CreateInstances(ctx context.Context, req cloudapi.CreateRequest) (*cloudapi.CreateResult, error) {
	res := &cloudapi.CreateResult{Failed: make(map[string]error)}

	for _, name := range req.Names {
		in := p.runInput(req, name)
		outp, err := p.ec2.RunInstances(ctx, in)
		if err != nil {
			err = classify("create", err)
			if len(res.Created) == 0 && cloudapi.IsTransient(err) {
				// Nothing launched yet: let the caller retry the whole request.
				return nil, err
			}
			p.logger.Warn("instance launch failed", "node", name, "error", err)
			res.Failed[name] = err
			continue
		}
		if len(outp.Instances) == 0 || outp.Instances[0].InstanceId == nil {
			res.Failed[name] = fmt.Errorf("RunInstances returned no instance for %s", name)
			continue
		}
		id := aws.ToString(outp.Instances[0].InstanceId)
		p.logger.Info("instance launched", "node", name, "provider_id", id, "instance_type", req.Class.InstanceType)
		res.Created = append(res.Created, cloudapi.CreatedInstance{Name: name, ID: id})
	}
	return res, nil
}

func (p *Provider) runInput(req cloudapi.CreateRequest, name string) *ec2.RunInstancesInput {
	tags := []types.Tag{
		{Key: aws.String(TagName), Value: aws.String(name)},
		{Key: aws.String(TagAccount), Value: aws.String(req.Account)},
		{Key: aws.String(TagClass), Value: aws.String(req.Class.Name)},
	}
	if req.User != "" {
		tags = append(tags, types.Tag{Key: aws.String(TagUser), Value: aws.String(req.User)})
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(req.Class.Image),
		InstanceType: types.InstanceType(req.Class.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if req.RequestID != "" {
		in.ClientToken = aws.String(clientToken(req.RequestID, name))
	}
	if p.cfg.SubnetID != "" {
		in.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}
	if p.cfg.KeyName != "" {
		in.KeyName = aws.String(p.cfg.KeyName)
	}
	if req.Class.Preemptible {
		in.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{MarketType: types.MarketTypeSpot}
	}
	if req.Class.Walltime > 0 {
		in.InstanceInitiatedShutdownBehavior = types.ShutdownBehaviorTerminate
		in.UserData = aws.String(walltimeUserData(req.Class.Walltime))
	}
	return in
}

// clientToken is unique per request and name and at most 64 characters.
func clientToken(requestID, name string) string {
	tok := requestID + "-" + name
	if len(tok) <= 64 {
		return tok
	}
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

func walltimeUserData(walltime time.Duration) string {
	minutes := int(walltime.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	script := fmt.Sprintf("#!/bin/sh\nshutdown -h +%d\n", minutes)
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// DestroyInstances implements cloudapi.CloudProvider, terminating ids one at a time.
func (p *Provider) DestroyInstances(ctx context.Context, ids []string, protect []string) (map[string]cloudapi.DestroyOutcome, error) {
	protected := make(map[string]bool, len(protect))
	for _, n := range protect {
		protected[n] = true
	}

	out := make(map[string]cloudapi.DestroyOutcome, len(ids))
	for _, id := range ids {
		inst, err := p.describe(ctx, id)
		if errors.Is(err, cloudapi.ErrNotFound) {
			out[id] = cloudapi.OutcomeNotFound
			continue
		}
		if err != nil {
			if len(out) == 0 && cloudapi.IsTransient(err) {
				return nil, err
			}
			p.logger.Warn("describe before terminate failed", "provider_id", id, "error", err)
			out[id] = cloudapi.OutcomeFailed
			continue
		}
		if protected[tagValue(inst.Tags, TagName)] {
			p.logger.Info("skipping protected instance", "provider_id", id, "node", tagValue(inst.Tags, TagName))
			out[id] = cloudapi.OutcomeProtected
			continue
		}

		_, err = p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
		switch {
		case err == nil:
			out[id] = cloudapi.OutcomeDestroyed
		case isNotFound(err):
			out[id] = cloudapi.OutcomeNotFound
		default:
			p.logger.Warn("terminate failed", "provider_id", id, "error", err)
			out[id] = cloudapi.OutcomeFailed
		}
	}
	return out, nil
}

// UnitPrice implements cloudapi.CloudProvider.
func (p *Provider) UnitPrice(ctx context.Context, class cloudapi.NodeClass) (decimal.Decimal, error) {
	var (
		price float64
		err   error
	)
	if class.Preemptible {
		price, err = p.prices.GetSpotPrice(ctx, class.InstanceType)
	} else {
		price, err = p.prices.GetOnDemandPrice(ctx, class.InstanceType)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(price), nil
}

// HostAddress implements cloudapi.CloudProvider.
func (p *Provider) HostAddress(ctx context.Context, id string) (string, error) {
	inst, err := p.describe(ctx, id)
	if err != nil {
		return "", err
	}
	if addr := aws.ToString(inst.PrivateIpAddress); addr != "" {
		return addr, nil
	}
	if addr := aws.ToString(inst.PublicIpAddress); addr != "" {
		return addr, nil
	}
	return "", cloudapi.ErrNoAddress
}

func (p *Provider) describe(ctx context.Context, id string) (types.Instance, error) {
	outp, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			return types.Instance{}, cloudapi.ErrNotFound
		}
		return types.Instance{}, classify("describe", err)
	}
	for _, r := range outp.Reservations {
		for _, inst := range r.Instances {
			if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
				return types.Instance{}, cloudapi.ErrNotFound
			}
			return inst, nil
		}
	}
	return types.Instance{}, cloudapi.ErrNotFound
}

func toInfo(inst types.Instance) cloudapi.InstanceInfo {
	info := cloudapi.InstanceInfo{
		ID:      aws.ToString(inst.InstanceId),
		Name:    tagValue(inst.Tags, TagName),
		Class:   tagValue(inst.Tags, TagClass),
		User:    tagValue(inst.Tags, TagUser),
		Account: tagValue(inst.Tags, TagAccount),
		Address: aws.ToString(inst.PrivateIpAddress),
	}
	if inst.State != nil {
		info.State = string(inst.State.Name)
	}
	if inst.LaunchTime != nil {
		info.CreatedAt = *inst.LaunchTime
	}
	return info
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

// transientCodes are API error codes worth retrying.
var transientCodes = map[string]bool{
	"RequestLimitExceeded":         true,
	"Throttling":                   true,
	"ThrottlingException":          true,
	"InsufficientInstanceCapacity": true,
	"InternalError":                true,
	"ServiceUnavailable":           true,
	"Unavailable":                  true,
}

// classify wraps throttling, capacity and transport failures as transient.
// Other API errors (bad parameters, auth) are returned as they are.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if transientCodes[ae.ErrorCode()] {
			return cloudapi.Transient(op, err)
		}
		return err
	}
	return cloudapi.Transient(op, err)
}

func isNotFound(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "InvalidInstanceID.NotFound"
}

// Compile-time interface check
var _ cloudapi.CloudProvider = (*Provider)(nil)
