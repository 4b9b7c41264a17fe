package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

type fakeEC2 struct {
	mu         sync.Mutex
	instances  map[string]types.Instance
	runInputs  []*ec2.RunInstancesInput
	terminated []string
	runErr     map[string]error // by Name tag
	next       int
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{instances: make(map[string]types.Instance), runErr: make(map[string]error)}
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInputs = append(f.runInputs, in)
	name := tagValue(in.TagSpecifications[0].Tags, TagName)
	if err := f.runErr[name]; err != nil {
		return nil, err
	}
	f.next++
	id := "i-" + strings.Repeat("0", 3) + string(rune('a'+f.next))
	inst := types.Instance{
		InstanceId:       aws.String(id),
		PrivateIpAddress: aws.String("10.1.0." + string(rune('0'+f.next))),
		State:            &types.InstanceState{Name: types.InstanceStateNameRunning},
		Tags:             in.TagSpecifications[0].Tags,
		LaunchTime:       aws.Time(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	f.instances[id] = inst
	return &ec2.RunInstancesOutput{Instances: []types.Instance{inst}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.InstanceIds {
		if _, ok := f.instances[id]; !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}
		}
		delete(f.instances, id)
		f.terminated = append(f.terminated, id)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var insts []types.Instance
	if len(in.InstanceIds) > 0 {
		for _, id := range in.InstanceIds {
			inst, ok := f.instances[id]
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}
			}
			insts = append(insts, inst)
		}
	} else {
		for _, inst := range f.instances {
			insts = append(insts, inst)
		}
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: insts}}}, nil
}

func (f *fakeEC2) DescribeSpotPriceHistory(_ context.Context, _ *ec2.DescribeSpotPriceHistoryInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	return &ec2.DescribeSpotPriceHistoryOutput{SpotPriceHistory: []types.SpotPrice{
		{SpotPrice: aws.String("0.0400"), AvailabilityZone: aws.String("us-east-1a")},
		{SpotPrice: aws.String("0.0350"), AvailabilityZone: aws.String("us-east-1b")},
	}}, nil
}

type fakePricing struct {
	calls int
}

func (f *fakePricing) GetProducts(_ context.Context, _ *pricing.GetProductsInput, _ ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	f.calls++
	return &pricing.GetProductsOutput{PriceList: []string{samplePriceList}}, nil
}

const samplePriceList = `{"terms":{"OnDemand":{"SKU.TERM":{"SKU.TERM.DIM":{"priceDimensions":{"SKU.TERM.DIM.RATE":{"pricePerUnit":{"USD":"0.0960000000"}}}}}}}}`

func newTestProvider(t *testing.T) (*Provider, *fakeEC2, *fakePricing) {
	t.Helper()
	fe := newFakeEC2()
	fp := &fakePricing{}
	p, err := New(context.Background(), Config{
		Region:   "us-east-1",
		SubnetID: "subnet-1",
		KeyName:  "ops",
		EC2:      fe,
		Pricing:  fp,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, fe, fp
}

func TestCreateInstances_TagsAndToken(t *testing.T) {
	p, fe, _ := newTestProvider(t)
	res, err := p.CreateInstances(context.Background(), cloudapi.CreateRequest{
		Class:     cloudapi.NodeClass{Name: "c5", InstanceType: "c5.large", Image: "ami-1", Walltime: 2 * time.Hour},
		Names:     []string{"cloud-c5-1"},
		Account:   "physics",
		User:      "alice",
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("expected one instance, got %+v", res)
	}

	in := fe.runInputs[0]
	if got := aws.ToString(in.ClientToken); got != "req-1-cloud-c5-1" {
		t.Errorf("unexpected client token %q", got)
	}
	tags := in.TagSpecifications[0].Tags
	for key, want := range map[string]string{TagName: "cloud-c5-1", TagUser: "alice", TagAccount: "physics", TagClass: "c5"} {
		if got := tagValue(tags, key); got != want {
			t.Errorf("tag %s: expected %q, got %q", key, want, got)
		}
	}
	if in.InstanceInitiatedShutdownBehavior != types.ShutdownBehaviorTerminate {
		t.Error("expected terminate-on-shutdown for walltime classes")
	}
	script, _ := base64.StdEncoding.DecodeString(aws.ToString(in.UserData))
	if !strings.Contains(string(script), "shutdown -h +120") {
		t.Errorf("unexpected user data %q", script)
	}
	if aws.ToString(in.SubnetId) != "subnet-1" || aws.ToString(in.KeyName) != "ops" {
		t.Error("expected subnet and key name from config")
	}
}

func TestCreateInstances_PartialFailure(t *testing.T) {
	p, fe, _ := newTestProvider(t)
	fe.runErr["n2"] = &smithy.GenericAPIError{Code: "InvalidParameterValue"}

	res, err := p.CreateInstances(context.Background(), cloudapi.CreateRequest{
		Class: cloudapi.NodeClass{Name: "c5", InstanceType: "c5.large"},
		Names: []string{"n1", "n2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Created) != 1 || res.Failed["n2"] == nil {
		t.Errorf("expected n1 created and n2 failed, got %+v", res)
	}
	if cloudapi.IsTransient(res.Failed["n2"]) {
		t.Error("parameter errors are not transient")
	}
}

func TestCreateInstances_ThrottledBeforeAnyLaunch(t *testing.T) {
	p, fe, _ := newTestProvider(t)
	fe.runErr["n1"] = &smithy.GenericAPIError{Code: "RequestLimitExceeded"}

	_, err := p.CreateInstances(context.Background(), cloudapi.CreateRequest{Names: []string{"n1", "n2"}})
	if !cloudapi.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestDestroyInstances(t *testing.T) {
	p, _, _ := newTestProvider(t)
	res, err := p.CreateInstances(context.Background(), cloudapi.CreateRequest{Names: []string{"keep", "drop"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := map[string]string{}
	for _, c := range res.Created {
		ids[c.Name] = c.ID
	}

	out, err := p.DestroyInstances(context.Background(), []string{ids["keep"], ids["drop"], "i-missing"}, []string{"keep"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[ids["keep"]] != cloudapi.OutcomeProtected {
		t.Errorf("expected protected, got %s", out[ids["keep"]])
	}
	if out[ids["drop"]] != cloudapi.OutcomeDestroyed {
		t.Errorf("expected destroyed, got %s", out[ids["drop"]])
	}
	if out["i-missing"] != cloudapi.OutcomeNotFound {
		t.Errorf("expected not-found, got %s", out["i-missing"])
	}

	// Destroying again is a confirmed no-op.
	again, err := p.DestroyInstances(context.Background(), []string{ids["drop"]}, nil)
	if err != nil || again[ids["drop"]] != cloudapi.OutcomeNotFound {
		t.Errorf("expected not-found on repeat, got %v (%v)", again, err)
	}
}

func TestListAndHostAddress(t *testing.T) {
	p, _, _ := newTestProvider(t)
	res, _ := p.CreateInstances(context.Background(), cloudapi.CreateRequest{
		Class:   cloudapi.NodeClass{Name: "c5"},
		Names:   []string{"n1"},
		Account: "physics",
	})

	list, err := p.ListInstances(context.Background(), cloudapi.ListFilter{Account: "physics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].Name != "n1" || list[0].Class != "c5" || list[0].Account != "physics" {
		t.Errorf("unexpected list %+v", list)
	}

	addr, err := p.HostAddress(context.Background(), res.Created[0].ID)
	if err != nil || addr == "" {
		t.Errorf("expected address, got %q (%v)", addr, err)
	}
	if _, err := p.HostAddress(context.Background(), "i-nope"); !errors.Is(err, cloudapi.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnitPrice(t *testing.T) {
	p, _, fp := newTestProvider(t)

	od, err := p.UnitPrice(context.Background(), cloudapi.NodeClass{InstanceType: "m5.large"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !od.Equal(decimal.RequireFromString("0.096")) {
		t.Errorf("expected 0.096, got %s", od)
	}
	_, _ = p.UnitPrice(context.Background(), cloudapi.NodeClass{InstanceType: "m5.large"})
	if fp.calls != 1 {
		t.Errorf("expected cached on-demand price, got %d calls", fp.calls)
	}

	spot, err := p.UnitPrice(context.Background(), cloudapi.NodeClass{InstanceType: "m5.large", Preemptible: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !spot.Equal(decimal.RequireFromString("0.035")) {
		t.Errorf("expected lowest spot 0.035, got %s", spot)
	}
}

func TestParseOnDemandPrice_Invalid(t *testing.T) {
	if _, err := parseOnDemandPrice(`{"terms":{}}`); err == nil {
		t.Error("expected error for missing OnDemand terms")
	}
	if _, err := parseOnDemandPrice(`not json`); err == nil {
		t.Error("expected parse error")
	}
}

func TestClientTokenLength(t *testing.T) {
	tok := clientToken(strings.Repeat("r", 40), strings.Repeat("n", 40))
	if len(tok) > 64 {
		t.Errorf("client token too long: %d", len(tok))
	}
	if clientToken("a", "b") != "a-b" {
		t.Error("short tokens are used verbatim")
	}
}

func TestClassify(t *testing.T) {
	if !cloudapi.IsTransient(classify("x", errors.New("connection reset"))) {
		t.Error("transport errors are transient")
	}
	if cloudapi.IsTransient(classify("x", &smithy.GenericAPIError{Code: "UnauthorizedOperation"})) {
		t.Error("auth errors are not transient")
	}
	if cloudapi.IsTransient(classify("x", context.DeadlineExceeded)) {
		t.Error("deadline is reported as-is")
	}
}
