package cloudapi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FakeProvider is a deterministic in-memory CloudProvider for tests and local harnesses.
// It records every call and returns copies of its state.
type FakeProvider struct {
	mu sync.Mutex

	next      int
	instances map[string]InstanceInfo // key: id
	requests  map[string]string       // key: request id + name, value: id

	createCalls  map[string]int
	destroyCalls [][]string
	listCalls    int

	// Prices maps node class name to hourly price.
	Prices map[string]decimal.Decimal

	// FailCreate makes creation of the named nodes fail.
	FailCreate map[string]error

	// FailDestroy makes destroy of the given ids report OutcomeFailed.
	FailDestroy map[string]bool

	// NoAddress ids never get an address.
	NoAddress map[string]bool

	// TransientFailures makes the next n calls of the named operation
	// ("list", "create", "destroy", "address") return a TransientError.
	TransientFailures map[string]int

	// Now stamps created instances. Defaults to time.Now.
	Now func() time.Time
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		instances:         make(map[string]InstanceInfo),
		requests:          make(map[string]string),
		createCalls:       make(map[string]int),
		Prices:            make(map[string]decimal.Decimal),
		FailCreate:        make(map[string]error),
		FailDestroy:       make(map[string]bool),
		NoAddress:         make(map[string]bool),
		TransientFailures: make(map[string]int),
	}
}

// Name implements CloudProvider.
func (f *FakeProvider) Name() string { return "fake" }

func (f *FakeProvider) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// transient consumes one scripted failure for op. Caller holds mu.
func (f *FakeProvider) transient(op string) error {
	if f.TransientFailures[op] > 0 {
		f.TransientFailures[op]--
		return Transient(op, fmt.Errorf("fake %s throttled", op))
	}
	return nil
}

// AddInstance registers an instance created outside the agent and returns its id.
func (f *FakeProvider) AddInstance(info InstanceInfo) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.ID == "" {
		f.next++
		info.ID = fmt.Sprintf("fake-%d", f.next)
	}
	if info.State == "" {
		info.State = "running"
	}
	f.instances[info.ID] = info
	return info.ID
}

// RemoveInstance drops an instance as if the vendor reclaimed it.
func (f *FakeProvider) RemoveInstance(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
}

// ListInstances implements CloudProvider.
func (f *FakeProvider) ListInstances(_ context.Context, filter ListFilter) ([]InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.transient("list"); err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(filter.Names))
	for _, n := range filter.Names {
		names[n] = true
	}
	var out []InstanceInfo
	for _, info := range f.instances {
		if filter.Account != "" && info.Account != "" && info.Account != filter.Account {
			continue
		}
		if len(names) > 0 && !names[info.Name] {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateInstances implements CloudProvider. Repeating a request id returns the
// instances created for it earlier instead of new ones.
func (f *FakeProvider) CreateInstances(_ context.Context, req CreateRequest) (*CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transient("create"); err != nil {
		return nil, err
	}

	res := &CreateResult{Failed: make(map[string]error)}
	for _, name := range req.Names {
		f.createCalls[name]++
		if err, ok := f.FailCreate[name]; ok {
			res.Failed[name] = err
			continue
		}
		key := req.RequestID + "/" + name
		if id, ok := f.requests[key]; ok && req.RequestID != "" {
			res.Created = append(res.Created, CreatedInstance{Name: name, ID: id})
			continue
		}
		f.next++
		id := fmt.Sprintf("fake-%d", f.next)
		f.instances[id] = InstanceInfo{
			ID:        id,
			Name:      name,
			Class:     req.Class.Name,
			User:      req.User,
			Account:   req.Account,
			State:     "running",
			Address:   fmt.Sprintf("10.0.0.%d", f.next),
			CreatedAt: f.now(),
		}
		f.requests[key] = id
		res.Created = append(res.Created, CreatedInstance{Name: name, ID: id})
	}
	return res, nil
}

// DestroyInstances implements CloudProvider.
func (f *FakeProvider) DestroyInstances(_ context.Context, ids []string, protect []string) (map[string]DestroyOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls = append(f.destroyCalls, append([]string(nil), ids...))
	if err := f.transient("destroy"); err != nil {
		return nil, err
	}

	protected := make(map[string]bool, len(protect))
	for _, p := range protect {
		protected[p] = true
	}
	out := make(map[string]DestroyOutcome, len(ids))
	for _, id := range ids {
		info, ok := f.instances[id]
		switch {
		case !ok:
			out[id] = OutcomeNotFound
		case protected[info.Name]:
			out[id] = OutcomeProtected
		case f.FailDestroy[id]:
			out[id] = OutcomeFailed
		default:
			delete(f.instances, id)
			out[id] = OutcomeDestroyed
		}
	}
	return out, nil
}

// UnitPrice implements CloudProvider.
func (f *FakeProvider) UnitPrice(_ context.Context, class NodeClass) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.Prices[class.Name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, class.Name)
	}
	return price, nil
}

// HostAddress implements CloudProvider.
func (f *FakeProvider) HostAddress(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transient("address"); err != nil {
		return "", err
	}
	info, ok := f.instances[id]
	if !ok {
		return "", ErrNotFound
	}
	if f.NoAddress[id] || info.Address == "" {
		return "", ErrNoAddress
	}
	return info.Address, nil
}

// Instances returns a snapshot of live instances sorted by id.
func (f *FakeProvider) Instances() []InstanceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InstanceInfo, 0, len(f.instances))
	for _, info := range f.instances {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateCalls returns how many times name was passed to CreateInstances.
func (f *FakeProvider) CreateCalls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls[name]
}

// DestroyCalls returns the ids passed to each DestroyInstances call.
func (f *FakeProvider) DestroyCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.destroyCalls))
	for i, c := range f.destroyCalls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// ListCalls returns how many times ListInstances was called.
func (f *FakeProvider) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// DestroyCount returns how many destroy calls included id.
func (f *FakeProvider) DestroyCount(id string) int {
	n := 0
	for _, call := range f.DestroyCalls() {
		for _, c := range call {
			if c == id {
				n++
			}
		}
	}
	return n
}

// Compile-time interface check
var _ CloudProvider = (*FakeProvider)(nil)
