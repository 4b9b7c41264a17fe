package cloudapi_test

import (
	"context"
	"errors"
	"testing"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

func TestSafetyWrapper_Create_DryRun(t *testing.T) {
	fake := cloudapi.NewFakeProvider()
	wrapper := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{
		DryRun:   true,
		Provider: fake,
	})

	res, err := wrapper.CreateInstances(context.Background(), cloudapi.CreateRequest{
		Class: cloudapi.NodeClass{Name: "c5"},
		Names: []string{"n1", "n2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.DryRun {
		t.Error("expected DryRun=true in result")
	}
	if len(res.Created) != 0 {
		t.Errorf("expected no created instances, got %d", len(res.Created))
	}
	for _, n := range []string{"n1", "n2"} {
		if !errors.Is(res.Failed[n], cloudapi.ErrDryRun) {
			t.Errorf("expected ErrDryRun for %s, got %v", n, res.Failed[n])
		}
	}
	if fake.CreateCalls("n1") != 0 {
		t.Error("dry-run must not reach the provider")
	}
}

func TestSafetyWrapper_Destroy_DryRun(t *testing.T) {
	fake := cloudapi.NewFakeProvider()
	id := fake.AddInstance(cloudapi.InstanceInfo{Name: "n1"})
	wrapper := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{
		DryRun:   true,
		Provider: fake,
	})

	out, err := wrapper.DestroyInstances(context.Background(), []string{id}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[id] != cloudapi.OutcomeDryRun {
		t.Errorf("expected dry-run outcome, got %q", out[id])
	}
	if out[id].Confirmed() {
		t.Error("dry-run outcome must not count as confirmed")
	}
	if len(fake.Instances()) != 1 {
		t.Error("instance should still exist after dry-run destroy")
	}
}

func TestSafetyWrapper_ReadsPassThroughInDryRun(t *testing.T) {
	fake := cloudapi.NewFakeProvider()
	fake.AddInstance(cloudapi.InstanceInfo{Name: "n1", Account: "acct"})
	wrapper := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{
		DryRun:   true,
		Provider: fake,
	})

	list, err := wrapper.ListInstances(context.Background(), cloudapi.ListFilter{Account: "acct"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 instance, got %d", len(list))
	}
}

func TestSafetyWrapper_LiveMode_NoProvider(t *testing.T) {
	wrapper := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{
		DryRun: false,
	})

	_, err := wrapper.CreateInstances(context.Background(), cloudapi.CreateRequest{Names: []string{"n1"}})
	if !errors.Is(err, cloudapi.ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
	_, err = wrapper.DestroyInstances(context.Background(), []string{"i-1"}, nil)
	if !errors.Is(err, cloudapi.ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestSafetyWrapper_LiveMode_Delegates(t *testing.T) {
	fake := cloudapi.NewFakeProvider()
	wrapper := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{
		DryRun:   false,
		Provider: fake,
	})

	res, err := wrapper.CreateInstances(context.Background(), cloudapi.CreateRequest{
		Class: cloudapi.NodeClass{Name: "c5"},
		Names: []string{"n1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0].Name != "n1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	out, err := wrapper.DestroyInstances(context.Background(), []string{res.Created[0].ID}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[res.Created[0].ID] != cloudapi.OutcomeDestroyed {
		t.Errorf("expected destroyed, got %q", out[res.Created[0].ID])
	}
}

func TestSafetyWrapper_IsDryRun(t *testing.T) {
	w1 := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{DryRun: true})
	w2 := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{DryRun: false})

	if !w1.IsDryRun() {
		t.Error("expected IsDryRun()=true")
	}
	if w2.IsDryRun() {
		t.Error("expected IsDryRun()=false")
	}
}
