package cloudapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/softcane/skyway-agent/internal/config"
)

func noEnv(string) string { return "" }

func TestDetectVendor_FromEnv(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"AWS_REGION": "eu-west-1"}, config.VendorAWS},
		{map[string]string{"GOOGLE_CLOUD_PROJECT": "p"}, config.VendorGCP},
		{map[string]string{"OS_AUTH_URL": "https://keystone"}, config.VendorOpenStack},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			d := Detector{Getenv: func(k string) string { return tt.env[k] }}
			if got := DetectVendor(context.Background(), d); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDetectVendor_FromMetadata(t *testing.T) {
	gcp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("my-project"))
	}))
	defer gcp.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	d := Detector{Client: gcp.Client(), Getenv: noEnv, GCPEndpoint: gcp.URL, OpenStackEndpoint: down.URL, AWSEndpoint: up.URL}
	if got := DetectVendor(context.Background(), d); got != config.VendorGCP {
		t.Errorf("expected gcp, got %s", got)
	}

	d = Detector{Client: up.Client(), Getenv: noEnv, GCPEndpoint: down.URL, OpenStackEndpoint: down.URL, AWSEndpoint: up.URL}
	if got := DetectVendor(context.Background(), d); got != config.VendorAWS {
		t.Errorf("expected aws, got %s", got)
	}

	d = Detector{Client: up.Client(), Getenv: noEnv, GCPEndpoint: down.URL, OpenStackEndpoint: down.URL, AWSEndpoint: down.URL}
	if got := DetectVendor(context.Background(), d); got != config.VendorSlurm {
		t.Errorf("expected slurm fallback, got %s", got)
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	fake := NewFakeProvider()
	f.Register("fake", func(context.Context, *config.Config, *slog.Logger) (CloudProvider, error) {
		return fake, nil
	})
	f.Register("broken", func(context.Context, *config.Config, *slog.Logger) (CloudProvider, error) {
		return nil, errors.New("no credentials")
	})

	p, err := f.New(context.Background(), "fake", &config.Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != fake {
		t.Error("expected registered provider")
	}

	if _, err := f.New(context.Background(), "broken", &config.Config{}, nil); err == nil {
		t.Error("expected constructor error")
	}
	if _, err := f.New(context.Background(), "azure", &config.Config{}, nil); !errors.Is(err, ErrUnknownVendor) {
		t.Errorf("expected ErrUnknownVendor, got %v", err)
	}
	if got := f.Vendors(); len(got) != 2 || got[0] != "broken" || got[1] != "fake" {
		t.Errorf("unexpected vendors: %v", got)
	}
}
