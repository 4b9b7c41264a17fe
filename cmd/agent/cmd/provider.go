package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/cloudapi/aws"
	"github.com/softcane/skyway-agent/internal/cloudapi/gcp"
	"github.com/softcane/skyway-agent/internal/cloudapi/openstack"
	"github.com/softcane/skyway-agent/internal/cloudapi/slurm"
	"github.com/softcane/skyway-agent/internal/config"
	"github.com/softcane/skyway-agent/internal/execx"
)

const (
	fakeProviderFileEnv = "SKYWAY_TEST_FAKE_PROVIDER_FILE"
	fakeProviderJSONEnv = "SKYWAY_TEST_FAKE_PROVIDER_JSON"
	e2eSuiteEnvVar      = "SKYWAY_E2E_SUITE"
)

type runtimeProvider struct {
	provider cloudapi.CloudProvider
	isFake   bool
}

// fakeScenario is the test-only provider state loaded from the environment.
type fakeScenario struct {
	// Prices maps node class to hourly price.
	Prices map[string]string `json:"prices"`

	Instances []struct {
		Name    string `json:"name"`
		Class   string `json:"class"`
		Account string `json:"account"`
		Address string `json:"address"`
	} `json:"instances"`
}

// newFactory registers every vendor adapter this binary ships.
func newFactory() *cloudapi.Factory {
	f := cloudapi.NewFactory()
	f.Register(config.VendorAWS, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cloudapi.CloudProvider, error) {
		return aws.New(ctx, aws.Config{
			Region:           cfg.AWS.Region,
			SubnetID:         cfg.AWS.SubnetID,
			SecurityGroupIDs: cfg.AWS.SecurityGroupIDs,
			KeyName:          cfg.AWS.KeyName,
			Logger:           logger,
		})
	})
	f.Register(config.VendorGCP, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cloudapi.CloudProvider, error) {
		return gcp.New(ctx, gcp.Config{
			ProjectID: cfg.GCP.ProjectID,
			Zone:      cfg.GCP.Zone,
			Network:   cfg.GCP.Network,
			Logger:    logger,
		})
	})
	f.Register(config.VendorOpenStack, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cloudapi.CloudProvider, error) {
		return openstack.New(ctx, openstack.Config{
			Region:    cfg.OpenStack.Region,
			NetworkID: cfg.OpenStack.NetworkID,
			KeyPair:   cfg.OpenStack.KeyPair,
			Logger:    logger,
		})
	})
	f.Register(config.VendorSlurm, func(_ context.Context, cfg *config.Config, logger *slog.Logger) (cloudapi.CloudProvider, error) {
		return slurm.New(slurm.Config{
			Runner: &execx.ExecRunner{BinDir: cfg.Slurm.BinDir, Logger: logger},
			Logger: logger,
		}), nil
	})
	return f
}

func resolveProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (runtimeProvider, error) {
	fakeFile := strings.TrimSpace(os.Getenv(fakeProviderFileEnv))
	fakeJSON := strings.TrimSpace(os.Getenv(fakeProviderJSONEnv))

	if fakeFile != "" && fakeJSON != "" {
		return runtimeProvider{}, fmt.Errorf("set only one of %s or %s", fakeProviderFileEnv, fakeProviderJSONEnv)
	}

	if fakeFile != "" || fakeJSON != "" {
		if !dryRun {
			return runtimeProvider{}, fmt.Errorf("fake provider is test-only and requires --dry-run=true")
		}
		if strings.TrimSpace(os.Getenv(e2eSuiteEnvVar)) == "" {
			return runtimeProvider{}, fmt.Errorf("fake provider requires %s to be set (test suite guard)", e2eSuiteEnvVar)
		}

		raw := []byte(fakeJSON)
		if fakeFile != "" {
			data, err := os.ReadFile(fakeFile)
			if err != nil {
				return runtimeProvider{}, fmt.Errorf("load fake provider from file: %w", err)
			}
			raw = data
		}
		provider, err := newFakeProvider(raw)
		if err != nil {
			return runtimeProvider{}, err
		}
		logger.Info("using test-only fake provider",
			"source_file", fakeFile,
			"suite", os.Getenv(e2eSuiteEnvVar),
		)
		return runtimeProvider{provider: provider, isFake: true}, nil
	}

	provider, err := newFactory().New(ctx, cfg.Provider.Vendor, cfg, logger)
	if err != nil {
		return runtimeProvider{}, err
	}
	return runtimeProvider{provider: provider}, nil
}

func newFakeProvider(raw []byte) (*cloudapi.FakeProvider, error) {
	var sc fakeScenario
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse fake provider scenario: %w", err)
	}
	p := cloudapi.NewFakeProvider()
	for class, price := range sc.Prices {
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("fake provider price for %s: %w", class, err)
		}
		p.Prices[class] = d
	}
	for _, inst := range sc.Instances {
		p.AddInstance(cloudapi.InstanceInfo{
			Name:    inst.Name,
			Class:   inst.Class,
			Account: inst.Account,
			Address: inst.Address,
		})
	}
	return p, nil
}
