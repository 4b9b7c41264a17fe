package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:                "demo",
			Account:             "acct",
			User:                "skyway",
			TickIntervalSeconds: 60,
		},
		Budgets: []BudgetConfig{{
			Account: "acct",
			Amount:  "100",
			RateCap: "2.5",
		}},
		NodeClasses: []NodeClassConfig{{
			Name:         "small",
			InstanceType: "t3.small",
			NamePattern:  `^cloud-\d+$`,
		}},
		Provider: ProviderConfig{Vendor: VendorAWS},
		Storage:  StorageConfig{Path: "/var/lib/skyway"},
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.AWS.Region != "us-east-1" {
		t.Fatalf("expected default AWS region us-east-1, got %q", cfg.AWS.Region)
	}
	if cfg.Billing.Increment() != time.Hour {
		t.Fatalf("expected default increment 1h, got %s", cfg.Billing.Increment())
	}
	if cfg.Service.CallTimeout() != 2*time.Minute {
		t.Fatalf("expected default call timeout 2m, got %s", cfg.Service.CallTimeout())
	}
	if cfg.Service.SleepIncrement() != time.Second {
		t.Fatalf("expected default sleep increment 1s, got %s", cfg.Service.SleepIncrement())
	}
	if cfg.Service.RetryAttempts != 3 {
		t.Fatalf("expected 3 retry attempts, got %d", cfg.Service.RetryAttempts)
	}
	if cfg.Cluster.Kind != ClusterSlurm || cfg.Cluster.ClassLabel != "skyway.io/class" {
		t.Fatalf("unexpected cluster defaults: %+v", cfg.Cluster)
	}
	if cfg.Probe.Mode != ProbeSSH || cfg.Probe.Port != 22 || cfg.Probe.User != "skyway" {
		t.Fatalf("unexpected probe defaults: %+v", cfg.Probe)
	}
	if cfg.Metrics.Addr != ":8080" || cfg.Events.SubjectPrefix != "skyway.nodes" {
		t.Fatalf("unexpected metrics/events defaults: %q %q", cfg.Metrics.Addr, cfg.Events.SubjectPrefix)
	}
	if cfg.Service.RunDescriptorPath != "/var/lib/skyway/demo.run.yaml" {
		t.Fatalf("unexpected run descriptor path: %s", cfg.Service.RunDescriptorPath)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing name", func(c *Config) { c.Service.Name = "" }, "service.name"},
		{"missing account", func(c *Config) { c.Service.Account = "" }, "service.account"},
		{"zero tick", func(c *Config) { c.Service.TickIntervalSeconds = 0 }, "tickIntervalSeconds"},
		{"bad schedule", func(c *Config) { c.Service.UsageSnapshotSchedule = "hourly-ish" }, "usageSnapshotSchedule"},
		{"grace not below increment", func(c *Config) {
			c.Billing.IncrementSeconds = 600
			c.Billing.GraceSeconds = 600
		}, "graceSeconds"},
		{"report without endpoint", func(c *Config) { c.Billing.ReportEnabled = true }, "reportEndpoint"},
		{"bad amount", func(c *Config) { c.Budgets[0].Amount = "lots" }, "budgets[0].amount"},
		{"bad rate cap", func(c *Config) { c.Budgets[0].RateCap = "" }, "budgets[0].rateCap"},
		{"bad start date", func(c *Config) { c.Budgets[0].StartDate = "01/02/2026" }, "startDate"},
		{"bad user allocation", func(c *Config) { c.Budgets[0].Users = map[string]string{"alice": "x"} }, "users[alice]"},
		{"no classes", func(c *Config) { c.NodeClasses = nil }, "nodeClasses"},
		{"duplicate class", func(c *Config) {
			c.NodeClasses = append(c.NodeClasses, c.NodeClasses[0])
		}, "duplicated"},
		{"bad price", func(c *Config) { c.NodeClasses[0].Price = "free" }, "price"},
		{"bad pattern", func(c *Config) { c.NodeClasses[0].NamePattern = "cloud-(" }, "namePattern"},
		{"unknown vendor", func(c *Config) { c.Provider.Vendor = "azure" }, "provider.vendor"},
		{"gcp without project", func(c *Config) { c.Provider.Vendor = VendorGCP }, "gcp.projectId"},
		{"unknown cluster", func(c *Config) { c.Cluster.Kind = "pbs" }, "cluster.kind"},
		{"unknown probe", func(c *Config) { c.Probe.Mode = "icmp" }, "probe.mode"},
		{"missing storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")

	content := `
service:
  name: demo
  account: acct
  tickIntervalSeconds: 30
billing:
  incrementSeconds: 60
  graceSeconds: 10
budgets:
  - account: acct
    amount: "100"
    rateCap: "1.5"
    startDate: "2026-01-01"
nodeClasses:
  - name: gpu
    instanceType: g5.xlarge
    price: "1.006"
    preemptible: true
    walltimeSeconds: 7200
provider:
  vendor: slurm
cluster:
  kind: kubernetes
probe:
  mode: tcp
storage:
  path: /tmp/skyway
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.TickInterval() != 30*time.Second {
		t.Fatalf("unexpected tick interval: %s", cfg.Service.TickInterval())
	}
	if cfg.Billing.Grace() != 10*time.Second {
		t.Fatalf("unexpected grace: %s", cfg.Billing.Grace())
	}

	nc, ok := cfg.NodeClass("gpu")
	if !ok {
		t.Fatal("expected node class gpu")
	}
	if !nc.Preemptible || nc.Walltime() != 2*time.Hour {
		t.Fatalf("unexpected node class: %+v", nc)
	}
	price, ok := nc.PriceOverride()
	if !ok || price.String() != "1.006" {
		t.Fatalf("unexpected price override: %s %v", price, ok)
	}
	if _, ok := cfg.NodeClass("cpu"); ok {
		t.Fatal("unexpected node class cpu")
	}
	if cfg.Probe.Port != 22 {
		t.Fatalf("expected default probe port 22, got %d", cfg.Probe.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("service: [unterminated"), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Fatalf("expected parse error, got: %v", err)
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "default.yaml"))
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if len(cfg.NodeClasses) != 2 || cfg.Service.UsageSnapshotSchedule == "" {
		t.Fatalf("unexpected sample config: %+v", cfg.Service)
	}
}
