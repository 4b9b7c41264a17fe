// Package config provides configuration loading for the skyway agent.
// Required values come from the file; optional tunables get defaults in Validate.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Supported provider vendors.
const (
	VendorAWS       = "aws"
	VendorGCP       = "gcp"
	VendorOpenStack = "openstack"
	VendorSlurm     = "slurm"

	// VendorAuto detects the vendor from the environment at startup.
	VendorAuto = "auto"
)

// Supported cluster state sources.
const (
	ClusterSlurm      = "slurm"
	ClusterKubernetes = "kubernetes"
)

// Supported readiness probes.
const (
	ProbeSSH = "ssh"
	ProbeTCP = "tcp"
)

// Config holds all agent configuration for one managed service.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Billing      BillingConfig      `yaml:"billing"`
	Budgets      []BudgetConfig     `yaml:"budgets"`
	NodeClasses  []NodeClassConfig  `yaml:"nodeClasses"`
	Provider     ProviderConfig     `yaml:"provider"`
	AWS          AWSConfig          `yaml:"aws"`
	GCP          GCPConfig          `yaml:"gcp"`
	OpenStack    OpenStackConfig    `yaml:"openstack"`
	Slurm        SlurmConfig        `yaml:"slurm"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Probe        ProbeConfig        `yaml:"probe"`
	Registration RegistrationConfig `yaml:"registration"`
	Events       EventsConfig       `yaml:"events"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Storage      StorageConfig      `yaml:"storage"`
}

// ServiceConfig identifies the managed service and drives the supervisor loop.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Account string `yaml:"account"`
	User    string `yaml:"user"`

	// TickIntervalSeconds is the time between reconciliation ticks.
	TickIntervalSeconds int `yaml:"tickIntervalSeconds"`

	// SleepIncrementMillis bounds how long the supervisor sleeps before
	// re-checking for shutdown. Default: 1000.
	SleepIncrementMillis int `yaml:"sleepIncrementMillis"`

	// CallTimeoutSeconds caps every provider call. Default: 120.
	CallTimeoutSeconds int `yaml:"callTimeoutSeconds"`

	// RetryAttempts bounds retries of transient provider errors. Default: 3.
	RetryAttempts int `yaml:"retryAttempts"`

	// UsageSnapshotSchedule is a standard cron expression. Empty disables snapshots.
	UsageSnapshotSchedule string `yaml:"usageSnapshotSchedule"`

	// RunDescriptorPath is where the run descriptor lives.
	// Default: <storage.path>/<service.name>.run.yaml
	RunDescriptorPath string `yaml:"runDescriptorPath"`

	// ProtectedNodes are never passed to a destroy call.
	ProtectedNodes []string `yaml:"protectedNodes"`
}

// BillingConfig describes how the vendor bills running instances.
type BillingConfig struct {
	// IncrementSeconds is the billing increment. Default: 3600.
	IncrementSeconds int `yaml:"incrementSeconds"`

	// GraceSeconds keeps idle nodes alive at the start of each increment.
	GraceSeconds int `yaml:"graceSeconds"`

	// ReportEndpoint receives usage entries over HTTP when ReportEnabled is set.
	ReportEndpoint string `yaml:"reportEndpoint"`
	ReportEnabled  bool   `yaml:"reportEnabled"`

	// ReportSecretEnv names the environment variable holding the report
	// signing key. Default: SKYWAY_REPORT_SECRET.
	ReportSecretEnv string `yaml:"reportSecretEnv"`
}

// BudgetConfig seeds the budget store for one account.
type BudgetConfig struct {
	Account   string `yaml:"account"`
	Amount    string `yaml:"amount"`
	RateCap   string `yaml:"rateCap"`
	StartDate string `yaml:"startDate"`

	// Users maps a user name to its allocation.
	Users map[string]string `yaml:"users"`
}

// NodeClassConfig describes one class of nodes the agent manages.
type NodeClassConfig struct {
	Name         string `yaml:"name"`
	InstanceType string `yaml:"instanceType"`

	// Price overrides the vendor list price per hour.
	Price string `yaml:"price"`

	// Preemptible classes are never scaled up by more than one node per tick.
	Preemptible bool `yaml:"preemptible"`

	// NamePattern is the regular expression names of this class match.
	// Used to adopt orphaned instances.
	NamePattern string `yaml:"namePattern"`

	Partition       string `yaml:"partition"`
	Cores           int    `yaml:"cores"`
	MemoryGB        int    `yaml:"memoryGb"`
	WalltimeSeconds int    `yaml:"walltimeSeconds"`
	Image           string `yaml:"image"`
}

// ProviderConfig selects the vendor adapter.
type ProviderConfig struct {
	Vendor string `yaml:"vendor"`
}

// AWSConfig configures the EC2 adapter.
type AWSConfig struct {
	Region           string   `yaml:"region"`
	SubnetID         string   `yaml:"subnetId"`
	SecurityGroupIDs []string `yaml:"securityGroupIds"`
	KeyName          string   `yaml:"keyName"`
}

// GCPConfig configures the Compute Engine adapter.
type GCPConfig struct {
	ProjectID string `yaml:"projectId"`
	Zone      string `yaml:"zone"`
	Network   string `yaml:"network"`
}

// OpenStackConfig configures the Nova adapter. Credentials come from OS_* variables.
type OpenStackConfig struct {
	Region    string `yaml:"region"`
	NetworkID string `yaml:"networkId"`
	KeyPair   string `yaml:"keyPair"`
}

// SlurmConfig configures the on-prem pass-through adapter.
type SlurmConfig struct {
	// BinDir holds sbatch, squeue, scancel, sinfo and scontrol. Empty uses PATH.
	BinDir string `yaml:"binDir"`
}

// ClusterConfig selects the cluster state oracle.
type ClusterConfig struct {
	Kind string `yaml:"kind"`

	// Kubeconfig is used when running outside the cluster.
	Kubeconfig string `yaml:"kubeconfig"`

	// ClassLabel is the node label carrying the node class name. Default: skyway.io/class.
	ClassLabel string `yaml:"classLabel"`
}

// ProbeConfig configures the readiness probe.
type ProbeConfig struct {
	Mode            string `yaml:"mode"`
	User            string `yaml:"user"`
	KeyPath         string `yaml:"keyPath"`
	Port            int    `yaml:"port"`
	Attempts        int    `yaml:"attempts"`
	IntervalSeconds int    `yaml:"intervalSeconds"`
}

// RegistrationConfig holds the post-provision commands.
// Each entry is a text/template rendered with the node's name, id and address.
type RegistrationConfig struct {
	Commands       []string `yaml:"commands"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
}

// EventsConfig configures lifecycle event publishing. Empty URL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"natsUrl"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig configures the embedded database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file.
// Returns an error if file is missing or invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and applies defaults to optional ones.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Service.Account == "" {
		return fmt.Errorf("service.account is required")
	}
	if c.Service.TickIntervalSeconds < 1 {
		return fmt.Errorf("service.tickIntervalSeconds must be >= 1")
	}
	if c.Service.SleepIncrementMillis <= 0 {
		c.Service.SleepIncrementMillis = 1000
	}
	if c.Service.CallTimeoutSeconds <= 0 {
		c.Service.CallTimeoutSeconds = 120
	}
	if c.Service.RetryAttempts <= 0 {
		c.Service.RetryAttempts = 3
	}
	if c.Service.UsageSnapshotSchedule != "" {
		if _, err := cron.ParseStandard(c.Service.UsageSnapshotSchedule); err != nil {
			return fmt.Errorf("service.usageSnapshotSchedule: %w", err)
		}
	}

	if c.Billing.IncrementSeconds <= 0 {
		c.Billing.IncrementSeconds = 3600
	}
	if c.Billing.GraceSeconds < 0 || c.Billing.GraceSeconds >= c.Billing.IncrementSeconds {
		return fmt.Errorf("billing.graceSeconds must be in [0, incrementSeconds)")
	}
	if c.Billing.ReportSecretEnv == "" {
		c.Billing.ReportSecretEnv = "SKYWAY_REPORT_SECRET"
	}
	if c.Billing.ReportEnabled && c.Billing.ReportEndpoint == "" {
		return fmt.Errorf("billing.reportEndpoint is required when reporting is enabled")
	}

	for i, b := range c.Budgets {
		if b.Account == "" {
			return fmt.Errorf("budgets[%d].account is required", i)
		}
		if _, err := decimal.NewFromString(b.Amount); err != nil {
			return fmt.Errorf("budgets[%d].amount: %w", i, err)
		}
		if _, err := decimal.NewFromString(b.RateCap); err != nil {
			return fmt.Errorf("budgets[%d].rateCap: %w", i, err)
		}
		if b.StartDate != "" {
			if _, err := time.Parse(time.DateOnly, b.StartDate); err != nil {
				return fmt.Errorf("budgets[%d].startDate: %w", i, err)
			}
		}
		for user, amount := range b.Users {
			if _, err := decimal.NewFromString(amount); err != nil {
				return fmt.Errorf("budgets[%d].users[%s]: %w", i, user, err)
			}
		}
	}

	if len(c.NodeClasses) == 0 {
		return fmt.Errorf("nodeClasses cannot be empty")
	}
	seen := make(map[string]bool, len(c.NodeClasses))
	for i, nc := range c.NodeClasses {
		if nc.Name == "" {
			return fmt.Errorf("nodeClasses[%d].name is required", i)
		}
		if seen[nc.Name] {
			return fmt.Errorf("nodeClasses[%d].name %q is duplicated", i, nc.Name)
		}
		seen[nc.Name] = true
		if nc.Price != "" {
			if _, err := decimal.NewFromString(nc.Price); err != nil {
				return fmt.Errorf("nodeClasses[%d].price: %w", i, err)
			}
		}
		if nc.NamePattern != "" {
			if _, err := regexp.Compile(nc.NamePattern); err != nil {
				return fmt.Errorf("nodeClasses[%d].namePattern: %w", i, err)
			}
		}
	}

	switch c.Provider.Vendor {
	case VendorAWS:
		if c.AWS.Region == "" {
			c.AWS.Region = "us-east-1"
		}
	case VendorGCP:
		if c.GCP.ProjectID == "" || c.GCP.Zone == "" {
			return fmt.Errorf("gcp.projectId and gcp.zone are required")
		}
	case VendorOpenStack, VendorSlurm, VendorAuto:
	default:
		return fmt.Errorf("provider.vendor must be one of aws, gcp, openstack, slurm, auto (got %q)", c.Provider.Vendor)
	}

	switch c.Cluster.Kind {
	case "":
		c.Cluster.Kind = ClusterSlurm
	case ClusterSlurm, ClusterKubernetes:
	default:
		return fmt.Errorf("cluster.kind must be slurm or kubernetes (got %q)", c.Cluster.Kind)
	}
	if c.Cluster.ClassLabel == "" {
		c.Cluster.ClassLabel = "skyway.io/class"
	}

	switch c.Probe.Mode {
	case "":
		c.Probe.Mode = ProbeSSH
	case ProbeSSH, ProbeTCP:
	default:
		return fmt.Errorf("probe.mode must be ssh or tcp (got %q)", c.Probe.Mode)
	}
	if c.Probe.Port == 0 {
		c.Probe.Port = 22
	}
	if c.Probe.Attempts <= 0 {
		c.Probe.Attempts = 90
	}
	if c.Probe.IntervalSeconds <= 0 {
		c.Probe.IntervalSeconds = 1
	}
	if c.Probe.Mode == ProbeSSH && c.Probe.User == "" {
		c.Probe.User = c.Service.User
	}

	if c.Registration.TimeoutSeconds <= 0 {
		c.Registration.TimeoutSeconds = 60
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "skyway.nodes"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":8080"
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Service.RunDescriptorPath == "" {
		c.Service.RunDescriptorPath = c.Storage.Path + "/" + c.Service.Name + ".run.yaml"
	}

	return nil
}

// TickInterval returns the reconciliation interval as a duration.
func (s *ServiceConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// SleepIncrement returns the supervisor sleep granularity.
func (s *ServiceConfig) SleepIncrement() time.Duration {
	return time.Duration(s.SleepIncrementMillis) * time.Millisecond
}

// CallTimeout returns the per-call provider timeout.
func (s *ServiceConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

// Increment returns the billing increment as a duration.
func (b *BillingConfig) Increment() time.Duration {
	return time.Duration(b.IncrementSeconds) * time.Second
}

// Grace returns the idle grace window as a duration.
func (b *BillingConfig) Grace() time.Duration {
	return time.Duration(b.GraceSeconds) * time.Second
}

// Interval returns the probe interval as a duration.
func (p *ProbeConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Timeout returns the registration command timeout.
func (r *RegistrationConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Walltime returns the maximum node lifetime, zero when unbounded.
func (n *NodeClassConfig) Walltime() time.Duration {
	return time.Duration(n.WalltimeSeconds) * time.Second
}

// PriceOverride returns the configured price and whether one is set.
// Only valid after Validate.
func (n *NodeClassConfig) PriceOverride() (decimal.Decimal, bool) {
	if n.Price == "" {
		return decimal.Zero, false
	}
	return decimal.RequireFromString(n.Price), true
}

// NodeClass returns the class with the given name.
func (c *Config) NodeClass(name string) (NodeClassConfig, bool) {
	for _, nc := range c.NodeClasses {
		if nc.Name == name {
			return nc, true
		}
	}
	return NodeClassConfig{}, false
}
