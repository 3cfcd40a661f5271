package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Default values applied when an environment omits them.
const (
	DefaultRegion           = "ap-south-1"
	DefaultRuntime          = "python3.12"
	DefaultArchitecture     = "x86_64"
	DefaultHandler          = "lambda_handler.handler"
	DefaultTimeoutSeconds   = 30
	DefaultMemoryMB         = 512
	DefaultLogRetentionDays = 7
	DefaultRequirementsFile = "requirements.txt"
	DefaultEntryPoint       = "lambda_handler.py"
	DefaultDockerfile       = "Dockerfile"
)

// PackageType selects how application code is shipped to the function.
type PackageType string

const (
	PackageZip   PackageType = "zip"
	PackageImage PackageType = "image"
)

// IsValid returns true for a known package type.
func (p PackageType) IsValid() bool {
	return p == PackageZip || p == PackageImage
}

// LayerKind distinguishes dependency layers from native-library layers.
type LayerKind string

const (
	// LayerDependencies is built by installing the requirements file
	// into a python/ tree and zipping it.
	LayerDependencies LayerKind = "dependencies"

	// LayerNative is built inside a disposable container matching the
	// target runtime, producing shared libraries and font configuration.
	LayerNative LayerKind = "native"
)

// LayerSpec describes one layer an environment wants built and attached.
type LayerSpec struct {
	Name         string    `yaml:"name"`
	Kind         LayerKind `yaml:"kind"`
	Requirements string    `yaml:"requirements,omitempty"`
	BuildScript  string    `yaml:"build_script,omitempty"`
}

// KeepWarm configures the optional warm-up schedule for an environment.
type KeepWarm struct {
	Enabled bool   `yaml:"enabled"`
	Rate    string `yaml:"rate,omitempty"` // e.g. "rate(5 minutes)"
}

// Environment is the immutable per-environment deployment record.
// It is created once at process start and read-only thereafter.
type Environment struct {
	// Name is the environment key ("production", "staging", ...).
	Name string `yaml:"-"`

	FunctionName     string            `yaml:"function_name"`
	Region           string            `yaml:"region"`
	Runtime          string            `yaml:"runtime"`
	Architecture     string            `yaml:"architecture"`
	Handler          string            `yaml:"handler"`
	TimeoutSeconds   int32             `yaml:"timeout_seconds"`
	MemoryMB         int32             `yaml:"memory_mb"`
	StageName        string            `yaml:"stage_name"`
	PackageType      PackageType       `yaml:"package_type"`
	EnvVars          map[string]string `yaml:"env_vars"`
	LogRetentionDays int32             `yaml:"log_retention_days"`
	EnableTracing    bool              `yaml:"enable_tracing"`
	KeepWarm         KeepWarm          `yaml:"keep_warm"`
	Layers           []LayerSpec       `yaml:"layers"`

	// Build inputs for the wrapped application. The orchestrator never
	// inspects the application; these are only packaged and shipped.
	AppDir           string `yaml:"app_dir"`
	EntryPoint       string `yaml:"entry_point"`
	RequirementsFile string `yaml:"requirements_file"`
	Dockerfile       string `yaml:"dockerfile"`

	// DeploymentBucket receives bundles too large for direct upload.
	DeploymentBucket string `yaml:"deployment_bucket,omitempty"`
}

// Config holds all named deployment environments.
type Config struct {
	Environments map[string]*Environment `yaml:"environments"`
}

// Load reads and validates the environments file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	for _, env := range cfg.Environments {
		env.resolvePaths(baseDir)
	}
	return cfg, nil
}

// Parse decodes and validates environments from raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environments: %w", err)
	}

	if len(cfg.Environments) == 0 {
		return nil, fmt.Errorf("no environments declared")
	}

	for name, env := range cfg.Environments {
		env.Name = name
		env.applyDefaults()
		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
	}
	return &cfg, nil
}

// Environment returns the named environment. An unknown name is a
// fatal input error.
func (c *Config) Environment(name string) (*Environment, error) {
	env, ok := c.Environments[name]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q (known: %v)", name, c.Names())
	}
	return env, nil
}

// Names returns the declared environment names, sorted.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Environment) applyDefaults() {
	if e.Region == "" {
		e.Region = DefaultRegion
	}
	if e.Runtime == "" {
		e.Runtime = DefaultRuntime
	}
	if e.Architecture == "" {
		e.Architecture = DefaultArchitecture
	}
	if e.Handler == "" {
		e.Handler = DefaultHandler
	}
	if e.TimeoutSeconds == 0 {
		e.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if e.MemoryMB == 0 {
		e.MemoryMB = DefaultMemoryMB
	}
	if e.StageName == "" {
		e.StageName = e.Name
	}
	if e.PackageType == "" {
		e.PackageType = PackageZip
	}
	if e.LogRetentionDays == 0 {
		e.LogRetentionDays = DefaultLogRetentionDays
	}
	if e.EntryPoint == "" {
		e.EntryPoint = DefaultEntryPoint
	}
	if e.RequirementsFile == "" {
		e.RequirementsFile = DefaultRequirementsFile
	}
	if e.Dockerfile == "" {
		e.Dockerfile = DefaultDockerfile
	}
	if e.KeepWarm.Enabled && e.KeepWarm.Rate == "" {
		e.KeepWarm.Rate = "rate(5 minutes)"
	}
}

func (e *Environment) resolvePaths(baseDir string) {
	if e.AppDir == "" {
		e.AppDir = baseDir
	} else if !filepath.IsAbs(e.AppDir) {
		e.AppDir = filepath.Join(baseDir, e.AppDir)
	}
}

// Validate checks that the environment record is usable.
func (e *Environment) Validate() error {
	if e.FunctionName == "" {
		return fmt.Errorf("function_name is required")
	}
	if !e.PackageType.IsValid() {
		return fmt.Errorf("invalid package_type %q (must be zip or image)", e.PackageType)
	}
	if e.Architecture != "x86_64" && e.Architecture != "arm64" {
		return fmt.Errorf("invalid architecture %q (must be x86_64 or arm64)", e.Architecture)
	}
	if e.TimeoutSeconds < 1 || e.TimeoutSeconds > 900 {
		return fmt.Errorf("timeout_seconds %d out of range [1, 900]", e.TimeoutSeconds)
	}
	if e.MemoryMB < 128 || e.MemoryMB > 10240 {
		return fmt.Errorf("memory_mb %d out of range [128, 10240]", e.MemoryMB)
	}
	for _, layer := range e.Layers {
		if layer.Name == "" {
			return fmt.Errorf("layer without a name")
		}
		if layer.Kind != LayerDependencies && layer.Kind != LayerNative {
			return fmt.Errorf("layer %q: invalid kind %q", layer.Name, layer.Kind)
		}
		if layer.Kind == LayerDependencies && layer.Requirements == "" {
			return fmt.Errorf("layer %q: dependencies layer needs a requirements file", layer.Name)
		}
	}
	return nil
}

// The methods below derive every cloud resource name from the
// environment record. Repeated runs must converge on the same names,
// so all of them are pure functions of the record.

// RoleName is the execution role the function runs as.
func (e *Environment) RoleName() string {
	return fmt.Sprintf("%s-execution-role", e.FunctionName)
}

// PolicyName is the least-privilege log policy attached to the role.
func (e *Environment) PolicyName() string {
	return fmt.Sprintf("%s-logs-policy", e.FunctionName)
}

// WarmupRoleName is assumed by the scheduler service to invoke the function.
func (e *Environment) WarmupRoleName() string {
	return fmt.Sprintf("%s-warmup-role", e.FunctionName)
}

// WarmupPolicyName is the invoke policy attached to the warm-up role.
func (e *Environment) WarmupPolicyName() string {
	return fmt.Sprintf("%s-warmup-policy", e.FunctionName)
}

// WarmupScheduleName identifies the keep-warm schedule.
func (e *Environment) WarmupScheduleName() string {
	return fmt.Sprintf("%s-keep-warm", e.FunctionName)
}

// APIName is the HTTP API fronting the function.
func (e *Environment) APIName() string {
	return fmt.Sprintf("%s-api", e.FunctionName)
}

// LogGroupName is where the managed runtime writes function logs.
func (e *Environment) LogGroupName() string {
	return fmt.Sprintf("/aws/lambda/%s", e.FunctionName)
}

// DashboardName identifies the metrics dashboard.
func (e *Environment) DashboardName() string {
	return fmt.Sprintf("%s-dashboard", e.FunctionName)
}

// TopicName is the alerting notification channel.
func (e *Environment) TopicName() string {
	return fmt.Sprintf("%s-alerts", e.FunctionName)
}

// AlarmName derives a per-metric alarm name.
func (e *Environment) AlarmName(metric string) string {
	return fmt.Sprintf("%s-%s", e.FunctionName, metric)
}

// RepositoryName is the container registry repository for image builds.
func (e *Environment) RepositoryName() string {
	return e.FunctionName
}

// LayerName namespaces a layer to this function.
func (e *Environment) LayerName(layer string) string {
	return fmt.Sprintf("%s-%s", e.FunctionName, layer)
}

// BundleKey is the object key for bundles staged through the
// deployment bucket.
func (e *Environment) BundleKey(sha256Hex string) string {
	return fmt.Sprintf("%s/%s.zip", e.FunctionName, sha256Hex)
}

// LeaseTableName holds deployment leases for all environments.
const LeaseTableName = "pdfdeploy-leases"
