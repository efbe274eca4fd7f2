package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/cluster-bridge/internal/shm"
)

// DefaultConfigPath is the path to the canonical cluster defaults file.
const DefaultConfigPath = "config/cluster.defaults.json"

// ClusterConfig is the configuration shared by the orchestrator and the
// controller launcher. Every field is optional; the Get* methods supply
// defaults for missing ones, so partial files are safe.
type ClusterConfig struct {
	// Cluster identity and shape
	Namespace        *string  `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	ClusterSize      *int     `json:"cluster_size,omitempty" yaml:"cluster_size,omitempty"`
	JointNames       []string `json:"joint_names,omitempty" yaml:"joint_names,omitempty"`
	ExtraPayloadSize *int     `json:"extra_payload_size,omitempty" yaml:"extra_payload_size,omitempty"`
	NContacts        *int     `json:"n_contacts,omitempty" yaml:"n_contacts,omitempty"`

	// Shared memory
	ShmDir            *string `json:"shm_dir,omitempty" yaml:"shm_dir,omitempty"`
	AttachTimeout     *string `json:"attach_timeout,omitempty" yaml:"attach_timeout,omitempty"` // duration string like "30s"
	PollInterval      *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	ForceReconnection *bool   `json:"force_reconnection,omitempty" yaml:"force_reconnection,omitempty"`

	// Step loop
	StepTimeout       *string `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
	StepPeriod        *string `json:"step_period,omitempty" yaml:"step_period,omitempty"`
	MaxSteps          *int64  `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	TimingSampleEvery *int    `json:"timing_sample_every,omitempty" yaml:"timing_sample_every,omitempty"`

	// Orchestrator services, empty disables
	JournalPath  *string `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	AdminListen  *string `json:"admin_listen,omitempty" yaml:"admin_listen,omitempty"`
	StatusListen *string `json:"status_listen,omitempty" yaml:"status_listen,omitempty"`
}

// Defaults used by the Get* methods.
const (
	defaultNamespace         = "cluster"
	defaultClusterSize       = 1
	defaultNContacts         = 4
	defaultAttachTimeout     = 30 * time.Second
	defaultPollInterval      = 100 * time.Millisecond
	defaultStepTimeout       = 5 * time.Second
	defaultStepPeriod        = 10 * time.Millisecond
	defaultTimingSampleEvery = 100
)

func ptrInt(v int) *int          { return &v }
func ptrInt64(v int64) *int64    { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }

// EmptyClusterConfig returns a ClusterConfig with every field unset.
func EmptyClusterConfig() *ClusterConfig {
	return &ClusterConfig{}
}

// DefaultClusterConfig returns a ClusterConfig with every field set to its
// default. It matches config/cluster.defaults.json.
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		Namespace:         ptrString(defaultNamespace),
		ClusterSize:       ptrInt(defaultClusterSize),
		JointNames:        []string{},
		ExtraPayloadSize:  ptrInt(0),
		NContacts:         ptrInt(defaultNContacts),
		ShmDir:            ptrString(""),
		AttachTimeout:     ptrString(defaultAttachTimeout.String()),
		PollInterval:      ptrString(defaultPollInterval.String()),
		ForceReconnection: ptrBool(false),
		StepTimeout:       ptrString(defaultStepTimeout.String()),
		StepPeriod:        ptrString(defaultStepPeriod.String()),
		MaxSteps:          ptrInt64(0),
		TimingSampleEvery: ptrInt(defaultTimingSampleEvery),
		JournalPath:       ptrString(""),
		AdminListen:       ptrString(""),
		StatusListen:      ptrString(""),
	}
}

// LoadClusterConfig loads a ClusterConfig from a .json, .yaml or .yml file
// no larger than 1MB, then validates it.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyClusterConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set field is in range.
func (c *ClusterConfig) Validate() error {
	if c.Namespace != nil {
		if *c.Namespace == "" || strings.ContainsAny(*c.Namespace, `/\`) {
			return fmt.Errorf("namespace must be non-empty without path separators, got %q", *c.Namespace)
		}
	}
	if c.ClusterSize != nil && *c.ClusterSize < 1 {
		return fmt.Errorf("cluster_size must be at least 1, got %d", *c.ClusterSize)
	}
	if c.ExtraPayloadSize != nil && *c.ExtraPayloadSize < 0 {
		return fmt.Errorf("extra_payload_size must be non-negative, got %d", *c.ExtraPayloadSize)
	}
	if c.NContacts != nil && *c.NContacts < 0 {
		return fmt.Errorf("n_contacts must be non-negative, got %d", *c.NContacts)
	}
	if c.MaxSteps != nil && *c.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be non-negative, got %d", *c.MaxSteps)
	}
	if c.TimingSampleEvery != nil && *c.TimingSampleEvery < 0 {
		return fmt.Errorf("timing_sample_every must be non-negative, got %d", *c.TimingSampleEvery)
	}

	seen := make(map[string]bool, len(c.JointNames))
	for i, name := range c.JointNames {
		switch {
		case name == "":
			return fmt.Errorf("joint_names[%d] is empty", i)
		case len(name) > shm.DefaultStringLen:
			return fmt.Errorf("joint_names[%d] %q is longer than %d bytes", i, name, shm.DefaultStringLen)
		case seen[name]:
			return fmt.Errorf("joint_names[%d] %q is duplicated", i, name)
		}
		seen[name] = true
	}

	for _, d := range []struct {
		name     string
		value    *string
		positive bool
	}{
		{"attach_timeout", c.AttachTimeout, false},
		{"poll_interval", c.PollInterval, true},
		{"step_timeout", c.StepTimeout, false},
		{"step_period", c.StepPeriod, false},
	} {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func getString(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetNamespace returns the shared-memory namespace of the cluster.
func (c *ClusterConfig) GetNamespace() string { return getString(c.Namespace, defaultNamespace) }

// GetClusterSize returns the number of controllers.
func (c *ClusterConfig) GetClusterSize() int {
	if c.ClusterSize == nil {
		return defaultClusterSize
	}
	return *c.ClusterSize
}

// GetJointNames returns a copy of the controller joint names.
func (c *ClusterConfig) GetJointNames() []string {
	return append([]string{}, c.JointNames...)
}

// GetExtraPayloadSize returns the per-controller info width.
func (c *ClusterConfig) GetExtraPayloadSize() int {
	if c.ExtraPayloadSize == nil {
		return 0
	}
	return *c.ExtraPayloadSize
}

// GetNContacts returns the number of contacts in the task references.
func (c *ClusterConfig) GetNContacts() int {
	if c.NContacts == nil {
		return defaultNContacts
	}
	return *c.NContacts
}

// GetShmDir returns the directory backing shared segments.
func (c *ClusterConfig) GetShmDir() string { return getString(c.ShmDir, shm.DefaultDir()) }

// GetAttachTimeout returns how long a peer waits for a shared buffer. Zero
// waits forever.
func (c *ClusterConfig) GetAttachTimeout() time.Duration {
	return getDuration(c.AttachTimeout, defaultAttachTimeout)
}

// GetPollInterval returns the retry period while waiting on a peer.
func (c *ClusterConfig) GetPollInterval() time.Duration {
	return getDuration(c.PollInterval, defaultPollInterval)
}

// GetAttachOptions bundles the attach timeout and poll interval.
func (c *ClusterConfig) GetAttachOptions() shm.AttachOptions {
	return shm.AttachOptions{Timeout: c.GetAttachTimeout(), PollInterval: c.GetPollInterval()}
}

// GetForceReconnection reports whether owners replace stale buffers.
func (c *ClusterConfig) GetForceReconnection() bool {
	return c.ForceReconnection != nil && *c.ForceReconnection
}

// GetStepTimeout returns how long the orchestrator waits for every
// controller to acknowledge a step.
func (c *ClusterConfig) GetStepTimeout() time.Duration {
	return getDuration(c.StepTimeout, defaultStepTimeout)
}

// GetStepPeriod returns the minimum time between steps.
func (c *ClusterConfig) GetStepPeriod() time.Duration {
	return getDuration(c.StepPeriod, defaultStepPeriod)
}

// GetMaxSteps returns the step budget; zero runs until interrupted.
func (c *ClusterConfig) GetMaxSteps() int64 {
	if c.MaxSteps == nil {
		return 0
	}
	return *c.MaxSteps
}

// GetTimingSampleEvery returns how often a step timing is journaled; zero
// disables sampling.
func (c *ClusterConfig) GetTimingSampleEvery() int {
	if c.TimingSampleEvery == nil {
		return defaultTimingSampleEvery
	}
	return *c.TimingSampleEvery
}

// GetJournalPath returns the sqlite journal path, empty when disabled.
func (c *ClusterConfig) GetJournalPath() string { return getString(c.JournalPath, "") }

// GetAdminListen returns the admin HTTP address, empty when disabled.
func (c *ClusterConfig) GetAdminListen() string { return getString(c.AdminListen, "") }

// GetStatusListen returns the gRPC health address, empty when disabled.
func (c *ClusterConfig) GetStatusListen() string { return getString(c.StatusListen, "") }
