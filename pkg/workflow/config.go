package workflow

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine's tunables, read from the YAML config file's
// workflow section (SPEC_FULL §A "Configuration"). A value there may
// reference an environment variable through pkg/config's ${VAR}
// expansion; no environment variable overrides a tunable on its own.
// Defaults are spec.md's own (§2-§5).
//
// Durations carry no yaml tag directly: UnmarshalYAML below decodes them
// from duration strings ("60s") rather than relying on yaml.v3's default
// integer-nanosecond decoding, matching how operators actually write
// tunables in the config file (SPEC_FULL §A).
type Config struct {
	MaxParallelWorkflows   int           `yaml:"max_parallel_workflows"`
	PerWorkflowParallelism int           `yaml:"per_workflow_parallelism"`
	HeartbeatTimeout       time.Duration `yaml:"-"`
	LLMTimeout             time.Duration `yaml:"-"`
	RecoveryBudget         int           `yaml:"recovery_budget"`
	SubtaskCountCeiling    int           `yaml:"subtask_count_ceiling"`
	CheckpointRetention    time.Duration `yaml:"-"`
	// ErrorHandlingLoopCap is K (§3 Workflow invariant, default 3).
	ErrorHandlingLoopCap int `yaml:"error_handling_loop_cap"`
	// ReworkCeiling bounds review-phase rework attempts (§4.1, default 2).
	ReworkCeiling int `yaml:"rework_ceiling"`
	// ReviewVerify gates the optional verification pass (SPEC_FULL §D.3).
	ReviewVerify bool `yaml:"review_verify"`
}

// UnmarshalYAML decodes Config from YAML, parsing its three duration
// tunables from Go duration strings.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type alias Config
	aux := struct {
		HeartbeatTimeout    string `yaml:"heartbeat_timeout"`
		LLMTimeout          string `yaml:"llm_timeout"`
		CheckpointRetention string `yaml:"checkpoint_retention"`
		*alias              `yaml:",inline"`
	}{alias: (*alias)(c)}

	if err := value.Decode(&aux); err != nil {
		return err
	}
	for _, d := range []struct {
		s   string
		dst *time.Duration
	}{
		{aux.HeartbeatTimeout, &c.HeartbeatTimeout},
		{aux.LLMTimeout, &c.LLMTimeout},
		{aux.CheckpointRetention, &c.CheckpointRetention},
	} {
		if d.s == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.s)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

// DefaultConfig returns spec.md's defaults verbatim (SPEC_FULL §D.1).
func DefaultConfig() Config {
	return Config{
		MaxParallelWorkflows:   64,
		PerWorkflowParallelism: 8,
		HeartbeatTimeout:       60 * time.Second,
		LLMTimeout:             30 * time.Second,
		RecoveryBudget:         10,
		SubtaskCountCeiling:    64,
		CheckpointRetention:    24 * time.Hour,
		ErrorHandlingLoopCap:   3,
		ReworkCeiling:          2,
		ReviewVerify:           false,
	}
}

// ApplyDefaults fills any zero-valued tunable with spec.md's default
// (SPEC_FULL §D.1), for callers (pkg/config) assembling a Config from a
// partially-specified YAML file.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxParallelWorkflows <= 0 {
		c.MaxParallelWorkflows = d.MaxParallelWorkflows
	}
	if c.PerWorkflowParallelism <= 0 {
		c.PerWorkflowParallelism = d.PerWorkflowParallelism
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.RecoveryBudget <= 0 {
		c.RecoveryBudget = d.RecoveryBudget
	}
	if c.SubtaskCountCeiling <= 0 {
		c.SubtaskCountCeiling = d.SubtaskCountCeiling
	}
	if c.CheckpointRetention <= 0 {
		c.CheckpointRetention = d.CheckpointRetention
	}
	if c.ErrorHandlingLoopCap <= 0 {
		c.ErrorHandlingLoopCap = d.ErrorHandlingLoopCap
	}
	if c.ReworkCeiling <= 0 {
		c.ReworkCeiling = d.ReworkCeiling
	}
}
