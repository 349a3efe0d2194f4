// Package config loads and validates the settings document driving a run.
// Producing that document (any higher-level YAML/TOML evaluation or
// templating) is a separate concern; this package only JSON-decodes an
// already-rendered mapping, applies defaults, and validates the result.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/martius-lab/cluster-utils-go/paramtree"
)

// ReportMode controls when (if ever) a PDF report is generated. Report
// generation itself lives outside this module; only the mode selection is
// consumed here so the orchestrator knows when to refresh the report's
// input data.
type ReportMode string

const (
	ReportNever          ReportMode = "NEVER"
	ReportWhenFinished   ReportMode = "WHEN_FINISHED"
	ReportEveryIteration ReportMode = "EVERY_ITERATION"
)

// EnvironmentSetup mirrors the settings file's environment_setup mapping.
type EnvironmentSetup struct {
	VirtualEnvPath   string            `json:"virtual_env_path,omitempty"`
	CondaEnvPath     string            `json:"conda_env_path,omitempty"`
	PreJobScript     string            `json:"pre_job_script,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	SingularityImage string            `json:"singularity,omitempty"`
}

// ClusterRequirements covers the union of Condor, Slurm, and Local fields;
// a given backend reads only the fields relevant to it.
type ClusterRequirements struct {
	RequestCPUs int `json:"request_cpus"`
	RequestGPUs int `json:"request_gpus,omitempty"`
	MemoryInMB  int `json:"memory_in_mb,omitempty"`

	// Condor-only.
	Bid                 int      `json:"bid,omitempty"`
	CudaRequirement     string   `json:"cuda_requirement,omitempty"`
	GPUMemoryMB         int      `json:"gpu_memory_mb,omitempty"`
	HostnameList        []string `json:"hostname_list,omitempty"`
	ConcurrencyLimitTag string   `json:"concurrency_limit_tag,omitempty"`
	ConcurrencyLimit    int      `json:"concurrency_limit,omitempty"`

	// Slurm-only.
	Partition   string `json:"partition,omitempty"`
	RequestTime string `json:"request_time,omitempty"`

	// Local-only.
	MaxCPUs int `json:"max_cpus,omitempty"`

	ForbiddenHostnames     []string `json:"forbidden_hostnames,omitempty"`
	ExtraSubmissionOptions []string `json:"extra_submission_options,omitempty"`
}

// HyperParam is one dimension of a grid_search sweep.
type HyperParam struct {
	Param  string `json:"param"`
	Values []any  `json:"values"`
}

// OptimizedParam is one dimension of an hp_optimization search space,
// consumed by the optimizer registry to build a Distribution (see
// optimizer/cem.go); Kind is "gaussian" or "discrete".
type OptimizedParam struct {
	Param  string  `json:"param"`
	Kind   string  `json:"kind"`
	Lower  float64 `json:"lower,omitempty"`
	Upper  float64 `json:"upper,omitempty"`
	Values []any   `json:"values,omitempty"`
}

// EarlyKillingParams parameterizes the bad-job early-killer.
type EarlyKillingParams struct {
	HowManyStds float64 `json:"how_many_stds"`
}

// RunConfig is the fully-decoded, defaulted, validated settings document
// the orchestrator is built from.
type RunConfig struct {
	OptimizationProcedureName string `json:"optimization_procedure_name"`
	ScriptRelativePath        string `json:"script_relative_path"`
	RunAsModule               bool   `json:"run_as_module,omitempty"`
	MainPath                  string `json:"main_path"`
	ResultsDir                string `json:"results_dir"`
	JobsDir                   string `json:"jobs_dir,omitempty"`

	Backend             string              `json:"backend"`
	EnvironmentSetup    EnvironmentSetup    `json:"environment_setup"`
	ClusterRequirements ClusterRequirements `json:"cluster_requirements"`

	FixedParams map[string]any `json:"fixed_params,omitempty"`

	// Exactly one of HyperparamList (grid_search) or OptimizedParams
	// (hp_optimization) is populated.
	HyperparamList  []HyperParam     `json:"hyperparam_list,omitempty"`
	OptimizedParams []OptimizedParam `json:"optimized_params,omitempty"`
	Restarts        int              `json:"restarts,omitempty"`
	Samples         int              `json:"samples,omitempty"`

	MetricToOptimize             string `json:"metric_to_optimize"`
	Minimize                     bool   `json:"minimize"`
	NJobsPerIteration             int   `json:"n_jobs_per_iteration,omitempty"`
	NumberOfSamples                int `json:"number_of_samples,omitempty"`
	NCompletedJobsBeforeResubmit    int `json:"n_completed_jobs_before_resubmit,omitempty"`

	OptimizerStr      string         `json:"optimizer_str,omitempty"`
	OptimizerSettings map[string]any `json:"optimizer_settings,omitempty"`

	NumBestJobsWhoseDataIsKept int                `json:"num_best_jobs_whose_data_is_kept,omitempty"`
	KillBadJobsEarly           bool               `json:"kill_bad_jobs_early,omitempty"`
	EarlyKillingParams         EarlyKillingParams `json:"early_killing_params,omitempty"`

	NoUserInteraction   bool       `json:"no_user_interaction,omitempty"`
	GenerateReport      ReportMode `json:"generate_report,omitempty"`
	LoadExistingResults bool       `json:"load_existing_results,omitempty"`

	// CheckpointCron is an optional standard cron expression ("*/5 * * * *")
	// for taking a status.snapshot checkpoint on a wall-clock schedule,
	// independent of iteration boundaries. Empty disables it.
	CheckpointCron string `json:"checkpoint_cron,omitempty"`
}

// LoadConfig reads JSON from path, applies defaults, and validates the
// result. It never terminates the process; callers handle the error.
func LoadConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open settings %q: %w", path, err)
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode settings JSON: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return &cfg, nil
}

func (c *RunConfig) setDefaults() {
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.JobsDir == "" {
		c.JobsDir = c.ResultsDir + "/jobs"
	}
	if c.ClusterRequirements.RequestCPUs == 0 {
		c.ClusterRequirements.RequestCPUs = 1
	}
	if c.NJobsPerIteration == 0 {
		c.NJobsPerIteration = 1
	}
	if c.NCompletedJobsBeforeResubmit == 0 {
		c.NCompletedJobsBeforeResubmit = c.NJobsPerIteration
	}
	if c.NumBestJobsWhoseDataIsKept == 0 {
		c.NumBestJobsWhoseDataIsKept = 1
	}
	if c.OptimizerStr == "" {
		if len(c.HyperparamList) > 0 {
			c.OptimizerStr = "grid_search"
		} else {
			c.OptimizerStr = "cem_metaoptimizer"
		}
	}
	if c.GenerateReport == "" {
		c.GenerateReport = ReportNever
	}
	if c.Restarts == 0 {
		c.Restarts = 1
	}
	if c.KillBadJobsEarly && c.EarlyKillingParams.HowManyStds == 0 {
		c.EarlyKillingParams.HowManyStds = 2.0
	}
}

// IsGridSearch reports whether this config describes an enumerated grid
// sweep (hyperparam_list) rather than an iterative hp_optimization run
// (optimized_params).
func (c *RunConfig) IsGridSearch() bool {
	return len(c.HyperparamList) > 0
}

func (c *RunConfig) validate() error {
	if c.OptimizationProcedureName == "" {
		return fmt.Errorf("optimization_procedure_name is required")
	}
	if c.ScriptRelativePath == "" {
		return fmt.Errorf("script_relative_path is required")
	}
	if c.MainPath == "" {
		return fmt.Errorf("main_path is required")
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("results_dir is required")
	}
	switch c.Backend {
	case "condor", "slurm", "local":
	default:
		return fmt.Errorf("backend must be one of condor, slurm, local, got %q", c.Backend)
	}
	if c.ClusterRequirements.RequestCPUs < 1 {
		return fmt.Errorf("request_cpus must be at least 1")
	}

	if c.IsGridSearch() == (len(c.OptimizedParams) > 0) {
		return fmt.Errorf("exactly one of hyperparam_list or optimized_params must be set")
	}

	if !c.IsGridSearch() {
		if c.MetricToOptimize == "" {
			return fmt.Errorf("metric_to_optimize is required")
		}
		if c.NumberOfSamples <= 0 {
			return fmt.Errorf("number_of_samples must be positive for hp_optimization")
		}
	}

	for name := range c.FixedParams {
		if err := paramtree.ValidateName(name); err != nil {
			return fmt.Errorf("fixed_params: %w", err)
		}
	}
	for _, hp := range c.HyperparamList {
		if err := paramtree.ValidateName(hp.Param); err != nil {
			return fmt.Errorf("hyperparam_list: %w", err)
		}
		if len(hp.Values) == 0 {
			return fmt.Errorf("hyperparam_list: param %q has no values", hp.Param)
		}
	}
	for _, op := range c.OptimizedParams {
		if err := paramtree.ValidateName(op.Param); err != nil {
			return fmt.Errorf("optimized_params: %w", err)
		}
		switch op.Kind {
		case "gaussian":
			if op.Lower >= op.Upper {
				return fmt.Errorf("optimized_params: %q: lower must be < upper", op.Param)
			}
		case "discrete":
			if len(op.Values) == 0 {
				return fmt.Errorf("optimized_params: %q: discrete distribution needs values", op.Param)
			}
		default:
			return fmt.Errorf("optimized_params: %q: unknown distribution kind %q", op.Param, op.Kind)
		}
	}

	switch c.GenerateReport {
	case ReportNever, ReportWhenFinished, ReportEveryIteration:
	default:
		return fmt.Errorf("generate_report must be one of NEVER, WHEN_FINISHED, EVERY_ITERATION, got %q", c.GenerateReport)
	}

	if c.CheckpointCron != "" {
		if _, err := cron.ParseStandard(c.CheckpointCron); err != nil {
			return fmt.Errorf("checkpoint_cron: %w", err)
		}
	}

	return nil
}
