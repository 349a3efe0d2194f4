package cli

import (
	"context"
	"math/rand"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/martius-lab/cluster-utils-go/cluster"
	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/config"
	"github.com/martius-lab/cluster-utils-go/console"
	"github.com/martius-lab/cluster-utils-go/hooks"
	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/lock"
	"github.com/martius-lab/cluster-utils-go/logger"
	"github.com/martius-lab/cluster-utils-go/optimizer"
	"github.com/martius-lab/cluster-utils-go/orchestrator"
)

const defaultBestFractionToUse = 0.2

// Run loads settings from args.SettingsPath, builds every subsystem the
// settings select, and drives the orchestrator to completion. It returns
// the process exit code.
func Run(ctx context.Context, args Args) (int, error) {
	if args.SettingsPath == "" {
		return 1, errors.New("--settings is required")
	}

	cfg, err := config.LoadConfig(args.SettingsPath)
	if err != nil {
		return 1, errors.Wrap(err, "load settings")
	}

	log := logger.New(args.LogLevel, args.LogFormat)

	if err := os.MkdirAll(cfg.JobsDir, 0o755); err != nil {
		return 1, errors.Wrapf(err, "create jobs directory %s", cfg.JobsDir)
	}
	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return 1, errors.Wrapf(err, "create results directory %s", cfg.ResultsDir)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if args.MetricsPort > 0 {
		go func() {
			if err := metrics.GetMetrics().StartMetricsServer(ctx, args.MetricsPort); err != nil {
				log.Warnf("metrics server on port %d: %v", args.MetricsPort, err)
			}
		}()
	}

	hostIP := args.HostIP
	if hostIP == "" {
		hostIP, err = detectOutboundIP()
		if err != nil {
			return 1, errors.Wrap(err, "detect host ip for communication server")
		}
	}
	server, err := comm.NewServer(hostIP, log)
	if err != nil {
		return 1, errors.Wrap(err, "start communication server")
	}

	backend, cmdPrefix, err := buildBackend(cfg, server.ConnectionInfo(), log)
	if err != nil {
		return 1, errors.Wrap(err, "build cluster backend")
	}

	if args.WebhookURL != "" {
		backend.RegisterSubmissionHook(hooks.NewWebhookHook("webhook", args.WebhookURL))
	}
	if args.GitRevisionHook {
		backend.RegisterSubmissionHook(hooks.NewGitRevisionHook(cfg.MainPath))
	}

	opt, err := buildOptimizer(cfg)
	if err != nil {
		return 1, errors.Wrap(err, "build optimizer")
	}

	lockStore, err := lock.Open(lockDBPath(cfg.ResultsDir))
	if err != nil {
		return 1, errors.Wrap(err, "open result directory lock store")
	}
	defer lockStore.Close()

	orc := orchestrator.New(cfg, log, backend, server, opt, lockStore, orchestrator.WithCmdPrefix(cmdPrefix))

	total := cfg.NumberOfSamples
	if cfg.IsGridSearch() {
		combos := 1
		for _, hp := range cfg.HyperparamList {
			combos *= len(hp.Values)
		}
		if cfg.Samples > 0 && cfg.Samples < combos {
			combos = cfg.Samples
		}
		total = combos * cfg.Restarts
	}
	if args.NonInteractive || cfg.NoUserInteraction {
		orc.SetProgress(console.NonInteractive{})
	} else {
		prog := console.New(orc, total)
		orc.SetProgress(prog)
		defer prog.Stop()
	}

	code, runErr := orc.Run(ctx)

	if args.RemoveJobsDirOnExit {
		if rmErr := os.RemoveAll(cfg.JobsDir); rmErr != nil {
			log.Warnf("remove jobs dir %s: %v", cfg.JobsDir, rmErr)
		}
	}

	return code, runErr
}

// buildBackend constructs the cluster.* backend the settings document
// selects; every constructor satisfies orchestrator.Backend through its
// embedded *cluster.Base. It also returns the backend command prefix
// applied to every rendered run script's executor line (e.g. "srun" for
// Slurm).
func buildBackend(cfg *config.RunConfig, connInfo comm.ConnectionInfo, log *logger.Adapter) (orchestrator.Backend, string, error) {
	req := clusterRequirements(cfg.ClusterRequirements)
	switch cfg.Backend {
	case "condor":
		return cluster.NewCondor(req, cfg.JobsDir, connInfo, log), "", nil
	case "slurm":
		return cluster.NewSlurm(req, cfg.JobsDir, connInfo, log), "srun", nil
	case "local":
		perJob := cfg.ClusterRequirements.RequestCPUs
		if perJob < 1 {
			perJob = 1
		}
		concurrency := cfg.ClusterRequirements.MaxCPUs
		if concurrency <= 0 {
			concurrency = runtime.NumCPU() / perJob
			if concurrency < 1 {
				concurrency = 1
			}
		}
		local := cluster.NewLocal(concurrency, cfg.JobsDir, connInfo, log)
		if perJob > 1 {
			local.SetCPUBinding(perJob)
		}
		return local, "", nil
	default:
		return nil, "", errors.Errorf("unknown backend %q", cfg.Backend)
	}
}

func clusterRequirements(r config.ClusterRequirements) cluster.Requirements {
	return cluster.Requirements{
		RequestCPUs:            r.RequestCPUs,
		RequestGPUs:            r.RequestGPUs,
		MemoryInMB:             r.MemoryInMB,
		Bid:                    r.Bid,
		CudaRequirement:        r.CudaRequirement,
		GPUMemoryMB:            r.GPUMemoryMB,
		HostnameList:           r.HostnameList,
		ConcurrencyLimitTag:    r.ConcurrencyLimitTag,
		ConcurrencyLimit:       r.ConcurrencyLimit,
		Partition:              r.Partition,
		RequestTime:            r.RequestTime,
		ForbiddenHostnames:     r.ForbiddenHostnames,
		ExtraSubmissionOptions: r.ExtraSubmissionOptions,
	}
}

// buildOptimizer constructs the optimizer the settings document selects:
// GridSearch for hyperparam_list, CEM for optimized_params. Other
// optimizer_str values (e.g. nevergrad wrappers) are not supported.
func buildOptimizer(cfg *config.RunConfig) (optimizer.Optimizer, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	if cfg.IsGridSearch() {
		paramValues := make([]optimizer.ParamValues, 0, len(cfg.HyperparamList))
		for _, hp := range cfg.HyperparamList {
			paramValues = append(paramValues, optimizer.ParamValues{Name: hp.Param, Values: hp.Values})
		}
		return optimizer.NewGridSearch(paramValues, cfg.Samples, cfg.MetricToOptimize, cfg.Minimize, rng), nil
	}

	distributions := make(map[string]optimizer.Distribution, len(cfg.OptimizedParams))
	for _, op := range cfg.OptimizedParams {
		switch op.Kind {
		case "gaussian":
			distributions[op.Param] = &optimizer.GaussianDistribution{
				Mean:  (op.Lower + op.Upper) / 2,
				Std:   (op.Upper - op.Lower) / 4,
				Lower: op.Lower,
				Upper: op.Upper,
			}
		case "discrete":
			distributions[op.Param] = &optimizer.DiscreteDistribution{Values: op.Values}
		default:
			return nil, errors.Errorf("optimized_params: %q: unknown distribution kind %q", op.Param, op.Kind)
		}
	}

	bestFraction := defaultBestFractionToUse
	if v, ok := cfg.OptimizerSettings["best_fraction_to_use"].(float64); ok && v > 0 {
		bestFraction = v
	}
	return optimizer.NewCEM(distributions, cfg.NumberOfSamples, bestFraction, cfg.MetricToOptimize, cfg.Minimize, rng), nil
}

func lockDBPath(resultsDir string) string {
	return resultsDir + "/.clusterutil-lock.db"
}

// detectOutboundIP finds the local address used to reach the public
// internet, the usual Go idiom for picking an interface to bind a
// server on without requiring the operator to name one explicitly. No
// packet is actually sent: UDP "connect" only resolves a route.
func detectOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
