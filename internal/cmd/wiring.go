package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/internal/config"
	"github.com/3leaps/keyaudit/pkg/analysis"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
	"github.com/3leaps/keyaudit/pkg/jobs"
	"github.com/3leaps/keyaudit/pkg/preflight"
)

// newExecutor builds the analysis executor from cfg.Analysis.
func newExecutor(cfg *config.Config, logger *zap.Logger) (*analysis.Executor, error) {
	policy, err := analysis.PolicyByName(cfg.Analysis.FailurePolicy)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid analysis.failure_policy", err)
	}
	exec, err := analysis.NewExecutor(analysis.Config{
		Script:      cfg.Analysis.Script,
		Interpreter: cfg.Analysis.Interpreter,
		Args:        cfg.Analysis.Args,
		WorkDir:     cfg.Analysis.WorkDir,
		Env:         cfg.Analysis.Env,
		Policy:      policy,
	}, logger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid analysis configuration", err)
	}
	return exec, nil
}

// newController wires the job store, executor, and optional preflight into
// a job controller.
func newController(cfg *config.Config, logger *zap.Logger) (*jobs.Controller, *jobregistry.FileStore, error) {
	store := jobregistry.NewFileStore(cfg.Jobs.Dir, logger)

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := jobs.Options{
		Store:    store,
		Analyzer: exec,
		Timeout:  cfg.Analysis.Timeout,
		Logger:   logger,
	}
	if cfg.Preflight.Enabled {
		opts.Preflight = preflight.NewSTS(logger)
	}

	ctrl, err := jobs.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("create job controller: %w", err)
	}
	return ctrl, store, nil
}
