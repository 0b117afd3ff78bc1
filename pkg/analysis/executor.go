// Package analysis runs the external analysis process against a transient
// credentials artifact.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/pkg/credentials"
)

// CredentialsFileEnv is the variable the analysis process reads the
// artifact path from.
const CredentialsFileEnv = "AWS_SHARED_CREDENTIALS_FILE"

// ArtifactName is the file name of the rendered credentials artifact.
const ArtifactName = "credentials"

// waitDelay bounds how long Wait blocks on inherited pipes after the
// process was killed by context cancellation.
const waitDelay = 2 * time.Second

// Result is the captured output of one analysis run.
type Result struct {
	Stdout string
	Stderr string
}

// Config configures an Executor.
type Config struct {
	// Script is the analysis program (required).
	Script string

	// Interpreter, when set, runs Script through it (e.g. /bin/bash).
	Interpreter string

	// Args are passed to Script after its path.
	Args []string

	// WorkDir holds per-job artifact directories. Defaults to the OS temp dir.
	WorkDir string

	// Env is appended to the inherited environment.
	Env map[string]string

	// Policy decides failure. Defaults to StderrPolicy.
	Policy FailurePolicy
}

// Executor writes a credentials artifact, runs the analysis process, and
// removes the artifact on every exit path.
type Executor struct {
	cfg    Config
	logger *zap.Logger
}

func NewExecutor(cfg Config, logger *zap.Logger) (*Executor, error) {
	cfg.Script = strings.TrimSpace(cfg.Script)
	if cfg.Script == "" {
		return nil, fmt.Errorf("analysis script is required")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "keyaudit")
	}
	if cfg.Policy == nil {
		cfg.Policy = StderrPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, logger: logger}, nil
}

// ArtifactDir returns the job-scoped directory that holds the artifact.
func (e *Executor) ArtifactDir(jobID string) string {
	return filepath.Join(e.cfg.WorkDir, jobID)
}

// ArtifactPath returns the artifact path for jobID.
func (e *Executor) ArtifactPath(jobID string) string {
	return filepath.Join(e.ArtifactDir(jobID), ArtifactName)
}

// Run executes the analysis for one job. The returned Result is non-nil
// whenever the process ran, including on failure.
func (e *Executor) Run(ctx context.Context, jobID string, creds credentials.Credentials) (res *Result, err error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}

	artifact, cleanup, err := e.writeArtifact(jobID, creds)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cleanup(); cerr != nil {
			e.logger.Warn("Failed to remove credentials artifact",
				zap.String("job_id", jobID),
				zap.String("path", artifact),
				zap.Error(cerr))
		}
	}()

	cmd := e.command(ctx)
	cmd.Env = e.environ(artifact)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("Starting analysis process",
		zap.String("job_id", jobID),
		zap.String("script", e.cfg.Script),
		zap.String("access_key", creds.Hint()),
		zap.String("region", creds.Region))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start analysis process: %w", err)
	}
	runErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil && runErr != nil {
		runErr = errors.Join(ctxErr, runErr)
	}

	res = &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err := e.cfg.Policy(res, runErr); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Executor) command(ctx context.Context) *exec.Cmd {
	if e.cfg.Interpreter != "" {
		args := append([]string{e.cfg.Script}, e.cfg.Args...)
		return exec.CommandContext(ctx, e.cfg.Interpreter, args...)
	}
	return exec.CommandContext(ctx, e.cfg.Script, e.cfg.Args...)
}

// environ inherits the caller's environment and adds the artifact path plus
// configured extras. Later entries win for duplicate keys.
func (e *Executor) environ(artifact string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.cfg.Env))
	for k := range e.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.cfg.Env[k])
	}
	return append(env, CredentialsFileEnv+"="+artifact)
}
