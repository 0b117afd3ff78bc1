package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/internal/config"
	"github.com/3leaps/keyaudit/internal/observability"
	"github.com/3leaps/keyaudit/internal/server/handlers"
	"github.com/3leaps/keyaudit/pkg/analysis"
	"github.com/3leaps/keyaudit/pkg/credentials"
	"github.com/3leaps/keyaudit/pkg/preflight"
)

var doctorAWS bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check that the configured analysis program, jobs directory, and work
directory are usable before running jobs.

With --aws, also resolve credentials from the default AWS chain and verify
them with STS GetCallerIdentity.

Examples:
  keyaudit doctor
  keyaudit doctor --aws`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorAWS, "aws", false, "Also verify AWS credentials from the default chain")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	checks := doctorChecks(cfg)
	if doctorAWS {
		checks = append(checks, awsCheck(preflight.NewSTS(observability.CLILogger)))
	}

	name := "keyaudit"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "=== %s doctor ===\n\n", name)
	failed := runChecks(commandContext(cmd), out, checks)
	_, _ = fmt.Fprintln(out)

	if failed > 0 {
		_, _ = fmt.Fprintln(out, "⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitInvalidArgument, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	_, _ = fmt.Fprintf(out, "✅ All checks passed! Your %s installation is healthy.\n", name)
	return nil
}

func runChecks(ctx context.Context, out io.Writer, checks []doctorCheck) int {
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "[%d/%d] Checking %s... ❌ %v\n", i+1, len(checks), c.name, err)
			observability.CLILogger.Debug("Doctor check failed", zap.String("check", c.name), zap.Error(err))
			continue
		}
		_, _ = fmt.Fprintf(out, "[%d/%d] Checking %s... ✅ %s\n", i+1, len(checks), c.name, detail)
	}
	return failed
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	return []doctorCheck{
		{name: "runtime", run: func(context.Context) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{name: "analysis script", run: func(context.Context) (string, error) {
			return checkScript(cfg.Analysis.Script, cfg.Analysis.Interpreter)
		}},
		{name: "failure policy", run: func(context.Context) (string, error) {
			if _, err := analysis.PolicyByName(cfg.Analysis.FailurePolicy); err != nil {
				return "", err
			}
			return cfg.Analysis.FailurePolicy, nil
		}},
		{name: "jobs directory", run: func(ctx context.Context) (string, error) {
			return cfg.Jobs.Dir, handlers.JobStoreChecker{Dir: cfg.Jobs.Dir}.CheckHealth(ctx)
		}},
		{name: "work directory", run: func(ctx context.Context) (string, error) {
			return cfg.Analysis.WorkDir, handlers.JobStoreChecker{Dir: cfg.Analysis.WorkDir}.CheckHealth(ctx)
		}},
	}
}

// checkScript verifies the analysis program can be started: the script must
// exist, and it must be executable unless an interpreter runs it.
func checkScript(script, interpreter string) (string, error) {
	info, err := os.Stat(script)
	if err != nil {
		return "", fmt.Errorf("cannot stat %s: %w", script, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", script)
	}
	if interpreter != "" {
		path, err := exec.LookPath(interpreter)
		if err != nil {
			return "", fmt.Errorf("interpreter %s: %w", interpreter, err)
		}
		return fmt.Sprintf("%s via %s", script, path), nil
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable (set analysis.interpreter or chmod +x)", script)
	}
	return script, nil
}

// awsCheck resolves credentials from the default chain and verifies them.
func awsCheck(checker preflight.Checker) doctorCheck {
	return doctorCheck{name: "AWS credentials", run: func(ctx context.Context) (string, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("load AWS config: %w", err)
		}
		v, err := awsCfg.Credentials.Retrieve(ctx)
		if err != nil {
			return "", fmt.Errorf("no credentials in the default chain: %w", err)
		}
		creds := credentials.Credentials{AccessKey: v.AccessKeyID, SecretKey: v.SecretAccessKey, Region: awsCfg.Region}
		if creds.Region == "" {
			creds.Region = credentials.DefaultRegion
		}

		id, err := checker.Check(ctx, creds)
		if err != nil {
			if preflight.IsInvalidCredentials(err) {
				return "", errors.New("credentials were rejected by STS")
			}
			return "", err
		}
		return fmt.Sprintf("%s (%s, source %s)", id.ARN, creds.Hint(), v.Source), nil
	}}
}
