// Package cmd implements the keyaudit command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/internal/config"
	"github.com/3leaps/keyaudit/internal/observability"
	"github.com/3leaps/keyaudit/internal/server/handlers"
)

var (
	cfgFile     string
	logLevel    string
	jobsDirFlag string

	appIdentity *config.AppIdentity

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}
)

var rootCmd = &cobra.Command{
	Use:   "keyaudit",
	Short: "Run AWS infrastructure analysis jobs from submitted credentials",
	Long: `keyaudit accepts AWS credentials, typed directly or found inside uploaded
files, and runs an external analysis program against them as a background job.

Jobs are persisted as JSON records and can be polled by id.

Examples:
  keyaudit serve
  keyaudit submit credentials --access-key AKIA... --secret-key ... --region us-east-1
  keyaudit submit files ./exports/*.csv
  keyaudit jobs list`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./keyaudit.yaml or user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&jobsDirFlag, "jobs-dir", "", "Directory holding job records")

	setDefaults()
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(handlers.VersionInfo{Version: version, Commit: commit, BuildDate: buildDate})
}

// GetAppIdentity returns the identity resolved by the last command run, or nil.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(commandContext(cmd), flagOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if err := observability.InitCLILogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize logger", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("jobs_dir", cfg.Jobs.Dir),
		zap.String("log_level", cfg.Logging.Level))
	return nil
}

// flagOverrides maps persistent flags that were set onto config keys.
func flagOverrides() map[string]any {
	out := map[string]any{}
	if lvl := strings.TrimSpace(logLevel); lvl != "" {
		out["logging"] = map[string]any{"level": lvl}
	}
	if dir := strings.TrimSpace(jobsDirFlag); dir != "" {
		out["jobs"] = map[string]any{"dir": dir}
	}
	return out
}

// loadedConfig returns the configuration resolved by initRuntime.
func loadedConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Configuration not loaded", errors.New("initRuntime did not run"))
	}
	return cfg, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// CodedError carries the process exit code alongside the failure.
type CodedError struct {
	Code    int
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(strings.ToLower(message))
	}
	return &CodedError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code carried by err, or 1 for uncoded errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return 1
}

// ExitWithCode logs the failure and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
