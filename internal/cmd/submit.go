package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/internal/observability"
	"github.com/3leaps/keyaudit/pkg/credentials"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
	"github.com/3leaps/keyaudit/pkg/jobs"
)

const defaultPollInterval = time.Second

var (
	submitAccessKey    string
	submitSecretKey    string
	submitRegion       string
	submitPollInterval time.Duration
	submitJSON         bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Run an analysis job in-process and wait for the result",
	Long: `Submit credentials or files to a local job controller, then poll the job
until it completes or fails.

The job record is written to the configured jobs directory, so it can be
inspected later with 'keyaudit jobs status'.`,
}

var submitCredentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Submit a typed credential triple",
	Long: `Submit an access key, secret key, and region.

The secret key may also be supplied through the AWS_SECRET_ACCESS_KEY
environment variable to keep it out of shell history.

Example:
  keyaudit submit credentials --access-key AKIA... --region us-east-1`,
	Args: cobra.NoArgs,
	RunE: runSubmitCredentials,
}

var submitFilesCmd = &cobra.Command{
	Use:   "files <path-or-glob>...",
	Short: "Submit files that contain credentials",
	Long: `Submit one or more files. Credentials are searched for in upload order and
the first file yielding a valid triple is used.

Supported types: .json, .txt, .env, .config, .csv (.xls/.xlsx are rejected).

Examples:
  keyaudit submit files creds.json
  keyaudit submit files 'exports/**/*.csv' notes.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmitFiles,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.AddCommand(submitCredentialsCmd)
	submitCmd.AddCommand(submitFilesCmd)

	submitCmd.PersistentFlags().DurationVar(&submitPollInterval, "poll-interval", defaultPollInterval, "How often to poll job status")
	submitCmd.PersistentFlags().BoolVar(&submitJSON, "json", false, "Output the final status as JSON")

	submitCredentialsCmd.Flags().StringVar(&submitAccessKey, "access-key", "", "AWS access key id")
	submitCredentialsCmd.Flags().StringVar(&submitSecretKey, "secret-key", "", "AWS secret access key (default: $AWS_SECRET_ACCESS_KEY)")
	submitCredentialsCmd.Flags().StringVar(&submitRegion, "region", "", "AWS region (default: $AWS_REGION)")
}

func runSubmitCredentials(cmd *cobra.Command, _ []string) error {
	secret := submitSecretKey
	if secret == "" {
		secret = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	region := submitRegion
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	return runSubmission(cmd, func(ctx context.Context, ctrl *jobs.Controller) (jobs.CreateResult, error) {
		return ctrl.CreateJobFromCredentials(ctx, submitAccessKey, secret, region)
	})
}

func runSubmitFiles(cmd *cobra.Command, args []string) error {
	paths, err := expandFileArgs(args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid file arguments", err)
	}

	names := uploadNames(paths)
	blobs := make([]jobregistry.FileBlob, 0, len(paths))
	for i, p := range paths {
		blob, err := readBlob(p, names[i])
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read file", err)
		}
		blobs = append(blobs, blob)
	}

	return runSubmission(cmd, func(ctx context.Context, ctrl *jobs.Controller) (jobs.CreateResult, error) {
		return ctrl.CreateJobFromFiles(ctx, blobs)
	})
}

type createFunc func(ctx context.Context, ctrl *jobs.Controller) (jobs.CreateResult, error)

func runSubmission(cmd *cobra.Command, create createFunc) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	logger := observability.CLILogger

	ctrl, _, err := newController(cfg, logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := create(ctx, ctrl)
	if err != nil {
		var vErr *credentials.ValidationError
		switch {
		case errors.As(err, &vErr), errors.Is(err, jobs.ErrNoFiles):
			return exitError(foundry.ExitInvalidArgument, "Submission rejected", err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Submission failed", err)
		}
	}
	logger.Info("Job submitted", zap.String("job_id", res.JobID))

	st, err := pollJob(ctx, ctrl, res.JobID, submitPollInterval)
	if err != nil {
		return exitError(foundry.ExitSignalInt, "Submission cancelled", err)
	}

	if err := printStatus(cmd.OutOrStdout(), res.JobID, st); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write status", err)
	}
	if st.Status != jobregistry.JobStateCompleted {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job "+string(st.Status), errors.New(firstLine(st.Error)))
	}
	return nil
}

// pollJob polls until the job is terminal or unknown, or ctx is done.
func pollJob(ctx context.Context, ctrl *jobs.Controller, jobID string, interval time.Duration) (jobs.Status, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st := ctrl.GetJobStatus(jobID)
		if st.Status.Terminal() || st.Status == jobregistry.JobStateUnknown {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

type submitOutput struct {
	JobID string `json:"jobId"`
	jobs.Status
}

func printStatus(w io.Writer, jobID string, st jobs.Status) error {
	if submitJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(submitOutput{JobID: jobID, Status: st})
	}

	if _, err := fmt.Fprintf(w, "job_id=%s\nstatus=%s\n", jobID, st.Status); err != nil {
		return err
	}
	if st.Output != "" {
		if _, err := fmt.Fprintf(w, "\n%s\n", strings.TrimRight(st.Output, "\n")); err != nil {
			return err
		}
	}
	if st.Error != "" {
		if _, err := fmt.Fprintf(w, "\nerror: %s\n", strings.TrimRight(st.Error, "\n")); err != nil {
			return err
		}
	}
	return nil
}

// expandFileArgs resolves each argument as a literal path or a doublestar
// glob, keeping argument order and dropping duplicates.
func expandFileArgs(args []string) ([]string, error) {
	seen := make(map[string]bool)
	out := make([]string, 0, len(args))
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if info, err := os.Stat(arg); err == nil {
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory", arg)
			}
			add(arg)
			continue
		}
		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", arg)
		}
		for _, m := range matches {
			add(m)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no files given")
	}
	return out, nil
}

// uploadNames names each path relative to the deepest directory shared by
// all of them, so files with the same base name stay distinguishable.
func uploadNames(paths []string) []string {
	names := make([]string, len(paths))
	abs := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
		a, err := filepath.Abs(p)
		if err != nil {
			return names
		}
		abs[i] = a
	}
	if len(abs) < 2 {
		return names
	}

	common := filepath.Dir(abs[0])
	for _, a := range abs[1:] {
		for !within(a, common) {
			parent := filepath.Dir(common)
			if parent == common {
				break
			}
			common = parent
		}
	}
	for i, a := range abs {
		if rel, err := filepath.Rel(common, a); err == nil {
			names[i] = filepath.ToSlash(rel)
		}
	}
	return names
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func readBlob(path, name string) (jobregistry.FileBlob, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return jobregistry.FileBlob{}, err
	}
	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return jobregistry.FileBlob{
		Name:    name,
		Type:    ctype,
		Size:    int64(len(content)),
		Content: content,
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "no error message"
	}
	return s
}
