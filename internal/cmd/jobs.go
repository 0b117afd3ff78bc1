package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/keyaudit/internal/observability"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and clean up job records",
	Long: `Inspect job records in the configured jobs directory.

Job ids may be abbreviated to any unique prefix, so the short ids printed
by 'jobs list' can be passed straight to 'jobs status'.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old completed and failed job records",
	Args:  cobra.NoArgs,
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("yaml", false, "Output as YAML")
	jobsStatusCmd.MarkFlagsMutuallyExclusive("json", "yaml")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs that ended longer ago than this")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

// jobView is a job record with uploaded file contents left out.
type jobView struct {
	JobID            string                        `json:"job_id" yaml:"job_id"`
	Status           jobregistry.JobState          `json:"status" yaml:"status"`
	Source           jobregistry.JobSource         `json:"source,omitempty" yaml:"source,omitempty"`
	CredentialSource *jobregistry.CredentialSource `json:"credential_source,omitempty" yaml:"credential_source,omitempty"`
	Files            []fileView                    `json:"files,omitempty" yaml:"files,omitempty"`
	Output           string                        `json:"output,omitempty" yaml:"output,omitempty"`
	Error            string                        `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt        time.Time                     `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time                     `json:"updated_at" yaml:"updated_at"`
	StartedAt        *time.Time                    `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt          *time.Time                    `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
}

type fileView struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	Size int64  `json:"size" yaml:"size"`
}

func newJobView(j jobregistry.Job) jobView {
	v := jobView{
		JobID:            j.JobID,
		Status:           j.Status,
		Source:           j.Source,
		CredentialSource: j.CredentialSource,
		Output:           j.Output,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		StartedAt:        j.StartedAt,
		EndedAt:          j.EndedAt,
	}
	for _, f := range j.Files {
		v.Files = append(v.Files, fileView{Name: f.Name, Type: f.Type, Size: f.Size})
	}
	return v
}

func openJobStore() (*jobregistry.FileStore, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, err
	}
	return jobregistry.NewFileStore(cfg.Jobs.Dir, observability.CLILogger), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := openJobStore()
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}

	if jsonOutput {
		views := make([]jobView, 0, len(list))
		for _, j := range list {
			views = append(views, newJobView(j))
		}
		return encodeJSON(out, views)
	}

	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tSOURCE\tACCESS KEY\tCREATED\tENDED")
	for _, j := range list {
		source := string(j.Source)
		if source == "" {
			source = "-"
		}
		key := "-"
		if j.CredentialSource != nil && j.CredentialSource.AccessKeyHint != "" {
			key = j.CredentialSource.AccessKeyHint
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.Status,
			source,
			key,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.EndedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	yamlOutput, _ := cmd.Flags().GetBool("yaml")
	out := cmd.OutOrStdout()

	store, err := openJobStore()
	if err != nil {
		return err
	}

	jobID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}
	rec, err := store.Read(jobID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job", err)
	}
	view := newJobView(*rec)

	switch {
	case jsonOutput:
		return encodeJSON(out, view)
	case yamlOutput:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "status=%s\n", rec.Status)
	if rec.Source != "" {
		_, _ = fmt.Fprintf(out, "source=%s\n", rec.Source)
	}
	if cs := rec.CredentialSource; cs != nil {
		if cs.File != "" {
			_, _ = fmt.Fprintf(out, "credentials_file=%s\n", cs.File)
		}
		if cs.AccessKeyHint != "" {
			_, _ = fmt.Fprintf(out, "access_key=%s\n", cs.AccessKeyHint)
		}
		if cs.Region != "" {
			_, _ = fmt.Fprintf(out, "region=%s\n", cs.Region)
		}
	}
	for _, f := range rec.Files {
		_, _ = fmt.Fprintf(out, "file=%s (%d bytes)\n", f.Name, f.Size)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", strings.TrimRight(rec.Error, "\n"))
	}
	if rec.Output != "" {
		_, _ = fmt.Fprintf(out, "\n%s\n", strings.TrimRight(rec.Output, "\n"))
	}
	return nil
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	out := cmd.OutOrStdout()

	store, err := openJobStore()
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var n int
	if dryRun {
		candidates, err := store.PruneCandidates(cutoff)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
		}
		n = len(candidates)
	} else {
		n, err = store.Prune(cutoff)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to delete jobs", err)
		}
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		return encodeJSON(out, res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", n)
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full id or any unique prefix of one.
func resolveJobID(store *jobregistry.FileStore, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	if _, ok := store.Get(input); ok {
		return input, nil
	}

	list, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range list {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix %q is ambiguous (%d matches)", input, len(matches))
	}
	return matches[0], nil
}
