package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/keyaudit/pkg/credentials"
)

var extractJSON bool

var extractCmd = &cobra.Command{
	Use:   "extract <file>...",
	Short: "Find credentials in files without running an analysis",
	Long: `Run the credential extractor against local files and print what was found.

Access keys are masked and secret keys are never printed. No job is created.

Example:
  keyaudit extract creds.json accessKeys.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "Output as JSON")
}

type extractRecord struct {
	File      string `json:"file"`
	Found     bool   `json:"found"`
	Valid     bool   `json:"valid"`
	AccessKey string `json:"access_key,omitempty"`
	Region    string `json:"region,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func runExtract(cmd *cobra.Command, args []string) error {
	paths, err := expandFileArgs(args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid file arguments", err)
	}

	ex := credentials.NewExtractor()
	records := make([]extractRecord, 0, len(paths))
	anyValid := false
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read file", err)
		}
		records = append(records, extractOne(ex, filepath.Base(p), content))
		anyValid = anyValid || records[len(records)-1].Valid
	}

	out := cmd.OutOrStdout()
	if extractJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "FILE\tRESULT\tACCESS KEY\tREGION\tREASON")
		for _, r := range records {
			result := "not found"
			switch {
			case r.Valid:
				result = "ok"
			case r.Found:
				result = "invalid"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.File, result, dash(r.AccessKey), dash(r.Region), dash(r.Reason))
		}
		_ = w.Flush()
	}

	if !anyValid {
		return exitError(foundry.ExitInvalidArgument, "No valid credentials found", errors.New("every file failed extraction or validation"))
	}
	return nil
}

func extractOne(ex credentials.FileExtractor, name string, content []byte) extractRecord {
	rec := extractRecord{File: name}
	res := ex.ExtractFile(name, content)
	if !res.OK {
		rec.Reason = res.Reason
		return rec
	}
	rec.Found = true
	rec.AccessKey = res.Credentials.Hint()
	rec.Region = res.Credentials.Region
	if err := res.Credentials.Validate(); err != nil {
		rec.Reason = err.Error()
		return rec
	}
	rec.Valid = true
	return rec
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
