package analysis

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/keyaudit/pkg/credentials"
)

// RenderProfile renders credentials in AWS shared-credentials file format
// under the default profile.
func RenderProfile(creds credentials.Credentials) string {
	var b strings.Builder
	b.WriteString("[default]\n")
	fmt.Fprintf(&b, "aws_access_key_id = %s\n", creds.AccessKey)
	fmt.Fprintf(&b, "aws_secret_access_key = %s\n", creds.SecretKey)
	fmt.Fprintf(&b, "region = %s\n", creds.Region)
	return b.String()
}

// writeArtifact creates the job directory and the artifact inside it. The
// returned cleanup removes the whole directory and is safe to call even if
// writing failed part way.
func (e *Executor) writeArtifact(jobID string, creds credentials.Credentials) (string, func() error, error) {
	dir := e.ArtifactDir(jobID)
	path := e.ArtifactPath(jobID)
	cleanup := func() error {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove artifact dir: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(RenderProfile(creds)), 0o600); err != nil {
		_ = cleanup()
		return "", nil, fmt.Errorf("write credentials artifact: %w", err)
	}
	return path, cleanup, nil
}

func validateJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || filepath.Base(jobID) != jobID || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}
