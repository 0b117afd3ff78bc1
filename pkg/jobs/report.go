package jobs

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/3leaps/keyaudit/pkg/credentials"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
)

// Colour is forced on independent of the server's own terminal.
var (
	headerColor  = alwaysColor(color.Bold, color.FgBlue)
	successColor = alwaysColor(color.FgGreen)
	errorColor   = alwaysColor(color.FgRed)
	infoColor    = alwaysColor(color.FgCyan)
)

func alwaysColor(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	c.EnableColor()
	return c
}

// report accumulates the terminal-formatted progress text of a file job.
type report struct {
	b strings.Builder
}

func newReport() *report {
	return &report{}
}

func (r *report) line(c *color.Color, s string) {
	if c != nil {
		s = c.Sprint(s)
	}
	r.b.WriteString(s)
	r.b.WriteByte('\n')
}

func (r *report) blank() {
	r.b.WriteByte('\n')
}

func (r *report) uploaded(files []jobregistry.FileBlob) {
	r.line(headerColor, "=== File Upload Analysis ===")
	r.blank()
	r.line(successColor, fmt.Sprintf("Successfully uploaded %d file(s)", len(files)))
	r.blank()
	r.line(infoColor, "Files:")
	for i, f := range files {
		r.line(nil, fmt.Sprintf("%d. %s (%.1f KB)", i+1, f.Name, float64(f.Size)/1024))
	}
	r.blank()
	r.line(nil, "Extracting AWS credentials from files...")
}

func (r *report) processing(name string) {
	r.blank()
	r.line(nil, fmt.Sprintf("Processing %s...", name))
}

func (r *report) failed(reason string) {
	r.line(errorColor, "✗ "+reason)
}

func (r *report) extracted(creds credentials.Credentials) {
	r.line(successColor, "✓ Successfully extracted AWS credentials")
	r.line(nil, "  Access Key ID: "+creds.Hint())
	r.line(nil, "  Region: "+creds.Region)
}

func (r *report) noCredentials() {
	r.blank()
	r.line(errorColor, "Failed to extract AWS credentials from any of the uploaded files.")
	r.line(nil, "Please ensure your files contain valid AWS credentials in a recognizable format.")
}

func (r *report) analysisStarting() {
	r.blank()
	r.line(infoColor, "Running AWS infrastructure analysis with extracted credentials...")
}

func (r *report) verified(arn string) {
	r.line(successColor, "Verified identity: "+arn)
}

func (r *report) String() string {
	return r.b.String()
}
