package credentials

import (
	"fmt"
)

// Result is the tagged outcome of an extraction attempt.
//
// When OK is false, Reason explains why and Credentials is zero.
type Result struct {
	OK          bool
	Credentials Credentials
	Reason      string
}

// Found builds a successful Result.
func Found(accessKey, secretKey, region string) Result {
	if region == "" {
		region = DefaultRegion
	}
	return Result{OK: true, Credentials: Credentials{AccessKey: accessKey, SecretKey: secretKey, Region: region}}
}

// Failed builds a failed Result.
func Failed(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Strategy attempts to locate a credentials triple in content of one format.
type Strategy interface {
	Extract(content []byte) Result
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(content []byte) Result

func (f StrategyFunc) Extract(content []byte) Result {
	return f(content)
}

// FileExtractor extracts credentials from a named file.
type FileExtractor interface {
	ExtractFile(name string, content []byte) Result
}

// Named is the minimal view of an uploaded file needed for extraction.
type Named interface {
	FileName() string
	FileContent() []byte
}

// Extractor dispatches content to the Strategy registered for its format.
type Extractor struct {
	strategies map[Format]Strategy
}

var _ FileExtractor = (*Extractor)(nil)

// NewExtractor returns an Extractor with the built-in strategies registered.
func NewExtractor() *Extractor {
	return &Extractor{
		strategies: map[Format]Strategy{
			FormatJSON:  StrategyFunc(ExtractJSON),
			FormatText:  StrategyFunc(ExtractText),
			FormatCSV:   StrategyFunc(ExtractCSV),
			FormatExcel: StrategyFunc(extractExcel),
		},
	}
}

// Register installs or replaces the strategy for format.
func (e *Extractor) Register(format Format, s Strategy) {
	e.strategies[format] = s
}

// Extract runs the strategy registered for format.
func (e *Extractor) Extract(content []byte, format Format) Result {
	s, ok := e.strategies[format]
	if !ok {
		return Failed("Unsupported file type: %s", format)
	}
	return s.Extract(content)
}

// ExtractFile infers the format from name and extracts from content.
func (e *Extractor) ExtractFile(name string, content []byte) Result {
	format, ext, ok := FormatForFile(name)
	if !ok {
		return Failed("Unsupported file type: %s", ext)
	}
	return e.Extract(content, format)
}

// ExtractNamed looks up the file called name among files and extracts from it.
func ExtractNamed[F Named](e FileExtractor, files []F, name string) Result {
	for _, f := range files {
		if f.FileName() == name {
			return e.ExtractFile(name, f.FileContent())
		}
	}
	return Failed("File %s not found", name)
}

func extractExcel([]byte) Result {
	return Failed("Excel parsing is not supported in this environment. Please convert to CSV or JSON.")
}
