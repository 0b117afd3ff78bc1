package credentials

import (
	"path/filepath"
	"strings"
)

// Format is the declared layout of an uploaded file.
type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
)

// extensionFormats maps lower-case file extensions (without the dot) to formats.
var extensionFormats = map[string]Format{
	"json":   FormatJSON,
	"txt":    FormatText,
	"env":    FormatText,
	"config": FormatText,
	"csv":    FormatCSV,
	"xls":    FormatExcel,
	"xlsx":   FormatExcel,
}

// FormatForFile infers the format from a file name's extension. The second
// return value is the normalized extension, useful in error messages.
func FormatForFile(name string) (Format, string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	f, ok := extensionFormats[ext]
	return f, ext, ok
}
