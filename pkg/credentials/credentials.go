// Package credentials locates and validates AWS access-key/secret-key/region
// triples inside uploaded files of unknown layout.
package credentials

import (
	"regexp"
	"strings"
)

// DefaultRegion is applied when a source carries no region.
const DefaultRegion = "us-east-1"

// Key length bounds accepted by Validate.
const (
	MinKeyLength = 16
	MaxKeyLength = 128
)

var (
	regionPattern    = regexp.MustCompile(`^[a-z]{2}-[a-z]+-\d+$`)
	accessKeyPattern = regexp.MustCompile(`AKIA[A-Z0-9]{16}`)
	accessKeyToken   = regexp.MustCompile(`^AKIA[A-Z0-9]{16}$`)
)

// Credentials is an access key, secret key, and region triple.
//
// Credentials are never persisted; only Hint() may be logged or stored.
type Credentials struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Region    string `json:"region"`
}

// ValidationError reports a malformed credential field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate checks key lengths and the region format.
func (c Credentials) Validate() error {
	if c.AccessKey == "" || c.SecretKey == "" || c.Region == "" {
		return &ValidationError{Field: "credentials", Message: "Missing required credentials"}
	}
	if n := len(c.AccessKey); n < MinKeyLength || n > MaxKeyLength {
		return &ValidationError{Field: "accessKey", Message: "Invalid AWS Access Key format"}
	}
	if n := len(c.SecretKey); n < MinKeyLength || n > MaxKeyLength {
		return &ValidationError{Field: "secretKey", Message: "Invalid AWS Secret Key format"}
	}
	if !ValidRegion(c.Region) {
		return &ValidationError{Field: "region", Message: "Invalid AWS region format (e.g., us-east-1)"}
	}
	return nil
}

// ValidRegion reports whether region looks like us-east-1.
func ValidRegion(region string) bool {
	return regionPattern.MatchString(region)
}

// Hint returns the access key with everything but the first and last four
// characters elided, e.g. "AKIA...1234".
func (c Credentials) Hint() string {
	return MaskAccessKey(c.AccessKey)
}

// MaskAccessKey elides the middle of an access key.
func MaskAccessKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// FindAccessKey returns the first access-key-shaped token in s.
func FindAccessKey(s string) (string, bool) {
	m := accessKeyPattern.FindString(s)
	return m, m != ""
}

// IsAccessKey reports whether token is exactly an access-key-shaped value.
func IsAccessKey(token string) bool {
	return accessKeyToken.MatchString(token)
}
