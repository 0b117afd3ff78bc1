// Package preflight verifies that a credential triple resolves to a live AWS
// identity before the analysis process is started.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/pkg/credentials"
)

// Sentinel errors for identity checks.
var (
	// ErrInvalidCredentials indicates the key pair was rejected by AWS.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccessDenied indicates the identity exists but may not call STS.
	ErrAccessDenied = errors.New("access denied")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates STS could not be reached or failed internally.
	ErrUnavailable = errors.New("identity service unavailable")
)

// Identity is the caller identity reported by STS.
type Identity struct {
	Account string `json:"account"`
	ARN     string `json:"arn"`
	UserID  string `json:"user_id"`
}

// Checker verifies credentials. Implementations must be safe for concurrent use.
type Checker interface {
	Check(ctx context.Context, creds credentials.Credentials) (*Identity, error)
}

// CheckError wraps a failed identity check with the masked key it was run for.
type CheckError struct {
	AccessKey string
	Err       error
	Cause     error
}

func (e *CheckError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("identity check for %s: %v: %v", e.AccessKey, e.Err, e.Cause)
	}
	return fmt.Sprintf("identity check for %s: %v", e.AccessKey, e.Err)
}

// Unwrap exposes both the sentinel classification and the SDK error.
func (e *CheckError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// callerIdentityAPI is the subset of the STS client used here.
type callerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// STSPreflight checks credentials with sts:GetCallerIdentity, which needs no
// IAM permissions for a valid key pair.
type STSPreflight struct {
	logger *zap.Logger

	// newClient is replaced in tests.
	newClient func(ctx context.Context, creds credentials.Credentials) (callerIdentityAPI, error)
}

var _ Checker = (*STSPreflight)(nil)

func NewSTS(logger *zap.Logger) *STSPreflight {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &STSPreflight{logger: logger, newClient: newSTSClient}
}

// Check resolves the caller identity for creds.
func (p *STSPreflight) Check(ctx context.Context, creds credentials.Credentials) (*Identity, error) {
	client, err := p.newClient(ctx, creds)
	if err != nil {
		return nil, &CheckError{AccessKey: creds.Hint(), Err: ErrUnavailable, Cause: err}
	}

	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, &CheckError{AccessKey: creds.Hint(), Err: classify(err), Cause: err}
	}

	id := &Identity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}
	p.logger.Debug("Resolved caller identity",
		zap.String("access_key", creds.Hint()),
		zap.String("account", id.Account))
	return id, nil
}

func newSTSClient(ctx context.Context, creds credentials.Credentials) (callerIdentityAPI, error) {
	region := creds.Region
	if region == "" {
		region = credentials.DefaultRegion
	}
	static := awscreds.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(static),
	)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(awsCfg), nil
}

// classify maps SDK errors onto the package sentinels.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidClientTokenId", "SignatureDoesNotMatch", "UnrecognizedClientException", "ExpiredToken":
			return ErrInvalidCredentials
		case "AccessDenied", "AccessDeniedException":
			return ErrAccessDenied
		case "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return ErrThrottled
		}
		return ErrUnavailable
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "InvalidClientTokenId") || strings.Contains(msg, "SignatureDoesNotMatch"):
		return ErrInvalidCredentials
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		return ErrAccessDenied
	case strings.Contains(msg, "Throttling") || strings.Contains(msg, "429"):
		return ErrThrottled
	}
	return ErrUnavailable
}

// IsInvalidCredentials reports whether err indicates rejected credentials.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsAccessDenied reports whether err indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsThrottled reports whether err indicates rate limiting.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
