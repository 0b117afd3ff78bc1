// Package jobs owns the analysis job lifecycle: it creates records, runs
// extraction and analysis in the background, and answers status polls from
// the store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/pkg/analysis"
	"github.com/3leaps/keyaudit/pkg/credentials"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
	"github.com/3leaps/keyaudit/pkg/preflight"
)

// Messages written to job records and creation results.
const (
	MsgJobNotFound      = "Job not found"
	MsgExtractionFailed = "Failed to extract AWS credentials from uploaded files"
	MsgNoFiles          = "No files uploaded"
	MsgShutdown         = "Job controller is shutting down"
)

var (
	// ErrNoFiles is returned when a file job is submitted without files.
	ErrNoFiles = errors.New("no files uploaded")

	// ErrClosed is returned when a job is submitted after Close.
	ErrClosed = errors.New("job controller closed")
)

// Analyzer runs the external analysis for one job.
type Analyzer interface {
	Run(ctx context.Context, jobID string, creds credentials.Credentials) (*analysis.Result, error)
}

// Options configures a Controller.
type Options struct {
	// Store persists job records (required).
	Store jobregistry.Store

	// Analyzer runs the analysis process (required).
	Analyzer Analyzer

	// Extractor locates credentials in uploaded files. Defaults to
	// credentials.NewExtractor().
	Extractor credentials.FileExtractor

	// Preflight, when set, verifies the identity before analysis.
	Preflight preflight.Checker

	// Timeout bounds each analysis run. Zero means no limit.
	Timeout time.Duration

	Logger *zap.Logger

	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

// CreateResult is returned by job creation.
type CreateResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status is the poll view of a job.
type Status struct {
	Status jobregistry.JobState `json:"status"`
	Output string               `json:"output,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Controller creates jobs and drives them to a terminal state.
//
// Each job runs in its own goroutine. There is no admission control: every
// accepted submission starts a task immediately.
type Controller struct {
	store     jobregistry.Store
	analyzer  Analyzer
	extractor credentials.FileExtractor
	preflight preflight.Checker
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders task reservations against close so no wg.Add follows Wait.
	mu     sync.Mutex
	closed bool
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if opts.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if opts.Extractor == nil {
		opts.Extractor = credentials.NewExtractor()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	opts.Store.Init()

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:     opts.Store,
		analyzer:  opts.Analyzer,
		extractor: opts.Extractor,
		preflight: opts.Preflight,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// CreateJobFromCredentials validates a typed credential triple, records a
// running job, and starts the analysis in the background.
//
// On validation failure no job is created and the returned error is a
// *credentials.ValidationError.
func (c *Controller) CreateJobFromCredentials(ctx context.Context, accessKey, secretKey, region string) (CreateResult, error) {
	if err := c.reserve(ctx); err != nil {
		return rejected(err), err
	}

	creds := credentials.Credentials{AccessKey: accessKey, SecretKey: secretKey, Region: region}
	if err := creds.Validate(); err != nil {
		c.wg.Done()
		return CreateResult{Error: err.Error()}, err
	}

	now := c.now()
	job := &jobregistry.Job{
		JobID:  c.newID(),
		Status: jobregistry.JobStateRunning,
		Source: jobregistry.SourceCredentials,
		CredentialSource: &jobregistry.CredentialSource{
			AccessKeyHint: creds.Hint(),
			Region:        creds.Region,
		},
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
	}
	c.store.Set(job.JobID, job.Clone())

	c.logger.Info("Created job",
		zap.String("job_id", job.JobID),
		zap.String("source", string(job.Source)),
		zap.String("access_key", creds.Hint()))

	c.spawn(job, func(ctx context.Context) {
		c.analyze(ctx, job, creds, nil)
	})
	return CreateResult{Success: true, JobID: job.JobID}, nil
}

// CreateJobFromFiles records a pending job holding files in upload order and
// starts extraction and analysis in the background.
func (c *Controller) CreateJobFromFiles(ctx context.Context, files []jobregistry.FileBlob) (CreateResult, error) {
	if err := c.reserve(ctx); err != nil {
		return rejected(err), err
	}
	if len(files) == 0 {
		c.wg.Done()
		return CreateResult{Error: MsgNoFiles}, ErrNoFiles
	}

	blobs := make([]jobregistry.FileBlob, len(files))
	for i, f := range files {
		f.Content = append([]byte(nil), f.Content...)
		if f.Size == 0 {
			f.Size = int64(len(f.Content))
		}
		blobs[i] = f
	}

	now := c.now()
	job := &jobregistry.Job{
		JobID:     c.newID(),
		Status:    jobregistry.JobStatePending,
		Source:    jobregistry.SourceFiles,
		Files:     blobs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.store.Set(job.JobID, job.Clone())

	c.logger.Info("Created job",
		zap.String("job_id", job.JobID),
		zap.String("source", string(job.Source)),
		zap.Int("files", len(blobs)))

	c.spawn(job, func(ctx context.Context) {
		c.processFiles(ctx, job)
	})
	return CreateResult{Success: true, JobID: job.JobID}, nil
}

// GetJobStatus reads the current record. Absent or unreadable records are
// reported as unknown.
func (c *Controller) GetJobStatus(jobID string) Status {
	job, ok := c.store.Get(jobID)
	if !ok {
		return Status{Status: jobregistry.JobStateUnknown, Error: MsgJobNotFound}
	}
	return Status{Status: job.Status, Output: job.Output, Error: job.Error}
}

// Wait blocks until every background task has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops accepting submissions, cancels running tasks and waits for
// them to record their outcome.
func (c *Controller) Close() {
	c.stop()
	c.wg.Wait()
}

// Shutdown is Close bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// reserve claims a task slot. Every successful reserve is balanced by
// exactly one spawn or one wg.Done.
func (c *Controller) reserve(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wg.Add(1)
	return nil
}

// rejected is the result for a submission refused before validation.
func rejected(err error) CreateResult {
	if errors.Is(err, ErrClosed) {
		return CreateResult{Error: MsgShutdown}
	}
	return CreateResult{Error: err.Error()}
}

// spawn runs fn detached from the submitting request on a slot taken by
// reserve. A panic fails the job.
func (c *Controller) spawn(job *jobregistry.Job, fn func(ctx context.Context)) {
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Job task panicked",
					zap.String("job_id", job.JobID),
					zap.Any("panic", r))
				c.advance(job, jobregistry.JobStateFailed, func(j *jobregistry.Job) {
					j.Error = fmt.Sprintf("internal error: %v", r)
				})
			}
		}()
		fn(c.ctx)
	}()
}

// advance moves job to next and persists it. Non-monotone transitions are
// refused and logged.
func (c *Controller) advance(job *jobregistry.Job, next jobregistry.JobState, mutate func(*jobregistry.Job)) bool {
	if !job.Status.CanTransition(next) {
		c.logger.Warn("Refusing job state transition",
			zap.String("job_id", job.JobID),
			zap.String("from", string(job.Status)),
			zap.String("to", string(next)))
		return false
	}

	now := c.now()
	job.Status = next
	job.UpdatedAt = now
	if next == jobregistry.JobStateRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if next.Terminal() {
		job.EndedAt = &now
	}
	if mutate != nil {
		mutate(job)
	}
	c.store.Set(job.JobID, job.Clone())
	return true
}
