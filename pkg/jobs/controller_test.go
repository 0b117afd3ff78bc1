package jobs

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/keyaudit/pkg/analysis"
	"github.com/3leaps/keyaudit/pkg/credentials"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
	"github.com/3leaps/keyaudit/pkg/preflight"
)

const (
	testAccessKey = "AKIAABCDEFGHIJKL1234"
	testSecretKey = "abcdefghijklmnopqrstuvwx"
)

var ansi = regexp.MustCompile("\x1b\\[[0-9;]*m")

func stripANSI(s string) string {
	return ansi.ReplaceAllString(s, "")
}

// stubAnalyzer records every run and returns a fixed outcome.
type stubAnalyzer struct {
	stdout string
	err    error
	block  chan struct{}
	panic  bool

	mu    sync.Mutex
	calls []credentials.Credentials
}

func (s *stubAnalyzer) Run(ctx context.Context, _ string, creds credentials.Credentials) (*analysis.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, creds)
	s.mu.Unlock()

	if s.panic {
		panic("boom")
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return &analysis.Result{}, s.err
	}
	return &analysis.Result{Stdout: s.stdout}, nil
}

func (s *stubAnalyzer) Calls() []credentials.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]credentials.Credentials(nil), s.calls...)
}

// countingExtractor records which files were attempted.
func TestCreateJobFromFiles_DuplicateNamesAreTriedByContent(t *testing.T) {
	store := newRecordingStore(t)
	analyzer := &stubAnalyzer{stdout: "ok"}
	extractor := &countingExtractor{inner: credentials.NewExtractor()}
	c := newTestController(t, store, analyzer, func(o *Options) { o.Extractor = extractor })

	files := []jobregistry.FileBlob{
		{Name: "creds.json", Type: "application/json", Content: []byte(`{}`)},
		{Name: "creds.json", Type: "application/json", Content: []byte(`{"accessKeyId":"` + testAccessKey + `","secretAccessKey":"` + testSecretKey + `","region":"sa-east-1"}`)},
	}

	res, err := c.CreateJobFromFiles(context.Background(), files)
	require.NoError(t, err)
	c.Wait()

	extractor.mu.Lock()
	assert.Equal(t, []string{"creds.json", "creds.json"}, extractor.names)
	extractor.mu.Unlock()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateCompleted, st.Status)

	calls := analyzer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sa-east-1", calls[0].Region)
}

type countingExtractor struct {
	inner *credentials.Extractor

	mu    sync.Mutex
	names []string
}

func (e *countingExtractor) ExtractFile(name string, content []byte) credentials.Result {
	e.mu.Lock()
	e.names = append(e.names, name)
	e.mu.Unlock()
	return e.inner.ExtractFile(name, content)
}

// recordingStore keeps every state written per job.
type recordingStore struct {
	*jobregistry.FileStore

	mu     sync.Mutex
	states map[string][]jobregistry.JobState
}

func (s *recordingStore) Set(id string, job *jobregistry.Job) {
	s.mu.Lock()
	s.states[id] = append(s.states[id], job.Status)
	s.mu.Unlock()
	s.FileStore.Set(id, job)
}

func (s *recordingStore) States(id string) []jobregistry.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobregistry.JobState(nil), s.states[id]...)
}

type fakePreflight struct {
	err error
}

func (f fakePreflight) Check(context.Context, credentials.Credentials) (*preflight.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &preflight.Identity{Account: "123456789012", ARN: "arn:aws:iam::123456789012:user/audit"}, nil
}

func newRecordingStore(t *testing.T) *recordingStore {
	t.Helper()
	return &recordingStore{
		FileStore: jobregistry.NewFileStore(t.TempDir(), nil),
		states:    map[string][]jobregistry.JobState{},
	}
}

func newTestController(t *testing.T, store jobregistry.Store, analyzer Analyzer, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{Store: store, Analyzer: analyzer}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresStoreAndAnalyzer(t *testing.T) {
	_, err := New(Options{Analyzer: &stubAnalyzer{}})
	assert.Error(t, err)
	_, err = New(Options{Store: jobregistry.NewFileStore(t.TempDir(), nil)})
	assert.Error(t, err)
}

func TestCreateJobFromCredentials_Completes(t *testing.T) {
	store := newRecordingStore(t)
	analyzer := &stubAnalyzer{stdout: "3 services checked\n", block: make(chan struct{})}
	c := newTestController(t, store, analyzer, nil)

	res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.JobID)

	assert.Equal(t, jobregistry.JobStateRunning, c.GetJobStatus(res.JobID).Status)

	close(analyzer.block)
	c.Wait()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateCompleted, st.Status)
	assert.Equal(t, "3 services checked\n", st.Output)
	assert.Empty(t, st.Error)

	assert.Equal(t, []jobregistry.JobState{jobregistry.JobStateRunning, jobregistry.JobStateCompleted}, store.States(res.JobID))

	job, ok := store.Get(res.JobID)
	require.True(t, ok)
	assert.Equal(t, jobregistry.SourceCredentials, job.Source)
	require.NotNil(t, job.CredentialSource)
	assert.Equal(t, "AKIA...1234", job.CredentialSource.AccessKeyHint)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.EndedAt)

	require.Len(t, analyzer.Calls(), 1)
	assert.Equal(t, credentials.Credentials{AccessKey: testAccessKey, SecretKey: testSecretKey, Region: "us-east-1"}, analyzer.Calls()[0])
}

func TestCreateJobFromCredentials_ValidationFailure(t *testing.T) {
	tests := []struct {
		name                   string
		access, secret, region string
		want                   string
	}{
		{"missing secret", testAccessKey, "", "us-east-1", "Missing required credentials"},
		{"missing region", testAccessKey, testSecretKey, "", "Missing required credentials"},
		{"short access key", "AKIA123", testSecretKey, "us-east-1", "Invalid AWS Access Key format"},
		{"short secret key", testAccessKey, "short", "us-east-1", "Invalid AWS Secret Key format"},
		{"bad region", testAccessKey, testSecretKey, "useast1", "Invalid AWS region format (e.g., us-east-1)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := jobregistry.NewFileStore(t.TempDir(), nil)
			analyzer := &stubAnalyzer{}
			c := newTestController(t, store, analyzer, nil)

			res, err := c.CreateJobFromCredentials(context.Background(), tt.access, tt.secret, tt.region)
			require.Error(t, err)
			assert.False(t, res.Success)
			assert.Empty(t, res.JobID)
			assert.Equal(t, tt.want, res.Error)

			var vErr *credentials.ValidationError
			assert.True(t, errors.As(err, &vErr))

			c.Wait()
			jobs, err := store.List()
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Empty(t, analyzer.Calls())
		})
	}
}

func TestCreateJobFromCredentials_AnalysisFailure(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	execErr := &analysis.ExecutionError{Stderr: "AccessDenied: not authorized\n"}
	c := newTestController(t, store, &stubAnalyzer{err: execErr}, nil)

	res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "eu-west-1")
	require.NoError(t, err)
	c.Wait()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateFailed, st.Status)
	assert.Equal(t, "AccessDenied: not authorized\n", st.Error)
}

func TestCreateJobFromFiles_ShortCircuitsOnFirstValidFile(t *testing.T) {
	store := newRecordingStore(t)
	analyzer := &stubAnalyzer{stdout: "ok"}
	extractor := &countingExtractor{inner: credentials.NewExtractor()}
	c := newTestController(t, store, analyzer, func(o *Options) { o.Extractor = extractor })

	files := []jobregistry.FileBlob{
		{Name: "notes.txt", Type: "text/plain", Content: []byte("nothing to see here")},
		{Name: "creds.json", Type: "application/json", Content: []byte(`{"accessKey":"` + testAccessKey + `","secretKey":"` + testSecretKey + `","region":"eu-central-1"}`)},
		{Name: "other.csv", Type: "text/csv", Content: []byte("access_key_id,secret_access_key\nAKIAZZZZZZZZZZZZZZZZ,zzzzzzzzzzzzzzzzzzzzzzzz\n")},
	}

	res, err := c.CreateJobFromFiles(context.Background(), files)
	require.NoError(t, err)
	require.True(t, res.Success)
	c.Wait()

	extractor.mu.Lock()
	attempted := append([]string(nil), extractor.names...)
	extractor.mu.Unlock()
	assert.Equal(t, []string{"notes.txt", "creds.json"}, attempted)

	calls := analyzer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, credentials.Credentials{AccessKey: testAccessKey, SecretKey: testSecretKey, Region: "eu-central-1"}, calls[0])

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateCompleted, st.Status)
	assert.Equal(t, "ok", st.Output)

	job, ok := store.Get(res.JobID)
	require.True(t, ok)
	require.NotNil(t, job.CredentialSource)
	assert.Equal(t, "creds.json", job.CredentialSource.File)
	assert.Equal(t, "eu-central-1", job.CredentialSource.Region)
	require.Len(t, job.Files, 3)
	assert.Equal(t, "other.csv", job.Files[2].Name)
	assert.Equal(t, int64(len(files[0].Content)), job.Files[0].Size)

	states := store.States(res.JobID)
	require.NotEmpty(t, states)
	assert.Equal(t, jobregistry.JobStatePending, states[0])
	assert.Equal(t, jobregistry.JobStateCompleted, states[len(states)-1])
	for i := 1; i < len(states); i++ {
		assert.True(t, states[i-1].CanTransition(states[i]), "non-monotone %s -> %s", states[i-1], states[i])
	}
}

func TestCreateJobFromFiles_NoUsableFile(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	analyzer := &stubAnalyzer{}
	c := newTestController(t, store, analyzer, nil)

	files := []jobregistry.FileBlob{
		{Name: "readme.txt", Content: []byte("hello")},
		{Name: "keys.xlsx", Content: []byte{0x50, 0x4b}},
		{Name: "short.json", Content: []byte(`{"accessKey":"AKIA1","secretKey":"` + testSecretKey + `"}`)},
	}
	res, err := c.CreateJobFromFiles(context.Background(), files)
	require.NoError(t, err)
	c.Wait()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateFailed, st.Status)
	assert.Equal(t, MsgExtractionFailed, st.Error)

	out := stripANSI(st.Output)
	assert.Contains(t, out, "Processing readme.txt...\n✗ Could not find AWS credentials in text file\n")
	assert.Contains(t, out, "✗ Excel parsing is not supported in this environment. Please convert to CSV or JSON.\n")
	assert.Contains(t, out, "Processing short.json...\n✗ Invalid AWS Access Key format\n")
	assert.Contains(t, out, "Failed to extract AWS credentials from any of the uploaded files.")
	assert.NotEqual(t, out, st.Output, "report should carry ANSI colour")

	assert.Empty(t, analyzer.Calls())
}

func TestCreateJobFromFiles_Empty(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	c := newTestController(t, store, &stubAnalyzer{}, nil)

	res, err := c.CreateJobFromFiles(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoFiles)
	assert.False(t, res.Success)
	assert.Equal(t, MsgNoFiles, res.Error)
}

func TestGetJobStatus_Unknown(t *testing.T) {
	c := newTestController(t, jobregistry.NewFileStore(t.TempDir(), nil), &stubAnalyzer{}, nil)

	st := c.GetJobStatus("does-not-exist")
	assert.Equal(t, Status{Status: jobregistry.JobStateUnknown, Error: MsgJobNotFound}, st)
}

func TestPreflightFailureFailsJob(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	analyzer := &stubAnalyzer{}
	c := newTestController(t, store, analyzer, func(o *Options) {
		o.Preflight = fakePreflight{err: preflight.ErrInvalidCredentials}
	})

	res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
	require.NoError(t, err)
	c.Wait()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateFailed, st.Status)
	assert.Equal(t, preflight.ErrInvalidCredentials.Error(), st.Error)
	assert.Empty(t, analyzer.Calls())
}

func TestPreflightSuccessIsReported(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	analyzer := &stubAnalyzer{stdout: "done", block: make(chan struct{})}
	c := newTestController(t, store, analyzer, func(o *Options) { o.Preflight = fakePreflight{} })

	files := []jobregistry.FileBlob{{Name: "creds.env", Content: []byte("AWS_ACCESS_KEY_ID=" + testAccessKey + "\nAWS_SECRET_ACCESS_KEY=" + testSecretKey + "\n")}}
	res, err := c.CreateJobFromFiles(context.Background(), files)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(analyzer.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateRunning, st.Status)
	assert.Contains(t, stripANSI(st.Output), "Verified identity: arn:aws:iam::123456789012:user/audit")

	close(analyzer.block)
	c.Wait()
	assert.Equal(t, jobregistry.JobStateCompleted, c.GetJobStatus(res.JobID).Status)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	analyzer := &stubAnalyzer{block: make(chan struct{})}
	c, err := New(Options{Store: store, Analyzer: analyzer})
	require.NoError(t, err)

	res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
	require.NoError(t, err)

	c.Close()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateFailed, st.Status)
	assert.Equal(t, context.Canceled.Error(), st.Error)

	late, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, MsgShutdown, late.Error)
}

func TestCancelledCallerIsNotReportedAsShutdown(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	c := newTestController(t, store, &stubAnalyzer{stdout: "ok"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.CreateJobFromCredentials(ctx, testAccessKey, testSecretKey, "us-east-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Success)
	assert.Equal(t, context.Canceled.Error(), res.Error)

	res, err = c.CreateJobFromFiles(ctx, []jobregistry.FileBlob{{Name: "a.txt", Content: []byte("x")}})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, MsgShutdown, res.Error)

	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmissionsRacingCloseAreAllSettled(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	c, err := New(Options{Store: store, Analyzer: &stubAnalyzer{stdout: "ok"}})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
				return
			}
			mu.Lock()
			accepted = append(accepted, res.JobID)
			mu.Unlock()
		}()
	}
	c.Close()
	wg.Wait()

	// Every accepted job was started before Close returned, so each has
	// already reached a terminal state.
	for _, id := range accepted {
		assert.True(t, c.GetJobStatus(id).Status.Terminal(), "job %s", id)
	}
}

func TestAnalysisTimeout(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	analyzer := &stubAnalyzer{block: make(chan struct{})}
	c := newTestController(t, store, analyzer, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
	require.NoError(t, err)
	c.Wait()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateFailed, st.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), st.Error)
}

func TestPanicFailsJob(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	c := newTestController(t, store, &stubAnalyzer{panic: true}, nil)

	res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
	require.NoError(t, err)
	c.Wait()

	st := c.GetJobStatus(res.JobID)
	assert.Equal(t, jobregistry.JobStateFailed, st.Status)
	assert.Equal(t, "internal error: boom", st.Error)
}

func TestConcurrentJobsAllReachTerminalState(t *testing.T) {
	store := jobregistry.NewFileStore(t.TempDir(), nil)
	c := newTestController(t, store, &stubAnalyzer{stdout: "ok"}, nil)

	ids := make([]string, 10)
	for i := range ids {
		res, err := c.CreateJobFromCredentials(context.Background(), testAccessKey, testSecretKey, "us-east-1")
		require.NoError(t, err)
		ids[i] = res.JobID
	}
	c.Wait()

	for _, id := range ids {
		assert.Equal(t, jobregistry.JobStateCompleted, c.GetJobStatus(id).Status)
	}
}
