package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Store is the keyed record store the job controller writes to.
//
// Storage failures never surface to callers: Get degrades to "absent" and
// Set logs the failure. A caller that needs confirmation must Get again.
type Store interface {
	Init()
	Get(jobID string) (*Job, bool)
	Set(jobID string, job *Job)
}

// FileStore persists Jobs as JSON files under a root directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//
// Writes are atomic per record (temp file + rename) but concurrent Set calls
// for the same id are not serialized; the last writer wins.
type FileStore struct {
	root   string
	logger *zap.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{root: strings.TrimSpace(root), logger: logger}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

// Init creates the storage root. It is idempotent and never fails the caller.
func (s *FileStore) Init() {
	if err := s.ensureRoot(); err != nil {
		s.logger.Error("Failed to create jobs directory", zap.String("root", s.root), zap.Error(err))
	}
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// Get returns the record for jobID, or false if it is missing or unreadable.
func (s *FileStore) Get(jobID string) (*Job, bool) {
	job, err := s.Read(jobID)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("Job record unreadable", zap.String("job_id", jobID), zap.Error(err))
		}
		return nil, false
	}
	return job, true
}

// Set overwrites the record for jobID. Failures are logged, not returned.
func (s *FileStore) Set(jobID string, job *Job) {
	if err := s.Write(jobID, job); err != nil {
		s.logger.Error("Failed to save job record", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Read loads a record, returning the underlying error.
func (s *FileStore) Read(jobID string) (*Job, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var job Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	if job.JobID == "" {
		job.JobID = jobID
	}
	return &job, nil
}

// Write persists a record, returning the underlying error.
func (s *FileStore) Write(jobID string, job *Job) error {
	if job == nil {
		return fmt.Errorf("job record is nil")
	}
	if err := validateJobID(jobID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// List returns all readable records, newest first.
func (s *FileStore) List() ([]Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := s.Read(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *job)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

// Delete removes a record and its directory.
func (s *FileStore) Delete(jobID string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// Prune deletes terminal records that ended before cutoff and returns how
// many were removed. Pending and running jobs are never pruned.
func (s *FileStore) Prune(cutoff time.Time) (int, error) {
	candidates, err := s.PruneCandidates(cutoff)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, job := range candidates {
		if err := s.Delete(job.JobID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// PruneCandidates lists the records Prune would delete.
func (s *FileStore) PruneCandidates(cutoff time.Time) ([]Job, error) {
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0)
	for _, j := range jobs {
		if !j.Status.Terminal() || j.EndedAt == nil {
			continue
		}
		if !j.EndedAt.UTC().Before(cutoff.UTC()) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// validateJobID rejects ids that would escape the store root.
func validateJobID(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if jobID == "." || jobID == ".." || filepath.Base(jobID) != jobID || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job_id %q", jobID)
	}
	return nil
}
