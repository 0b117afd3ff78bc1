package jobregistry

import "time"

// JobState is the lifecycle state of an analysis job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract. JobStateUnknown is never written; it is reported for
// ids that have no readable record.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateUnknown   JobState = "unknown"
)

// Terminal reports whether no further transition may leave the state.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// rank orders states along pending -> running -> {completed|failed}.
func (s JobState) rank() int {
	switch s {
	case JobStatePending:
		return 1
	case JobStateRunning:
		return 2
	case JobStateCompleted, JobStateFailed:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether moving from s to next keeps the state monotone.
// Staying in a non-terminal state is allowed so records can be updated in place.
func (s JobState) CanTransition(next JobState) bool {
	if next == JobStateUnknown || next.rank() == 0 {
		return false
	}
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// JobSource records which submission path created the job.
type JobSource string

const (
	SourceCredentials JobSource = "credentials"
	SourceFiles       JobSource = "files"
)

// FileBlob is an uploaded file owned by its job. It is never modified after
// being appended to a job.
type FileBlob struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Size    int64  `json:"size"`
	Content []byte `json:"content"`
}

// CredentialSource describes where the credentials used by a job came from.
//
// Only the masked access key is kept; secret keys are never recorded.
type CredentialSource struct {
	File          string `json:"file,omitempty" yaml:"file,omitempty"`
	AccessKeyHint string `json:"access_key_hint,omitempty" yaml:"access_key_hint,omitempty"`
	Region        string `json:"region,omitempty" yaml:"region,omitempty"`
}

// Job is the persistent record written to job.json.
//
// New fields must be additive so older records keep decoding.
type Job struct {
	JobID  string     `json:"job_id"`
	Status JobState   `json:"status"`
	Output string     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
	Files  []FileBlob `json:"files,omitempty"`

	Source           JobSource         `json:"source,omitempty"`
	CredentialSource *CredentialSource `json:"credential_source,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate a record without touching
// a value another goroutine may still hold.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Files != nil {
		out.Files = make([]FileBlob, len(j.Files))
		for i, f := range j.Files {
			f.Content = append([]byte(nil), f.Content...)
			out.Files[i] = f
		}
	}
	if j.CredentialSource != nil {
		cs := *j.CredentialSource
		out.CredentialSource = &cs
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func (f FileBlob) FileName() string    { return f.Name }
func (f FileBlob) FileContent() []byte { return f.Content }
