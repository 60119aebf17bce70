package models

import "time"

// Run represents one invocation of fetch, sync or run.
type Run struct {
	ID         string
	Command    string
	DatasetID  string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Error      string
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Stats represents aggregated operation counts for a run
type Stats struct {
	FilesFound      int64
	FilesFetched    int64
	FetchFailures   int64
	BytesFetched    int64
	Uploaded        int64
	UploadFailures  int64
	Deleted         int64
	DeleteFailures  int64
	Released        int64
	ReleaseFailures int64
	Skipped         int64
	Archived        int64
	ArchiveFailures int64
}

// Failures returns the total number of failed operations.
func (s Stats) Failures() int64 {
	return s.FetchFailures + s.UploadFailures + s.DeleteFailures +
		s.ReleaseFailures + s.ArchiveFailures
}

// Operation is one mutation issued against the dataset service.
type Operation struct {
	Kind         string
	Filename     string
	AttachmentID string
	Status       string
	Error        string
	At           time.Time
}

// Operation kinds.
const (
	OperationUpload  = "upload"
	OperationDelete  = "delete"
	OperationRelease = "release"
	OperationArchive = "archive"
)

// Operation statuses.
const (
	OperationSucceeded = "succeeded"
	OperationFailed    = "failed"
	OperationSkipped   = "skipped"
)
