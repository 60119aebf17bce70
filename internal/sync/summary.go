package sync

import (
	"fmt"

	"github.com/chmdznr/psync/pkg/models"
)

// Failure describes one failed mutation.
type Failure struct {
	Kind     string
	Filename string
	Err      error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Kind, f.Filename, f.Err)
}

// Summary counts what a run did, per operation kind.
type Summary struct {
	LocalFiles        int
	RemoteAttachments int
	DryRun            bool

	Uploaded        int
	UploadFailed    int
	Deleted         int
	DeleteFailed    int
	Released        int
	ReleaseFailed   int
	Skipped         int
	Unchanged       int
	PlannedUploads  int
	PlannedDeletes  int
	PlannedReleases int

	Failures []Failure
}

// Mutations returns the number of mutations that succeeded.
func (s Summary) Mutations() int {
	return s.Uploaded + s.Deleted + s.Released
}

// Failed returns the number of mutations that failed.
func (s Summary) Failed() int {
	return s.UploadFailed + s.DeleteFailed + s.ReleaseFailed
}

func (s Summary) String() string {
	if s.DryRun {
		return fmt.Sprintf("planned: %d uploads, %d deletes, %d releases (%d local files, %d remote attachments)",
			s.PlannedUploads, s.PlannedDeletes, s.PlannedReleases, s.LocalFiles, s.RemoteAttachments)
	}
	return fmt.Sprintf("uploaded %d (%d failed), deleted %d (%d failed), released %d (%d failed), "+
		"skipped %d, unchanged %d",
		s.Uploaded, s.UploadFailed, s.Deleted, s.DeleteFailed, s.Released, s.ReleaseFailed,
		s.Skipped, s.Unchanged)
}

func (s *Summary) fail(kind, filename string, err error) {
	switch kind {
	case models.OperationUpload:
		s.UploadFailed++
	case models.OperationDelete:
		s.DeleteFailed++
	case models.OperationRelease:
		s.ReleaseFailed++
	}
	s.Failures = append(s.Failures, Failure{Kind: kind, Filename: filename, Err: err})
}

func (s *Summary) plan(step Step) {
	s.PlannedDeletes += len(step.Deletes)
	s.PlannedReleases += len(step.Releases)
	if step.Upload {
		s.PlannedUploads++
	}
	if step.Empty() {
		s.Unchanged++
	}
}
