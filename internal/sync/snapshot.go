package sync

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/chmdznr/psync/internal/npdc"
	"github.com/chmdznr/psync/pkg/errors"
	"github.com/chmdznr/psync/pkg/models"
)

// AttachmentIndex maps a filename to every remote attachment with that name.
// Filenames are not unique in the dataset service.
type AttachmentIndex map[string][]models.Attachment

// NewAttachmentIndex indexes the attachments filed exactly under prefix.
func NewAttachmentIndex(attachments []models.Attachment, prefix string) AttachmentIndex {
	index := AttachmentIndex{}
	for _, a := range attachments {
		if prefix != "" && a.Prefix != prefix {
			continue
		}
		index[a.Filename] = append(index[a.Filename], a)
	}
	return index
}

// Len returns the number of attachments in the index.
func (index AttachmentIndex) Len() int {
	n := 0
	for _, matches := range index {
		n += len(matches)
	}
	return n
}

// Filenames returns the indexed filenames in sorted order.
func (index AttachmentIndex) Filenames() []string {
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot is the state both sides were in when the run started. It is not
// refreshed during the run.
type Snapshot struct {
	Local   []models.LocalFile
	Remote  AttachmentIndex
	TakenAt time.Time
}

// ListLocalFiles returns the regular files directly inside dir, sorted by
// name. Hidden files are skipped, which also skips partial downloads.
func ListLocalFiles(dir string) ([]models.LocalFile, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, "read local directory")
	}

	var files []models.LocalFile
	for _, fi := range entries {
		if !fi.Mode().IsRegular() || strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		files = append(files, models.LocalFile{
			Name: fi.Name(),
			Path: filepath.Join(dir, fi.Name()),
			Size: fi.Size(),
		})
	}
	return files, nil
}

// TakeSnapshot enumerates the local directory and the remote attachments.
// Failing to list either side is fatal for the run.
func (s *Syncer) TakeSnapshot(ctx context.Context, service Service) (Snapshot, error) {
	local, err := ListLocalFiles(s.config.LocalDirectory)
	if err != nil {
		return Snapshot{}, err
	}

	attachments, err := service.ListAttachments(ctx, s.config.DatasetID, npdc.AttachmentQuery{
		Q:      s.config.Query,
		Prefix: s.config.Prefix,
	})
	if err != nil {
		return Snapshot{}, errors.WithContext(err, "fetch remote attachments")
	}

	return Snapshot{
		Local:   local,
		Remote:  NewAttachmentIndex(attachments, s.config.Prefix),
		TakenAt: s.clock.Now().UTC(),
	}, nil
}
