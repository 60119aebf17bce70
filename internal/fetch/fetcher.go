// Package fetch copies files matching a pattern from a remote directory into
// a local directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/psync/pkg/errors"
	"github.com/chmdznr/psync/pkg/models"
	"github.com/chmdznr/psync/pkg/utils"
)

// Fetcher copies remote files over a Transport.
type Fetcher struct {
	transport Transport

	// progress receives a progress bar when set.
	progress io.Writer

	now func() time.Time
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithProgress renders a progress bar to w while fetching.
func WithProgress(w io.Writer) FetcherOption {
	return func(f *Fetcher) { f.progress = w }
}

// New creates a Fetcher. The caller keeps ownership of the transport.
func New(transport Transport, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{transport: transport, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Result summarises a FetchAll call.
type Result struct {
	Found   int
	Fetched int
	Failed  int
	Bytes   int64
	Records []models.FetchRecord
}

// ListRemoteFiles returns the remote paths in remoteDir that match pattern.
func (f *Fetcher) ListRemoteFiles(ctx context.Context, remoteDir, pattern string) ([]string, error) {
	return f.transport.List(ctx, remoteDir, pattern)
}

// FetchFile copies remotePath to localPath, replacing any existing file. The
// contents are written to a temporary file next to localPath first, so a
// failed copy never leaves a truncated file behind.
func (f *Fetcher) FetchFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	rc, _, err := f.transport.Open(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	dir, base := filepath.Split(localPath)
	if dir == "" {
		dir = "."
	}
	tmp, err := afero.TempFile(fs, dir, "."+base+".part-")
	if err != nil {
		return 0, errors.WithContext(err, "create temp file")
	}

	n, err := io.Copy(tmp, rc)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = fs.Remove(tmp.Name())
		return n, errors.WithContext(err, "copy")
	}

	if err := fs.Rename(tmp.Name(), localPath); err != nil {
		_ = fs.Remove(tmp.Name())
		return n, errors.WithContext(err, "rename")
	}
	return n, nil
}

// FetchAll copies every file in remoteDir matching pattern into localDir.
// Failures of a single file are logged and skipped. A TransportError or a
// cancelled context stops the batch and is returned with the partial result.
func (f *Fetcher) FetchAll(ctx context.Context, remoteDir, localDir, pattern string) (Result, error) {
	var result Result

	if err := fs.MkdirAll(localDir, 0755); err != nil {
		return result, errors.WithContext(err, "create local directory")
	}

	files, err := f.ListRemoteFiles(ctx, remoteDir, pattern)
	if err != nil {
		return result, err
	}
	result.Found = len(files)
	log.WithFields(log.Fields{
		"count":     len(files),
		"directory": remoteDir,
		"pattern":   pattern,
	}).Info("Found remote files")

	progress := newFetchProgress(f.progress, len(files))
	defer progress.finish()

	for _, remotePath := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := path.Base(remotePath)
		progress.current(name)
		record := models.FetchRecord{RemotePath: remotePath}

		if name == "." || name == "/" || name == ".." {
			record.Status = models.FetchStatusFailed
			record.LastError = fmt.Sprintf("invalid remote path %q", remotePath)
			result.Failed++
			result.Records = append(result.Records, record)
			log.WithField("path", remotePath).Warn("Skipping invalid remote path")
			progress.done()
			continue
		}

		record.LocalPath = filepath.Join(localDir, name)
		n, err := f.FetchFile(ctx, remotePath, record.LocalPath)
		record.Size = n
		record.FetchedAt = f.now()
		progress.done()

		if err != nil {
			record.Status = models.FetchStatusFailed
			record.LastError = err.Error()
			result.Failed++
			result.Records = append(result.Records, record)

			var transportErr errors.TransportError
			if errors.As(err, &transportErr) {
				return result, err
			}
			log.WithError(err).WithField("file", remotePath).Warn("Failed to fetch file")
			continue
		}

		record.Status = models.FetchStatusFetched
		result.Fetched++
		result.Bytes += n
		result.Records = append(result.Records, record)
		log.WithFields(log.Fields{
			"remote": remotePath,
			"local":  record.LocalPath,
			"size":   utils.FormatSize(n),
		}).Info("Downloaded file")
	}
	return result, ctx.Err()
}
