// Package archive mirrors fetched CSV files into an S3 compatible object
// store. Archive failures never fail the run: they are logged and counted.
package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/psync/internal/config"
	"github.com/chmdznr/psync/pkg/models"
)

// objectStore is the subset of *minio.Client the archiver uses.
type objectStore interface {
	FPutObject(ctx context.Context, bucket, object, filePath string,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Recorder receives one archive operation per record.
type Recorder interface {
	RecordOperation(op models.Operation) error
}

// Archiver copies fetched files into a bucket.
type Archiver struct {
	store      objectStore
	bucket     string
	folder     string
	sourceHost string
	datasetID  string
	recorder   Recorder
}

// Result counts the outcome of Mirror.
type Result struct {
	Archived int
	Failed   int
}

// New creates an Archiver for cfg. sourceHost and datasetID are attached to
// every object as user metadata.
func New(cfg config.Archive, sourceHost, datasetID string) (*Archiver, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	opts := minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       !cfg.Insecure,
		Transport:    tr,
		Region:       "auto",
		BucketLookup: minio.BucketLookupAuto,
	}

	client, err := minio.New(cfg.Endpoint, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return newArchiver(client, cfg, sourceHost, datasetID), nil
}

func newArchiver(store objectStore, cfg config.Archive, sourceHost, datasetID string) *Archiver {
	return &Archiver{
		store:      store,
		bucket:     cfg.Bucket,
		folder:     strings.Trim(cfg.Folder, "/"),
		sourceHost: sourceHost,
		datasetID:  datasetID,
	}
}

// SetRecorder records an archive operation for every mirrored record.
func (a *Archiver) SetRecorder(r Recorder) {
	a.recorder = r
}

// ObjectKey returns the key a file fetched at t is stored under:
// <folder>/<yyyy>/<mm>/<dd>/<name>.
func (a *Archiver) ObjectKey(name string, t time.Time) string {
	t = t.UTC()
	key := path.Join(fmt.Sprintf("%04d/%02d/%02d", t.Year(), t.Month(), t.Day()),
		sanitizePath(filepath.Base(name)))
	if a.folder != "" {
		key = a.folder + "/" + key
	}
	return key
}

// Mirror uploads every successfully fetched record. It stops early only
// when ctx is cancelled.
func (a *Archiver) Mirror(ctx context.Context, records []models.FetchRecord) Result {
	var res Result
	for _, record := range records {
		if record.Status != models.FetchStatusFetched {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		key := a.ObjectKey(record.LocalPath, record.FetchedAt)
		err := a.put(ctx, key, record)
		a.record(record, err)
		if err != nil {
			res.Failed++
			log.WithError(err).WithFields(log.Fields{
				"file":   record.LocalPath,
				"bucket": a.bucket,
				"key":    key,
			}).Warn("Failed to archive file")
			continue
		}
		res.Archived++
		log.WithFields(log.Fields{
			"file": record.LocalPath,
			"key":  key,
		}).Debug("Archived file")
	}
	return res
}

func (a *Archiver) put(ctx context.Context, key string, record models.FetchRecord) error {
	opts := minio.PutObjectOptions{
		ContentType: "text/csv",
		UserMetadata: map[string]string{
			"source-host": a.sourceHost,
			"source-path": sanitizePath(record.RemotePath),
			"dataset-id":  a.datasetID,
		},
	}

	info, err := a.store.FPutObject(ctx, a.bucket, key, record.LocalPath, opts)
	if err != nil {
		if minioErr, ok := err.(minio.ErrorResponse); ok {
			return fmt.Errorf("%s: %s", minioErr.Code, minioErr.Message)
		}
		return err
	}

	if info.Size != record.Size {
		return fmt.Errorf("uploaded size mismatch: expected %d bytes, got %d", record.Size, info.Size)
	}
	return nil
}

func (a *Archiver) record(record models.FetchRecord, err error) {
	if a.recorder == nil {
		return
	}
	op := models.Operation{
		Kind:     models.OperationArchive,
		Filename: filepath.Base(record.LocalPath),
		Status:   models.OperationSucceeded,
		At:       time.Now().UTC(),
	}
	if err != nil {
		op.Status = models.OperationFailed
		op.Error = err.Error()
	}
	if err := a.recorder.RecordOperation(op); err != nil {
		log.WithError(err).Warn("Failed to record archive operation")
	}
}

// sanitizePath makes every segment of p safe to use in an object key or
// metadata value.
func sanitizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")

	segments := strings.Split(p, "/")
	for i, segment := range segments {
		if decoded, err := url.QueryUnescape(segment); err == nil {
			segment = decoded
		}
		segment = strings.ReplaceAll(segment, "&", "and")
		segment = strings.ReplaceAll(segment, "+", "plus")
		segments[i] = url.QueryEscape(segment)
	}

	sanitized := strings.Join(segments, "/")
	for strings.Contains(sanitized, "//") {
		sanitized = strings.ReplaceAll(sanitized, "//", "/")
	}
	return sanitized
}
