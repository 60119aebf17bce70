package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/psync/internal/config"
	"github.com/chmdznr/psync/pkg/models"
)

type put struct {
	bucket, key, file string
	opts              minio.PutObjectOptions
}

type mockStore struct {
	puts  []put
	errs  map[string]error
	sizes map[string]int64
}

func (s *mockStore) FPutObject(ctx context.Context, bucket, object, filePath string,
	opts minio.PutObjectOptions) (minio.UploadInfo, error) {

	s.puts = append(s.puts, put{bucket: bucket, key: object, file: filePath, opts: opts})
	if err := s.errs[filePath]; err != nil {
		return minio.UploadInfo{}, err
	}
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: s.sizes[filePath]}, nil
}

type mockRecorder struct {
	ops []models.Operation
}

func (r *mockRecorder) RecordOperation(op models.Operation) error {
	r.ops = append(r.ops, op)
	return nil
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal path",
			input:    "path/to/file.csv",
			expected: "path/to/file.csv",
		},
		{
			name:     "windows path",
			input:    "path\\to\\file.csv",
			expected: "path/to/file.csv",
		},
		{
			name:     "path with spaces",
			input:    "path/to/my file.csv",
			expected: "path/to/my+file.csv",
		},
		{
			name:     "path with special chars",
			input:    "path/to/file&name+test.csv",
			expected: "path/to/fileandname+test.csv",
		},
		{
			name:     "path with double slashes",
			input:    "path//to//file.csv",
			expected: "path/to/file.csv",
		},
		{
			name:     "empty path",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizePath(tt.input))
		})
	}
}

func TestObjectKey(t *testing.T) {
	fetchedAt := time.Date(2024, 3, 7, 23, 30, 0, 0, time.FixedZone("CET", 3600))

	a := newArchiver(&mockStore{}, config.Archive{Bucket: "b", Folder: "/products/"}, "host", "id")
	assert.Equal(t, "products/2024/03/07/a.csv", a.ObjectKey("products/a.csv", fetchedAt))

	a = newArchiver(&mockStore{}, config.Archive{Bucket: "b"}, "host", "id")
	assert.Equal(t, "2024/03/07/a+b.csv", a.ObjectKey("a b.csv", fetchedAt))
}

func TestMirror(t *testing.T) {
	store := &mockStore{
		errs: map[string]error{
			"products/c.csv": minio.ErrorResponse{Code: "AccessDenied", Message: "denied"},
		},
		sizes: map[string]int64{"products/a.csv": 10, "products/b.csv": 3},
	}
	recorder := &mockRecorder{}
	a := newArchiver(store, config.Archive{Bucket: "archive", Folder: "csv"}, "ftp.example.org", "dataset")
	a.SetRecorder(recorder)

	now := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	res := a.Mirror(context.Background(), []models.FetchRecord{
		{RemotePath: "/data/a.csv", LocalPath: "products/a.csv", Size: 10, FetchedAt: now, Status: models.FetchStatusFetched},
		{RemotePath: "/data/b.csv", LocalPath: "products/b.csv", Size: 5, FetchedAt: now, Status: models.FetchStatusFetched},
		{RemotePath: "/data/c.csv", LocalPath: "products/c.csv", FetchedAt: now, Status: models.FetchStatusFetched},
		{RemotePath: "/data/d.csv", LocalPath: "products/d.csv", Status: models.FetchStatusFailed},
	})

	assert.Equal(t, Result{Archived: 1, Failed: 2}, res)
	require.Len(t, store.puts, 3)
	assert.Equal(t, "archive", store.puts[0].bucket)
	assert.Equal(t, "csv/2024/03/07/a.csv", store.puts[0].key)
	assert.Equal(t, "text/csv", store.puts[0].opts.ContentType)
	assert.Equal(t, map[string]string{
		"source-host": "ftp.example.org",
		"source-path": "/data/a.csv",
		"dataset-id":  "dataset",
	}, store.puts[0].opts.UserMetadata)

	require.Len(t, recorder.ops, 3)
	assert.Equal(t, models.OperationSucceeded, recorder.ops[0].Status)
	assert.Contains(t, recorder.ops[1].Error, "size mismatch")
	assert.Contains(t, recorder.ops[2].Error, "AccessDenied")
}

func TestMirrorCancelled(t *testing.T) {
	store := &mockStore{errs: map[string]error{"x": errors.New("unused")}}
	a := newArchiver(store, config.Archive{Bucket: "archive"}, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := a.Mirror(ctx, []models.FetchRecord{{LocalPath: "a.csv", Status: models.FetchStatusFetched}})
	assert.Equal(t, Result{}, res)
	assert.Empty(t, store.puts)
}

func TestNew(t *testing.T) {
	a, err := New(config.Archive{Endpoint: "play.min.io", Bucket: "b", AccessKey: "k", SecretKey: "s"}, "h", "d")
	require.NoError(t, err)
	assert.Equal(t, "b", a.bucket)

	_, err = New(config.Archive{Endpoint: "bad endpoint/with/path", Bucket: "b"}, "h", "d")
	assert.Error(t, err)
}
