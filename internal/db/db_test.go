package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/psync/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	db, err := New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := newTestDB(t)

	run, err := db.StartRun("sync", "55d8c50d-24f3-4f2e-92d5-58b099fcab0b")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	require.NoError(t, db.FinishRun(run, errors.New("login rejected")))

	stored, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "sync", stored.Command)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Equal(t, "login rejected", stored.Error)

	_, err = db.GetRun("missing")
	assert.Error(t, err)
}

func TestLastRuns(t *testing.T) {
	db := newTestDB(t)

	first, err := db.StartRun("fetch", "")
	require.NoError(t, err)
	require.NoError(t, db.FinishRun(first, nil))

	time.Sleep(10 * time.Millisecond)
	second, err := db.StartRun("sync", "")
	require.NoError(t, err)

	runs, err := db.LastRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, models.RunStatusRunning, runs[0].Status)
	assert.Equal(t, models.RunStatusCompleted, runs[1].Status)

	runs, err = db.LastRuns(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t)
	run, err := db.StartRun("run", "")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, db.RecordFetches(run.ID, []models.FetchRecord{
		{RemotePath: "/data/a.csv", LocalPath: "products/a.csv", Size: 100, FetchedAt: now, Status: models.FetchStatusFetched},
		{RemotePath: "/data/b.csv", LocalPath: "products/b.csv", Size: 50, FetchedAt: now, Status: models.FetchStatusFetched},
		{RemotePath: "/data/c.csv", LocalPath: "products/c.csv", FetchedAt: now, Status: models.FetchStatusFailed,
			LastError: "permission denied"},
	}))

	recorder := db.Recorder(run)
	ops := []models.Operation{
		{Kind: models.OperationDelete, Filename: "b.csv", AttachmentID: "42", Status: models.OperationSucceeded},
		{Kind: models.OperationUpload, Filename: "a.csv", Status: models.OperationSucceeded},
		{Kind: models.OperationUpload, Filename: "b.csv", Status: models.OperationFailed, Error: "status 500"},
		{Kind: models.OperationRelease, Filename: "c.csv", AttachmentID: "7", Status: models.OperationSucceeded},
		{Kind: models.OperationUpload, Filename: "d.csv", Status: models.OperationSkipped},
		{Kind: models.OperationArchive, Filename: "a.csv", Status: models.OperationFailed},
	}
	for _, op := range ops {
		op.At = now
		require.NoError(t, recorder.RecordOperation(op))
	}

	// Records of other runs are not counted.
	other, err := db.StartRun("sync", "")
	require.NoError(t, err)
	require.NoError(t, db.Recorder(other).RecordOperation(models.Operation{
		Kind: models.OperationUpload, Status: models.OperationSucceeded, At: now,
	}))

	stats, err := db.GetStats(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{
		FilesFound:      3,
		FilesFetched:    2,
		FetchFailures:   1,
		BytesFetched:    150,
		Uploaded:        1,
		UploadFailures:  1,
		Deleted:         1,
		Released:        1,
		Skipped:         1,
		ArchiveFailures: 1,
	}, *stats)
	assert.Equal(t, int64(3), stats.Failures())
}
