package sync

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/psync/pkg/models"
)

func TestListLocalFiles(t *testing.T) {
	writeLocal(t, map[string]string{
		"b.csv":          "b",
		"a.csv":          "a",
		".a.csv.partial": "partial",
	})
	require.NoError(t, fs.MkdirAll(testDir+"/nested", 0755))

	files, err := ListLocalFiles(testDir)
	require.NoError(t, err)
	assert.Equal(t, []models.LocalFile{
		{Name: "a.csv", Path: testDir + "/a.csv", Size: 1},
		{Name: "b.csv", Path: testDir + "/b.csv", Size: 1},
	}, files)
}

func TestListLocalFilesMissingDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	_, err := ListLocalFiles("/does-not-exist")
	assert.Error(t, err)
}

func TestAttachmentIndex(t *testing.T) {
	index := NewAttachmentIndex([]models.Attachment{
		{ID: "1", Filename: "a.csv", Prefix: testPrefix},
		{ID: "2", Filename: "a.csv", Prefix: testPrefix},
		{ID: "3", Filename: "b.csv", Prefix: testPrefix},
		{ID: "4", Filename: "c.csv", Prefix: "/products/old/"},
	}, testPrefix)

	assert.Equal(t, 3, index.Len())
	assert.Equal(t, []string{"a.csv", "b.csv"}, index.Filenames())
	assert.Len(t, index["a.csv"], 2)

	assert.Equal(t, 4, NewAttachmentIndex([]models.Attachment{
		{ID: "1", Filename: "a.csv", Prefix: testPrefix},
		{ID: "2", Filename: "a.csv", Prefix: "/x/"},
		{ID: "3", Filename: "b.csv"},
		{ID: "4", Filename: "c.csv", Prefix: "/y/"},
	}, "").Len())
}

func TestTakeSnapshot(t *testing.T) {
	writeLocal(t, map[string]string{"a.csv": "a"})
	service := &mockService{attachments: []models.Attachment{
		{ID: "1", Filename: "a.csv", Prefix: testPrefix},
		{ID: "2", Filename: "a.csv", Prefix: "/other/"},
	}}

	snapshot, err := newTestSyncer(t).TakeSnapshot(context.Background(), service)
	require.NoError(t, err)
	assert.Len(t, snapshot.Local, 1)
	assert.Equal(t, 1, snapshot.Remote.Len())
	assert.Equal(t, testNow, snapshot.TakenAt)
}
