package models

import "time"

// FetchRecord describes one file copied from the remote host.
type FetchRecord struct {
	RemotePath string
	LocalPath  string
	Size       int64
	FetchedAt  time.Time
	Status     string
	LastError  string
}

// Fetch statuses.
const (
	FetchStatusFetched = "fetched"
	FetchStatusFailed  = "failed"
)
