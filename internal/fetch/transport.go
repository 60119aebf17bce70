package fetch

import (
	"context"
	"io"
)

// Transport is the remote shell / file copy connection files are fetched
// over.
type Transport interface {
	// List returns the full remote paths of the entries in dir matching the
	// glob pattern.
	List(ctx context.Context, dir, pattern string) ([]string, error)

	// Open opens a remote file for reading and returns its size.
	Open(ctx context.Context, remotePath string) (io.ReadCloser, int64, error)

	Close() error
}
