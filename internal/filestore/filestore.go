// Package filestore implements the FileStore interface named in spec §1's
// scope ("the concrete cloud-object-store SDK beyond the FileStore
// interface" is explicitly out of scope — only the interface and a local
// reference implementation are required). It backs REM's File entity:
// uploaded binaries referenced by uri, read back on demand by the
// download_file tool.
package filestore

import (
	"context"
	"io"
)

// FileStore is a minimal interface for file-oriented storage. Paths are
// forward-slash separated and relative to the store root. Implementations
// must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading. The caller must close the
	// returned ReadCloser. If the file does not exist, the returned error
	// wraps os.ErrNotExist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing, truncating it if it already
	// exists. Parent "directories" are created automatically. The caller
	// must close the returned WriteCloser to flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file. Deleting an absent file returns nil
	// (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}
