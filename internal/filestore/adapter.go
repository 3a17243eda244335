package filestore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// uriScheme prefixes every uri Adapter hands back, so toolregistry.FileStore
// callers never need to know the underlying FileStore's path layout.
const uriScheme = "remfile://"

// Adapter implements toolregistry.FileStore's simple byte-slice Put/Get
// contract on top of a streaming FileStore, so the upload_file/download_file
// tools never need to deal with io.ReadCloser/io.WriteCloser directly. mime
// type is not persisted by Adapter itself — the caller records it on the
// File entity's row; Adapter only moves bytes.
type Adapter struct {
	store FileStore
}

// NewAdapter wraps store.
func NewAdapter(store FileStore) *Adapter {
	return &Adapter{store: store}
}

// Put writes data under a fresh content key derived from name, returning a
// uri that Get can round-trip. mimeType is accepted to match the tool
// registry's contract but is not interpreted here.
func (a *Adapter) Put(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	key := fmt.Sprintf("%s/%s", uuid.NewString(), sanitizeName(name))
	w, err := a.store.Write(ctx, key)
	if err != nil {
		return "", fmt.Errorf("filestore: opening %s for write: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("filestore: writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("filestore: closing %s: %w", key, err)
	}
	return uriScheme + key, nil
}

// Get reads back the bytes written under uri.
func (a *Adapter) Get(ctx context.Context, uri string) ([]byte, error) {
	key, err := keyFromURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := a.store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("filestore: opening %s for read: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("filestore: reading %s: %w", key, err)
	}
	return data, nil
}

func keyFromURI(uri string) (string, error) {
	key, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return "", fmt.Errorf("filestore: uri %q missing %q scheme", uri, uriScheme)
	}
	return key, nil
}

// sanitizeName strips path separators out of a user-supplied file name so
// it can't escape the content key's directory component.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		return "upload"
	}
	return name
}
