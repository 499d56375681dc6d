package ushelf

import (
	"context"
	"io"
)

// Namespaces of objects stored on a backend
type ObjectKind string

const (
	KindChunks    ObjectKind = "chunks"
	KindManifests ObjectKind = "manifests"
)

// A backend is a remote storage for chunks and manifests. Objects are
// immutable once uploaded and identified by their name inside a kind (a
// fingerprint for chunks, a manifest id for manifests).
type Backend interface {
	// Store an object. Uploading an already present object must succeed
	// without error, so that an interrupted run can be retried safely.
	// The object must not become visible under its name if reading data fails.
	Upload(ctx context.Context, kind ObjectKind, name string, data io.Reader) error

	// Retrieve the content of a previously stored object. Returns an error
	// wrapping ErrNotFound if the object does not exist.
	Download(ctx context.Context, kind ObjectKind, name string) (io.ReadCloser, error)

	Exists(ctx context.Context, kind ObjectKind, name string) (bool, error)

	// List the names of all objects of a kind
	List(ctx context.Context, kind ObjectKind) ([]string, error)

	// Remove an object. Only used by explicit pruning.
	Delete(ctx context.Context, kind ObjectKind, name string) error
}

// Close a backend if it holds resources (connections, subprocesses)
func CloseBackend(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
