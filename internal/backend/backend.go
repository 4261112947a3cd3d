// Package backend abstracts streamed read/write access to objects on the
// local filesystem and in cloud object stores.
package backend

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Info describes a stored object.
type Info struct {
	Size    int64
	MD5     string // lowercase hex; empty when the store reports no digest
	ModTime time.Time
}

// Object is one entry produced by a prefix listing.
type Object struct {
	Locator string
	Size    int64
	MD5     string
}

// Backend provides streamed object access. Locators are plain filesystem
// paths, file:// URLs, or bucket URLs (gs://bucket/key, s3://bucket/key).
type Backend interface {
	// NewReader opens a ranged read stream. offset is the first byte to
	// read; length is the number of bytes, or -1 for the rest of the object.
	NewReader(ctx context.Context, locator string, offset, length int64) (io.ReadCloser, error)

	// NewWriter opens a write stream. A negative offset writes the whole
	// object, replacing any previous content. A non-negative offset
	// positions writes within the destination without truncating, so
	// sibling byte ranges written by other workers survive; only filesystem
	// destinations support positioned writes. meta carries destination-side
	// properties (Content-Type, Cache-Control, Content-Encoding, plus
	// free-form keys).
	NewWriter(ctx context.Context, locator string, offset int64, meta map[string]string) (io.WriteCloser, error)

	// Stat returns size and, when the store tracks one, an MD5 digest.
	Stat(ctx context.Context, locator string) (Info, error)

	// List invokes fn for every object under the given prefix locator.
	List(ctx context.Context, locator string, fn func(Object) error) error

	// Close releases any held connections.
	Close() error
}

// Mux routes locators to the filesystem or bucket implementation by scheme.
type Mux struct {
	local   *Local
	buckets *Buckets
}

// NewMux creates a backend handling both local paths and bucket URLs.
func NewMux() *Mux {
	return &Mux{
		local:   NewLocal(),
		buckets: NewBuckets(),
	}
}

// IsRemote reports whether the locator names a bucket object rather than a
// local file.
func IsRemote(locator string) bool {
	scheme, _, ok := splitScheme(locator)
	return ok && scheme != "file"
}

// splitScheme separates "scheme://rest"; ok is false for plain paths.
func splitScheme(locator string) (scheme, rest string, ok bool) {
	i := strings.Index(locator, "://")
	if i <= 0 {
		return "", locator, false
	}
	return locator[:i], locator[i+3:], true
}

func (m *Mux) pick(locator string) Backend {
	if IsRemote(locator) {
		return m.buckets
	}
	return m.local
}

func (m *Mux) NewReader(ctx context.Context, locator string, offset, length int64) (io.ReadCloser, error) {
	return m.pick(locator).NewReader(ctx, locator, offset, length)
}

func (m *Mux) NewWriter(ctx context.Context, locator string, offset int64, meta map[string]string) (io.WriteCloser, error) {
	return m.pick(locator).NewWriter(ctx, locator, offset, meta)
}

func (m *Mux) Stat(ctx context.Context, locator string) (Info, error) {
	return m.pick(locator).Stat(ctx, locator)
}

func (m *Mux) List(ctx context.Context, locator string, fn func(Object) error) error {
	return m.pick(locator).List(ctx, locator, fn)
}

func (m *Mux) Close() error {
	lerr := m.local.Close()
	berr := m.buckets.Close()
	if lerr != nil {
		return lerr
	}
	return berr
}

// localPath strips an optional file:// scheme from a filesystem locator.
func localPath(locator string) string {
	if scheme, rest, ok := splitScheme(locator); ok && scheme == "file" {
		// file:///abs/path has an empty host segment
		return "/" + strings.TrimPrefix(rest, "/")
	}
	return locator
}

// splitBucketURL splits a bucket locator into its bucket URL and object key.
func splitBucketURL(locator string) (bucket, key string, err error) {
	scheme, rest, ok := splitScheme(locator)
	if !ok || scheme == "file" {
		return "", "", fmt.Errorf("not a bucket locator: %s", locator)
	}
	name, key, found := strings.Cut(rest, "/")
	if !found || name == "" {
		return "", "", fmt.Errorf("bucket locator %s missing bucket or key", locator)
	}
	return scheme + "://" + name, key, nil
}
