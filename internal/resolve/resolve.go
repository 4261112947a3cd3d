// Package resolve turns user-supplied source/destination arguments into
// concrete transfer units, expanding directories and bucket prefixes and
// optionally splitting large downloads into byte ranges.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/cloudhaul/cloudhaul/internal/backend"
	"github.com/cloudhaul/cloudhaul/internal/logging"
	"github.com/cloudhaul/cloudhaul/internal/transfer"
)

// Request is one user-level copy request.
type Request struct {
	Source      string
	Destination string

	// Recursive expands a directory or key prefix into individual objects.
	Recursive bool

	// Metadata is applied to every destination object.
	Metadata map[string]string
}

// SplitOptions is the range-splitting policy for large downloads. Threshold
// zero disables splitting. Splitting only applies to filesystem
// destinations; object stores cannot write at an offset.
type SplitOptions struct {
	Threshold int64 // split sources at or above this many bytes
	PartSize  int64 // bytes per range
}

// Resolver expands requests into units. It implements transfer.UnitSource.
type Resolver struct {
	be    backend.Backend
	req   Request
	split SplitOptions
	log   *slog.Logger
}

// New creates a resolver for one request.
func New(be backend.Backend, req Request, split SplitOptions) *Resolver {
	return &Resolver{
		be:    be,
		req:   req,
		split: split,
		log:   logging.Component("resolve"),
	}
}

// Units streams the expanded transfer units. The error channel closes after
// the unit channel; at most one batch-fatal error is sent.
func (r *Resolver) Units(ctx context.Context) (<-chan transfer.Unit, <-chan error) {
	units := make(chan transfer.Unit)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(units)

		emit := func(u transfer.Unit) error {
			for _, part := range r.maybeSplit(u) {
				select {
				case units <- part:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}

		var err error
		if r.req.Recursive {
			err = r.expandPrefix(ctx, emit)
		} else {
			err = r.expandSingle(ctx, emit)
		}
		if err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return units, errs
}

// expandSingle resolves one source object. Size and digest are best-effort;
// a missing source becomes a unit-scoped error at execution time, not a
// batch failure.
func (r *Resolver) expandSingle(ctx context.Context, emit func(transfer.Unit) error) error {
	dst := r.req.Destination
	if strings.HasSuffix(dst, "/") {
		dst = joinLocator(dst, baseName(r.req.Source))
	}

	u := transfer.Unit{
		Source:       r.req.Source,
		Destination:  dst,
		ExpectedSize: -1,
		Metadata:     r.req.Metadata,
	}
	if info, err := r.be.Stat(ctx, r.req.Source); err == nil {
		u.ExpectedSize = info.Size
		u.ContentMD5 = info.MD5
	}
	return emit(u)
}

// expandPrefix lists every object under the source and mirrors the relative
// layout under the destination. Listing failures are batch-fatal: the
// request cannot even be enumerated.
func (r *Resolver) expandPrefix(ctx context.Context, emit func(transfer.Unit) error) error {
	count := 0
	err := r.be.List(ctx, r.req.Source, func(obj backend.Object) error {
		rel := relativeTo(r.req.Source, obj.Locator)
		u := transfer.Unit{
			Source:       obj.Locator,
			Destination:  joinLocator(r.req.Destination, rel),
			ExpectedSize: obj.Size,
			ContentMD5:   obj.MD5,
			Metadata:     r.req.Metadata,
		}
		count++
		return emit(u)
	})
	if err != nil {
		return fmt.Errorf("expand %s: %w", r.req.Source, err)
	}
	r.log.Debug("expanded request", "source", r.req.Source, "objects", count)
	return nil
}

// maybeSplit applies the range-splitting policy to one unit.
func (r *Resolver) maybeSplit(u transfer.Unit) []transfer.Unit {
	if r.split.Threshold <= 0 || r.split.PartSize <= 0 {
		return []transfer.Unit{u}
	}
	if u.Range != nil || u.ExpectedSize < r.split.Threshold {
		return []transfer.Unit{u}
	}
	if backend.IsRemote(u.Destination) {
		return []transfer.Unit{u}
	}
	return Split(u, r.split.PartSize)
}

// Split divides a whole-object unit into contiguous byte-range units of at
// most partSize bytes each. The unit's ExpectedSize must be known.
func Split(u transfer.Unit, partSize int64) []transfer.Unit {
	if u.ExpectedSize <= 0 || partSize <= 0 || u.ExpectedSize <= partSize {
		return []transfer.Unit{u}
	}

	var parts []transfer.Unit
	for start := int64(0); start < u.ExpectedSize; start += partSize {
		end := start + partSize
		if end > u.ExpectedSize {
			end = u.ExpectedSize
		}
		part := u
		part.Range = &transfer.ByteRange{Start: start, End: end}
		parts = append(parts, part)
	}
	for i := range parts {
		parts[i].PartCount = len(parts)
	}
	return parts
}

// relativeTo strips the listing root from an expanded locator.
func relativeTo(root, locator string) string {
	rel := strings.TrimPrefix(locator, strings.TrimSuffix(root, "/"))
	return strings.TrimPrefix(rel, "/")
}

// joinLocator appends a relative path to a destination locator using the
// destination's separator convention. An empty rel means the listing root
// was itself an object; the destination is used as-is, never with a
// trailing empty key segment.
func joinLocator(dst, rel string) string {
	if backend.IsRemote(dst) {
		if rel == "" {
			return strings.TrimSuffix(dst, "/")
		}
		return strings.TrimSuffix(dst, "/") + "/" + rel
	}
	if rel == "" {
		return filepath.Clean(dst)
	}
	return filepath.Join(dst, filepath.FromSlash(rel))
}

// baseName returns the last path element of a locator.
func baseName(locator string) string {
	if backend.IsRemote(locator) {
		return path.Base(locator)
	}
	return filepath.Base(locator)
}
