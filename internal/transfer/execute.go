package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/cloudhaul/cloudhaul/internal/backend"
)

// ErrChecksumMismatch is returned when the destination digest does not match
// the expected source digest. Never retried.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ProgressSink receives per-unit byte counts. Implementations must not block
// the caller beyond a brief critical section.
type ProgressSink interface {
	// Report records the cumulative byte count for one unit.
	Report(key string, done, total int64)

	// Done removes the unit and folds its final count into the batch total.
	Done(key string, final int64)
}

// ExecOptions tunes single-unit execution.
type ExecOptions struct {
	// ChunkSize is the streaming buffer size in bytes.
	ChunkSize int

	// VerifyChecksums compares the destination digest against the unit's
	// ContentMD5 after the copy completes.
	VerifyChecksums bool

	// GzipUpload compresses whole-object local-to-remote uploads and sets
	// Content-Encoding: gzip on the destination. Ranged units are never
	// compressed.
	GzipUpload bool

	// SkipExisting skips units whose destination already holds a matching
	// object (same size, and same MD5 when both digests are known).
	SkipExisting bool
}

// runner executes individual units against a backend. All failures become
// error results; nothing escapes as a panic or returned error.
type runner struct {
	be   backend.Backend
	prog ProgressSink
	opts ExecOptions
}

// run performs exactly one unit of data movement and reports a result.
func (r *runner) run(ctx context.Context, u Unit) Result {
	res := Result{
		Unit:      u,
		StartedAt: time.Now(),
	}

	fail := func(detail string, err error, partial int64) Result {
		res.Status = StatusError
		res.Err = err
		res.Description = fmt.Sprintf("%s: %v", detail, err)
		res.BytesTransferred = partial
		res.FinishedAt = time.Now()
		return res
	}

	// Range units need the source size to detect an already-finished resume.
	var sourceSize int64 = -1
	if u.Range != nil {
		info, err := r.be.Stat(ctx, u.Source)
		if err != nil {
			return fail("stat source", err, 0)
		}
		sourceSize = info.Size

		if u.Range.Start >= sourceSize {
			// A prior attempt already moved the whole object.
			res.Status = StatusOK
			res.BytesTransferred = sourceSize
			res.MD5 = u.ContentMD5
			res.Description = "nothing left to resume"
			res.FinishedAt = time.Now()
			return res
		}
	}

	if r.opts.SkipExisting && u.Range == nil {
		if skip, why := r.destinationMatches(ctx, u); skip {
			res.Status = StatusSkipped
			res.Description = why
			res.FinishedAt = time.Now()
			return res
		}
	}

	offset, length := int64(0), int64(-1)
	writeOffset := int64(-1) // whole object
	progTotal := u.ExpectedSize
	if u.Range != nil {
		offset = u.Range.Start
		end := u.Range.End
		if sourceSize >= 0 && end > sourceSize {
			end = sourceSize
		}
		length = end - offset
		writeOffset = offset
		progTotal = length
	}

	rd, err := r.be.NewReader(ctx, u.Source, offset, length)
	if err != nil {
		return fail("open source", err, 0)
	}
	defer rd.Close()

	compress := r.opts.GzipUpload && u.Range == nil &&
		!backend.IsRemote(u.Source) && backend.IsRemote(u.Destination)

	meta := u.Metadata
	if compress {
		meta = make(map[string]string, len(u.Metadata)+1)
		for k, v := range u.Metadata {
			meta[k] = v
		}
		meta["Content-Encoding"] = "gzip"
	}

	w, err := r.be.NewWriter(ctx, u.Destination, writeOffset, meta)
	if err != nil {
		return fail("open destination", err, 0)
	}

	done, digest, copyErr := r.stream(ctx, u.Key(), rd, w, compress, progTotal)
	if copyErr != nil {
		// Partial destination data stays in place for diagnosis.
		w.Close()
		if errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, context.DeadlineExceeded) {
			return fail("canceled", copyErr, done)
		}
		return fail("copy", copyErr, done)
	}

	if err := w.Close(); err != nil {
		return fail("close destination", err, done)
	}

	res.BytesTransferred = done
	res.MD5 = digest

	if r.opts.VerifyChecksums && u.ContentMD5 != "" && u.Range == nil && !compress {
		if err := r.verify(ctx, u, digest); err != nil {
			return fail("verify", err, done)
		}
	}

	res.Status = StatusOK
	res.FinishedAt = time.Now()
	return res
}

// stream copies source bytes to the destination in fixed-size chunks,
// reporting cumulative progress after every chunk and checking for
// cancellation at each chunk boundary. The digest covers the source bytes,
// before any compression.
func (r *runner) stream(ctx context.Context, key string, rd io.Reader, w io.Writer, compress bool, progTotal int64) (int64, string, error) {
	var sink io.Writer = w
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(w)
		sink = gz
	}

	h := md5.New()
	buf := make([]byte, r.opts.ChunkSize)
	var done int64

	for {
		if err := ctx.Err(); err != nil {
			return done, "", err
		}

		n, rerr := rd.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return done, "", fmt.Errorf("write destination: %w", werr)
			}
			done += int64(n)
			r.prog.Report(key, done, progTotal)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return done, "", fmt.Errorf("read source: %w", rerr)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return done, "", fmt.Errorf("flush gzip stream: %w", err)
		}
	}
	return done, digestString(h), nil
}

func digestString(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// verify compares the destination digest against the unit's expected MD5,
// preferring the store's own digest over the streamed one.
func (r *runner) verify(ctx context.Context, u Unit, streamed string) error {
	got := streamed
	if info, err := r.be.Stat(ctx, u.Destination); err == nil && info.MD5 != "" {
		got = info.MD5
	}
	if got != u.ContentMD5 {
		return fmt.Errorf("%w: source=%s destination=%s", ErrChecksumMismatch, u.ContentMD5, got)
	}
	return nil
}

// destinationMatches reports whether the destination already holds the
// object, requiring a size match and, when both digests are known, an MD5
// match.
func (r *runner) destinationMatches(ctx context.Context, u Unit) (bool, string) {
	info, err := r.be.Stat(ctx, u.Destination)
	if err != nil {
		return false, ""
	}
	if u.ExpectedSize < 0 || info.Size != u.ExpectedSize {
		return false, ""
	}
	if u.ContentMD5 != "" && info.MD5 != "" && info.MD5 != u.ContentMD5 {
		return false, ""
	}
	return true, "destination exists"
}
