package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudhaul/cloudhaul/internal/backend"
)

// errFlaky is the injected transient failure used by retry tests.
var errFlaky = errors.New("transient backend glitch")

// RetryFlaky is the classifier used in tests: only errFlaky is retryable.
func RetryFlaky(err error) bool {
	return errors.Is(err, errFlaky)
}

// fakeBackend is an in-memory backend.Backend with failure injection and
// concurrency observation.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	md5s    map[string]string

	// OpenFailures holds per-locator counts of transient failures to
	// inject before reads succeed.
	OpenFailures map[string]int

	// reads counts successful reader opens per locator.
	reads map[string]int

	// ReadDelay stretches each transfer so overlap is observable.
	ReadDelay time.Duration

	// gate, when non-nil, blocks every reader open until released.
	Gate chan struct{}

	executing    int
	maxExecuting int
}

func NewFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects:      make(map[string][]byte),
		md5s:         make(map[string]string),
		OpenFailures: make(map[string]int),
		reads:        make(map[string]int),
	}
}

func (b *fakeBackend) Put(locator string, data []byte) {
	sum := md5.Sum(data)
	b.mu.Lock()
	b.objects[locator] = data
	b.md5s[locator] = hex.EncodeToString(sum[:])
	b.mu.Unlock()
}

func (b *fakeBackend) Get(locator string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[locator]
	return data, ok
}

func (b *fakeBackend) ReadCount(locator string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads[locator]
}

func (b *fakeBackend) PeakConcurrency() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxExecuting
}

func (b *fakeBackend) NewReader(ctx context.Context, locator string, offset, length int64) (io.ReadCloser, error) {
	b.mu.Lock()
	if n := b.OpenFailures[locator]; n > 0 {
		b.OpenFailures[locator] = n - 1
		b.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", locator, errFlaky)
	}
	data, ok := b.objects[locator]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", locator, fs.ErrNotExist)
	}
	b.reads[locator]++
	b.executing++
	if b.executing > b.maxExecuting {
		b.maxExecuting = b.executing
	}
	gate := b.Gate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if b.ReadDelay > 0 {
		time.Sleep(b.ReadDelay)
	}

	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	slice := data[offset:]
	if length >= 0 && length < int64(len(slice)) {
		slice = slice[:length]
	}

	return &fakeReader{
		Reader: bytes.NewReader(slice),
		onClose: func() {
			b.mu.Lock()
			b.executing--
			b.mu.Unlock()
		},
	}, nil
}

type fakeReader struct {
	*bytes.Reader
	onClose func()
	closed  bool
}

func (r *fakeReader) Close() error {
	if !r.closed {
		r.closed = true
		r.onClose()
	}
	return nil
}

func (b *fakeBackend) NewWriter(ctx context.Context, locator string, offset int64, meta map[string]string) (io.WriteCloser, error) {
	return &fakeWriter{be: b, locator: locator, offset: offset}, nil
}

type fakeWriter struct {
	be      *fakeBackend
	locator string
	offset  int64
	buf     bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	w.be.mu.Lock()
	defer w.be.mu.Unlock()

	data := w.buf.Bytes()
	if w.offset >= 0 {
		// Positioned write: splice into the existing object, keeping any
		// bytes sibling ranges already wrote beyond this range.
		existing := w.be.objects[w.locator]
		size := int64(len(existing))
		if end := w.offset + int64(len(data)); end > size {
			size = end
		}
		grown := make([]byte, size)
		copy(grown, existing)
		copy(grown[w.offset:], data)
		data = grown
	}
	sum := md5.Sum(data)
	w.be.objects[w.locator] = append([]byte(nil), data...)
	w.be.md5s[w.locator] = hex.EncodeToString(sum[:])
	return nil
}

func (b *fakeBackend) Stat(ctx context.Context, locator string) (backend.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[locator]
	if !ok {
		return backend.Info{}, fmt.Errorf("stat %s: %w", locator, fs.ErrNotExist)
	}
	return backend.Info{Size: int64(len(data)), MD5: b.md5s[locator]}, nil
}

func (b *fakeBackend) List(ctx context.Context, locator string, fn func(backend.Object) error) error {
	b.mu.Lock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, locator) {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		data, _ := b.Get(k)
		if err := fn(backend.Object{Locator: k, Size: int64(len(data))}); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) Close() error {
	return nil
}

// NullProgress is a no-op ProgressSink for tests that don't observe progress.
type NullProgress struct{}

func (NullProgress) Report(string, int64, int64) {}
func (NullProgress) Done(string, int64)          {}

// sliceSource is a UnitSource backed by a fixed slice.
type sliceSource struct {
	units []Unit
	err   error
}

// NewSliceSource builds a sliceSource; exported so the external test package
// can construct one.
func NewSliceSource(units []Unit, err error) *sliceSource {
	return &sliceSource{units: units, err: err}
}

func (s *sliceSource) Units(ctx context.Context) (<-chan Unit, <-chan error) {
	units := make(chan Unit)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(units)
		for _, u := range s.units {
			select {
			case units <- u:
			case <-ctx.Done():
				return
			}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return units, errs
}

// Collect drains the executor's results after closing submissions.
func Collect(e *Executor) []Result {
	e.Close()
	var out []Result
	for res := range e.Results() {
		out = append(out, res)
	}
	return out
}

func MustUnit(source, destination string, size int64) Unit {
	u, err := NewUnit(source, destination)
	if err != nil {
		panic(err)
	}
	u.ExpectedSize = size
	return u
}
