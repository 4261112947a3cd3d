package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/cloudhaul/cloudhaul/internal/backend"
	"github.com/cloudhaul/cloudhaul/internal/transfer"
)

// stubBackend serves canned Stat and List answers for expansion tests.
type stubBackend struct {
	infos   map[string]backend.Info
	listed  map[string][]backend.Object
	listErr error
}

func (s *stubBackend) NewReader(context.Context, string, int64, int64) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *stubBackend) NewWriter(context.Context, string, int64, map[string]string) (io.WriteCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *stubBackend) Stat(_ context.Context, locator string) (backend.Info, error) {
	info, ok := s.infos[locator]
	if !ok {
		return backend.Info{}, fmt.Errorf("stat %s: not found", locator)
	}
	return info, nil
}

func (s *stubBackend) List(_ context.Context, locator string, fn func(backend.Object) error) error {
	if s.listErr != nil {
		return s.listErr
	}
	for _, obj := range s.listed[locator] {
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubBackend) Close() error { return nil }

func drain(t *testing.T, r *Resolver) ([]transfer.Unit, error) {
	t.Helper()
	units, errs := r.Units(context.Background())
	var out []transfer.Unit
	for u := range units {
		out = append(out, u)
	}
	if err, ok := <-errs; ok && err != nil {
		return out, err
	}
	return out, nil
}

func TestSingleObjectResolvesSizeAndDigest(t *testing.T) {
	be := &stubBackend{infos: map[string]backend.Info{
		"gs://bkt/obj": {Size: 42, MD5: "abc123"},
	}}

	r := New(be, Request{Source: "gs://bkt/obj", Destination: "/data/obj"}, SplitOptions{})
	units, err := drain(t, r)
	if err != nil {
		t.Fatalf("Units: %v", err)
	}

	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	u := units[0]
	if u.Destination != "/data/obj" || u.ExpectedSize != 42 || u.ContentMD5 != "abc123" {
		t.Errorf("unit = %+v", u)
	}
}

// A destination ending in "/" is a directory; the source's base name is
// appended. A source that cannot be statted still yields a unit, with size
// unknown, and fails at execution time instead of aborting the batch.
func TestSingleObjectDirectoryDestination(t *testing.T) {
	be := &stubBackend{}

	r := New(be, Request{Source: "gs://bkt/path/obj.dat", Destination: "/data/"}, SplitOptions{})
	units, err := drain(t, r)
	if err != nil {
		t.Fatalf("Units: %v", err)
	}

	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	if got := units[0].Destination; got != "/data/obj.dat" {
		t.Errorf("destination = %q, want /data/obj.dat", got)
	}
	if units[0].ExpectedSize != -1 {
		t.Errorf("ExpectedSize = %d, want -1 for unstattable source", units[0].ExpectedSize)
	}
}

func TestRecursiveExpansionMirrorsLayout(t *testing.T) {
	be := &stubBackend{listed: map[string][]backend.Object{
		"gs://bkt/logs/": {
			{Locator: "gs://bkt/logs/2026/a.log", Size: 10},
			{Locator: "gs://bkt/logs/2026/b.log", Size: 20, MD5: "def456"},
		},
	}}

	r := New(be, Request{
		Source:      "gs://bkt/logs/",
		Destination: "/data/logs",
		Recursive:   true,
	}, SplitOptions{})

	units, err := drain(t, r)
	if err != nil {
		t.Fatalf("Units: %v", err)
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Source < units[j].Source })
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].Destination != "/data/logs/2026/a.log" {
		t.Errorf("dest[0] = %q", units[0].Destination)
	}
	if units[1].Destination != "/data/logs/2026/b.log" || units[1].ContentMD5 != "def456" {
		t.Errorf("unit[1] = %+v", units[1])
	}
}

func TestRecursiveExpansionRemoteDestination(t *testing.T) {
	be := &stubBackend{listed: map[string][]backend.Object{
		"/data/logs": {
			{Locator: "/data/logs/a.log", Size: 10},
		},
	}}

	r := New(be, Request{
		Source:      "/data/logs",
		Destination: "gs://bkt/archive",
		Recursive:   true,
	}, SplitOptions{})

	units, err := drain(t, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].Destination != "gs://bkt/archive/a.log" {
		t.Errorf("units = %+v", units)
	}
}

// A recursive request whose source is itself a single object lists exactly
// that object, with an empty relative path; the destination must be used
// as-is, never with a trailing separator tacked on.
func TestRecursiveSingleObjectSource(t *testing.T) {
	be := &stubBackend{listed: map[string][]backend.Object{
		"/data/logs/a.log": {
			{Locator: "/data/logs/a.log", Size: 10},
		},
	}}

	r := New(be, Request{
		Source:      "/data/logs/a.log",
		Destination: "gs://bkt/archive/a.log",
		Recursive:   true,
	}, SplitOptions{})

	units, err := drain(t, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].Destination != "gs://bkt/archive/a.log" {
		t.Errorf("units = %+v, want one unit to gs://bkt/archive/a.log", units)
	}
}

func TestListFailureIsBatchFatal(t *testing.T) {
	wantErr := errors.New("access denied")
	be := &stubBackend{listErr: wantErr}

	r := New(be, Request{Source: "gs://bkt/x/", Destination: "/d", Recursive: true}, SplitOptions{})
	units, err := drain(t, r)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if len(units) != 0 {
		t.Errorf("got %d units from a failed listing", len(units))
	}
}

func TestSplitDividesLargeDownloads(t *testing.T) {
	be := &stubBackend{infos: map[string]backend.Info{
		"gs://bkt/big": {Size: 250},
	}}

	r := New(be, Request{Source: "gs://bkt/big", Destination: "/data/big"},
		SplitOptions{Threshold: 200, PartSize: 100})

	units, err := drain(t, r)
	if err != nil {
		t.Fatal(err)
	}

	if len(units) != 3 {
		t.Fatalf("got %d parts, want 3", len(units))
	}
	wantRanges := [][2]int64{{0, 100}, {100, 200}, {200, 250}}
	for i, u := range units {
		if u.Range == nil {
			t.Fatalf("part %d has no range", i)
		}
		if u.Range.Start != wantRanges[i][0] || u.Range.End != wantRanges[i][1] {
			t.Errorf("part %d range = [%d,%d), want [%d,%d)",
				i, u.Range.Start, u.Range.End, wantRanges[i][0], wantRanges[i][1])
		}
		if u.Source != "gs://bkt/big" || u.Destination != "/data/big" {
			t.Errorf("part %d locators = %s -> %s", i, u.Source, u.Destination)
		}
		if u.PartCount != 3 {
			t.Errorf("part %d PartCount = %d, want 3", i, u.PartCount)
		}
	}
}

func TestSplitSkippedBelowThreshold(t *testing.T) {
	be := &stubBackend{infos: map[string]backend.Info{
		"gs://bkt/small": {Size: 150},
	}}

	r := New(be, Request{Source: "gs://bkt/small", Destination: "/data/small"},
		SplitOptions{Threshold: 200, PartSize: 100})

	units, err := drain(t, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].Range != nil {
		t.Errorf("units = %+v, want one whole-object unit", units)
	}
}

// Object stores cannot write at an offset, so uploads are never split no
// matter how large the source is.
func TestSplitSkippedForRemoteDestination(t *testing.T) {
	be := &stubBackend{infos: map[string]backend.Info{
		"/data/big": {Size: 1000},
	}}

	r := New(be, Request{Source: "/data/big", Destination: "gs://bkt/big"},
		SplitOptions{Threshold: 200, PartSize: 100})

	units, err := drain(t, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].Range != nil {
		t.Errorf("units = %+v, want one whole-object unit", units)
	}
}

func TestSplitPure(t *testing.T) {
	u := transfer.Unit{Source: "s", Destination: "d", ExpectedSize: 100}

	if parts := Split(u, 100); len(parts) != 1 || parts[0].Range != nil {
		t.Errorf("exact multiple of one part = %+v, want unsplit", parts)
	}
	if parts := Split(u, 0); len(parts) != 1 {
		t.Errorf("zero part size split into %d", len(parts))
	}

	unknown := transfer.Unit{Source: "s", Destination: "d", ExpectedSize: -1}
	if parts := Split(unknown, 10); len(parts) != 1 || parts[0].Range != nil {
		t.Errorf("unknown size = %+v, want unsplit", parts)
	}

	parts := Split(u, 40)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	var covered int64
	for _, p := range parts {
		covered += p.Range.Len()
		if p.PartCount != 3 {
			t.Errorf("PartCount = %d, want 3", p.PartCount)
		}
	}
	if covered != 100 {
		t.Errorf("ranges cover %d bytes, want 100", covered)
	}
}

func TestRelativeTo(t *testing.T) {
	cases := []struct{ root, locator, want string }{
		{"gs://bkt/logs/", "gs://bkt/logs/2026/a.log", "2026/a.log"},
		{"gs://bkt/logs", "gs://bkt/logs/a.log", "a.log"},
		{"/data", "/data/sub/x", "sub/x"},
	}
	for _, tc := range cases {
		if got := relativeTo(tc.root, tc.locator); got != tc.want {
			t.Errorf("relativeTo(%q, %q) = %q, want %q", tc.root, tc.locator, got, tc.want)
		}
	}
}

func TestJoinLocator(t *testing.T) {
	if got := joinLocator("gs://bkt/dir", "a/b"); got != "gs://bkt/dir/a/b" {
		t.Errorf("remote join = %q", got)
	}
	if got := joinLocator("gs://bkt/dir/", "a"); got != "gs://bkt/dir/a" {
		t.Errorf("remote join with trailing slash = %q", got)
	}
	if got := joinLocator("/data", "a/b"); !strings.HasSuffix(got, "a/b") && !strings.HasSuffix(got, `a\b`) {
		t.Errorf("local join = %q", got)
	}
	// An empty relative path means the listing root was itself an object.
	if got := joinLocator("gs://bkt/dir/", ""); got != "gs://bkt/dir" {
		t.Errorf("remote join with empty rel = %q, want gs://bkt/dir", got)
	}
	if got := joinLocator("/data/obj", ""); got != "/data/obj" {
		t.Errorf("local join with empty rel = %q, want /data/obj", got)
	}
}
