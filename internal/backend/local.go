package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local implements Backend against the local filesystem.
type Local struct{}

// NewLocal creates a filesystem backend.
func NewLocal() *Local {
	return &Local{}
}

// NewReader opens the file, positioned at offset and limited to length bytes
// (-1 for the remainder).
func (l *Local) NewReader(ctx context.Context, locator string, offset, length int64) (io.ReadCloser, error) {
	path := localPath(locator)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s to %d: %w", path, offset, err)
		}
	}

	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

// limitedFile bounds reads to a byte range while keeping Close on the file.
type limitedFile struct {
	io.Reader
	f *os.File
}

func (r *limitedFile) Close() error {
	return r.f.Close()
}

// NewWriter creates the destination file, truncating only for whole-object
// writes (negative offset). Ranged writes seek into an existing or sparse
// file and must never truncate: a range starting at byte 0 still has sibling
// ranges beyond it.
func (l *Local) NewWriter(ctx context.Context, locator string, offset int64, meta map[string]string) (io.WriteCloser, error) {
	path := localPath(locator)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset < 0 {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s to %d: %w", path, offset, err)
		}
	}

	return f, nil
}

// Stat returns file size and modification time. The filesystem tracks no
// digest, so MD5 is empty.
func (l *Local) Stat(ctx context.Context, locator string) (Info, error) {
	path := localPath(locator)

	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Info{
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}, nil
}

// List walks the directory rooted at the locator, reporting regular files.
// A locator naming a single file yields exactly that file.
func (l *Local) List(ctx context.Context, locator string, fn func(Object) error) error {
	root := localPath(locator)

	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat %s: %w", root, err)
	}

	if !fi.IsDir() {
		return fn(Object{Locator: root, Size: fi.Size()})
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(Object{Locator: path, Size: info.Size()})
	})
}

// Close is a no-op for the filesystem.
func (l *Local) Close() error {
	return nil
}
