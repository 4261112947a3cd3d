package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // gs:// driver
	_ "gocloud.dev/blob/s3blob"  // s3:// driver
)

// Buckets implements Backend against cloud object stores via gocloud blob
// drivers. Open buckets are cached per bucket URL for the life of the
// process.
type Buckets struct {
	mu   sync.Mutex
	open map[string]*blob.Bucket
}

// NewBuckets creates a bucket backend.
func NewBuckets() *Buckets {
	return &Buckets{
		open: make(map[string]*blob.Bucket),
	}
}

// bucketFor returns the cached bucket for a locator, opening it on first use.
func (b *Buckets) bucketFor(ctx context.Context, locator string) (*blob.Bucket, string, error) {
	bucketURL, key, err := splitBucketURL(locator)
	if err != nil {
		return nil, "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if bkt, ok := b.open[bucketURL]; ok {
		return bkt, key, nil
	}

	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, "", fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	b.open[bucketURL] = bkt
	return bkt, key, nil
}

// NewReader opens a ranged reader on the object.
func (b *Buckets) NewReader(ctx context.Context, locator string, offset, length int64) (io.ReadCloser, error) {
	bkt, key, err := b.bucketFor(ctx, locator)
	if err != nil {
		return nil, err
	}

	r, err := bkt.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, fmt.Errorf("open reader for %s: %w", locator, err)
	}
	return r, nil
}

// NewWriter opens a writer on the object. Object stores cannot write at an
// offset, so anything but a whole-object write is rejected.
func (b *Buckets) NewWriter(ctx context.Context, locator string, offset int64, meta map[string]string) (io.WriteCloser, error) {
	if offset >= 0 {
		return nil, fmt.Errorf("%w: %s at offset %d", ErrRangedWrite, locator, offset)
	}

	bkt, key, err := b.bucketFor(ctx, locator)
	if err != nil {
		return nil, err
	}

	w, err := bkt.NewWriter(ctx, key, writerOptions(meta))
	if err != nil {
		return nil, fmt.Errorf("open writer for %s: %w", locator, err)
	}
	return w, nil
}

// writerOptions maps the metadata bag onto blob writer options. Well-known
// HTTP-style keys become first-class attributes; the rest travel as object
// metadata.
func writerOptions(meta map[string]string) *blob.WriterOptions {
	if len(meta) == 0 {
		return nil
	}

	opts := &blob.WriterOptions{}
	extra := make(map[string]string)
	for k, v := range meta {
		switch k {
		case "Content-Type":
			opts.ContentType = v
		case "Cache-Control":
			opts.CacheControl = v
		case "Content-Encoding":
			opts.ContentEncoding = v
		case "Content-Disposition":
			opts.ContentDisposition = v
		case "Content-Language":
			opts.ContentLanguage = v
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		opts.Metadata = extra
	}
	return opts
}

// Stat returns object attributes, including the store's MD5 when reported.
func (b *Buckets) Stat(ctx context.Context, locator string) (Info, error) {
	bkt, key, err := b.bucketFor(ctx, locator)
	if err != nil {
		return Info{}, err
	}

	attrs, err := bkt.Attributes(ctx, key)
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", locator, err)
	}

	info := Info{
		Size:    attrs.Size,
		ModTime: attrs.ModTime,
	}
	if len(attrs.MD5) > 0 {
		info.MD5 = hex.EncodeToString(attrs.MD5)
	}
	return info, nil
}

// List reports every object under the locator's key prefix.
func (b *Buckets) List(ctx context.Context, locator string, fn func(Object) error) error {
	bkt, key, err := b.bucketFor(ctx, locator)
	if err != nil {
		return err
	}

	scheme, rest, _ := splitScheme(locator)
	bucketName, _, _ := cutBucket(rest)

	iter := bkt.List(&blob.ListOptions{Prefix: key})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", locator, err)
		}
		if obj.IsDir {
			continue
		}

		o := Object{
			Locator: fmt.Sprintf("%s://%s/%s", scheme, bucketName, obj.Key),
			Size:    obj.Size,
		}
		if len(obj.MD5) > 0 {
			o.MD5 = hex.EncodeToString(obj.MD5)
		}
		if err := fn(o); err != nil {
			return err
		}
	}
}

func cutBucket(rest string) (bucket, key string, found bool) {
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return rest, "", false
}

// Close releases all cached bucket connections.
func (b *Buckets) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	for url, bkt := range b.open {
		if err := bkt.Close(); err != nil && first == nil {
			first = fmt.Errorf("close bucket %s: %w", url, err)
		}
		delete(b.open, url)
	}
	return first
}
