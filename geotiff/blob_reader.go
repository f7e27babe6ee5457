package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"
)

// BlobReader satisfies io.ReadSeeker and io.ReaderAt interfaces
// for cloud buckets (S3, GCS, Azure, etc.) using gocloud.dev/blob.
type BlobReader struct {
	bucket *blob.Bucket
	key    string
	size   int64

	// mu protects the offset field for sequential Read/Seek operations.
	mu     sync.Mutex
	offset int64
}

// NewBlobReader creates a new reader for a blob in a bucket.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	// Get attributes to determine file size and existence.
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}

	return &BlobReader{
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

// Size returns the size of the blob.
func (r *BlobReader) Size() int64 { return r.size }

// Read performs a sequential read.
func (r *BlobReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offset >= r.size {
		return 0, io.EOF
	}

	n, err = r.readAt(context.Background(), p, r.offset)
	if n > 0 {
		r.offset += int64(n)
	}
	return n, err
}

// Seek updates the internal offset for the next sequential Read.
func (r *BlobReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = r.offset + offset
	case io.SeekEnd:
		newOffset = r.size + offset
	default:
		return 0, errors.New("invalid whence")
	}

	if newOffset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	r.offset = newOffset
	return r.offset, nil
}

// ReadAt implements io.ReaderAt for concurrent, stateless reads.
func (r *BlobReader) ReadAt(p []byte, off int64) (n int, err error) {
	return r.readAt(context.Background(), p, off)
}

// ReadAtContext is ReadAt bound to ctx.
func (r *BlobReader) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	return r.readAt(ctx, p, off)
}

// readAt is the underlying stateless read implementation.
func (r *BlobReader) readAt(ctx context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("blob.readAt: invalid offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}

	length := int64(len(p))
	if off+length > r.size {
		length = r.size - off
	}

	// gocloud.dev/blob range readers take an offset and a length, not an end byte.
	reader, err := r.bucket.NewRangeReader(ctx, r.key, off, length, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range reader: %w", err)
	}
	defer reader.Close()

	n, err = io.ReadFull(reader, p[:length])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}
