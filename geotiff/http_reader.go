package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// HTTPRangeReader satisfies the io.ReadSeeker and io.ReaderAt interfaces
// for remote files over HTTP, fetching bytes with Range requests.
type HTTPRangeReader struct {
	url    string
	client *http.Client
	size   int64

	// limiter, when set, paces the range requests.
	limiter *rate.Limiter

	// mu protects the offset field for sequential Read/Seek operations.
	mu     sync.Mutex
	offset int64
}

// NewHTTPRangeReader issues a HEAD request to learn the size of the remote
// file and checks that the server accepts byte ranges.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}

	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}

	size := resp.ContentLength
	if size <= 0 {
		return nil, fmt.Errorf("could not determine content length or file is empty")
	}

	return &HTTPRangeReader{
		url:    url,
		client: client,
		size:   size,
	}, nil
}

// WithLimiter paces every following range request with l.
func (h *HTTPRangeReader) WithLimiter(l *rate.Limiter) *HTTPRangeReader {
	h.limiter = l
	return h
}

// Size returns the size of the remote file.
func (h *HTTPRangeReader) Size() int64 { return h.size }

// Read performs a sequential read. The lock is held for the entire duration
// of the network request.
func (h *HTTPRangeReader) Read(p []byte) (n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.offset >= h.size {
		return 0, io.EOF
	}

	n, err = h.readAt(context.Background(), p, h.offset)
	if n > 0 {
		h.offset += int64(n)
	}
	return n, err
}

// Seek updates the internal offset for the next sequential Read.
func (h *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = h.offset + offset
	case io.SeekEnd:
		newOffset = h.size + offset
	default:
		return 0, errors.New("invalid whence")
	}

	if newOffset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	h.offset = newOffset
	return h.offset, nil
}

// ReadAt implements io.ReaderAt for concurrent, stateless reads. It does
// not use the mutex and does not affect the internal offset.
func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (n int, err error) {
	return h.readAt(context.Background(), p, off)
}

// ReadAtContext is ReadAt bound to ctx, used for tile fetches so that a
// cancelled request stops its pending range requests.
func (h *HTTPRangeReader) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	return h.readAt(ctx, p, off)
}

// readAt is the underlying stateless read implementation.
func (h *HTTPRangeReader) readAt(ctx context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http.readAt: invalid offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}

	bytesToRead := int64(len(p))
	if off+bytesToRead > h.size {
		bytesToRead = h.size - off
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}

	rangeEnd := off + bytesToRead - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, rangeEnd))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
	}

	n, err = io.ReadFull(resp.Body, p[:bytesToRead])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}
