package geotiff

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Decompressor inflates one compressed tile or strip. expectedSize is the
// decompressed size derived from the image layout and may be used as a
// capacity hint; implementations must not rely on it being exact.
type Decompressor func(src []byte, expectedSize int) ([]byte, error)

var codecs = struct {
	sync.RWMutex
	m map[uint16]Decompressor
}{m: make(map[uint16]Decompressor)}

// RegisterCodec associates a Compression tag value with a decompressor,
// replacing any previous registration.
func RegisterCodec(id uint16, d Decompressor) {
	codecs.Lock()
	defer codecs.Unlock()
	codecs.m[id] = d
}

// LookupCodec returns the decompressor registered for a Compression value.
func LookupCodec(id uint16) (Decompressor, bool) {
	codecs.RLock()
	defer codecs.RUnlock()
	d, ok := codecs.m[id]
	return d, ok
}

func init() {
	RegisterCodec(Uncompressed, passThrough)
	RegisterCodec(DEFLATE, inflate)
	RegisterCodec(AdobeDEFLATE, inflate)
	RegisterCodec(ZSTDPrivate, unzstd)
}

func passThrough(src []byte, _ int) ([]byte, error) {
	return src, nil
}

func inflate(src []byte, expectedSize int) ([]byte, error) {
	z, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib reader for tile: %w", err)
	}
	defer z.Close()

	buf := bytes.NewBuffer(make([]byte, 0, expectedSize))
	if _, err := io.Copy(buf, z); err != nil {
		return nil, fmt.Errorf("failed to decompress tile data: %w", err)
	}
	return buf.Bytes(), nil
}

var zstdDecPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	},
}

func unzstd(src []byte, expectedSize int) ([]byte, error) {
	dec := zstdDecPool.Get().(*zstd.Decoder)
	defer zstdDecPool.Put(dec)

	out, err := dec.DecodeAll(src, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
