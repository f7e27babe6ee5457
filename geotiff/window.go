package geotiff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// SampleBlock is a band-interleaved block of raw samples in file row order.
type SampleBlock struct {
	Data           []byte
	Width          int
	Height         int
	Bands          int
	BytesPerSample int
	ByteOrder      binary.ByteOrder
}

// PixelStride returns the number of bytes of one pixel.
func (b *SampleBlock) PixelStride() int { return b.Bands * b.BytesPerSample }

// contextReaderAt is implemented by remote readers that can bind a read to
// the caller's context.
type contextReaderAt interface {
	ReadAtContext(ctx context.Context, p []byte, off int64) (int, error)
}

const tileTTL = 10 * time.Minute

// ReadWindow returns the samples of every pixel in win, expressed in the
// file's own pixel grid. Only the blocks intersecting win are fetched.
// Pixels of win outside the image hold the fill byte.
func (g *GeoTIFF) ReadWindow(ctx context.Context, win image.Rectangle) (*SampleBlock, error) {
	if win.Empty() {
		return nil, decodeErr("read window", fmt.Errorf("empty window %v", win))
	}

	bps := int(g.bitsPerSample) / 8
	spp := int(g.samplesPerPixel)
	stride := spp * bps

	block := &SampleBlock{
		Data:           make([]byte, win.Dx()*win.Dy()*stride),
		Width:          win.Dx(),
		Height:         win.Dy(),
		Bands:          spp,
		BytesPerSample: bps,
		ByteOrder:      g.byteOrder,
	}
	if g.fill != 0 {
		for i := range block.Data {
			block.Data[i] = g.fill
		}
	}

	in := win.Intersect(image.Rect(0, 0, int(g.imageWidth), int(g.imageLength)))
	if in.Empty() {
		return block, nil
	}

	tw, th := int(g.tileWidth), int(g.tileLength)
	colStart, colEnd := in.Min.X/tw, (in.Max.X-1)/tw
	rowStart, rowEnd := in.Min.Y/th, (in.Max.Y-1)/th

	planes := 1
	if g.planar == PlanarSeparate {
		planes = spp
	}
	tilesPerPlane := g.tilesAcross * g.tilesDown

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.fetchConcurrency)
	for plane := 0; plane < planes; plane++ {
		for row := rowStart; row <= rowEnd; row++ {
			for col := colStart; col <= colEnd; col++ {
				tileNum := plane*tilesPerPlane + row*g.tilesAcross + col
				eg.Go(func() error {
					data, err := g.getTileData(ctx, tileNum)
					if err != nil {
						return err
					}
					return g.copyTile(block, win, in, data, plane, col, row)
				})
			}
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, decodeErr("read window", err)
	}
	return block, nil
}

// copyTile copies the part of one decoded block overlapping in into block.
// Blocks never overlap so concurrent calls write disjoint bytes.
func (g *GeoTIFF) copyTile(block *SampleBlock, win, in image.Rectangle, data []byte, plane, col, row int) error {
	tw, th := int(g.tileWidth), int(g.tileLength)
	tile := image.Rect(col*tw, row*th, (col+1)*tw, (row+1)*th)
	overlap := tile.Intersect(in)

	bps := block.BytesPerSample
	stride := block.PixelStride()
	tileStride := tw * stride
	if g.planar == PlanarSeparate {
		tileStride = tw * bps
	}

	// Rows of the block that are actually needed must be present, the last
	// strip of a stripped file is usually shorter than RowsPerStrip.
	need := (overlap.Max.Y-tile.Min.Y-1)*tileStride + (overlap.Max.X-tile.Min.X)*(tileStride/tw)
	if len(data) < need {
		return fmt.Errorf("block %d,%d holds %d bytes, need %d", col, row, len(data), need)
	}

	for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
		srcRow := (y - tile.Min.Y) * tileStride
		dstRow := (y - win.Min.Y) * block.Width * stride
		if g.planar != PlanarSeparate {
			src := srcRow + (overlap.Min.X-tile.Min.X)*stride
			dst := dstRow + (overlap.Min.X-win.Min.X)*stride
			copy(block.Data[dst:dst+overlap.Dx()*stride], data[src:src+overlap.Dx()*stride])
			continue
		}
		for x := overlap.Min.X; x < overlap.Max.X; x++ {
			src := srcRow + (x-tile.Min.X)*bps
			dst := dstRow + (x-win.Min.X)*stride + plane*bps
			copy(block.Data[dst:dst+bps], data[src:src+bps])
		}
	}
	return nil
}

// getTileData retrieves a block, decompresses it, undoes the predictor and
// caches the result.
func (g *GeoTIFF) getTileData(ctx context.Context, tileNum int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := g.name + "#" + strconv.Itoa(tileNum)
	item := g.tileCache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	// Concurrent requests for the same block share one fetch. It is not
	// bound to the caller that started it, so another window waiting on the
	// same block is unaffected when that caller gives up.
	fetchCtx := context.WithoutCancel(ctx)
	ch := g.inflightData.DoChan(key, func() (interface{}, error) {
		data, err := g.fetchAndDecompressTile(fetchCtx, tileNum)
		if err != nil {
			return nil, err
		}
		if g.predictor == PredictorHorizontal {
			if err := g.undoHorizontalPrediction(data); err != nil {
				return nil, err
			}
		}
		g.tileCache.Set(key, data, tileTTL)
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (g *GeoTIFF) blockSize() int {
	n := int(g.tileWidth) * int(g.tileLength) * int(g.bitsPerSample) / 8
	if g.planar != PlanarSeparate {
		n *= int(g.samplesPerPixel)
	}
	return n
}

// fetchAndDecompressTile performs the I/O to read and decompress a single block.
func (g *GeoTIFF) fetchAndDecompressTile(ctx context.Context, tileNum int) ([]byte, error) {
	if tileNum < 0 || tileNum >= len(g.tileOffsets) {
		return nil, fmt.Errorf("tile index %d out of bounds", tileNum)
	}

	offset := g.tileOffsets[tileNum]
	byteCount := g.tileByteCounts[tileNum]
	expected := g.blockSize()

	if byteCount == 0 {
		// Sparse block, nothing was written for it.
		sparse := make([]byte, expected)
		if g.fill != 0 {
			for i := range sparse {
				sparse[i] = g.fill
			}
		}
		return sparse, nil
	}

	tileBytes := make([]byte, byteCount)
	var err error
	switch r := g.reader.(type) {
	case contextReaderAt:
		_, err = r.ReadAtContext(ctx, tileBytes, int64(offset))
	case io.ReaderAt:
		if err = ctx.Err(); err == nil {
			_, err = r.ReadAt(tileBytes, int64(offset))
		}
	default:
		err = errors.New("reader does not support ReadAt for tile fetching")
	}
	if err != nil && !(errors.Is(err, io.EOF) && ctx.Err() == nil) {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", tileNum, err)
	}

	decompress, ok := LookupCodec(g.compression)
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %d", g.compression)
	}
	out, err := decompress(tileBytes, expected)
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tileNum, err)
	}
	return out, nil
}

// undoHorizontalPrediction reverses the horizontal differencing predictor
// in place, sample by sample along each row.
func (g *GeoTIFF) undoHorizontalPrediction(data []byte) error {
	bps := int(g.bitsPerSample) / 8
	spp := int(g.samplesPerPixel)
	if g.planar == PlanarSeparate {
		spp = 1
	}
	rowLen := int(g.tileWidth) * spp * bps
	if rowLen == 0 {
		return nil
	}
	for rowStart := 0; rowStart+rowLen <= len(data); rowStart += rowLen {
		row := data[rowStart : rowStart+rowLen]
		switch bps {
		case 1:
			for i := spp; i < len(row); i++ {
				row[i] += row[i-spp]
			}
		case 2:
			for i := spp * 2; i < len(row); i += 2 {
				v := g.byteOrder.Uint16(row[i:]) + g.byteOrder.Uint16(row[i-spp*2:])
				g.byteOrder.PutUint16(row[i:], v)
			}
		case 4:
			for i := spp * 4; i < len(row); i += 4 {
				v := g.byteOrder.Uint32(row[i:]) + g.byteOrder.Uint32(row[i-spp*4:])
				g.byteOrder.PutUint32(row[i:], v)
			}
		default:
			return fmt.Errorf("horizontal predictor unsupported for %d bit samples", g.bitsPerSample)
		}
	}
	return nil
}
