package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// GeoBounds is a WGS84 rectangle in degrees.
type GeoBounds struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// NoDataValue is written in the GDAL_NODATA tag of exported rasters.
const NoDataValue = "-1"

// ifdField is one directory entry waiting to be laid out.
type ifdField struct {
	tag   Tag
	ftype fieldType
	count uint32
	data  []byte // little-endian encoded values
}

// EncodeFloat32 serializes a single band float32 raster georeferenced in
// WGS84 degrees as an uncompressed little-endian GeoTIFF. data holds width*height
// values, row 0 being the northern row.
func EncodeFloat32(width, height int, data []float32, bounds GeoBounds) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFloat32(&buf, width, height, data, bounds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFloat32 is EncodeFloat32 writing to w.
func WriteFloat32(w io.Writer, width, height int, data []float32, bounds GeoBounds) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", width, height)
	}
	if len(data) != width*height {
		return fmt.Errorf("raster holds %d values, want %d", len(data), width*height)
	}
	if bounds.MaxLon <= bounds.MinLon || bounds.MaxLat <= bounds.MinLat {
		return errors.New("raster bounds must have a positive extent")
	}

	imageBytes := uint32(len(data) * 4)

	scaleX := (bounds.MaxLon - bounds.MinLon) / float64(width)
	scaleY := (bounds.MaxLat - bounds.MinLat) / float64(height)

	fields := []ifdField{
		longField(ImageWidth, uint32(width)),
		longField(ImageLength, uint32(height)),
		shortField(BitsPerSample, 32),
		shortField(Compression, Uncompressed),
		shortField(PhotometricInterpretation, 1), // BlackIsZero
		longField(StripOffsets, 0),               // patched by assemble
		shortField(SamplesPerPixel, 1),
		longField(RowsPerStrip, uint32(height)),
		longField(StripByteCounts, imageBytes),
		shortField(PlanarConfiguration, PlanarChunky),
		shortField(SampleFormat, SampleFormatFloat),
		doubleField(ModelPixelScale, scaleX, scaleY, 0),
		doubleField(ModelTiepoint, 0, 0, 0, bounds.MinLon, bounds.MaxLat, 0),
		shortField(GeoKeyDirectory,
			1, 1, 0, 3, // version, revision, minor revision, key count
			gkModelTypeGeoKey, 0, 1, modelTypeGeographic,
			gkRasterTypeGeoKey, 0, 1, rasterPixelIsArea,
			gkGeographicTypeGeoKey, 0, 1, epsgWGS84,
		),
		asciiField(GDALNoData, NoDataValue),
	}

	pixels := make([]byte, 0, imageBytes)
	for _, v := range data {
		pixels = binary.LittleEndian.AppendUint32(pixels, math.Float32bits(v))
	}

	_, err := w.Write(assemble(fields, [][]byte{pixels}, StripOffsets))
	return err
}

// assemble lays out a little-endian classic TIFF: header, one IFD with its
// entries in ascending tag order, out-of-line values, then the data blocks
// at 4-byte aligned offsets. The field named by offsetsTag must hold one
// LONG per block and is filled with the final block offsets.
func assemble(fields []ifdField, blocks [][]byte, offsetsTag Tag) []byte {
	bo := binary.LittleEndian
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	const headerLen = 8
	ifdLen := 2 + 12*len(fields) + 4
	extOffset := uint32(headerLen + ifdLen)

	// First pass computes where every out-of-line value goes.
	valueOffsets := make([]uint32, len(fields))
	extLen := uint32(0)
	for i, f := range fields {
		if len(f.data) <= 4 {
			continue
		}
		extLen += extLen % 2 // word alignment
		valueOffsets[i] = extOffset + extLen
		extLen += uint32(len(f.data))
	}

	blockOffsets := make([]uint32, len(blocks))
	next := extOffset + extLen
	for i, b := range blocks {
		next += (4 - next%4) % 4
		blockOffsets[i] = next
		next += uint32(len(b))
	}
	for i := range fields {
		if fields[i].tag != offsetsTag {
			continue
		}
		for j, off := range blockOffsets {
			bo.PutUint32(fields[i].data[4*j:], off)
		}
	}

	out := make([]byte, 0, next)
	out = append(out, 'I', 'I')
	out = bo.AppendUint16(out, tiffIdentifier)
	out = bo.AppendUint32(out, headerLen)

	out = bo.AppendUint16(out, uint16(len(fields)))
	for i, f := range fields {
		out = bo.AppendUint16(out, uint16(f.tag))
		out = bo.AppendUint16(out, uint16(f.ftype))
		out = bo.AppendUint32(out, f.count)
		if len(f.data) <= 4 {
			var inline [4]byte
			copy(inline[:], f.data)
			out = append(out, inline[:]...)
		} else {
			out = bo.AppendUint32(out, valueOffsets[i])
		}
	}
	out = bo.AppendUint32(out, 0) // no next IFD

	for i, f := range fields {
		if len(f.data) <= 4 {
			continue
		}
		for uint32(len(out)) < valueOffsets[i] {
			out = append(out, 0)
		}
		out = append(out, f.data...)
	}
	for i, b := range blocks {
		for uint32(len(out)) < blockOffsets[i] {
			out = append(out, 0)
		}
		out = append(out, b...)
	}
	return out
}

func shortField(tag Tag, values ...uint16) ifdField {
	b := make([]byte, 0, 2*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return ifdField{tag: tag, ftype: SHORT, count: uint32(len(values)), data: b}
}

func longField(tag Tag, values ...uint32) ifdField {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return ifdField{tag: tag, ftype: LONG, count: uint32(len(values)), data: b}
}

func doubleField(tag Tag, values ...float64) ifdField {
	b := make([]byte, 0, 8*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return ifdField{tag: tag, ftype: DOUBLE, count: uint32(len(values)), data: b}
}

func asciiField(tag Tag, s string) ifdField {
	b := append([]byte(s), 0)
	return ifdField{tag: tag, ftype: ASCII, count: uint32(len(b)), data: b}
}

// TiledImage is an 8-bit, band-interleaved raster to be written with
// internal tiling, the layout used by embedding tiles.
type TiledImage struct {
	Width, Height         int
	TileWidth, TileHeight int
	Bands                 int
	Signed                bool
	Compression           uint16 // Uncompressed, DEFLATE or ZSTDPrivate
	Predictor             bool
	// Pixels holds Width*Height*Bands samples in file row order.
	Pixels []byte
	// PixelSize, OriginX and OriginY georeference the outer corner of
	// pixel (0,0).
	PixelSize        float64
	OriginX, OriginY float64
	EPSG             int
	// BottomUp declares that row 0 is the southern row.
	BottomUp bool
}

// EncodeTiled serializes img as a tiled little-endian TIFF. Edge tiles are
// padded with zeros.
func EncodeTiled(img TiledImage) ([]byte, error) {
	if img.Width <= 0 || img.Height <= 0 || img.TileWidth <= 0 || img.TileHeight <= 0 || img.Bands <= 0 {
		return nil, errors.New("invalid tiled image dimensions")
	}
	if img.TileWidth%16 != 0 || img.TileHeight%16 != 0 {
		return nil, errors.New("tile dimensions must be multiples of 16")
	}
	if len(img.Pixels) != img.Width*img.Height*img.Bands {
		return nil, fmt.Errorf("image holds %d samples, want %d", len(img.Pixels), img.Width*img.Height*img.Bands)
	}

	across := (img.Width + img.TileWidth - 1) / img.TileWidth
	down := (img.Height + img.TileHeight - 1) / img.TileHeight
	stride := img.Bands
	rowLen := img.TileWidth * stride

	var enc *zstd.Encoder
	if img.Compression == ZSTDPrivate {
		var err error
		if enc, err = zstd.NewWriter(nil); err != nil {
			return nil, err
		}
		defer enc.Close()
	}

	blocks := make([][]byte, 0, across*down)
	counts := make([]uint32, 0, across*down)
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			tile := make([]byte, img.TileWidth*img.TileHeight*stride)
			for y := 0; y < img.TileHeight; y++ {
				sy := ty*img.TileHeight + y
				if sy >= img.Height {
					break
				}
				x0 := tx * img.TileWidth
				n := min(img.TileWidth, img.Width-x0)
				src := (sy*img.Width + x0) * stride
				copy(tile[y*rowLen:], img.Pixels[src:src+n*stride])
			}
			if img.Predictor {
				for y := 0; y < img.TileHeight; y++ {
					row := tile[y*rowLen : (y+1)*rowLen]
					for i := len(row) - 1; i >= stride; i-- {
						row[i] -= row[i-stride]
					}
				}
			}

			var payload []byte
			switch img.Compression {
			case Uncompressed:
				payload = tile
			case DEFLATE:
				var buf bytes.Buffer
				z := zlib.NewWriter(&buf)
				if _, err := z.Write(tile); err != nil {
					return nil, err
				}
				if err := z.Close(); err != nil {
					return nil, err
				}
				payload = buf.Bytes()
			case ZSTDPrivate:
				payload = enc.EncodeAll(tile, nil)
			default:
				return nil, fmt.Errorf("unsupported compression for writing: %d", img.Compression)
			}
			blocks = append(blocks, payload)
			counts = append(counts, uint32(len(payload)))
		}
	}

	bits := make([]uint16, img.Bands)
	formats := make([]uint16, img.Bands)
	for i := range bits {
		bits[i] = 8
		formats[i] = SampleFormatUint
		if img.Signed {
			formats[i] = SampleFormatInt
		}
	}

	predictor := uint16(PredictorNone)
	if img.Predictor {
		predictor = PredictorHorizontal
	}

	geoKeys := []uint16{1, 1, 0, 2,
		gkModelTypeGeoKey, 0, 1, modelTypeProjected,
		gkRasterTypeGeoKey, 0, 1, rasterPixelIsArea,
	}
	if img.EPSG > 0 {
		geoKeys[3] = 3
		geoKeys = append(geoKeys, gkProjectedCSTypeGeoKey, 0, 1, uint16(img.EPSG))
	}

	scaleY := img.PixelSize
	if img.BottomUp {
		scaleY = -scaleY
	}

	fields := []ifdField{
		longField(ImageWidth, uint32(img.Width)),
		longField(ImageLength, uint32(img.Height)),
		shortField(BitsPerSample, bits...),
		shortField(Compression, img.Compression),
		shortField(PhotometricInterpretation, 1),
		shortField(SamplesPerPixel, uint16(img.Bands)),
		shortField(PlanarConfiguration, PlanarChunky),
		shortField(Predictor, predictor),
		longField(TileWidth, uint32(img.TileWidth)),
		longField(TileLength, uint32(img.TileHeight)),
		longField(TileOffsets, make([]uint32, len(blocks))...),
		longField(TileByteCounts, counts...),
		shortField(SampleFormat, formats...),
		doubleField(ModelPixelScale, img.PixelSize, scaleY, 0),
		doubleField(ModelTiepoint, 0, 0, 0, img.OriginX, img.OriginY, 0),
		shortField(GeoKeyDirectory, geoKeys...),
	}
	return assemble(fields, blocks, TileOffsets), nil
}
