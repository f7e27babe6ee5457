package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

// ErrDecode matches every *DecodeError with errors.Is.
var ErrDecode = errors.New("geotiff decode error")

// DecodeError reports a transport or format failure while reading a raster.
// The underlying cause is kept for errors.Is / errors.As.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("geotiff %s: %v", e.Op, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeErr(op string, err error) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Op: op, Err: err}
}

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // Raw byte data (BYTE, SBYTE, UNDEFINED types)
	asciiData  string    // String data (ASCII type)
	shortData  []uint16  // 16-bit unsigned integer data (SHORT type)
	longData   []uint32  // 32-bit unsigned integer data (LONG type)
	floatData  []float32 // 32-bit floating point data (FLOAT type)
	doubleData []float64 // 64-bit floating point data (DOUBLE type)
	uint64Data []uint64  // 64-bit unsigned integer data (LONG8/IFD8 types)
}

type Tags map[Tag]tagData

// Options tunes how a raster is read.
type Options struct {
	// Name identifies the raster in the shared tile cache, usually its URL.
	Name string
	// Cache holds decompressed tiles. When nil a private cache sized by
	// CacheSize and ItemsToPrune is created.
	Cache        *ccache.Cache[[]byte]
	CacheSize    int64
	ItemsToPrune uint32
	// Fill is the byte written for window pixels outside the image and for
	// sparse tiles.
	Fill byte
	// FetchConcurrency bounds the number of tiles fetched at once by
	// ReadWindow.
	FetchConcurrency int
}

// GeoTIFF represents a parsed GeoTIFF file with its metadata and windowed
// data access.
type GeoTIFF struct {
	// reader is the underlying source for the GeoTIFF data. It must implement
	// io.ReaderAt for tile fetching, especially for remote files.
	reader io.ReadSeeker

	// byteOrder stores the endianness (little or big) of the TIFF file,
	// which is critical for correctly interpreting binary data.
	byteOrder binary.ByteOrder

	// tags holds all the parsed metadata from the Image File Directory (IFD)
	// as a map from TIFF tag IDs to their data.
	tags Tags

	isBigTIFF bool

	imageWidth  uint32
	imageLength uint32

	// tileWidth and tileLength describe the internal blocks. Stripped files
	// are read as tiles spanning the image width and RowsPerStrip rows.
	tileWidth  uint32
	tileLength uint32
	tiled      bool

	// tileOffsets stores the file offset for the beginning of each block's data.
	tileOffsets []uint64
	// tileByteCounts stores the size in bytes of each compressed block.
	tileByteCounts []uint64

	samplesPerPixel uint16
	bitsPerSample   uint16
	sampleFormat    uint16
	compression     uint16
	predictor       uint16
	planar          uint16

	// PixelScaleX is the size of a pixel in model units along X.
	PixelScaleX float64
	// PixelScaleY is the size of a pixel in model units along Y, as the
	// file declares it. Positive when rows grow southward, negative for
	// bottom-up images.
	PixelScaleY float64

	// tileCache is an in-memory LRU cache of decompressed blocks with the
	// predictor already undone.
	tileCache *ccache.Cache[[]byte]

	// inflightData ensures that for a given block only one goroutine
	// performs the I/O and decompression while the others wait.
	inflightData singleflight.Group

	tilesAcross int
	tilesDown   int

	name             string
	fill             byte
	fetchConcurrency int
}

// Point is a position in the model space of the file, degrees or metres
// depending on its coordinate system.
type Point struct{ X, Y float64 }

type CornerCoordinates struct{ UpperLeft, LowerLeft, UpperRight, LowerRight Point }

type Tag uint16

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// headerPrefetch is the number of leading bytes fetched in one request when
// opening a file. Cloud optimized files keep their IFD there.
const headerPrefetch = 64 * 1024

// Open parses the first IFD of a (Big)TIFF file from r and returns a
// GeoTIFF ready for windowed reads. r must also implement io.ReaderAt.
func Open(r io.ReadSeeker, opts Options) (*GeoTIFF, error) {
	ra, ok := r.(io.ReaderAt)
	if !ok {
		return nil, decodeErr("open", errors.New("reader does not implement io.ReaderAt"))
	}
	pr, err := newPrefixReaderAt(ra, headerPrefetch)
	if err != nil {
		return nil, decodeErr("open", fmt.Errorf("failed to read file header: %w", err))
	}

	gTags, header, err := readTags(pr)
	if err != nil {
		return nil, decodeErr("open", fmt.Errorf("failed to read tiff tags: %w", err))
	}

	tileCache := opts.Cache
	if tileCache == nil {
		size := opts.CacheSize
		if size <= 0 {
			size = 256
		}
		prune := opts.ItemsToPrune
		if prune == 0 {
			prune = 32
		}
		tileCache = ccache.New(ccache.Configure[[]byte]().MaxSize(size).ItemsToPrune(prune))
	}

	conc := opts.FetchConcurrency
	if conc <= 0 {
		conc = 4
	}

	g := &GeoTIFF{
		reader:           r,
		tags:             gTags,
		byteOrder:        header.byteOrder,
		isBigTIFF:        header.isBigTIFF,
		tileCache:        tileCache,
		name:             opts.Name,
		fill:             opts.Fill,
		fetchConcurrency: conc,
	}

	if err := g.parseLayout(); err != nil {
		return nil, decodeErr("open", err)
	}
	return g, nil
}

func (g *GeoTIFF) parseLayout() error {
	if width, ok := g.getUint(ImageWidth); ok {
		g.imageWidth = uint32(width)
	} else {
		return errors.New("missing or invalid tag: ImageWidth")
	}
	if length, ok := g.getUint(ImageLength); ok {
		g.imageLength = uint32(length)
	} else {
		return errors.New("missing or invalid tag: ImageLength")
	}

	if spp, ok := g.getUint(SamplesPerPixel); ok {
		g.samplesPerPixel = uint16(spp)
	} else {
		g.samplesPerPixel = 1
	}
	if bps, ok := g.getUint(BitsPerSample); ok {
		g.bitsPerSample = uint16(bps)
	} else {
		g.bitsPerSample = 1
	}
	switch g.bitsPerSample {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("unsupported BitsPerSample %d", g.bitsPerSample)
	}
	if sf, ok := g.getUint(SampleFormat); ok {
		g.sampleFormat = uint16(sf)
	} else {
		g.sampleFormat = SampleFormatUint
	}
	if comp, ok := g.getUint(Compression); ok {
		g.compression = uint16(comp)
	} else {
		g.compression = Uncompressed
	}
	if pred, ok := g.getUint(Predictor); ok {
		g.predictor = uint16(pred)
	} else {
		g.predictor = PredictorNone
	}
	if pc, ok := g.getUint(PlanarConfiguration); ok {
		g.planar = uint16(pc)
	} else {
		g.planar = PlanarChunky
	}

	if tw, ok := g.getUint(TileWidth); ok {
		g.tiled = true
		g.tileWidth = uint32(tw)
		tl, ok := g.getUint(TileLength)
		if !ok {
			return errors.New("missing or invalid tag: TileLength")
		}
		g.tileLength = uint32(tl)
		if g.tileOffsets, ok = g.get64bitSlice(TileOffsets); !ok {
			return errors.New("missing or invalid tag: TileOffsets")
		}
		if g.tileByteCounts, ok = g.get64bitSlice(TileByteCounts); !ok {
			return errors.New("missing or invalid tag: TileByteCounts")
		}
	} else {
		g.tileWidth = g.imageWidth
		g.tileLength = g.imageLength
		if rps, ok := g.getUint(RowsPerStrip); ok && rps > 0 && rps < uint64(g.imageLength) {
			g.tileLength = uint32(rps)
		}
		var ok bool
		if g.tileOffsets, ok = g.get64bitSlice(StripOffsets); !ok {
			return errors.New("missing or invalid tag: StripOffsets")
		}
		if g.tileByteCounts, ok = g.get64bitSlice(StripByteCounts); !ok {
			return errors.New("missing or invalid tag: StripByteCounts")
		}
	}
	if g.tileWidth == 0 || g.tileLength == 0 {
		return errors.New("invalid block dimensions")
	}

	g.tilesAcross = int(g.imageWidth+g.tileWidth-1) / int(g.tileWidth)
	g.tilesDown = int(g.imageLength+g.tileLength-1) / int(g.tileLength)

	want := g.tilesAcross * g.tilesDown
	if g.planar == PlanarSeparate {
		want *= int(g.samplesPerPixel)
	}
	if len(g.tileOffsets) < want || len(g.tileByteCounts) < want {
		return fmt.Errorf("expected %d blocks, found %d offsets and %d byte counts", want, len(g.tileOffsets), len(g.tileByteCounts))
	}

	if g.predictor == PredictorHorizontal && g.sampleFormat == SampleFormatFloat {
		return errors.New("horizontal predictor on floating point samples is not supported")
	}

	if pixelScale, ok := g.tags[ModelPixelScale]; ok {
		if v, ok := pixelScale.doubleDataValue(); ok && len(v) >= 2 {
			g.PixelScaleX = v[0]
			g.PixelScaleY = v[1]
		}
	}
	return nil
}

// Width returns the image width in pixels.
func (g *GeoTIFF) Width() int { return int(g.imageWidth) }

// Height returns the image height in pixels.
func (g *GeoTIFF) Height() int { return int(g.imageLength) }

// SamplesPerPixel returns the number of bands.
func (g *GeoTIFF) SamplesPerPixel() int { return int(g.samplesPerPixel) }

// BitsPerSample returns the sample width in bits.
func (g *GeoTIFF) BitsPerSample() int { return int(g.bitsPerSample) }

// SampleFormat returns the SampleFormat tag value.
func (g *GeoTIFF) SampleFormat() int { return int(g.sampleFormat) }

// Compression returns the Compression tag value.
func (g *GeoTIFF) Compression() int { return int(g.compression) }

// ByteOrder returns the byte order of multi-byte samples.
func (g *GeoTIFF) ByteOrder() binary.ByteOrder { return g.byteOrder }

// PixelSize returns the absolute X pixel size in model units, or 0 when the
// file carries no ModelPixelScale.
func (g *GeoTIFF) PixelSize() float64 { return math.Abs(g.PixelScaleX) }

// NoData returns the GDAL nodata value when present.
func (g *GeoTIFF) NoData() (string, bool) {
	t, ok := g.tags[GDALNoData]
	if !ok || t.fType != ASCII {
		return "", false
	}
	return t.asciiData, true
}

// EPSG returns the projected or geographic EPSG code declared in the
// GeoKey directory, 0 when absent.
func (g *GeoTIFF) EPSG() int {
	t, ok := g.tags[GeoKeyDirectory]
	if !ok || t.fType != SHORT {
		return 0
	}
	return parseEPSG(t.shortData)
}

// parseEPSG extracts the EPSG code from GeoKey directory entries.
func parseEPSG(geoKeys []uint16) int {
	if len(geoKeys) < 4 {
		return 0
	}
	// Header: [KeyDirectoryVersion, KeyRevision, MinorRevision, NumberOfKeys]
	numKeys := int(geoKeys[3])
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+3 >= len(geoKeys) {
			break
		}
		keyID, location, value := geoKeys[base], geoKeys[base+1], geoKeys[base+3]
		if location != 0 {
			continue
		}
		if (keyID == gkProjectedCSTypeGeoKey || keyID == gkGeographicTypeGeoKey) && value > 0 && value != 32767 {
			return int(value)
		}
	}
	return 0
}

// Bounds returns the model-space corners of the image derived from the
// tiepoint and the pixel scale.
func (g *GeoTIFF) Bounds() (*CornerCoordinates, error) {
	tiePointTag, ok := g.tags[ModelTiepoint]
	if !ok {
		return nil, errors.New("missing ModelTiepoint tag")
	}
	tiePointValues, ok := tiePointTag.doubleDataValue()
	if !ok || len(tiePointValues) < 6 {
		return nil, errors.New("invalid ModelTiepoint tag")
	}
	if g.PixelScaleX == 0 {
		return nil, errors.New("missing ModelPixelScale tag")
	}

	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieX, tieY := tiePointValues[3], tiePointValues[4]

	// Model Y decreases with the row index for a positive Y scale.
	x0 := tieX - tieI*g.PixelScaleX
	y0 := tieY + tieJ*g.PixelScaleY
	x1 := x0 + float64(g.imageWidth)*g.PixelScaleX
	y1 := y0 - float64(g.imageLength)*g.PixelScaleY

	west, east := min(x0, x1), max(x0, x1)
	south, north := min(y0, y1), max(y0, y1)
	cc := &CornerCoordinates{
		UpperLeft:  Point{X: west, Y: north},
		LowerLeft:  Point{X: west, Y: south},
		UpperRight: Point{X: east, Y: north},
		LowerRight: Point{X: east, Y: south},
	}
	return cc, nil
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		h.isBigTIFF = false
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true

		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

func readTags(r io.ReaderAt) (Tags, head, error) {
	tags := make(Tags)
	h, err := readHeader(io.NewSectionReader(r, 0, 16))
	if err != nil {
		return nil, h, err
	}

	// Only the first IFD holds the full-resolution image; overviews are ignored.
	ifdOffset := h.ifdOffset
	if ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}

	countLen := int64(2)
	entryLen := 12
	if h.isBigTIFF {
		countLen = 8
		entryLen = 20
	}
	countBytes := make([]byte, countLen)
	if _, err := r.ReadAt(countBytes, int64(ifdOffset)); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD entry count: %w", err)
	}
	var numEntries uint64
	if h.isBigTIFF {
		numEntries = h.byteOrder.Uint64(countBytes)
	} else {
		numEntries = uint64(h.byteOrder.Uint16(countBytes))
	}
	if numEntries == 0 || numEntries > 4096 {
		return nil, h, fmt.Errorf("implausible IFD entry count %d", numEntries)
	}

	ifdBlock := make([]byte, entryLen*int(numEntries))
	if _, err := r.ReadAt(ifdBlock, int64(ifdOffset)+countLen); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(ifdBlock)

	inlineDataSize := uint64(4)
	if h.isBigTIFF {
		inlineDataSize = 8
	}

	for i := uint64(0); i < numEntries; i++ {
		var entry iFDEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			slog.Warn("skipping tiff tag with unrecognized field type", "tag", entry.Tag, "type", ftype)
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.Count)
			ifdReader.Read(offsetBytes)
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			binary.Read(ifdReader, h.byteOrder, &offset32)
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			// For inline data compatibility, put the 4-byte value/offset into the 8-byte slice
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if errors.Is(err, errUnsupportedType) {
			slog.Debug("skipping tiff tag", "tag", entry.Tag, "type", entry.FType)
			continue
		}
		if err != nil {
			return nil, h, fmt.Errorf("tag %s: %w", entry.Tag, err)
		}
		tags[entry.Tag] = *tagvalue
	}

	return tags, h, nil
}

var errUnsupportedType = errors.New("unsupported type for value reading")

func (ifd *iFDEntry) value(r io.ReaderAt, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	var reader io.Reader
	if len(ifd.ValueBytes) > 0 || ifd.Count == 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		reader = io.NewSectionReader(r, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE, SBYTE, UNDEFINED:
		t.byteData = make([]uint8, ifd.Count)
		if _, err := io.ReadFull(reader, t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if _, err := io.ReadFull(reader, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		return nil, errUnsupportedType
	}
	return &t, nil
}

func (g *GeoTIFF) getUint(tag Tag) (uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return 0, false
	}
	if t.fType == SHORT && len(t.shortData) > 0 {
		return uint64(t.shortData[0]), true
	}
	if t.fType == LONG && len(t.longData) > 0 {
		return uint64(t.longData[0]), true
	}
	if (t.fType == LONG8 || t.fType == IFD8) && len(t.uint64Data) > 0 {
		return t.uint64Data[0], true
	}
	return 0, false
}

func (g *GeoTIFF) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.doubleData, true
	}
	return nil, false
}

func (p Point) String() string { return fmt.Sprintf("(%f, %f)", p.X, p.Y) }

func (cc *CornerCoordinates) String() string {
	return fmt.Sprintf("UL: %s, LR: %s", cc.UpperLeft.String(), cc.LowerRight.String())
}

// prefixReaderAt serves reads within the first n bytes of a file from
// memory and forwards the rest.
type prefixReaderAt struct {
	r      io.ReaderAt
	prefix []byte
}

func newPrefixReaderAt(r io.ReaderAt, n int) (*prefixReaderAt, error) {
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	if read < 8 {
		return nil, errors.New("file too small to be a tiff")
	}
	return &prefixReaderAt{r: r, prefix: buf[:read]}, nil
}

func (p *prefixReaderAt) ReadAt(b []byte, off int64) (int, error) {
	if off >= 0 && off+int64(len(b)) <= int64(len(p.prefix)) {
		return copy(b, p.prefix[off:]), nil
	}
	return p.r.ReadAt(b, off)
}
