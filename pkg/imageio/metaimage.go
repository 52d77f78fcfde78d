// Package imageio reads and writes volumes in the MetaImage format used by
// ITK, both as a single .mha file and as a .mhd header with a separate raw
// data file. Compressed data is zlib encoded.
package imageio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"volreg/internal/models"
)

const (
	// ExtMHA is the single-file MetaImage extension.
	ExtMHA = ".mha"
	// ExtMHD is the header extension of a split MetaImage.
	ExtMHD = ".mhd"

	localDataFile = "LOCAL"
)

// ErrFormat is returned for malformed or unsupported MetaImage content.
var ErrFormat = errors.New("invalid MetaImage")

// WriteOptions controls how volumes are encoded.
type WriteOptions struct {
	// Compress zlib-encodes the sample data.
	Compress bool
}

// IsVolumePath reports whether path has a MetaImage extension.
func IsVolumePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtMHA, ExtMHD:
		return true
	}
	return false
}

// header is the parsed key/value part of a MetaImage file.
type header struct {
	dims        int
	size        []int
	spacing     []float64
	offset      []float64
	matrix      []float64
	channels    int
	elementType string
	msb         bool
	compressed  bool
	dataFile    string
}

// Read loads a volume from a .mha or .mhd file. kind is attached to the
// result; it is not stored in the file.
func Read(path string, kind models.PixelKind) (*models.Volume, error) {
	if !IsVolumePath(path) {
		return nil, fmt.Errorf("%w: %s is not a .mha or .mhd file", ErrFormat, path)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrInputFile, path, err)
		}
		return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var data io.Reader = br
	if !strings.EqualFold(h.dataFile, localDataFile) {
		rawPath := h.dataFile
		if !filepath.IsAbs(rawPath) {
			rawPath = filepath.Join(filepath.Dir(path), rawPath)
		}
		raw, err := os.Open(rawPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s: %w", models.ErrInputFile, rawPath, err)
			}
			return nil, fmt.Errorf("failed to open volume data %s: %w", rawPath, err)
		}
		defer raw.Close()
		data = bufio.NewReader(raw)
	}

	v, err := decodeVolume(h, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	v.Kind = kind
	return v, nil
}

func readHeader(br *bufio.Reader) (*header, error) {
	h := &header{channels: 1}
	for {
		line, rerr := br.ReadString('\n')
		if rerr != nil && (rerr != io.EOF || line == "") {
			if rerr == io.EOF {
				return nil, fmt.Errorf("%w: header ends before ElementDataFile", ErrFormat)
			}
			return nil, rerr
		}
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("%w: malformed header line %q", ErrFormat, strings.TrimSpace(line))
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		var err error
		switch key {
		case "ObjectType":
			if !strings.EqualFold(value, "Image") {
				return nil, fmt.Errorf("%w: object type %q is not an image", ErrFormat, value)
			}
		case "NDims":
			h.dims, err = strconv.Atoi(value)
		case "DimSize":
			h.size, err = parseInts(value)
		case "ElementSpacing", "ElementSize":
			if h.spacing == nil || key == "ElementSpacing" {
				h.spacing, err = parseFloats(value)
			}
		case "Offset", "Origin", "Position":
			h.offset, err = parseFloats(value)
		case "TransformMatrix", "Rotation", "Orientation":
			h.matrix, err = parseFloats(value)
		case "ElementNumberOfChannels":
			h.channels, err = strconv.Atoi(value)
		case "ElementType":
			h.elementType = strings.ToUpper(value)
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			h.msb = strings.EqualFold(value, "True")
		case "BinaryData":
			if !strings.EqualFold(value, "True") {
				return nil, fmt.Errorf("%w: ASCII sample data is not supported", ErrFormat)
			}
		case "CompressedData":
			h.compressed = strings.EqualFold(value, "True")
		case "ElementDataFile":
			h.dataFile = value
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFormat, key, err)
		}
		if key == "ElementDataFile" {
			break
		}
	}
	return h, h.check()
}

func (h *header) check() error {
	if h.dims != 2 && h.dims != 3 {
		return fmt.Errorf("%w: NDims must be 2 or 3, got %d", ErrFormat, h.dims)
	}
	if len(h.size) != h.dims {
		return fmt.Errorf("%w: DimSize has %d values for %d dimensions", ErrFormat, len(h.size), h.dims)
	}
	if h.spacing != nil && len(h.spacing) != h.dims {
		return fmt.Errorf("%w: ElementSpacing has %d values for %d dimensions", ErrFormat, len(h.spacing), h.dims)
	}
	if h.offset != nil && len(h.offset) != h.dims {
		return fmt.Errorf("%w: Offset has %d values for %d dimensions", ErrFormat, len(h.offset), h.dims)
	}
	if h.matrix != nil && len(h.matrix) != h.dims*h.dims {
		return fmt.Errorf("%w: TransformMatrix has %d values for %d dimensions", ErrFormat, len(h.matrix), h.dims)
	}
	if h.channels < 1 {
		return fmt.Errorf("%w: ElementNumberOfChannels must be positive", ErrFormat)
	}
	if h.dataFile == "" {
		return fmt.Errorf("%w: missing ElementDataFile", ErrFormat)
	}
	return nil
}

// grid converts the header geometry into a 3D grid. TransformMatrix lists
// the direction of each index axis in turn, i.e. the columns of the
// direction matrix.
func (h *header) grid() models.Grid {
	g := models.Grid{
		Size:      [3]int{1, 1, 1},
		Spacing:   [3]float64{1, 1, 1},
		Direction: models.IdentityDirection,
	}
	n := h.dims
	for i := 0; i < n; i++ {
		g.Size[i] = h.size[i]
		if h.spacing != nil {
			g.Spacing[i] = h.spacing[i]
		}
		if h.offset != nil {
			g.Origin[i] = h.offset[i]
		}
	}
	if h.matrix != nil {
		for col := 0; col < n; col++ {
			for row := 0; row < n; row++ {
				g.Direction[row*3+col] = h.matrix[col*n+row]
			}
		}
	}
	return g
}

func decodeVolume(h *header, r io.Reader) (*models.Volume, error) {
	et, err := lookupElementType(h.elementType)
	if err != nil {
		return nil, err
	}
	grid := h.grid()
	count := grid.NumVoxels() * h.channels
	if count == 0 {
		return nil, models.ErrEmptyVolume
	}

	if h.compressed {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: compressed data: %w", ErrFormat, err)
		}
		defer zr.Close()
		r = zr
	}
	buf := make([]byte, count*et.size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %d samples: %w", ErrFormat, count, err)
	}

	order := byteOrder(h.msb)
	v := &models.Volume{
		Grid:        grid,
		Data:        make([]float64, count),
		Components:  h.channels,
		ElementType: et.name,
	}
	for i := range v.Data {
		v.Data[i] = et.decode(buf[i*et.size:], order)
	}
	return v, nil
}

// Write stores v at path. A .mha path gets an embedded data section; a .mhd
// path gets a sibling .raw (or .zraw) data file with the same base name.
// Samples are cast to v.ElementType, or MET_DOUBLE when it is empty.
func Write(path string, v *models.Volume, opts WriteOptions) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ExtMHA && ext != ExtMHD {
		return fmt.Errorf("%w: %s is not a .mha or .mhd file", ErrFormat, path)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	dataFile := localDataFile
	if ext == ExtMHD {
		dataFile = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".raw"
		if opts.Compress {
			dataFile = strings.TrimSuffix(dataFile, ".raw") + ".zraw"
		}
		raw, err := os.Create(filepath.Join(filepath.Dir(path), dataFile))
		if err != nil {
			return fmt.Errorf("failed to create volume data file: %w", err)
		}
		if err := writeData(raw, v, opts); err != nil {
			raw.Close()
			return err
		}
		if err := raw.Close(); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	if err := writeHeader(f, v, opts, dataFile); err != nil {
		f.Close()
		return err
	}
	if ext == ExtMHA {
		if err := writeData(f, v, opts); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// Encode writes v as a single-file MetaImage stream.
func Encode(w io.Writer, v *models.Volume, opts WriteOptions) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := writeHeader(w, v, opts, localDataFile); err != nil {
		return err
	}
	return writeData(w, v, opts)
}

// Decode reads a single-file MetaImage stream.
func Decode(r io.Reader, kind models.PixelKind) (*models.Volume, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(h.dataFile, localDataFile) {
		return nil, fmt.Errorf("%w: stream references external data file %q", ErrFormat, h.dataFile)
	}
	v, err := decodeVolume(h, br)
	if err != nil {
		return nil, err
	}
	v.Kind = kind
	return v, nil
}

// dims returns 2 for single-slice volumes that sit in the z=0 plane with an
// axis-aligned slice normal, 3 otherwise.
func dims(g models.Grid) int {
	d := g.DirectionMatrix()
	if g.Size[2] == 1 && g.Origin[2] == 0 && g.Spacing[2] == 1 &&
		d[2] == 0 && d[5] == 0 && d[6] == 0 && d[7] == 0 && d[8] == 1 {
		return 2
	}
	return 3
}

func writeHeader(w io.Writer, v *models.Volume, opts WriteOptions, dataFile string) error {
	et, err := lookupElementType(v.ElementType)
	if err != nil {
		return err
	}
	n := dims(v.Grid)
	d := v.DirectionMatrix()
	matrix := make([]float64, 0, n*n)
	for col := 0; col < n; col++ {
		for row := 0; row < n; row++ {
			matrix = append(matrix, d[row*3+col])
		}
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ObjectType = Image\n")
	fmt.Fprintf(bw, "NDims = %d\n", n)
	fmt.Fprintf(bw, "BinaryData = True\n")
	fmt.Fprintf(bw, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(bw, "CompressedData = %s\n", boolString(opts.Compress))
	fmt.Fprintf(bw, "TransformMatrix = %s\n", formatFloats(matrix))
	fmt.Fprintf(bw, "Offset = %s\n", formatFloats(v.Origin[:n]))
	fmt.Fprintf(bw, "CenterOfRotation = %s\n", formatFloats(make([]float64, n)))
	fmt.Fprintf(bw, "ElementSpacing = %s\n", formatFloats(v.Spacing[:n]))
	fmt.Fprintf(bw, "DimSize = %s\n", formatInts(v.Size[:n]))
	if c := v.NumComponents(); c > 1 {
		fmt.Fprintf(bw, "ElementNumberOfChannels = %d\n", c)
	}
	fmt.Fprintf(bw, "ElementType = %s\n", et.name)
	fmt.Fprintf(bw, "ElementDataFile = %s\n", dataFile)
	return bw.Flush()
}

func writeData(w io.Writer, v *models.Volume, opts WriteOptions) error {
	et, err := lookupElementType(v.ElementType)
	if err != nil {
		return err
	}
	buf := make([]byte, len(v.Data)*et.size)
	order := byteOrder(false)
	for i, s := range v.Data {
		et.encode(buf[i*et.size:], order, et.cast(s))
	}

	if !opts.Compress {
		_, err := w.Write(buf)
		return err
	}
	zw := zlib.NewWriter(w)
	if _, err := zw.Write(buf); err != nil {
		zw.Close()
		return fmt.Errorf("failed to compress volume data: %w", err)
	}
	return zw.Close()
}

func byteOrder(msb bool) binary.ByteOrder {
	if msb {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func boolString(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func formatInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
