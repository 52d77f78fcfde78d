package transform

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
)

// Extension is the file extension every transform file must carry.
const Extension = ".tfm"

// determinantTolerance is the smallest |det| accepted by Invert.
const determinantTolerance = 1e-12

const (
	fileHeader    = "#Insight Transform File V1.0"
	affineType    = "AffineTransform_double_3_3"
	matrixType    = "MatrixOffsetTransformBase_double_3_3"
	euler3DType   = "Euler3DTransform_double_3_3"
	euler2DType   = "Euler2DTransform_double_2_2"
	translateType = "TranslationTransform_double_3_3"

	compositePrefix = "CompositeTransform_"
)

var (
	// ErrInvalidTransformFile is returned for paths without the .tfm marker
	// and for files whose content is not a supported transform.
	ErrInvalidTransformFile = errors.New("invalid transform file")

	// ErrNonInvertible is returned by Invert when the linear part is singular.
	ErrNonInvertible = errors.New("transform is not invertible")
)

// HasExtension reports whether path carries the transform file marker.
func HasExtension(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Save writes t to path in the ITK text transform layout.
func Save(t *Rigid, path string) error {
	if !HasExtension(path) {
		return fmt.Errorf("%w: %s does not end in %s", ErrInvalidTransformFile, path, Extension)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating transform directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating transform file: %w", err)
	}
	if err := Encode(f, t); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error writing transform file: %w", err)
	}
	return nil
}

// Encode writes t as a single affine transform record.
func Encode(w io.Writer, t *Rigid) error {
	params := make([]float64, 0, 12)
	params = append(params, t.matrix[:]...)
	params = append(params, t.translation.X, t.translation.Y, t.translation.Z)
	fixed := []float64{t.center.X, t.center.Y, t.center.Z}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, fileHeader)
	fmt.Fprintln(bw, "#Transform 0")
	fmt.Fprintf(bw, "Transform: %s\n", affineType)
	fmt.Fprintf(bw, "Parameters: %s\n", formatFloats(params))
	fmt.Fprintf(bw, "FixedParameters: %s\n", formatFloats(fixed))
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error writing transform: %w", err)
	}
	return nil
}

// Load reads a transform written by Save or by ITK. The extension is checked
// before the file is opened.
func Load(path string) (*Rigid, error) {
	if !HasExtension(path) {
		return nil, fmt.Errorf("%w: %s does not end in %s", ErrInvalidTransformFile, path, Extension)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInputFile, err)
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// record is one "#Transform N" block of a transform file.
type record struct {
	kind          string
	params, fixed []float64
	haveParams    bool
}

// Decode parses the first transform record from r. When that record is a
// composite transform, the nested records that follow it are composed in
// ITK order: the last record is applied first.
func Decode(r io.Reader) (*Rigid, error) {
	var records []*record
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed line %q", ErrInvalidTransformFile, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "Transform" {
			records = append(records, &record{kind: value})
			continue
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: %s before any transform type", ErrInvalidTransformFile, key)
		}
		rec := records[len(records)-1]
		var err error
		switch key {
		case "Parameters":
			rec.params, err = parseFloats(value)
			rec.haveParams = true
		case "FixedParameters":
			rec.fixed, err = parseFloats(value)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading transform: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no transform record found", ErrInvalidTransformFile)
	}

	if !strings.HasPrefix(records[0].kind, compositePrefix) {
		return records[0].build()
	}
	nested := records[1:]
	if len(nested) == 0 {
		return nil, fmt.Errorf("%w: %s holds no transforms", ErrInvalidTransformFile, records[0].kind)
	}
	var out *Rigid
	for i, rec := range nested {
		t, err := rec.build()
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i+1, err)
		}
		if out == nil {
			out = t
		} else {
			out = Compose(out, t)
		}
	}
	return out, nil
}

func (r *record) build() (*Rigid, error) {
	if !r.haveParams {
		return nil, fmt.Errorf("%w: %s has no parameters", ErrInvalidTransformFile, r.kind)
	}
	return build(r.kind, r.params, r.fixed)
}

func build(kind string, params, fixed []float64) (*Rigid, error) {
	center := func(n int) (r3.Vec, error) {
		if len(fixed) < n {
			return r3.Vec{}, fmt.Errorf("%w: %s needs %d fixed parameters, got %d", ErrInvalidTransformFile, kind, n, len(fixed))
		}
		c := r3.Vec{X: fixed[0], Y: fixed[1]}
		if n == 3 {
			c.Z = fixed[2]
		}
		return c, nil
	}
	want := func(n int) error {
		if len(params) != n {
			return fmt.Errorf("%w: %s needs %d parameters, got %d", ErrInvalidTransformFile, kind, n, len(params))
		}
		return nil
	}

	switch kind {
	case affineType, matrixType:
		if err := want(12); err != nil {
			return nil, err
		}
		c, err := center(3)
		if err != nil {
			return nil, err
		}
		var m [9]float64
		copy(m[:], params[:9])
		return New(m, r3.Vec{X: params[9], Y: params[10], Z: params[11]}, c), nil

	case euler3DType:
		if err := want(6); err != nil {
			return nil, err
		}
		c, err := center(3)
		if err != nil {
			return nil, err
		}
		zyx := len(fixed) > 3 && fixed[3] != 0
		angles := r3.Vec{X: params[0], Y: params[1], Z: params[2]}
		return New(eulerMatrix(angles, zyx), r3.Vec{X: params[3], Y: params[4], Z: params[5]}, c), nil

	case euler2DType:
		if err := want(3); err != nil {
			return nil, err
		}
		c, err := center(2)
		if err != nil {
			return nil, err
		}
		return FromEuler2D(params[0], params[1], params[2], c), nil

	case translateType:
		if err := want(3); err != nil {
			return nil, err
		}
		return New(identityMatrix, r3.Vec{X: params[0], Y: params[1], Z: params[2]}, r3.Vec{}), nil
	}
	return nil, fmt.Errorf("%w: unsupported transform type %q", ErrInvalidTransformFile, kind)
}

// Invert returns the inverse mapping of t about the same center. It fails
// with ErrNonInvertible when the linear part is singular.
func Invert(t *Rigid) (*Rigid, error) {
	det := t.Determinant()
	if math.Abs(det) < determinantTolerance || math.IsNaN(det) {
		return nil, fmt.Errorf("%w: determinant %g", ErrNonInvertible, det)
	}
	var inv mat.Dense
	if err := inv.Inverse(t.dense()); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrNonInvertible, err)
		}
		if math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("%w: %v", ErrNonInvertible, err)
		}
	}
	m := fromDense(&inv)
	// p = M⁻¹(q - c - t) + c = M⁻¹(q - c) + c - M⁻¹t
	return New(m, r3.Scale(-1, mulVec(m, t.translation)), t.center), nil
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrInvalidTransformFile, f)
		}
		out[i] = v
	}
	return out, nil
}
