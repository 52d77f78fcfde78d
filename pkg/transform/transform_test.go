package transform

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
)

func assertVecNear(t *testing.T, want, got r3.Vec, tol float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, "x")
	assert.InDelta(t, want.Y, got.Y, tol, "y")
	assert.InDelta(t, want.Z, got.Z, tol, "z")
}

func sampleTransform() *Rigid {
	return FromEuler(r3.Vec{X: 0.1, Y: -0.2, Z: 0.3}, r3.Vec{X: 2, Y: -1, Z: 0.5}, r3.Vec{X: 4.5, Y: 4.5, Z: 4.5})
}

func TestApplyTranslation(t *testing.T) {
	tr := New(identityMatrix, r3.Vec{X: 2}, r3.Vec{X: 1, Y: 1, Z: 1})
	assert.Equal(t, r3.Vec{X: 7, Y: 5, Z: 5}, tr.Apply(r3.Vec{X: 5, Y: 5, Z: 5}))
}

func TestEulerMatrixIsRotation(t *testing.T) {
	tr := sampleTransform()
	assert.InDelta(t, 1.0, tr.Determinant(), 1e-12)

	// rotation about z by 90 degrees maps x onto y
	rz := FromEuler(r3.Vec{Z: math.Pi / 2}, r3.Vec{}, r3.Vec{})
	assertVecNear(t, r3.Vec{Y: 1}, rz.Apply(r3.Vec{X: 1}), 1e-12)
}

func TestComposeDoesNotMutate(t *testing.T) {
	outer := sampleTransform()
	inner := FromEuler(r3.Vec{Z: -0.05}, r3.Vec{X: 0.3, Y: 0.1}, r3.Vec{X: 1, Y: 2, Z: 3})
	outerBefore, innerBefore := *outer, *inner

	c := Compose(outer, inner)
	for _, p := range []r3.Vec{{}, {X: 1, Y: 2, Z: 3}, {X: -4, Y: 7, Z: 0.5}} {
		assertVecNear(t, outer.Apply(inner.Apply(p)), c.Apply(p), 1e-12)
	}
	assert.Equal(t, inner.Center(), c.Center())
	assert.Equal(t, outerBefore, *outer)
	assert.Equal(t, innerBefore, *inner)
}

func TestInvertRoundTrip(t *testing.T) {
	tr := sampleTransform()
	inv, err := Invert(tr)
	require.NoError(t, err)

	p := r3.Vec{X: 3, Y: -2, Z: 8}
	assertVecNear(t, p, inv.Apply(tr.Apply(p)), 1e-12)
	assertVecNear(t, p, tr.Apply(inv.Apply(p)), 1e-12)

	back, err := Invert(inv)
	require.NoError(t, err)
	assert.True(t, back.Equal(tr, 1e-12), "invert(invert(T)) = %v, want %v", back, tr)
}

func TestInvertSingular(t *testing.T) {
	singular := New([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 0}, r3.Vec{X: 1}, r3.Vec{})
	assert.InDelta(t, 0.0, singular.Determinant(), 1e-15)

	inv, err := Invert(singular)
	assert.ErrorIs(t, err, ErrNonInvertible)
	assert.Nil(t, inv)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "subject_REG.tfm")
	tr := sampleTransform()

	require.NoError(t, Save(tr, path))
	got, err := Load(path)
	require.NoError(t, err)

	want := tr.Matrix()
	gotM := got.Matrix()
	if diff := cmp.Diff(want[:], gotM[:], cmpopts.EquateApprox(0, 1e-15)); diff != "" {
		t.Errorf("matrix mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, tr.Translation(), got.Translation())
	assert.Equal(t, tr.Center(), got.Center())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "#Insight Transform File V1.0\n"))
	assert.Contains(t, string(data), "Transform: AffineTransform_double_3_3")
}

func TestExtensionMarker(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "transform.txt"))
	assert.ErrorIs(t, err, ErrInvalidTransformFile)

	err = Save(sampleTransform(), filepath.Join(dir, "transform.mat"))
	assert.ErrorIs(t, err, ErrInvalidTransformFile)

	// upper-case marker is accepted
	assert.True(t, HasExtension("/data/BHS_001_MCP2_REG.TFM"))

	_, err = Load(filepath.Join(dir, "missing.tfm"))
	assert.ErrorIs(t, err, models.ErrInputFile)
}

func TestDecodeITKEuler3D(t *testing.T) {
	in := `#Insight Transform File V1.0
#Transform 0
Transform: Euler3DTransform_double_3_3
Parameters: 0 0 1.5707963267948966 1 2 3
FixedParameters: 10 0 0 0
`
	tr, err := Decode(strings.NewReader(in))
	require.NoError(t, err)
	// (11, 0, 0) rotates about (10, 0, 0) to (10, 1, 0), then translates
	assertVecNear(t, r3.Vec{X: 11, Y: 3, Z: 3}, tr.Apply(r3.Vec{X: 11}), 1e-12)
}

func TestDecodeITKEuler2D(t *testing.T) {
	in := "Transform: Euler2DTransform_double_2_2\nParameters: 0 -2 0.5\nFixedParameters: 4.5 4.5\n"
	tr, err := Decode(strings.NewReader(in))
	require.NoError(t, err)
	assertVecNear(t, r3.Vec{X: -2, Y: 0.5}, tr.Translation(), 0)
	assertVecNear(t, r3.Vec{X: 4.5, Y: 4.5}, tr.Center(), 0)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"unsupported":  "Transform: BSplineTransform_double_3_3\nParameters: 1 2 3\nFixedParameters: 0\n",
		"param count":  "Transform: AffineTransform_double_3_3\nParameters: 1 0 0\nFixedParameters: 0 0 0\n",
		"bad number":   "Transform: Euler3DTransform_double_3_3\nParameters: 0 0 x 1 2 3\nFixedParameters: 0 0 0\n",
		"no separator": "garbage line\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(in))
			assert.ErrorIs(t, err, ErrInvalidTransformFile)
		})
	}
}

func TestDecodeComposite(t *testing.T) {
	single := `#Insight Transform File V1.0
#Transform 0
Transform: CompositeTransform_double_3_3
#Transform 1
Transform: Euler3DTransform_double_3_3
Parameters: 0 0 1.5707963267948966 1 2 3
FixedParameters: 10 0 0 0
`
	tr, err := Decode(strings.NewReader(single))
	require.NoError(t, err)
	assertVecNear(t, r3.Vec{X: 11, Y: 3, Z: 3}, tr.Apply(r3.Vec{X: 11}), 1e-12)

	// the translation is applied before the rotation
	chained := single + "#Transform 2\nTransform: TranslationTransform_double_3_3\nParameters: 0 0 5\nFixedParameters:\n"
	tr, err = Decode(strings.NewReader(chained))
	require.NoError(t, err)
	assertVecNear(t, r3.Vec{X: 11, Y: 3, Z: 8}, tr.Apply(r3.Vec{X: 11}), 1e-12)

	_, err = Decode(strings.NewReader("#Transform 0\nTransform: CompositeTransform_double_3_3\n"))
	assert.ErrorIs(t, err, ErrInvalidTransformFile)
}

func TestDecodeReadsFirstRecordOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTransform()))
	buf.WriteString("#Transform 1\nTransform: TranslationTransform_double_3_3\nParameters: 9 9 9\nFixedParameters:\n")

	tr, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, tr.Equal(sampleTransform(), 1e-15))
}
