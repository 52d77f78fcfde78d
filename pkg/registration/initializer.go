package registration

import (
	"gonum.org/v1/gonum/spatial/r3"

	"volreg/internal/models"
	"volreg/pkg/transform"
)

// CenteredGeometry returns the seed transform that lines up the geometric
// centers of the two grids: identity rotation about the fixed center and a
// translation carrying the fixed center onto the moving center. Only the
// grid geometry is used, never the sample values.
func CenteredGeometry(fixed, moving models.Grid) *transform.Rigid {
	fc := fixed.GeometricCenter()
	mc := moving.GeometricCenter()
	return transform.NewTranslation(r3.Sub(mc, fc), fc)
}
