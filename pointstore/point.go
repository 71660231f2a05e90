package pointstore

import (
	"fmt"
	"math"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// PointRecord is a single stored point. Color channels are in [0,1].
type PointRecord struct {
	X, Y, Z float32
	Color   [3]float32
}

// Vec3 is a JSON-friendly position used by bounding boxes.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// BoundingBox is an axis-aligned query volume. Both corners are inclusive.
type BoundingBox struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

// Box is a shorthand constructor used by tests and tools.
func Box(minX, minY, minZ, maxX, maxY, maxZ float64) BoundingBox {
	return BoundingBox{
		Min: Vec3{X: minX, Y: minY, Z: minZ},
		Max: Vec3{X: maxX, Y: maxY, Z: maxZ},
	}
}

// Contains reports whether p lies inside the box, bounds included.
func (b BoundingBox) Contains(p PointRecord) bool {
	x, y, z := float64(p.X), float64(p.Y), float64(p.Z)
	return b.Min.X <= x && x <= b.Max.X &&
		b.Min.Y <= y && y <= b.Max.Y &&
		b.Min.Z <= z && z <= b.Max.Z
}

// Validate rejects non-finite corners and inverted axes.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.WrapInvalid(errors.ErrInvalidBoundingBox, "BoundingBox", "Validate",
				"non-finite coordinate")
		}
	}
	if b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z {
		return errors.WrapInvalid(errors.ErrInvalidBoundingBox, "BoundingBox", "Validate",
			fmt.Sprintf("min %v exceeds max %v", b.Min, b.Max))
	}
	return nil
}
