package topology

import (
	"math"

	"github.com/xkilldash9x/spacegraph/api/schemas"
)

const (
	// GroundLevel is the Z coordinate of the scene floor.
	GroundLevel = 0.0
	// MinExtent prevents degenerate flat boxes.
	MinExtent = 0.01
	// PlacementSlack is the resting gap left above a support surface.
	PlacementSlack = 0.001
)

// placementAttempts bounds the deterministic sweep in FindGroundSpot.
const placementAttempts = 20

// ClampExtent raises every box dimension to the minimum extent.
func ClampExtent(size schemas.Vec3) schemas.Vec3 {
	for i := 0; i < 3; i++ {
		if size[i] < MinExtent {
			size[i] = MinExtent
		}
	}
	return size
}

// AlignToGround recenters pos so a box of the given size sits on the floor.
func AlignToGround(pos, size schemas.Vec3) schemas.Vec3 {
	size = ClampExtent(size)
	return schemas.Vec3{pos[0], pos[1], GroundLevel + size[2]/2}
}

// PlaceOnSurface returns the center for a box of the given size resting on
// target's top face, offset horizontally from target's center.
func PlaceOnSurface(target *schemas.Node, size schemas.Vec3, dx, dy float64) schemas.Vec3 {
	size = ClampExtent(size)
	return schemas.Vec3{
		target.Pos[0] + dx,
		target.Pos[1] + dy,
		target.Top() + size[2]/2 + PlacementSlack,
	}
}

// PlaceOnGroundNear returns the floor-level center at the given polar offset
// from target.
func PlaceOnGroundNear(target schemas.Vec3, size schemas.Vec3, distance, angle float64) schemas.Vec3 {
	size = ClampExtent(size)
	return schemas.Vec3{
		target[0] + distance*math.Cos(angle),
		target[1] + distance*math.Sin(angle),
		GroundLevel + size[2]/2,
	}
}

// BoxesOverlap reports whether two axis-aligned boxes intersect. Touching
// faces do not count as overlap.
func BoxesOverlap(aPos, aSize, bPos, bSize schemas.Vec3) bool {
	for i := 0; i < 3; i++ {
		if aPos[i]+aSize[i]/2 <= bPos[i]-bSize[i]/2 ||
			bPos[i]+bSize[i]/2 <= aPos[i]-aSize[i]/2 {
			return false
		}
	}
	return true
}

// Collides reports whether the boxes of two nodes intersect.
func Collides(a, b *schemas.Node) bool {
	return BoxesOverlap(a.Pos, a.Size, b.Pos, b.Size)
}

// SegmentIntersectsBox reports whether the segment from p0 to p1 passes
// through the axis-aligned box, using the slab method.
func SegmentIntersectsBox(p0, p1, boxPos, boxSize schemas.Vec3) bool {
	tMin, tMax := 0.0, 1.0
	for i := 0; i < 3; i++ {
		lo := boxPos[i] - boxSize[i]/2
		hi := boxPos[i] + boxSize[i]/2
		d := p1[i] - p0[i]
		if math.Abs(d) < 1e-12 {
			if p0[i] < lo || p0[i] > hi {
				return false
			}
			continue
		}
		t0 := (lo - p0[i]) / d
		t1 := (hi - p0[i]) / d
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tMin = math.Max(tMin, t0)
		tMax = math.Min(tMax, t1)
		if tMin > tMax {
			return false
		}
	}
	return true
}

// OverlapAreaXY returns the intersection area of the two nodes' footprints.
func OverlapAreaXY(a, b *schemas.Node) float64 {
	area := 1.0
	for i := 0; i < 2; i++ {
		lo := math.Max(a.Pos[i]-a.Size[i]/2, b.Pos[i]-b.Size[i]/2)
		hi := math.Min(a.Pos[i]+a.Size[i]/2, b.Pos[i]+b.Size[i]/2)
		if hi <= lo {
			return 0
		}
		area *= hi - lo
	}
	return area
}

// FindGroundSpot sweeps fixed angles and growing radii around target until it
// finds a floor position whose box clears every occupied node. The sweep is a
// fixed schedule, so identical inputs always yield the identical spot. Falls
// back to the target's own footprint when every attempt collides.
func FindGroundSpot(target schemas.Vec3, size schemas.Vec3, occupied []schemas.Node, minDist float64) schemas.Vec3 {
	size = ClampExtent(size)
	for i := 0; i < placementAttempts; i++ {
		angle := float64(i) * 2 * math.Pi / placementAttempts
		distance := minDist + float64(i)*0.1
		pos := PlaceOnGroundNear(target, size, distance, angle)
		clear := true
		for j := range occupied {
			if BoxesOverlap(pos, size, occupied[j].Pos, occupied[j].Size) {
				clear = false
				break
			}
		}
		if clear {
			return pos
		}
	}
	return AlignToGround(target, size)
}

// SettleHeight corrects an object's Z so it neither sinks below the floor nor
// floats unreasonably high. Heights within two units of the floor are left
// alone since the object may be stacked on something.
func SettleHeight(pos, size schemas.Vec3, allowStacking bool) schemas.Vec3 {
	size = ClampExtent(size)
	groundZ := GroundLevel + size[2]/2
	if !allowStacking || pos[2] < groundZ || pos[2] > groundZ+2.0 {
		return schemas.Vec3{pos[0], pos[1], groundZ}
	}
	return pos
}
