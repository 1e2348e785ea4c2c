// Package topology provides the pure geometric predicates that turn pairs of
// scene nodes into candidate spatial relations. Predicates never touch the
// store; callers decide whether a candidate clears the proposal threshold.
package topology

import (
	"math"

	"github.com/xkilldash9x/spacegraph/api/schemas"
)

// AffordanceSupport marks a node able to carry other objects.
const AffordanceSupport = "support"

// AffordanceContainer marks a node whose interior counts for containment.
const AffordanceContainer = "container"

// Params carries the distance and contact thresholds the predicates evaluate
// against. Zero values are not usable; start from DefaultParams.
type Params struct {
	TauNear    float64 // near band upper bound, scene units
	TauFar     float64 // far threshold from configuration; Proximity does not read it
	Epsilon    float64 // numeric slack below a supporting surface
	TauContact float64 // max resting gap above a supporting surface
	TauLevel   float64 // max vertical offset for beside
	TauBeside  float64 // max horizontal distance for beside
}

// DefaultParams returns the standard thresholds.
func DefaultParams() Params {
	return Params{
		TauNear:    0.75,
		TauFar:     1.5,
		Epsilon:    0.02,
		TauContact: 0.05,
		TauLevel:   0.15,
		TauBeside:  1.2,
	}
}

// Candidate is a scored relation hypothesis produced by a predicate. Basis
// names the predicate that produced it, for provenance in proposals.
type Candidate struct {
	Type  schemas.RelationType
	A     string
	B     string
	Conf  float64
	Props map[string]float64
	Basis string
}

// Relation materializes the candidate as a committable relation record.
func (c Candidate) Relation(stamp schemas.Stamp) schemas.Relation {
	return schemas.Relation{
		Type:       c.Type,
		A:          c.A,
		B:          c.B,
		Props:      c.Props,
		Confidence: c.Conf,
		Stamp:      stamp,
	}
}

// Inverse returns the mirrored candidate for directed relation types that
// carry one, sharing confidence and properties.
func (c Candidate) Inverse() (Candidate, bool) {
	inv, ok := c.Type.Inverse()
	if !ok {
		return Candidate{}, false
	}
	out := c
	out.Type = inv
	out.A, out.B = c.B, c.A
	return out, true
}

// Proximity classifies the pair as near or far by horizontal center distance.
// Confidence follows a Gaussian falloff with sigma = TauNear, so coincident
// objects score 1.0, the near band bottoms out around 0.6, and far confidence
// is the complement, rising toward 1.0 with distance. TauFar does not enter
// the computation.
func Proximity(a, b *schemas.Node, p Params) Candidate {
	d := a.Pos.DistXY(b.Pos)
	w := math.Exp(-(d * d) / (2 * p.TauNear * p.TauNear))
	c := Candidate{
		A:     a.ID,
		B:     b.ID,
		Props: map[string]float64{"dist": d},
		Basis: "topo.Proximity",
	}
	if d <= p.TauNear {
		c.Type = schemas.RelNear
		c.Conf = clamp(w, 0.1, 1.0)
	} else {
		c.Type = schemas.RelFar
		c.Conf = clamp(1-w, 0.1, 1.0)
	}
	return c
}

// Resting tests whether a rests on b: a's footprint overlaps b's by at least
// half of a's own, the vertical gap sits within [-Epsilon, TauContact], and b
// is eligible to carry weight (support affordance or fixed/low mobility).
// On success the candidate is on_top_of(a, b); the supports inverse comes
// from Candidate.Inverse.
func Resting(a, b *schemas.Node, p Params) (Candidate, bool) {
	if a.ID == b.ID {
		return Candidate{}, false
	}
	fp := a.Footprint()
	if fp <= 0 {
		return Candidate{}, false
	}
	if OverlapAreaXY(a, b) < 0.5*fp {
		return Candidate{}, false
	}
	g := a.Bottom() - b.Top()
	if g < -p.Epsilon || g > p.TauContact {
		return Candidate{}, false
	}
	if !supporterEligible(b) {
		return Candidate{}, false
	}
	return Candidate{
		Type: schemas.RelOnTopOf,
		A:    a.ID,
		B:    b.ID,
		Conf: clamp(1-math.Abs(g)/p.TauContact, 0.5, 0.99),
		Props: map[string]float64{
			"height_diff": b.Pos.Z() - a.Pos.Z(),
		},
		Basis: "topo.Resting",
	}, true
}

func supporterEligible(b *schemas.Node) bool {
	if b.HasAffordance(AffordanceSupport) {
		return true
	}
	return b.Mobility == schemas.MobilityFixed || b.Mobility == schemas.MobilityLow
}

// Flanking tests the symmetric beside relation: level within TauLevel,
// horizontally within TauBeside, and neither object resting on the other.
// Confidence scales with horizontal proximity.
func Flanking(a, b *schemas.Node, p Params) (Candidate, bool) {
	if math.Abs(a.Pos.Z()-b.Pos.Z()) > p.TauLevel {
		return Candidate{}, false
	}
	dxy := a.Pos.DistXY(b.Pos)
	if dxy > p.TauBeside {
		return Candidate{}, false
	}
	if _, on := Resting(a, b, p); on {
		return Candidate{}, false
	}
	if _, on := Resting(b, a, p); on {
		return Candidate{}, false
	}
	return Candidate{
		Type:  schemas.RelBeside,
		A:     a.ID,
		B:     b.ID,
		Conf:  clamp(1-dxy/p.TauBeside, 0.1, 1.0),
		Props: map[string]float64{"dist": dxy},
		Basis: "topo.Flanking",
	}, true
}

// Layered tests the above/below relation: footprints overlap but the vertical
// gap exceeds the contact band, so the pair is stacked without touching.
// Confidence scales with the overlapped fraction of the smaller footprint.
func Layered(a, b *schemas.Node, p Params) (Candidate, bool) {
	overlap := OverlapAreaXY(a, b)
	if overlap <= 0 {
		return Candidate{}, false
	}
	smaller := math.Min(a.Footprint(), b.Footprint())
	if smaller <= 0 {
		return Candidate{}, false
	}
	c := Candidate{
		A:     a.ID,
		B:     b.ID,
		Conf:  clamp(overlap/smaller, 0.1, 0.95),
		Basis: "topo.Layered",
	}
	switch {
	case a.Bottom()-b.Top() > p.TauContact:
		c.Type = schemas.RelAbove
		c.Props = map[string]float64{"gap": a.Bottom() - b.Top()}
	case b.Bottom()-a.Top() > p.TauContact:
		c.Type = schemas.RelBelow
		c.Props = map[string]float64{"gap": b.Bottom() - a.Top()}
	default:
		return Candidate{}, false
	}
	return c, true
}

// Contained tests whether a's centroid falls inside b's box, where b is a
// room or carries the container affordance. Containment is a placement fact
// rather than a measurement, so confidence is fixed at 1.0.
func Contained(a, b *schemas.Node) (Candidate, bool) {
	if a.ID == b.ID {
		return Candidate{}, false
	}
	if b.Class != "room" && !b.HasAffordance(AffordanceContainer) {
		return Candidate{}, false
	}
	if !ContainsPoint(b, a.Pos) {
		return Candidate{}, false
	}
	return Candidate{
		Type:  schemas.RelIn,
		A:     a.ID,
		B:     b.ID,
		Conf:  1.0,
		Basis: "topo.Contained",
	}, true
}

// ContainsPoint reports whether the position falls inside n's axis-aligned
// box, boundary included.
func ContainsPoint(n *schemas.Node, pos schemas.Vec3) bool {
	min, max := n.AABB()
	for i := 0; i < 3; i++ {
		if pos[i] < min[i] || pos[i] > max[i] {
			return false
		}
	}
	return true
}

// Predicate evaluates one relation type for an ordered node pair.
type Predicate func(a, b *schemas.Node, p Params) (Candidate, bool)

// Registry maps each reserved relation type produced during perception to its
// predicate. New relation types are added by registering, not by extending
// the evaluation loop.
func Registry() map[schemas.RelationType]Predicate {
	return map[schemas.RelationType]Predicate{
		schemas.RelOnTopOf: Resting,
		schemas.RelBeside:  Flanking,
		schemas.RelNear: func(a, b *schemas.Node, p Params) (Candidate, bool) {
			c := Proximity(a, b, p)
			return c, c.Type == schemas.RelNear
		},
		schemas.RelAbove: Layered,
		schemas.RelFar: func(a, b *schemas.Node, p Params) (Candidate, bool) {
			c := Proximity(a, b, p)
			return c, c.Type == schemas.RelFar
		},
	}
}

// priority is the tie-break order for candidates on the same pair; only the
// highest positive relation is proposed per pair per tick.
var priority = []schemas.RelationType{
	schemas.RelOnTopOf,
	schemas.RelBeside,
	schemas.RelNear,
	schemas.RelAbove,
	schemas.RelFar,
}

// Ranked evaluates all registered predicates for the pair and returns the
// positive candidates in priority order. Near and far are mutually exclusive,
// so the slice never carries both.
func Ranked(a, b *schemas.Node, p Params) []Candidate {
	reg := Registry()
	out := make([]Candidate, 0, 2)
	for _, t := range priority {
		if c, ok := reg[t](a, b, p); ok {
			out = append(out, c)
		}
	}
	return out
}

// Best evaluates all registered predicates for the pair and returns the
// highest-priority positive candidate. Layered covers both above and below,
// so the single above slot in the priority list suffices.
func Best(a, b *schemas.Node, p Params) Candidate {
	reg := Registry()
	for _, t := range priority {
		if c, ok := reg[t](a, b, p); ok {
			return c
		}
	}
	// Proximity always classifies, so the loop cannot fall through; keep the
	// compiler satisfied.
	return Proximity(a, b, p)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
