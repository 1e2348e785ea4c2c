// Package support maintains the supporter indices derived from the committed
// relation set and answers the questions that depend on them: who rests on
// whom, what moves together, what falls when a supporter disappears.
package support

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/topology"
)

// CascadeOrigin stamps follow-up patches produced by the support system, so
// LWW orders them after the update that triggered them.
const CascadeOrigin = "support-cascade"

// Graph is the read surface the support system needs on the store.
type Graph interface {
	GetNode(id string) (schemas.Node, error)
	Nodes() []schemas.Node
	Relations() []schemas.Relation
}

// System holds the supported_by and dependents indices. It subscribes to the
// store's event stream and rebuilds whenever a committed event could have
// changed who rests on whom.
type System struct {
	mu          sync.RWMutex
	store       Graph
	topo        topology.Params
	rotate      bool
	supportedBy map[string]string
	dependents  map[string][]string
	log         *zap.Logger
}

// New builds the system and computes the initial indices. With rotate set,
// cascade moves also swing dependents around the mover instead of only
// translating them.
func New(store Graph, topo topology.Params, rotate bool, logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &System{
		store:  store,
		topo:   topo,
		rotate: rotate,
		log:    logger.Named("support"),
	}
	s.Rebuild()
	return s
}

// OnEvents implements schemas.EventSink. Only events that can change the
// support picture trigger a rebuild; pure field updates and foreign relation
// types do not.
func (s *System) OnEvents(events []schemas.Event) {
	for _, ev := range events {
		if s.relevant(ev) {
			s.Rebuild()
			return
		}
	}
}

func (s *System) relevant(ev schemas.Event) bool {
	switch ev.Type {
	case schemas.EventBootstrap, schemas.EventNodeAdded, schemas.EventNodeRemoved:
		return true
	case schemas.EventRelationUpserted, schemas.EventRelationRemoved:
		r, _ := ev.Details["r"].(string)
		return r == string(schemas.RelOnTopOf) || r == string(schemas.RelSupports)
	}
	return false
}

// Rebuild recomputes both indices from the store's relation set. Each
// supported object gets exactly one supporter: the on_top_of edge with the
// highest confidence, ties broken by the lower supporter id.
func (s *System) Rebuild() {
	type edge struct {
		supporter string
		conf      float64
	}
	best := make(map[string]edge)
	for _, rel := range s.store.Relations() {
		var x, y string
		switch rel.Type {
		case schemas.RelOnTopOf:
			x, y = rel.A, rel.B
		case schemas.RelSupports:
			x, y = rel.B, rel.A
		default:
			continue
		}
		cur, ok := best[x]
		if !ok || rel.Confidence > cur.conf ||
			(rel.Confidence == cur.conf && y < cur.supporter) {
			best[x] = edge{supporter: y, conf: rel.Confidence}
		}
	}

	supportedBy := make(map[string]string, len(best))
	dependents := make(map[string][]string)
	for x, e := range best {
		supportedBy[x] = e.supporter
		dependents[e.supporter] = append(dependents[e.supporter], x)
	}
	for _, deps := range dependents {
		sort.Strings(deps)
	}

	s.mu.Lock()
	s.supportedBy = supportedBy
	s.dependents = dependents
	s.mu.Unlock()
	s.log.Debug("support indices rebuilt", zap.Int("supported", len(supportedBy)))
}

// SupporterOf returns the unique supporter of a node, if any.
func (s *System) SupporterOf(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	y, ok := s.supportedBy[id]
	return y, ok
}

// Dependents returns the direct dependents of a node, sorted by id.
func (s *System) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dependents[id]...)
}

// RecursiveDependents returns everything resting on a node, directly or
// through a stack, in breadth-first sorted order.
func (s *System) RecursiveDependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recursiveLocked(id)
}

func (s *System) recursiveLocked(id string) []string {
	var out []string
	seen := map[string]struct{}{id: {}}
	frontier := []string{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, x := range s.dependents[next] {
			if _, ok := seen[x]; ok {
				continue
			}
			seen[x] = struct{}{}
			out = append(out, x)
			frontier = append(frontier, x)
		}
	}
	return out
}

// Indices exports both maps plus the derived recursive closure for snapshots.
func (s *System) Indices() schemas.SupportDependencies {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := schemas.SupportDependencies{
		SupportedBy:         make(map[string]string, len(s.supportedBy)),
		Dependents:          make(map[string][]string, len(s.dependents)),
		RecursiveDependents: make(map[string][]string, len(s.dependents)),
	}
	for x, y := range s.supportedBy {
		out.SupportedBy[x] = y
	}
	for y, deps := range s.dependents {
		out.Dependents[y] = append([]string(nil), deps...)
		out.RecursiveDependents[y] = s.recursiveLocked(y)
	}
	return out
}

// ChainDepth counts the supportedBy hops from a node to one with no supporter.
func (s *System) ChainDepth(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainDepthLocked(id)
}

func (s *System) chainDepthLocked(id string) int {
	depth := 0
	seen := map[string]struct{}{id: {}}
	cur := id
	for {
		y, ok := s.supportedBy[cur]
		if !ok {
			return depth
		}
		if _, cyc := seen[y]; cyc {
			return depth
		}
		seen[y] = struct{}{}
		depth++
		cur = y
	}
}

// Stability reports the support-chain verdict for one node. A node is
// ground-stable when its mobility is fixed, when it rests directly on the
// floor, or when its supporter is itself ground-stable.
func (s *System) Stability(id string) schemas.StabilityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depth := s.chainDepthLocked(id)
	risk := "low"
	switch {
	case depth > 3:
		risk = "high"
	case depth >= 2:
		risk = "medium"
	}
	return schemas.StabilityRecord{
		ChainDepth:   depth,
		Risk:         risk,
		GroundStable: s.groundStableLocked(id, map[string]struct{}{}),
	}
}

func (s *System) groundStableLocked(id string, seen map[string]struct{}) bool {
	if _, cyc := seen[id]; cyc {
		return false
	}
	seen[id] = struct{}{}

	n, err := s.store.GetNode(id)
	if err != nil {
		return false
	}
	if n.Mobility == schemas.MobilityFixed {
		return true
	}
	if y, ok := s.supportedBy[id]; ok {
		return s.groundStableLocked(y, seen)
	}
	return n.Bottom() <= s.floorZ()+s.topo.TauContact
}

// floorZ is the minimum room AABB z, falling back to the world ground plane
// when the scene carries no rooms.
func (s *System) floorZ() float64 {
	z := topology.GroundLevel
	found := false
	for _, n := range s.store.Nodes() {
		if n.Class != "room" {
			continue
		}
		min, _ := n.AABB()
		if !found || min[2] < z {
			z = min[2]
			found = true
		}
	}
	return z
}

// CascadeMove builds the follow-up patch that carries every recursive
// dependent of a moved node by the same delta. When rotation cascading is on
// and spin is a real rotation, dependents also swing around the mover and
// pick up the spin themselves; callers commit the mover's own update before
// asking for the cascade, so the stored mover position is the pivot. The
// caller supplies a timestamp strictly greater than the triggering update's.
// Nil when nothing rests on the node.
func (s *System) CascadeMove(id string, delta schemas.Vec3, spin schemas.Quat, ts uint64) *schemas.Patch {
	deps := s.RecursiveDependents(id)
	if len(deps) == 0 {
		return nil
	}
	swing := s.rotate && !spin.IsIdentity()
	var pivot schemas.Vec3
	if swing {
		mover, err := s.store.GetNode(id)
		if err != nil {
			swing = false
		} else {
			pivot = mover.Pos
		}
	}
	patch := schemas.NewPatch(schemas.Stamp{TS: ts, Origin: CascadeOrigin})
	for _, x := range deps {
		n, err := s.store.GetNode(x)
		if err != nil {
			continue
		}
		if swing {
			arm := n.Pos.Add(delta).Sub(pivot)
			patch.UpdateField(x, "pos", pivot.Add(spin.Rotate(arm)))
			ori := n.Ori
			if ori.IsIdentity() {
				ori = schemas.Identity
			}
			patch.UpdateField(x, "ori", spin.Mul(ori))
			continue
		}
		patch.UpdateField(x, "pos", n.Pos.Add(delta))
	}
	if patch.Empty() {
		return nil
	}
	s.log.Debug("cascade move planned",
		zap.String("id", id), zap.Int("dependents", len(deps)))
	return patch
}

// Fall describes one dependent dropping after its supporter disappears.
// Surface is the id of the catching node, empty when the object lands on the
// room floor.
type Fall struct {
	ID      string
	To      schemas.Vec3
	Surface string
}

// RemovalPlan describes the consequences of removing a node for everything
// that rested on it.
type RemovalPlan struct {
	// Falls lists mobile dependents with their landing positions.
	Falls []Fall
	// Orphaned lists fixed dependents that stay in place and merely lose
	// their supporter.
	Orphaned []string
}

// PlanRemoval computes, without mutating anything, what the direct dependents
// of a node do when it is removed: fixed objects stay put, mobile ones drop
// straight down to the next lower ground-stable surface under their footprint,
// or to the room floor when none exists. The plan serves both the command
// path and what-if simulation.
func (s *System) PlanRemoval(id string) RemovalPlan {
	var plan RemovalPlan
	for _, x := range s.Dependents(id) {
		n, err := s.store.GetNode(x)
		if err != nil {
			continue
		}
		if n.Mobility == schemas.MobilityFixed {
			plan.Orphaned = append(plan.Orphaned, x)
			continue
		}
		to, surface := s.landing(&n, id)
		plan.Falls = append(plan.Falls, Fall{ID: x, To: to, Surface: surface})
	}
	return plan
}

// landing finds where a falling node comes to rest once its supporter is
// gone: the highest eligible surface below it that overlaps at least half of
// its footprint, else the room floor.
func (s *System) landing(n *schemas.Node, removed string) (schemas.Vec3, string) {
	var (
		bestTop float64
		bestID  string
	)
	for _, cand := range s.store.Nodes() {
		if cand.ID == n.ID || cand.ID == removed || cand.Class == "room" {
			continue
		}
		if cand.Top() > n.Bottom()+s.topo.TauContact {
			continue
		}
		if topology.OverlapAreaXY(n, &cand) < 0.5*n.Footprint() {
			continue
		}
		s.mu.RLock()
		eligible := cand.HasAffordance(topology.AffordanceSupport) ||
			cand.Mobility == schemas.MobilityFixed || cand.Mobility == schemas.MobilityLow
		stable := eligible && s.groundStableLocked(cand.ID, map[string]struct{}{n.ID: {}, removed: {}})
		s.mu.RUnlock()
		if !stable {
			continue
		}
		if bestID == "" || cand.Top() > bestTop {
			bestID, bestTop = cand.ID, cand.Top()
		}
	}
	if bestID != "" {
		target, err := s.store.GetNode(bestID)
		if err == nil {
			pos := n.Pos
			pos[2] = topology.PlaceOnSurface(&target, n.Size, 0, 0)[2]
			return pos, bestID
		}
	}
	pos := n.Pos
	pos[2] = s.floorZ() + n.Size[2]/2
	return pos, ""
}
