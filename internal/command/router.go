// Package command translates structured intents from the external language
// layer into scene-graph patches. Adds go through the object template table
// and a deterministic placement sweep, moves drag their support cascade along,
// removals execute the full dependency plan, and queries hand off to the
// question dispatcher. Batches validate up front and reject atomically.
package command

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/support"
	"github.com/xkilldash9x/spacegraph/internal/topology"
)

// Origin is the LWW origin stamped on router-issued patches.
const Origin = "command"

// goldenAngle spaces successive surface placements so stacked adds spiral
// outward instead of piling onto one spot.
const goldenAngle = 2.399963229728653

// placementAttempts bounds the collision-avoidance sweep per object.
const placementAttempts = 20

// Graph is the store surface the router writes through.
type Graph interface {
	GetNode(id string) (schemas.Node, error)
	Nodes() []schemas.Node
	ApplyPatch(p *schemas.Patch) ([]schemas.Event, error)
	AppendEvent(t schemas.EventType, subject string, stamp schemas.Stamp, details map[string]any) schemas.Event
}

// Support is the simulation surface for cascades.
type Support interface {
	PlanRemoval(id string) support.RemovalPlan
	CascadeMove(id string, delta schemas.Vec3, spin schemas.Quat, ts uint64) *schemas.Patch
	Dependents(id string) []string
}

// Asker answers query intents.
type Asker interface {
	Answer(question string) *schemas.Answer
}

// Clock issues monotonically increasing logical timestamps.
type Clock interface {
	Next() uint64
}

// Router applies intents to the scene.
type Router struct {
	store Graph
	sup   Support
	qa    Asker
	clock Clock
	log   *zap.Logger
}

// New wires a router over the store, support system and QA dispatcher.
func New(store Graph, sup Support, qa Asker, clock Clock, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{store: store, sup: sup, qa: qa, clock: clock, log: logger.Named("command")}
}

// Apply validates and executes a single intent.
func (r *Router) Apply(in schemas.Intent) (schemas.IntentResult, error) {
	results, err := r.ApplyBatch([]schemas.Intent{in})
	if err != nil {
		return schemas.IntentResult{}, err
	}
	return results[0], nil
}

// ApplyBatch executes a batch of intents. Validation runs over the whole
// batch first; any invalid intent rejects the batch before a single patch
// commits.
func (r *Router) ApplyBatch(intents []schemas.Intent) ([]schemas.IntentResult, error) {
	staged := make(map[string]struct{})
	for i := range intents {
		if err := r.validate(&intents[i], staged); err != nil {
			return nil, err
		}
	}

	results := make([]schemas.IntentResult, 0, len(intents))
	for i := range intents {
		res, err := r.execute(&intents[i])
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// validate checks one intent against the store plus ids staged by earlier
// adds in the same batch. It never mutates the scene.
func (r *Router) validate(in *schemas.Intent, staged map[string]struct{}) error {
	switch in.Kind {
	case schemas.IntentAddObject:
		if in.Add == nil || in.Add.Type == "" {
			return schemas.Errorf(schemas.KindBadIntent, "add_object needs an object type")
		}
		if in.Add.Quantity < 0 {
			return schemas.Errorf(schemas.KindBadIntent, "add_object quantity %d is negative", in.Add.Quantity)
		}
		if in.Add.Target != "" {
			if _, err := r.resolve(in.Add.Target, staged); err != nil {
				return err
			}
		}
		for _, id := range r.plannedIDs(in.Add, staged) {
			staged[id] = struct{}{}
		}
	case schemas.IntentMoveObject:
		if in.Move == nil || in.Move.ID == "" {
			return schemas.Errorf(schemas.KindBadIntent, "move_object needs an object id")
		}
		if in.Move.NewPos == nil && in.Move.RelativeTo == "" && in.Move.NewOri == nil {
			return schemas.Errorf(schemas.KindBadIntent, "move_object needs new_pos, new_ori or relative_to")
		}
		if _, err := r.resolve(in.Move.ID, staged); err != nil {
			return err
		}
		if in.Move.RelativeTo != "" {
			if _, err := r.resolve(in.Move.RelativeTo, staged); err != nil {
				return err
			}
		}
	case schemas.IntentRemoveObject:
		if in.Remove == nil || in.Remove.ID == "" {
			return schemas.Errorf(schemas.KindBadIntent, "remove_object needs an object id")
		}
		if _, err := r.resolve(in.Remove.ID, staged); err != nil {
			return err
		}
	case schemas.IntentQuery:
		if in.Query == nil || in.Query.Question == "" {
			return schemas.Errorf(schemas.KindBadIntent, "query needs a question")
		}
	default:
		return schemas.Errorf(schemas.KindBadIntent, "unknown intent kind %q", in.Kind)
	}
	return nil
}

func (r *Router) execute(in *schemas.Intent) (schemas.IntentResult, error) {
	switch in.Kind {
	case schemas.IntentAddObject:
		return r.addObject(in.Add)
	case schemas.IntentMoveObject:
		return r.moveObject(in.Move)
	case schemas.IntentRemoveObject:
		return r.removeObject(in.Remove)
	default:
		ans := r.qa.Answer(in.Query.Question)
		return schemas.IntentResult{OK: true, Message: ans.AnswerText, Answer: ans}, nil
	}
}

// resolve finds a node id by exact id, then case-insensitive partial id,
// then class match, always picking the lexicographically smallest hit so
// repeated runs resolve identically. Rooms never match by class.
func (r *Router) resolve(name string, staged map[string]struct{}) (string, error) {
	if _, err := r.store.GetNode(name); err == nil {
		return name, nil
	}
	if _, ok := staged[name]; ok {
		return name, nil
	}

	lower := strings.ToLower(name)
	nodes := r.store.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	for i := range nodes {
		if strings.Contains(strings.ToLower(nodes[i].ID), lower) {
			return nodes[i].ID, nil
		}
	}
	for i := range nodes {
		if nodes[i].Class == "room" {
			continue
		}
		if strings.Contains(strings.ToLower(nodes[i].Class), lower) {
			return nodes[i].ID, nil
		}
	}
	return "", schemas.Errorf(schemas.KindBadIntent, "no object matches %q", name)
}

// plannedIDs returns the ids an add intent will create, without creating
// them. Generated ids count upward per class prefix.
func (r *Router) plannedIDs(add *schemas.AddObject, staged map[string]struct{}) []string {
	qty := add.Quantity
	if qty <= 0 {
		qty = 1
	}
	if add.ID != "" {
		return []string{add.ID}
	}

	tpl := TemplateFor(add.Type)
	used := make(map[string]struct{}, len(staged))
	for id := range staged {
		used[id] = struct{}{}
	}
	for _, n := range r.store.Nodes() {
		used[n.ID] = struct{}{}
	}

	out := make([]string, 0, qty)
	next := 1
	for len(out) < qty {
		id := fmt.Sprintf("%s_%d", tpl.Class, next)
		next++
		if _, taken := used[id]; taken {
			continue
		}
		used[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (r *Router) addObject(add *schemas.AddObject) (schemas.IntentResult, error) {
	tpl := TemplateFor(add.Type)
	ids := r.plannedIDs(add, nil)

	var target *schemas.Node
	if add.Target != "" {
		resolved, err := r.resolve(add.Target, nil)
		if err != nil {
			return schemas.IntentResult{}, err
		}
		n, err := r.store.GetNode(resolved)
		if err != nil {
			return schemas.IntentResult{}, err
		}
		target = &n
	}

	all := r.store.Nodes()
	occupied := make([]schemas.Node, 0, len(all))
	for i := range all {
		if all[i].Class != "room" {
			occupied = append(occupied, all[i])
		}
	}

	patch := schemas.NewPatch(schemas.Stamp{TS: r.clock.Next(), Origin: Origin})
	for i, id := range ids {
		pos := r.placement(add, tpl, target, occupied, i)
		node := tpl.Node(id, pos)
		patch.AddNode(node)
		if room := containingRoom(&node, all); room != "" {
			patch.AddRelation(schemas.Relation{Type: schemas.RelIn, A: id, B: room, Confidence: 1.0})
		}
		occupied = append(occupied, node)
	}

	if _, err := r.store.ApplyPatch(patch); err != nil {
		return schemas.IntentResult{}, err
	}
	r.log.Info("objects added", zap.Strings("ids", ids), zap.String("type", add.Type))
	return schemas.IntentResult{
		OK:      true,
		Message: fmt.Sprintf("Added %d %s to the scene", len(ids), add.Type),
		NodeIDs: ids,
	}, nil
}

// placement picks a position for the i-th object of an add. On-top targets
// get a golden-angle spiral over the support surface; near targets and free
// adds get a collision-checked floor spot. All sweeps are fixed schedules.
func (r *Router) placement(add *schemas.AddObject, tpl Template, target *schemas.Node, occupied []schemas.Node, i int) schemas.Vec3 {
	size := topology.ClampExtent(tpl.Size)

	if target != nil && (add.Relation == schemas.RelOnTopOf || add.Relation == "") {
		if target.HasAffordance("support") || target.Mobility == schemas.MobilityFixed || target.Mobility == schemas.MobilityLow {
			return r.surfaceSpot(target, size, occupied, i)
		}
	}
	if target != nil {
		return topology.FindGroundSpot(target.Pos, size, occupied, 0.3)
	}
	if add.Pos != nil {
		base := topology.SettleHeight(*add.Pos, size, true)
		if i == 0 {
			return base
		}
		return topology.FindGroundSpot(base, size, occupied, 0.2)
	}
	return topology.FindGroundSpot(r.sceneCenter(), size, occupied, 0.3)
}

// surfaceSpot spirals outward from the target's center until the candidate
// box clears everything already resting on the surface.
func (r *Router) surfaceSpot(target *schemas.Node, size schemas.Vec3, occupied []schemas.Node, start int) schemas.Vec3 {
	maxRadius := math.Max(0, math.Min(target.Size[0], target.Size[1])/2-math.Max(size[0], size[1])/2)
	for k := start; k < start+placementAttempts; k++ {
		radius := math.Min(maxRadius, 0.05*float64(k))
		angle := float64(k) * goldenAngle
		pos := topology.PlaceOnSurface(target, size, radius*math.Cos(angle), radius*math.Sin(angle))
		clear := true
		for j := range occupied {
			if occupied[j].ID == target.ID || occupied[j].Class == "room" {
				continue
			}
			if topology.BoxesOverlap(pos, size, occupied[j].Pos, occupied[j].Size) {
				clear = false
				break
			}
		}
		if clear {
			return pos
		}
	}
	return topology.PlaceOnSurface(target, size, 0, 0)
}

func (r *Router) sceneCenter() schemas.Vec3 {
	for _, n := range r.store.Nodes() {
		if n.Class == "room" {
			return schemas.Vec3{n.Pos[0], n.Pos[1], 0}
		}
	}
	return schemas.Vec3{}
}

// containingRoom returns the room holding the node's centroid, if any.
func containingRoom(n *schemas.Node, nodes []schemas.Node) string {
	for i := range nodes {
		if nodes[i].Class != "room" {
			continue
		}
		if c, ok := topology.Contained(n, &nodes[i]); ok {
			return c.B
		}
	}
	return ""
}

func (r *Router) moveObject(mv *schemas.MoveObject) (schemas.IntentResult, error) {
	id, err := r.resolve(mv.ID, nil)
	if err != nil {
		return schemas.IntentResult{}, err
	}
	node, err := r.store.GetNode(id)
	if err != nil {
		return schemas.IntentResult{}, err
	}

	var newPos schemas.Vec3
	switch {
	case mv.NewPos != nil:
		newPos = topology.SettleHeight(*mv.NewPos, node.Size, true)
	case mv.RelativeTo == "" && mv.NewOri != nil:
		// Pure rotation in place.
		newPos = node.Pos
	default:
		refID, err := r.resolve(mv.RelativeTo, nil)
		if err != nil {
			return schemas.IntentResult{}, err
		}
		ref, err := r.store.GetNode(refID)
		if err != nil {
			return schemas.IntentResult{}, err
		}
		offset := schemas.Vec3{}
		if mv.Offset != nil {
			offset = *mv.Offset
		}
		newPos = topology.SettleHeight(ref.Pos.Add(offset), node.Size, true)
	}

	spin := schemas.Identity
	patch := schemas.NewPatch(schemas.Stamp{TS: r.clock.Next(), Origin: Origin})
	patch.UpdateField(id, "pos", newPos)
	if mv.NewOri != nil {
		patch.UpdateField(id, "ori", *mv.NewOri)
		oldOri := node.Ori
		if oldOri.IsIdentity() {
			oldOri = schemas.Identity
		}
		spin = mv.NewOri.Mul(oldOri.Conj())
	}
	if _, err := r.store.ApplyPatch(patch); err != nil {
		return schemas.IntentResult{}, err
	}

	delta := newPos.Sub(node.Pos)
	if cascade := r.sup.CascadeMove(id, delta, spin, r.clock.Next()); cascade != nil {
		if _, err := r.store.ApplyPatch(cascade); err != nil {
			return schemas.IntentResult{}, err
		}
	}

	r.log.Info("object moved", zap.String("id", id),
		zap.Float64("x", newPos[0]), zap.Float64("y", newPos[1]), zap.Float64("z", newPos[2]))
	return schemas.IntentResult{
		OK:      true,
		Message: fmt.Sprintf("Moved %s to (%.2f, %.2f, %.2f)", id, newPos[0], newPos[1], newPos[2]),
		NodeIDs: []string{id},
	}, nil
}

func (r *Router) removeObject(rm *schemas.RemoveObject) (schemas.IntentResult, error) {
	id, err := r.resolve(rm.ID, nil)
	if err != nil {
		return schemas.IntentResult{}, err
	}
	plan := r.sup.PlanRemoval(id)

	patch := schemas.NewPatch(schemas.Stamp{TS: r.clock.Next(), Origin: Origin})
	patch.RemoveNode(id)
	if _, err := r.store.ApplyPatch(patch); err != nil {
		return schemas.IntentResult{}, err
	}

	cascadeTS := r.clock.Next()
	if len(plan.Falls) > 0 {
		cascade := schemas.NewPatch(schemas.Stamp{TS: cascadeTS, Origin: support.CascadeOrigin})
		for _, fall := range plan.Falls {
			cascade.UpdateField(fall.ID, "pos", fall.To)
		}
		if _, err := r.store.ApplyPatch(cascade); err != nil {
			return schemas.IntentResult{}, err
		}
	}

	remaining := r.store.Nodes()
	for _, fall := range plan.Falls {
		if landingBlocked(fall, remaining) {
			r.store.AppendEvent(schemas.EventCascadeUnresolved, fall.ID,
				schemas.Stamp{TS: cascadeTS, Origin: support.CascadeOrigin},
				map[string]any{"removed": id})
		}
	}
	for _, orphan := range plan.Orphaned {
		r.store.AppendEvent(schemas.EventLostSupport, orphan,
			schemas.Stamp{TS: cascadeTS, Origin: support.CascadeOrigin},
			map[string]any{"removed": id})
	}

	affected := len(plan.Falls) + len(plan.Orphaned)
	r.log.Info("object removed", zap.String("id", id), zap.Int("affected", affected))
	msg := fmt.Sprintf("Removed %s from the scene", id)
	if affected > 0 {
		msg = fmt.Sprintf("Removed %s from the scene (%d dependents affected)", id, affected)
	}
	return schemas.IntentResult{OK: true, Message: msg, NodeIDs: []string{id}}, nil
}

// landingBlocked reports whether a fallen object ended up intersecting
// another node. The plan's fallback floor drop can land inside something
// when the floor under the stack is already occupied.
func landingBlocked(fall support.Fall, nodes []schemas.Node) bool {
	n := nodeByID(nodes, fall.ID)
	if n == nil {
		return false
	}
	for i := range nodes {
		if nodes[i].ID == fall.ID || nodes[i].Class == "room" {
			continue
		}
		if topology.BoxesOverlap(fall.To, n.Size, nodes[i].Pos, nodes[i].Size) {
			return true
		}
	}
	return false
}

func nodeByID(nodes []schemas.Node, id string) *schemas.Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}
