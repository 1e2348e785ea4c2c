// Package graph holds the scene graph store: the single mutable owner of
// nodes, relations and the append-only event log. Everything else in the
// system reads through it or mutates it with patches.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
)

// Store is an in-memory scene graph guarded by a single RWMutex. Patch
// application is atomic: validation happens before the first mutation, so a
// rejected patch leaves the store untouched.
type Store struct {
	mu          sync.RWMutex
	sceneID     string
	frame       string
	nodes       map[string]schemas.Node
	relations   map[schemas.RelationKey]schemas.Relation
	fieldStamps map[string]map[string]schemas.Stamp
	events      []schemas.Event
	seq         uint64
	sinks       []schemas.EventSink
	log         *zap.Logger
}

// NewStore creates an empty scene graph store.
func NewStore(logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		nodes:       make(map[string]schemas.Node),
		relations:   make(map[schemas.RelationKey]schemas.Relation),
		fieldStamps: make(map[string]map[string]schemas.Stamp),
		log:         logger.Named("SceneGraph"),
	}, nil
}

// AddSink registers an event sink notified after every committed batch.
func (s *Store) AddSink(sink schemas.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// LoadBootstrap atomically populates the store from a bootstrap document and
// appends a single bootstrap event. Missing required fields fail with
// BadBootstrap and leave the store empty.
func (s *Store) LoadBootstrap(doc *schemas.BootstrapFile, stamp schemas.Stamp) error {
	batch, err := s.loadBootstrapLocked(doc, stamp)
	if err != nil {
		return err
	}
	s.notify(batch)
	return nil
}

func (s *Store) loadBootstrapLocked(doc *schemas.BootstrapFile, stamp schemas.Stamp) ([]schemas.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc == nil || doc.Scene.ID == "" {
		return nil, schemas.Errorf(schemas.KindBadBootstrap, "scene id is required")
	}

	nodes := make(map[string]schemas.Node, len(doc.Scene.Rooms)+len(doc.Scene.Objects))
	for i := range doc.Scene.Rooms {
		n, err := nodeFromBootstrap(&doc.Scene.Rooms[i], true)
		if err != nil {
			return nil, err
		}
		nodes[n.ID] = n
	}
	for i := range doc.Scene.Objects {
		n, err := nodeFromBootstrap(&doc.Scene.Objects[i], false)
		if err != nil {
			return nil, err
		}
		nodes[n.ID] = n
	}

	relations := make(map[schemas.RelationKey]schemas.Relation, len(doc.Scene.Relations))
	for _, br := range doc.Scene.Relations {
		if _, ok := nodes[br.A]; !ok {
			return nil, schemas.Errorf(schemas.KindBadBootstrap, "relation %s references unknown node %q", br.R, br.A)
		}
		if _, ok := nodes[br.B]; !ok {
			return nil, schemas.Errorf(schemas.KindBadBootstrap, "relation %s references unknown node %q", br.R, br.B)
		}
		conf := 1.0
		if br.Conf != nil {
			conf = *br.Conf
		}
		rel := schemas.Relation{
			Type:       schemas.RelationType(br.R),
			A:          br.A,
			B:          br.B,
			Props:      br.Props,
			Confidence: conf,
			Stamp:      stamp,
		}
		relations[rel.Key()] = rel
	}

	frame := doc.Scene.Frame
	if frame == "" {
		frame = "map"
	}

	s.sceneID = doc.Scene.ID
	s.frame = frame
	s.nodes = nodes
	s.relations = relations
	s.fieldStamps = make(map[string]map[string]schemas.Stamp, len(nodes))
	for id := range nodes {
		s.fieldStamps[id] = map[string]schemas.Stamp{}
	}

	batch := []schemas.Event{s.appendEvent(schemas.EventBootstrap, doc.Scene.ID, stamp, map[string]any{
		"nodes":     len(nodes),
		"relations": len(relations),
	})}
	s.log.Info("bootstrap loaded",
		zap.String("scene", doc.Scene.ID),
		zap.Int("nodes", len(nodes)),
		zap.Int("relations", len(relations)))
	return batch, nil
}

func nodeFromBootstrap(obj *schemas.BootstrapObject, room bool) (schemas.Node, error) {
	if obj.ID == "" {
		return schemas.Node{}, schemas.Errorf(schemas.KindBadBootstrap, "object without id")
	}
	cls := obj.Class
	if cls == "" {
		if !room {
			return schemas.Node{}, schemas.Errorf(schemas.KindBadBootstrap, "object %q without class", obj.ID)
		}
		cls = "room"
	}
	ori := schemas.Identity
	if obj.Ori != nil {
		ori = *obj.Ori
	}
	conf := 1.0
	if obj.Conf != nil {
		conf = *obj.Conf
	}
	lom := schemas.Mobility(obj.Lom)
	if obj.Lom == "" {
		lom = schemas.MobilityMedium
		if room {
			lom = schemas.MobilityFixed
		}
	}
	if !lom.Valid() {
		return schemas.Node{}, schemas.Errorf(schemas.KindBadBootstrap, "object %q has unknown mobility %q", obj.ID, obj.Lom)
	}
	return schemas.Node{
		ID:          obj.ID,
		Name:        obj.Name,
		Class:       cls,
		Pos:         obj.Pos,
		Ori:         ori,
		Size:        obj.BBox.XYZ,
		Affordances: obj.Aff,
		Mobility:    lom,
		Confidence:  conf,
		State:       obj.State,
		Meta:        obj.Meta,
	}, nil
}

// GetNode returns a copy of the node or a NotFound error.
func (s *Store) GetNode(id string) (schemas.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return schemas.Node{}, schemas.Errorf(schemas.KindNotFound, "node %q", id)
	}
	return n.Clone(), nil
}

// Neighbors returns every node within Euclidean radius r of the given node,
// excluding the node itself, sorted by id.
func (s *Store) Neighbors(id string, r float64) ([]schemas.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	me, ok := s.nodes[id]
	if !ok {
		return nil, schemas.Errorf(schemas.KindNotFound, "node %q", id)
	}
	var out []schemas.Node
	for _, other := range s.nodes {
		if other.ID == id {
			continue
		}
		if me.Pos.Dist(other.Pos) <= r {
			out = append(out, other.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ApplyPatch applies a patch atomically and returns the committed events.
// Application order: validate, add nodes, update nodes, add relations, remove
// relations, remove nodes. A relation referencing a node missing after the
// patch's own adds fails with DanglingRef before anything mutates.
func (s *Store) ApplyPatch(p *schemas.Patch) ([]schemas.Event, error) {
	s.mu.Lock()

	removed := make(map[string]bool, len(p.RemoveNodes))
	for _, id := range p.RemoveNodes {
		removed[id] = true
	}
	resolves := func(id string) bool {
		if removed[id] {
			return false
		}
		if _, ok := p.AddNodes[id]; ok {
			return true
		}
		_, ok := s.nodes[id]
		return ok
	}
	for i := range p.AddRelations {
		rel := &p.AddRelations[i]
		if !resolves(rel.A) || !resolves(rel.B) {
			s.mu.Unlock()
			return nil, schemas.Errorf(schemas.KindDanglingRef,
				"relation %s(%s, %s) references a missing node", rel.Type, rel.A, rel.B)
		}
	}
	for id, n := range p.AddNodes {
		if id == "" || n.ID != id {
			s.mu.Unlock()
			return nil, schemas.Errorf(schemas.KindBadIntent, "add_nodes entry %q carries mismatched node id %q", id, n.ID)
		}
	}

	var batch []schemas.Event

	for _, id := range sortedKeys(p.AddNodes) {
		n := p.AddNodes[id]
		s.nodes[id] = n.Clone()
		if s.fieldStamps[id] == nil {
			s.fieldStamps[id] = map[string]schemas.Stamp{}
		}
		batch = append(batch, s.appendEvent(schemas.EventNodeAdded, id, p.Stamp, map[string]any{
			"cls": n.Class,
			"pos": n.Pos,
		}))
	}

	for _, id := range sortedKeys(p.UpdateNodes) {
		n, ok := s.nodes[id]
		if !ok {
			// The node may have been removed by an earlier patch this tick;
			// a stale update is not an error.
			s.log.Debug("update for missing node dropped", zap.String("id", id))
			continue
		}
		upd := p.UpdateNodes[id]
		applied := map[string]any{}
		for _, field := range sortedKeys(upd) {
			prev, has := s.fieldStamps[id][field]
			if has && p.Stamp.Before(prev) {
				continue
			}
			if !applyField(&n, field, upd[field]) {
				s.log.Warn("unknown update field dropped",
					zap.String("id", id), zap.String("field", field))
				continue
			}
			s.fieldStamps[id][field] = p.Stamp
			applied[field] = upd[field]
		}
		if len(applied) == 0 {
			continue
		}
		s.nodes[id] = n
		batch = append(batch, s.appendEvent(schemas.EventNodeUpdated, id, p.Stamp, applied))
	}

	for i := range p.AddRelations {
		rel := p.AddRelations[i].Clone()
		if rel.Stamp == (schemas.Stamp{}) {
			rel.Stamp = p.Stamp
		}
		key := rel.Key()
		if old, ok := s.relations[key]; ok && !old.Stamp.Before(rel.Stamp) {
			// Idempotent upsert: an equal or older record changes nothing
			// and emits nothing.
			continue
		}
		s.relations[key] = rel
		batch = append(batch, s.appendEvent(schemas.EventRelationUpserted, rel.A, rel.Stamp, map[string]any{
			"r":    string(rel.Type),
			"b":    rel.B,
			"conf": rel.Confidence,
		}))
	}

	for _, key := range p.RemoveRelations {
		old, ok := s.relations[key]
		if !ok || p.Stamp.Before(old.Stamp) {
			continue
		}
		delete(s.relations, key)
		batch = append(batch, s.appendEvent(schemas.EventRelationRemoved, key.A, p.Stamp, map[string]any{
			"r": string(key.Type),
			"b": key.B,
		}))
	}

	for _, id := range p.RemoveNodes {
		if _, ok := s.nodes[id]; !ok {
			continue
		}
		delete(s.nodes, id)
		delete(s.fieldStamps, id)
		dropped := 0
		for key := range s.relations {
			if key.A == id || key.B == id {
				delete(s.relations, key)
				dropped++
			}
		}
		batch = append(batch, s.appendEvent(schemas.EventNodeRemoved, id, p.Stamp, map[string]any{
			"relations_dropped": dropped,
		}))
	}

	s.mu.Unlock()
	s.notify(batch)
	return batch, nil
}

// applyField sets one node field from an update map entry. Unknown fields and
// mistyped values report false and leave the node unchanged.
func applyField(n *schemas.Node, field string, value any) bool {
	switch field {
	case "pos":
		if v, ok := value.(schemas.Vec3); ok {
			n.Pos = v
			return true
		}
	case "ori":
		if v, ok := value.(schemas.Quat); ok {
			n.Ori = v
			return true
		}
	case "size":
		if v, ok := value.(schemas.Vec3); ok {
			n.Size = v
			return true
		}
	case "name":
		if v, ok := value.(string); ok {
			n.Name = v
			return true
		}
	case "cls":
		if v, ok := value.(string); ok {
			n.Class = v
			return true
		}
	case "aff":
		if v, ok := value.([]string); ok {
			n.Affordances = append([]string(nil), v...)
			return true
		}
	case "lom":
		switch v := value.(type) {
		case schemas.Mobility:
			if v.Valid() {
				n.Mobility = v
				return true
			}
		case string:
			if m := schemas.Mobility(v); m.Valid() {
				n.Mobility = m
				return true
			}
		}
	case "conf":
		if v, ok := value.(float64); ok {
			n.Confidence = v
			return true
		}
	case "state":
		if v, ok := value.(map[string]any); ok {
			n.State = v
			return true
		}
	case "meta":
		if v, ok := value.(map[string]any); ok {
			n.Meta = v
			return true
		}
	default:
		if k, ok := stateKey(field); ok {
			if n.State == nil {
				n.State = map[string]any{}
			}
			n.State[k] = value
			return true
		}
	}
	return false
}

func stateKey(field string) (string, bool) {
	const prefix = "state."
	if len(field) > len(prefix) && field[:len(prefix)] == prefix {
		return field[len(prefix):], true
	}
	return "", false
}

// AppendEvent records an out-of-band event such as a warning or a tick
// overrun, outside any patch.
func (s *Store) AppendEvent(t schemas.EventType, subject string, stamp schemas.Stamp, details map[string]any) schemas.Event {
	s.mu.Lock()
	ev := s.appendEvent(t, subject, stamp, details)
	s.mu.Unlock()
	s.notify([]schemas.Event{ev})
	return ev
}

func (s *Store) appendEvent(t schemas.EventType, subject string, stamp schemas.Stamp, details map[string]any) schemas.Event {
	s.seq++
	ev := schemas.Event{
		Seq:     s.seq,
		Type:    t,
		Subject: subject,
		Stamp:   stamp,
		Details: details,
	}
	s.events = append(s.events, ev)
	return ev
}

func (s *Store) notify(batch []schemas.Event) {
	if len(batch) == 0 {
		return
	}
	s.mu.RLock()
	sinks := append([]schemas.EventSink(nil), s.sinks...)
	s.mu.RUnlock()
	for _, sink := range sinks {
		sink.OnEvents(batch)
	}
}

// SceneID returns the bootstrap scene id.
func (s *Store) SceneID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sceneID
}

// Frame returns the shared coordinate frame name.
func (s *Store) Frame() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// Nodes returns a copy of every node, sorted by id.
func (s *Store) Nodes() []schemas.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schemas.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Relations returns a copy of every relation, sorted by key.
func (s *Store) Relations() []schemas.Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schemas.Relation, 0, len(s.relations))
	for _, r := range s.relations {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return relationLess(&out[i], &out[j]) })
	return out
}

// RelationsOf returns every relation with the node as either endpoint.
func (s *Store) RelationsOf(id string) []schemas.Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schemas.Relation
	for key, r := range s.relations {
		if key.A == id || key.B == id {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return relationLess(&out[i], &out[j]) })
	return out
}

// GetRelation returns the stored relation for a key, if present.
func (s *Store) GetRelation(key schemas.RelationKey) (schemas.Relation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relations[key]
	if !ok {
		return schemas.Relation{}, false
	}
	return r.Clone(), true
}

// Events returns a copy of the full event log.
func (s *Store) Events() []schemas.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]schemas.Event(nil), s.events...)
}

// Snapshot returns a deep copy of the store state for export and
// visualization.
func (s *Store) Snapshot() schemas.Export {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]schemas.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	relations := make([]schemas.Relation, 0, len(s.relations))
	for _, r := range s.relations {
		relations = append(relations, r.Clone())
	}
	sort.Slice(relations, func(i, j int) bool { return relationLess(&relations[i], &relations[j]) })

	return schemas.Export{
		SceneID:   s.sceneID,
		Frame:     s.frame,
		Nodes:     nodes,
		Relations: relations,
		Events:    append([]schemas.Event(nil), s.events...),
	}
}

// AsContext returns the compact store view used by external prompt builders:
// the k objects nearest the viewer plus the relations touching them. Rooms
// are skipped; they frame the scene rather than populate it.
func (s *Store) AsContext(viewerPos schemas.Vec3, roi string, k int) schemas.ContextView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 6
	}
	objs := make([]schemas.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Class == "room" {
			continue
		}
		objs = append(objs, n)
	}
	sort.Slice(objs, func(i, j int) bool {
		di, dj := viewerPos.Dist(objs[i].Pos), viewerPos.Dist(objs[j].Pos)
		if di != dj {
			return di < dj
		}
		return objs[i].ID < objs[j].ID
	})
	if len(objs) > k {
		objs = objs[:k]
	}

	topSet := make(map[string]bool, len(objs))
	records := make([]schemas.ObjectRecord, 0, len(objs))
	var notices []string
	for i := range objs {
		topSet[objs[i].ID] = true
		records = append(records, schemas.RecordOf(&objs[i]))
		if objs[i].Class == "stove" && objs[i].State["power"] == "on" {
			notices = append(notices, "Stove is ON nearby.")
		}
	}

	var rels []schemas.RelationRecord
	for _, r := range s.relations {
		if topSet[r.A] || topSet[r.B] {
			rels = append(rels, schemas.RelationRecordOf(&r))
		}
	}
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Subject != rels[j].Subject {
			return rels[i].Subject < rels[j].Subject
		}
		if rels[i].Object != rels[j].Object {
			return rels[i].Object < rels[j].Object
		}
		return rels[i].Type < rels[j].Type
	})

	return schemas.ContextView{
		Frame:     s.frame,
		ViewerPos: viewerPos,
		ROI:       roi,
		Summary:   fmt.Sprintf("You are in %s. %d objects nearby.", roi, len(records)),
		Objects:   records,
		Relations: rels,
		Notices:   notices,
	}
}

func relationLess(a, b *schemas.Relation) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.A != b.A {
		return a.A < b.A
	}
	return a.B < b.B
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
