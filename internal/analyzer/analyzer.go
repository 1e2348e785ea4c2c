// Package analyzer assembles the structured spatial-context snapshot: scene
// summary, clusters, accessibility and stability verdicts, and the insight
// bullets the question dispatcher reads. Assembly is a pure function of the
// store and the support indices, so identical scenes snapshot identically.
package analyzer

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/topology"
)

// Graph is the store read surface the assembler needs.
type Graph interface {
	Nodes() []schemas.Node
	Relations() []schemas.Relation
}

// Support exposes the support indices and per-node stability verdicts.
type Support interface {
	Indices() schemas.SupportDependencies
	Stability(id string) schemas.StabilityRecord
}

// Params carries the accessibility tuning and the cluster labelling rules.
type Params struct {
	// AccessRadius bounds which neighbors can block the approach to a node.
	AccessRadius float64
	// ViewerPos is the nominal pose approaches are traced from.
	ViewerPos schemas.Vec3
	// ClusterRules label multi-object clusters; the first rule whose classes
	// intersect the cluster wins. Empty falls back to DefaultClusterRules.
	ClusterRules []ClusterRule
}

// ClusterRule maps the presence of any listed class to a cluster type label.
type ClusterRule struct {
	Classes []string `json:"classes" mapstructure:"classes"`
	Type    string   `json:"type" mapstructure:"type"`
}

// DefaultClusterRules returns the built-in labelling heuristics.
func DefaultClusterRules() []ClusterRule {
	return []ClusterRule{
		{Classes: []string{"table"}, Type: "table_group"},
		{Classes: []string{"stove", "oven"}, Type: "cooking_area"},
	}
}

// DefaultParams returns the standard accessibility settings.
func DefaultParams() Params {
	return Params{
		AccessRadius: 0.6,
		ViewerPos:    schemas.Vec3{0, 0, 1.5},
		ClusterRules: DefaultClusterRules(),
	}
}

var mobilityFactor = map[schemas.Mobility]float64{
	schemas.MobilityFixed:  0,
	schemas.MobilityLow:    0.25,
	schemas.MobilityMedium: 0.6,
	schemas.MobilityHigh:   1,
}

// Assembler builds snapshots on demand.
type Assembler struct {
	store  Graph
	sup    Support
	params Params
	log    *zap.Logger
}

// New wires an assembler over the store and support system.
func New(store Graph, sup Support, params Params, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		store:  store,
		sup:    sup,
		params: params,
		log:    logger.Named("analyzer"),
	}
}

// Snapshot assembles the full spatial context. Rooms frame the scene but are
// not themselves analyzed objects; relations are exported in full either way.
func (a *Assembler) Snapshot() *schemas.Snapshot {
	nodes := a.store.Nodes()
	relations := a.store.Relations()
	deps := a.sup.Indices()

	objects := make([]schemas.Node, 0, len(nodes))
	for i := range nodes {
		if nodes[i].Class != "room" {
			objects = append(objects, nodes[i])
		}
	}

	snap := &schemas.Snapshot{
		SceneSummary:        a.summary(objects, relations),
		Objects:             make(map[string]schemas.ObjectRecord, len(objects)),
		SupportDependencies: deps,
		Accessibility:       make(map[string]schemas.AccessRecord, len(objects)),
		Stability:           make(map[string]schemas.StabilityRecord, len(objects)),
	}
	for i := range objects {
		snap.Objects[objects[i].ID] = schemas.RecordOf(&objects[i])
	}
	for i := range relations {
		snap.Relationships = append(snap.Relationships, schemas.RelationRecordOf(&relations[i]))
	}
	snap.SpatialClusters = a.clusters(objects, relations)
	for i := range objects {
		n := &objects[i]
		st := a.sup.Stability(n.ID)
		snap.Stability[n.ID] = st
		snap.Accessibility[n.ID] = a.accessibility(n, objects, st.ChainDepth)
	}
	snap.Insights = a.insights(objects, relations, deps)
	return snap
}

func (a *Assembler) summary(objects []schemas.Node, relations []schemas.Relation) schemas.SceneSummary {
	sum := schemas.SceneSummary{
		TotalObjects:   len(objects),
		ObjectsByClass: map[string]int{},
		RelationCounts: map[string]int{},
	}
	for i := range objects {
		sum.ObjectsByClass[objects[i].Class]++
	}
	for i := range relations {
		sum.RelationCounts[string(relations[i].Type)]++
	}
	if len(objects) > 0 {
		min, max := objects[0].AABB()
		for i := 1; i < len(objects); i++ {
			lo, hi := objects[i].AABB()
			for c := 0; c < 3; c++ {
				min[c] = math.Min(min[c], lo[c])
				max[c] = math.Max(max[c], hi[c])
			}
		}
		sum.SceneBounds = schemas.Bounds{Min: min, Max: max}
	}
	return sum
}

// clusterEdge reports whether a relation type binds two objects into one
// spatial cluster.
func clusterEdge(t schemas.RelationType) bool {
	switch t {
	case schemas.RelNear, schemas.RelOnTopOf, schemas.RelSupports, schemas.RelBeside:
		return true
	}
	return false
}

// clusters computes connected components under the clustering relations and
// tags each with its type heuristic.
func (a *Assembler) clusters(objects []schemas.Node, relations []schemas.Relation) []schemas.Cluster {
	byID := make(map[string]*schemas.Node, len(objects))
	parent := make(map[string]string, len(objects))
	for i := range objects {
		byID[objects[i].ID] = &objects[i]
		parent[objects[i].ID] = objects[i].ID
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y string) {
		rx, ry := find(x), find(y)
		if rx != ry {
			// Root at the smaller id to keep merges order-independent.
			if ry < rx {
				rx, ry = ry, rx
			}
			parent[ry] = rx
		}
	}

	degree := make(map[string]int)
	for i := range relations {
		rel := &relations[i]
		if !clusterEdge(rel.Type) {
			continue
		}
		if _, ok := byID[rel.A]; !ok {
			continue
		}
		if _, ok := byID[rel.B]; !ok {
			continue
		}
		union(rel.A, rel.B)
		degree[rel.A]++
		degree[rel.B]++
	}

	members := make(map[string][]string)
	for i := range objects {
		id := objects[i].ID
		root := find(id)
		members[root] = append(members[root], id)
	}

	roots := make([]string, 0, len(members))
	for root := range members {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	out := make([]schemas.Cluster, 0, len(roots))
	for _, root := range roots {
		ids := members[root]
		sort.Strings(ids)

		center := ids[0]
		var pos schemas.Vec3
		for _, id := range ids {
			n := byID[id]
			pos = pos.Add(n.Pos)
			if degree[id] > degree[center] || (degree[id] == degree[center] && id < center) {
				center = id
			}
		}
		for c := 0; c < 3; c++ {
			pos[c] /= float64(len(ids))
		}

		out = append(out, schemas.Cluster{
			Center:  center,
			Objects: ids,
			Type:    a.clusterType(ids, byID),
			Pos:     pos,
		})
	}
	return out
}

func (a *Assembler) clusterType(ids []string, byID map[string]*schemas.Node) string {
	if len(ids) == 1 {
		return "singleton"
	}
	classes := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		classes[byID[id].Class] = struct{}{}
	}
	rules := a.params.ClusterRules
	if len(rules) == 0 {
		rules = DefaultClusterRules()
	}
	for _, rule := range rules {
		for _, cls := range rule.Classes {
			if _, ok := classes[cls]; ok {
				return rule.Type
			}
		}
	}
	return "object_group"
}

// accessibility scores one node: how mobile it is, how clear the straight
// approach from the viewer pose is, and how deep it sits in a support stack.
func (a *Assembler) accessibility(n *schemas.Node, objects []schemas.Node, depth int) schemas.AccessRecord {
	total, blocked := 0, 0
	for i := range objects {
		nb := &objects[i]
		if nb.ID == n.ID {
			continue
		}
		if nb.Pos.Dist(n.Pos) > a.params.AccessRadius {
			continue
		}
		total++
		if topology.SegmentIntersectsBox(a.params.ViewerPos, n.Pos, nb.Pos, nb.Size) {
			blocked++
		}
	}
	blockedFraction := 0.0
	if total > 0 {
		blockedFraction = float64(blocked) / float64(total)
	}
	depthPenalty := math.Min(1, float64(depth)/3)

	score := 0.5*mobilityFactor[n.Mobility] +
		0.3*(1-blockedFraction) +
		0.2*(1-depthPenalty)

	category := "limited"
	switch {
	case score >= 0.7:
		category = "reachable"
	case score <= 0.3:
		category = "blocked"
	}
	return schemas.AccessRecord{Score: score, Category: category}
}

func (a *Assembler) insights(objects []schemas.Node, relations []schemas.Relation, deps schemas.SupportDependencies) []string {
	var out []string

	stacking := 0
	for i := range relations {
		if relations[i].Type == schemas.RelOnTopOf {
			stacking++
		}
	}
	if stacking > 0 {
		out = append(out, fmt.Sprintf("Scene has %d stacking relationships", stacking))
	}
	if len(deps.SupportedBy) > 0 {
		out = append(out, fmt.Sprintf("%d objects depend on others for support", len(deps.SupportedBy)))
	}

	supporters := make([]string, 0, len(deps.Dependents))
	for y := range deps.Dependents {
		supporters = append(supporters, y)
	}
	sort.Strings(supporters)
	for _, y := range supporters {
		n := len(deps.Dependents[y])
		if n == 0 {
			continue
		}
		if n == 1 {
			out = append(out, fmt.Sprintf("1 object depends on %s", y))
		} else {
			out = append(out, fmt.Sprintf("%d objects depend on %s", n, y))
		}
	}

	fixed := 0
	for i := range objects {
		if objects[i].Mobility == schemas.MobilityFixed {
			fixed++
		}
	}
	if fixed > 0 {
		out = append(out, fmt.Sprintf("%d objects are fixed in place", fixed))
	}
	return out
}
