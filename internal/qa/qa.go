// Package qa answers spatial questions from the context snapshot. The
// dispatcher is rule based: keyword sets classify the question, handlers
// render answers from snapshot data, and only the complex catch-all defers to
// an external language layer.
package qa

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/support"
)

// Snapshotter produces the spatial context a question is answered from.
type Snapshotter interface {
	Snapshot() *schemas.Snapshot
}

// Simulator is the support-system surface what-if questions need.
type Simulator interface {
	PlanRemoval(id string) support.RemovalPlan
	RecursiveDependents(id string) []string
}

// Dispatcher classifies questions and routes them to handlers.
type Dispatcher struct {
	snap Snapshotter
	sim  Simulator
	log  *zap.Logger
}

// New wires a dispatcher over the assembler and support system.
func New(snap Snapshotter, sim Simulator, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{snap: snap, sim: sim, log: logger.Named("qa")}
}

// keywordSets pairs each locally answerable category with its trigger words.
// Multi-word entries match as substrings, single words as whole tokens.
// Order is the dispatch priority; anything unmatched is complex.
var keywordSets = []struct {
	qt    schemas.QuestionType
	words []string
}{
	{schemas.QuestionWhatIf, []string{"what if", "if i", "would happen", "happen", "happens"}},
	{schemas.QuestionStability, []string{"stable", "stability", "fall", "collapse", "depends", "depend", "unstable"}},
	{schemas.QuestionAccessibility, []string{"reach", "reachable", "access", "accessible", "blocked", "grab"}},
	{schemas.QuestionRelationship, []string{"relationship", "related", "connected", "near", "beside", "on", "supports", "supporting", "touching"}},
	{schemas.QuestionLocation, []string{"where", "location", "position", "find", "locate"}},
	{schemas.QuestionGeneral, []string{"overview", "describe", "summary", "scene", "many", "objects"}},
}

// Classify maps a question to its category by keyword priority.
func Classify(question string) schemas.QuestionType {
	lower := strings.ToLower(question)
	tokens := tokenize(lower)
	for _, set := range keywordSets {
		for _, w := range set.words {
			if strings.Contains(w, " ") {
				if strings.Contains(lower, w) {
					return set.qt
				}
			} else if _, ok := tokens[w]; ok {
				return set.qt
			}
		}
	}
	return schemas.QuestionComplex
}

func tokenize(lower string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		out[tok] = struct{}{}
	}
	return out
}

// Answer classifies and answers one question against a fresh snapshot.
func (d *Dispatcher) Answer(question string) *schemas.Answer {
	snap := d.snap.Snapshot()
	qt := Classify(question)
	d.log.Debug("question classified", zap.String("type", string(qt)))

	var ans *schemas.Answer
	switch qt {
	case schemas.QuestionWhatIf:
		ans = d.whatIf(question, snap)
	case schemas.QuestionStability:
		ans = d.stability(question, snap)
	case schemas.QuestionAccessibility:
		ans = d.accessibility(snap)
	case schemas.QuestionRelationship:
		ans = d.relationship(question, snap)
	case schemas.QuestionLocation:
		ans = d.location(question, snap)
	case schemas.QuestionGeneral:
		ans = d.general(snap)
	default:
		// The core holds no dialog state; the external layer answers from
		// the attached snapshot.
		ans = &schemas.Answer{Confidence: 0.3, Snapshot: snap}
	}
	ans.QuestionType = qt
	return ans
}

// mentioned returns the snapshot objects named in the question, by id
// substring or class token, sorted by id.
func mentioned(question string, snap *schemas.Snapshot) []string {
	lower := strings.ToLower(question)
	tokens := tokenize(lower)
	var out []string
	for id, obj := range snap.Objects {
		if strings.Contains(lower, strings.ToLower(id)) {
			out = append(out, id)
			continue
		}
		if _, ok := tokens[strings.ToLower(obj.Class)]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) relationship(question string, snap *schemas.Snapshot) *schemas.Answer {
	ids := mentioned(question, snap)
	named := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		named[id] = struct{}{}
	}

	var (
		b        strings.Builder
		evidence []string
		minConf  = 1.0
		found    bool
	)
	b.WriteString("Spatial relationships:\n")
	for _, rel := range snap.Relationships {
		_, subj := named[rel.Subject]
		_, obj := named[rel.Object]
		if len(ids) > 0 && !subj && !obj {
			continue
		}
		found = true
		line := fmt.Sprintf("%s %s %s [confidence: %.2f]", rel.Subject, rel.Type, rel.Object, rel.Confidence)
		b.WriteString("- " + line + "\n")
		evidence = append(evidence, line)
		if rel.Confidence < minConf {
			minConf = rel.Confidence
		}
	}
	if !found {
		return &schemas.Answer{
			AnswerText: "No spatial relationships found for the mentioned objects.",
			Confidence: 0.4,
		}
	}
	return &schemas.Answer{AnswerText: b.String(), Confidence: minConf, Evidence: evidence}
}

func (d *Dispatcher) location(question string, snap *schemas.Snapshot) *schemas.Answer {
	ids := mentioned(question, snap)
	if len(ids) == 0 {
		return &schemas.Answer{
			AnswerText: "Could not identify specific objects in the question.",
			Confidence: 0.4,
		}
	}
	var (
		b        strings.Builder
		evidence []string
		minConf  = 1.0
	)
	b.WriteString("Object locations:\n")
	for _, id := range ids {
		obj := snap.Objects[id]
		b.WriteString(fmt.Sprintf("- %s (%s) is at (%.2f, %.2f, %.2f)\n",
			id, obj.Class, obj.Pos[0], obj.Pos[1], obj.Pos[2]))
		for _, cluster := range snap.SpatialClusters {
			for _, member := range cluster.Objects {
				if member == id {
					b.WriteString(fmt.Sprintf("  part of %s with %d objects\n",
						cluster.Type, len(cluster.Objects)))
					evidence = append(evidence, fmt.Sprintf("%s in %s", id, cluster.Type))
				}
			}
		}
		if obj.Confidence < minConf {
			minConf = obj.Confidence
		}
	}
	return &schemas.Answer{AnswerText: b.String(), Confidence: minConf, Evidence: evidence}
}

func (d *Dispatcher) accessibility(snap *schemas.Snapshot) *schemas.Answer {
	var reachable, blocked []string
	for _, id := range sortedKeys(snap.Accessibility) {
		switch snap.Accessibility[id].Category {
		case "reachable":
			reachable = append(reachable, id)
		case "blocked":
			blocked = append(blocked, id)
		}
	}

	var b strings.Builder
	b.WriteString("Accessibility analysis:\n")
	b.WriteString(fmt.Sprintf("- %d objects are easily reachable:\n", len(reachable)))
	var evidence []string
	for _, id := range reachable {
		rec := snap.Accessibility[id]
		b.WriteString(fmt.Sprintf("  - %s (%s) [score: %.2f]\n", id, snap.Objects[id].Class, rec.Score))
		evidence = append(evidence, fmt.Sprintf("%s score %.2f", id, rec.Score))
	}
	if len(blocked) > 0 {
		b.WriteString(fmt.Sprintf("- %d objects are blocked:\n", len(blocked)))
		for _, id := range blocked {
			b.WriteString(fmt.Sprintf("  - %s (%s)\n", id, snap.Objects[id].Class))
			evidence = append(evidence, id+" blocked")
		}
	} else {
		b.WriteString("- no objects are blocked\n")
	}
	return &schemas.Answer{AnswerText: b.String(), Confidence: 0.8, Evidence: evidence}
}

func (d *Dispatcher) stability(question string, snap *schemas.Snapshot) *schemas.Answer {
	var b strings.Builder
	var evidence []string
	b.WriteString("Stability analysis:\n")

	for _, id := range mentioned(question, snap) {
		deps := d.sim.RecursiveDependents(id)
		if len(deps) == 0 {
			continue
		}
		line := fmt.Sprintf("%s carries %s", id, strings.Join(deps, ", "))
		b.WriteString("- " + line + "\n")
		evidence = append(evidence, line)
	}

	for _, y := range sortedKeys(snap.SupportDependencies.Dependents) {
		n := len(snap.SupportDependencies.Dependents[y])
		b.WriteString(fmt.Sprintf("- %s supports %d objects\n", y, n))
	}
	for _, id := range sortedKeys(snap.Stability) {
		st := snap.Stability[id]
		if st.Risk == "low" {
			continue
		}
		line := fmt.Sprintf("%s has a support chain of depth %d [risk: %s]", id, st.ChainDepth, st.Risk)
		b.WriteString("- " + line + "\n")
		evidence = append(evidence, line)
	}
	return &schemas.Answer{AnswerText: b.String(), Confidence: 0.85, Evidence: evidence}
}

func (d *Dispatcher) whatIf(question string, snap *schemas.Snapshot) *schemas.Answer {
	ids := mentioned(question, snap)
	if len(ids) == 0 {
		return &schemas.Answer{
			AnswerText: "Could not identify which object the hypothetical refers to.",
			Confidence: 0.4,
		}
	}
	target := ids[0]
	plan := d.sim.PlanRemoval(target)

	var b strings.Builder
	var evidence []string
	b.WriteString(fmt.Sprintf("If %s is removed:\n", target))

	allMobile := true
	for _, fall := range plan.Falls {
		line := fmt.Sprintf("%s loses support and falls to z=%.2f", fall.ID, fall.To[2])
		if fall.Surface != "" {
			line = fmt.Sprintf("%s loses support and lands on %s", fall.ID, fall.Surface)
		}
		b.WriteString("- " + line + "\n")
		evidence = append(evidence, line)
	}
	for _, id := range plan.Orphaned {
		allMobile = false
		line := fmt.Sprintf("%s is fixed and stays in place without support", id)
		b.WriteString("- " + line + "\n")
		evidence = append(evidence, line)
	}
	if len(plan.Falls) == 0 && len(plan.Orphaned) == 0 {
		b.WriteString("- no other objects are affected\n")
	}

	for _, rel := range snap.Relationships {
		if rel.Subject != target && rel.Object != target {
			continue
		}
		line := fmt.Sprintf("relation %s(%s, %s) vanishes", rel.Type, rel.Subject, rel.Object)
		b.WriteString("- " + line + "\n")
		evidence = append(evidence, line)
	}

	conf := 0.9
	if !allMobile {
		conf = 0.7
	}
	return &schemas.Answer{AnswerText: b.String(), Confidence: conf, Evidence: evidence}
}

func (d *Dispatcher) general(snap *schemas.Snapshot) *schemas.Answer {
	sum := snap.SceneSummary
	var b strings.Builder
	b.WriteString("Scene overview:\n")
	b.WriteString(fmt.Sprintf("- %d objects", sum.TotalObjects))
	classes := sortedKeys(sum.ObjectsByClass)
	if len(classes) > 0 {
		b.WriteString(" (" + strings.Join(classes, ", ") + ")")
	}
	b.WriteString("\n")
	for _, r := range sortedKeys(sum.RelationCounts) {
		b.WriteString(fmt.Sprintf("- %d %s relations\n", sum.RelationCounts[r], r))
	}
	for _, insight := range snap.Insights {
		b.WriteString("- " + insight + "\n")
	}
	return &schemas.Answer{AnswerText: b.String(), Confidence: 0.8, Evidence: snap.Insights}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
