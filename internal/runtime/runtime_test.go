package runtime

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/spacegraph/api/schemas"
)

func kitchenDoc() *schemas.BootstrapFile {
	return &schemas.BootstrapFile{
		Scene: schemas.BootstrapScene{
			ID:    "kitchen_demo",
			Frame: "map",
			Rooms: []schemas.BootstrapObject{
				{
					ID: "kitchen", Class: "room",
					Pos:  schemas.Vec3{2.5, 2.0, 1.25},
					BBox: schemas.BootstrapBBox{Type: "OBB", XYZ: schemas.Vec3{5, 4, 2.5}},
				},
			},
			Objects: []schemas.BootstrapObject{
				{
					ID: "table_1", Class: "table",
					Pos:  schemas.Vec3{1.5, 1.5, 0.75},
					BBox: schemas.BootstrapBBox{Type: "OBB", XYZ: schemas.Vec3{1.2, 0.8, 0.75}},
					Aff:  []string{"support"}, Lom: "low",
				},
				{
					ID: "chair_12", Class: "chair",
					Pos:  schemas.Vec3{0.9, 1.6, 0.45},
					BBox: schemas.BootstrapBBox{Type: "OBB", XYZ: schemas.Vec3{0.5, 0.5, 0.9}},
					Lom:  "high",
				},
				{
					ID: "stove", Class: "stove",
					Pos:  schemas.Vec3{3.5, 1.0, 0.45},
					BBox: schemas.BootstrapBBox{Type: "OBB", XYZ: schemas.Vec3{0.6, 0.6, 0.9}},
					Lom:  "fixed",
				},
			},
			Relations: []schemas.BootstrapRelation{
				{R: "in", A: "table_1", B: "kitchen"},
				{R: "in", A: "chair_12", B: "kitchen"},
				{R: "in", A: "stove", B: "kitchen"},
			},
		},
	}
}

func newCore(t *testing.T, opts Options) *Core {
	t.Helper()
	core, err := New(opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(core.Close)
	require.NoError(t, core.LoadBootstrap(kitchenDoc()))
	return core
}

func relation(t *testing.T, c *Core, r schemas.RelationType, a, b string) schemas.Relation {
	t.Helper()
	rel, ok := c.Store().GetRelation(schemas.RelationKey{Type: r, A: a, B: b})
	require.True(t, ok, "expected %s(%s, %s)", r, a, b)
	return rel
}

func hasRelation(c *Core, r schemas.RelationType, a, b string) bool {
	_, ok := c.Store().GetRelation(schemas.RelationKey{Type: r, A: a, B: b})
	return ok
}

func moveIntent(id string, pos schemas.Vec3) schemas.Intent {
	return schemas.Intent{Kind: schemas.IntentMoveObject, Move: &schemas.MoveObject{ID: id, NewPos: &pos}}
}

func addIntent(typ, target string, rel schemas.RelationType) schemas.Intent {
	return schemas.Intent{Kind: schemas.IntentAddObject, Add: &schemas.AddObject{Type: typ, Target: target, Relation: rel}}
}

func TestNearDiscovery(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, DefaultOptions())
	require.NoError(t, core.RunTicks(ctx, 2))

	for _, pair := range [][2]string{{"chair_12", "table_1"}, {"table_1", "chair_12"}} {
		rel := relation(t, core, schemas.RelNear, pair[0], pair[1])
		assert.GreaterOrEqual(t, rel.Confidence, 0.65)
		assert.LessOrEqual(t, rel.Confidence, 0.75)
		assert.InDelta(t, 0.61, rel.Props["dist"], 0.01)
	}
	assert.False(t, hasRelation(core, schemas.RelNear, "chair_12", "stove"))
	assert.False(t, hasRelation(core, schemas.RelNear, "stove", "chair_12"))
	assert.False(t, hasRelation(core, schemas.RelNear, "table_1", "stove"))
}

func TestMoveRenegotiates(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, DefaultOptions())
	require.NoError(t, core.RunTicks(ctx, 2))

	res, err := core.ApplyIntent(ctx, moveIntent("chair_12", schemas.Vec3{3.1, 1.0, 0.45}))
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NoError(t, core.RunTicks(ctx, 2))

	rel := relation(t, core, schemas.RelBeside, "chair_12", "stove")
	assert.GreaterOrEqual(t, rel.Confidence, 0.6)
	assert.InDelta(t, 0.4, rel.Props["dist"], 1e-9)
	assert.True(t, hasRelation(core, schemas.RelBeside, "stove", "chair_12"))

	assert.False(t, hasRelation(core, schemas.RelNear, "chair_12", "stove"),
		"beside outranks near for the level pair")
	assert.False(t, hasRelation(core, schemas.RelNear, "chair_12", "table_1"),
		"stale proximity to the table is retracted after the move")
	assert.False(t, hasRelation(core, schemas.RelNear, "table_1", "chair_12"))
}

func TestSupportAndCascade(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, DefaultOptions())
	require.NoError(t, core.RunTicks(ctx, 2))

	res, err := core.ApplyIntent(ctx, addIntent("cup", "table_1", schemas.RelOnTopOf))
	require.NoError(t, err)
	require.Equal(t, []string{"cup_1"}, res.NodeIDs)

	cup, err := core.Store().GetNode("cup_1")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, cup.Pos[0], 1e-9)
	assert.InDelta(t, 1.5, cup.Pos[1], 1e-9)
	assert.InDelta(t, 1.176, cup.Pos[2], 1e-3, "resting on the table top")
	assert.True(t, hasRelation(core, schemas.RelIn, "cup_1", "kitchen"))

	require.NoError(t, core.RunTicks(ctx, 1))
	onTop := relation(t, core, schemas.RelOnTopOf, "cup_1", "table_1")
	assert.GreaterOrEqual(t, onTop.Confidence, 0.9)
	sup := relation(t, core, schemas.RelSupports, "table_1", "cup_1")
	assert.GreaterOrEqual(t, sup.Confidence, 0.9)

	res, err = core.ApplyIntent(ctx, moveIntent("table_1", schemas.Vec3{2.5, 1.5, 0.75}))
	require.NoError(t, err)
	assert.True(t, res.OK)

	cup, err = core.Store().GetNode("cup_1")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, cup.Pos[0], 1e-9, "cup translates with its supporter")
	assert.InDelta(t, 1.5, cup.Pos[1], 1e-9)
	assert.InDelta(t, 1.176, cup.Pos[2], 1e-3)
	assert.True(t, hasRelation(core, schemas.RelOnTopOf, "cup_1", "table_1"))
	assert.True(t, hasRelation(core, schemas.RelSupports, "table_1", "cup_1"))
}

func TestWhatIfRemoveTable(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, DefaultOptions())
	require.NoError(t, core.RunTicks(ctx, 2))

	_, err := core.ApplyIntent(ctx, addIntent("cup", "table_1", schemas.RelOnTopOf))
	require.NoError(t, err)
	_, err = core.ApplyIntent(ctx, addIntent("book", "table_1", schemas.RelOnTopOf))
	require.NoError(t, err)
	require.NoError(t, core.RunTicks(ctx, 1))

	ans, err := core.Ask(ctx, "What if I remove the table?")
	require.NoError(t, err)
	assert.Equal(t, schemas.QuestionWhatIf, ans.QuestionType)
	assert.InDelta(t, 0.9, ans.Confidence, 1e-9)

	assert.Contains(t, ans.AnswerText, "cup_1 loses support and falls to z=0.05")
	assert.Contains(t, ans.AnswerText, "book_1 loses support and falls to z=0.01")
	for _, line := range []string{
		"relation on_top_of(cup_1, table_1) vanishes",
		"relation supports(table_1, cup_1) vanishes",
		"relation on_top_of(book_1, table_1) vanishes",
		"relation supports(table_1, book_1) vanishes",
	} {
		assert.Contains(t, ans.AnswerText, line)
	}
}

func TestAccessibilityScan(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, DefaultOptions())
	require.NoError(t, core.RunTicks(ctx, 2))

	_, err := core.ApplyIntent(ctx, addIntent("cup", "table_1", schemas.RelOnTopOf))
	require.NoError(t, err)
	require.NoError(t, core.RunTicks(ctx, 1))

	ans, err := core.Ask(ctx, "Which objects can I easily reach?")
	require.NoError(t, err)
	assert.Equal(t, schemas.QuestionAccessibility, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "chair_12 (chair) [score: 1.00]")
	assert.Contains(t, ans.AnswerText, "cup_1 (cup) [score: 0.93]")
	assert.Contains(t, ans.AnswerText, "no objects are blocked")
	assert.NotContains(t, ans.AnswerText, "stove", "fixed objects score limited, not reachable")

	snap := core.Snapshot()
	assert.Equal(t, "limited", snap.Accessibility["stove"].Category)
	assert.Equal(t, "limited", snap.Accessibility["table_1"].Category)
}

func TestDeterministicReplay(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Orchestrator.TickBudget = 0

	run := func() []schemas.Event {
		core := newCore(t, opts)
		require.NoError(t, core.RunTicks(ctx, 2))
		_, err := core.ApplyIntent(ctx, moveIntent("chair_12", schemas.Vec3{2.9, 1.0, 0.45}))
		require.NoError(t, err)
		require.NoError(t, core.RunTicks(ctx, 2))
		_, err = core.ApplyIntent(ctx, addIntent("cup", "table_1", schemas.RelOnTopOf))
		require.NoError(t, err)
		require.NoError(t, core.RunTicks(ctx, 1))
		_, err = core.ApplyIntent(ctx, moveIntent("table_1", schemas.Vec3{2.5, 1.5, 0.75}))
		require.NoError(t, err)
		require.NoError(t, core.RunTicks(ctx, 1))
		return core.Events()
	}

	first := run()
	second := run()
	require.NotEmpty(t, first)
	assert.Empty(t, cmp.Diff(first, second))
}

func TestExpiredContextRejectsWithTimeout(t *testing.T) {
	core := newCore(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := core.ApplyIntent(ctx, moveIntent("chair_12", schemas.Vec3{2.0, 1.0, 0.45}))
	assert.True(t, schemas.IsKind(err, schemas.KindTimeout))

	_, err = core.ApplyIntents(ctx, []schemas.Intent{moveIntent("chair_12", schemas.Vec3{2.0, 1.0, 0.45})})
	assert.True(t, schemas.IsKind(err, schemas.KindTimeout))

	_, err = core.Ask(ctx, "Where is the chair?")
	assert.True(t, schemas.IsKind(err, schemas.KindTimeout))

	_, getErr := core.Store().GetNode("chair_12")
	assert.NoError(t, getErr, "nothing committed")
}

type recordingSink struct {
	batches [][]schemas.Event
}

func (r *recordingSink) OnEvents(events []schemas.Event) {
	r.batches = append(r.batches, events)
}

func TestSubscribeReceivesCommits(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, DefaultOptions())
	sink := &recordingSink{}
	core.Subscribe(sink)

	require.NoError(t, core.RunTicks(ctx, 1))
	require.NotEmpty(t, sink.batches)

	var types []schemas.EventType
	for _, batch := range sink.batches {
		for _, ev := range batch {
			types = append(types, ev.Type)
		}
	}
	assert.Contains(t, types, schemas.EventRelationUpserted)
}
