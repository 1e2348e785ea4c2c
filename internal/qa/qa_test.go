package qa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/analyzer"
	"github.com/xkilldash9x/spacegraph/internal/graph"
	"github.com/xkilldash9x/spacegraph/internal/support"
	"github.com/xkilldash9x/spacegraph/internal/topology"
)

func sceneDoc() *schemas.BootstrapFile {
	return &schemas.BootstrapFile{
		Scene: schemas.BootstrapScene{
			ID:    "kitchen_demo",
			Frame: "map",
			Rooms: []schemas.BootstrapObject{
				{
					ID: "kitchen", Class: "room",
					Pos:  schemas.Vec3{2.5, 2.0, 1.25},
					BBox: schemas.BootstrapBBox{Type: "AABB", XYZ: schemas.Vec3{5.0, 4.0, 2.5}},
				},
			},
			Objects: []schemas.BootstrapObject{
				{
					ID: "table_1", Class: "table",
					Pos:  schemas.Vec3{1.5, 1.5, 0.375},
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
				{
					ID: "cup_1", Class: "cup",
					Pos:  schemas.Vec3{1.5, 1.5, 0.801},
					BBox: schemas.BootstrapBBox{Type: "OBB", XYZ: schemas.Vec3{0.08, 0.08, 0.10}},
					Lom:  "high",
				},
			},
		},
	}
}

func fixture(t *testing.T) *Dispatcher {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := graph.NewStore(log)
	require.NoError(t, err)
	require.NoError(t, store.LoadBootstrap(sceneDoc(), schemas.Stamp{TS: 1, Origin: "bootstrap"}))

	p := schemas.NewPatch(schemas.Stamp{TS: 2, Origin: "agent:table_1"})
	p.AddRelation(schemas.Relation{Type: schemas.RelNear, A: "chair_12", B: "table_1", Confidence: 0.72})
	p.AddRelation(schemas.Relation{Type: schemas.RelNear, A: "table_1", B: "chair_12", Confidence: 0.72})
	p.AddRelation(schemas.Relation{Type: schemas.RelOnTopOf, A: "cup_1", B: "table_1", Confidence: 0.98})
	p.AddRelation(schemas.Relation{Type: schemas.RelSupports, A: "table_1", B: "cup_1", Confidence: 0.98})
	_, err = store.ApplyPatch(p)
	require.NoError(t, err)

	sys := support.New(store, topology.DefaultParams(), false, log)
	store.AddSink(sys)
	asm := analyzer.New(store, sys, analyzer.DefaultParams(), log)
	return New(asm, sys, log)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		question string
		want     schemas.QuestionType
	}{
		{"What if I remove the table?", schemas.QuestionWhatIf},
		{"What would happen if the cup moved?", schemas.QuestionWhatIf},
		{"Is the stack stable?", schemas.QuestionStability},
		{"Would the cup fall?", schemas.QuestionStability},
		{"Which objects can I easily reach?", schemas.QuestionAccessibility},
		{"Is anything blocked?", schemas.QuestionAccessibility},
		{"What is on the table?", schemas.QuestionRelationship},
		{"What is near the chair?", schemas.QuestionRelationship},
		{"Where is the cup?", schemas.QuestionLocation},
		{"Describe the scene", schemas.QuestionGeneral},
		{"How many objects are there?", schemas.QuestionGeneral},
		{"Why is the kitchen arranged this way?", schemas.QuestionComplex},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.question), c.question)
	}
}

func TestClassifyPriority(t *testing.T) {
	// "happen" outranks "stable" and "where" outranks "many" in mixed questions.
	assert.Equal(t, schemas.QuestionWhatIf, Classify("What happens if the stable table falls?"))
	assert.Equal(t, schemas.QuestionLocation, Classify("Where are the many objects?"))
}

func TestMentioned(t *testing.T) {
	d := fixture(t)
	snap := d.snap.Snapshot()

	assert.Equal(t, []string{"cup_1"}, mentioned("where is the cup?", snap))
	assert.Equal(t, []string{"chair_12", "table_1"}, mentioned("is the chair near table_1?", snap))
	assert.Empty(t, mentioned("what about the sofa?", snap))
}

func TestRelationshipAnswer(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("What is on the table?")

	require.Equal(t, schemas.QuestionRelationship, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "cup_1 on_top_of table_1")
	assert.Contains(t, ans.AnswerText, "chair_12 near table_1")
	assert.InDelta(t, 0.72, ans.Confidence, 1e-9, "weakest cited relation caps confidence")
	assert.NotEmpty(t, ans.Evidence)
}

func TestRelationshipAnswerNoMatches(t *testing.T) {
	d := fixture(t)
	// The stove has no relations at all.
	ans := d.Answer("What is connected to the stove?")

	require.Equal(t, schemas.QuestionRelationship, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "No spatial relationships found")
	assert.InDelta(t, 0.4, ans.Confidence, 1e-9)
}

func TestLocationAnswer(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("Where is the cup?")

	require.Equal(t, schemas.QuestionLocation, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "cup_1 (cup) is at (1.50, 1.50, 0.80)")
	assert.Contains(t, ans.AnswerText, "part of table_group")
	assert.Equal(t, []string{"cup_1 in table_group"}, ans.Evidence)
}

func TestLocationAnswerUnknownObject(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("Where is the sofa?")

	assert.Contains(t, ans.AnswerText, "Could not identify")
	assert.InDelta(t, 0.4, ans.Confidence, 1e-9)
}

func TestAccessibilityAnswer(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("Which objects can I easily reach?")

	require.Equal(t, schemas.QuestionAccessibility, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "chair_12 (chair)")
	assert.Contains(t, ans.AnswerText, "cup_1 (cup)")
	assert.Contains(t, ans.AnswerText, "no objects are blocked")
	assert.InDelta(t, 0.8, ans.Confidence, 1e-9)
}

func TestStabilityAnswer(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("Is the table stable?")

	require.Equal(t, schemas.QuestionStability, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "table_1 carries cup_1")
	assert.Contains(t, ans.AnswerText, "table_1 supports 1 objects")
	assert.InDelta(t, 0.85, ans.Confidence, 1e-9)
}

func TestWhatIfAnswer(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("What if I remove the table?")

	require.Equal(t, schemas.QuestionWhatIf, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "If table_1 is removed:")
	assert.Contains(t, ans.AnswerText, "cup_1 loses support")
	assert.Contains(t, ans.AnswerText, "relation on_top_of(cup_1, table_1) vanishes")
	assert.Contains(t, ans.AnswerText, "relation supports(table_1, cup_1) vanishes")
	assert.InDelta(t, 0.9, ans.Confidence, 1e-9, "every affected object is mobile")
}

func TestWhatIfFixedDependentLowersConfidence(t *testing.T) {
	log := zaptest.NewLogger(t)
	store, err := graph.NewStore(log)
	require.NoError(t, err)
	doc := sceneDoc()
	doc.Scene.Objects = append(doc.Scene.Objects, schemas.BootstrapObject{
		ID: "mounted_rack", Class: "rack",
		Pos:  schemas.Vec3{1.5, 1.5, 0.801},
		BBox: schemas.BootstrapBBox{Type: "OBB", XYZ: schemas.Vec3{0.3, 0.2, 0.1}},
		Lom:  "fixed",
	})
	require.NoError(t, store.LoadBootstrap(doc, schemas.Stamp{TS: 1, Origin: "bootstrap"}))

	p := schemas.NewPatch(schemas.Stamp{TS: 2, Origin: "agent:table_1"})
	p.AddRelation(schemas.Relation{Type: schemas.RelOnTopOf, A: "mounted_rack", B: "table_1", Confidence: 0.95})
	p.AddRelation(schemas.Relation{Type: schemas.RelSupports, A: "table_1", B: "mounted_rack", Confidence: 0.95})
	_, err = store.ApplyPatch(p)
	require.NoError(t, err)

	sys := support.New(store, topology.DefaultParams(), false, log)
	store.AddSink(sys)
	asm := analyzer.New(store, sys, analyzer.DefaultParams(), log)
	d := New(asm, sys, log)

	ans := d.Answer("What happens if I remove the table?")
	assert.Contains(t, ans.AnswerText, "mounted_rack is fixed and stays in place")
	assert.InDelta(t, 0.7, ans.Confidence, 1e-9)
}

func TestWhatIfUnknownObject(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("What if I remove the sofa?")

	assert.Contains(t, ans.AnswerText, "Could not identify")
	assert.InDelta(t, 0.4, ans.Confidence, 1e-9)
}

func TestGeneralAnswer(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("Describe the scene")

	require.Equal(t, schemas.QuestionGeneral, ans.QuestionType)
	assert.Contains(t, ans.AnswerText, "4 objects")
	assert.Contains(t, ans.AnswerText, "chair, cup, stove, table")
	assert.Contains(t, ans.AnswerText, "2 near relations")
	assert.Contains(t, ans.AnswerText, "Scene has 1 stacking relationships")
	assert.InDelta(t, 0.8, ans.Confidence, 1e-9)
}

func TestComplexAnswerAttachesSnapshot(t *testing.T) {
	d := fixture(t)
	ans := d.Answer("Why is the kitchen arranged this way?")

	require.Equal(t, schemas.QuestionComplex, ans.QuestionType)
	assert.Empty(t, ans.AnswerText, "core produces no prose for complex questions")
	assert.InDelta(t, 0.3, ans.Confidence, 1e-9)
	require.NotNil(t, ans.Snapshot)
	assert.Contains(t, ans.Snapshot.Objects, "cup_1")
}
