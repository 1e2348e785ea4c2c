package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/config"
	"github.com/xkilldash9x/spacegraph/internal/runtime"
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
			},
			Relations: []schemas.BootstrapRelation{
				{R: "in", A: "table_1", B: "kitchen"},
				{R: "in", A: "chair_12", B: "kitchen"},
			},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *runtime.Core) {
	t.Helper()
	core, err := runtime.New(runtime.DefaultOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(core.Close)
	return New(core, config.ServerConfig{Addr: ":0"}, zaptest.NewLogger(t)), core
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echoHeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestLoadSceneAndSnapshot(t *testing.T) {
	s, core := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kitchen_demo")

	require.NoError(t, core.RunTicks(context.Background(), 2))

	rec = doJSON(t, s, http.MethodGet, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap schemas.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.SceneSummary.TotalObjects)
	require.NotEmpty(t, snap.Objects)
}

func TestLoadSceneRejectsBadDocument(t *testing.T) {
	s, _ := newTestServer(t)

	doc := kitchenDoc()
	doc.Scene.ID = ""
	rec := doJSON(t, s, http.MethodPost, "/api/scene/load", doc)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTick(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	rec := doJSON(t, s, http.MethodPost, "/api/tick?n=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ticks": 2}`, rec.Body.String())

	rec = doJSON(t, s, http.MethodPost, "/api/tick?n=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyIntent(t *testing.T) {
	s, core := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	in := schemas.Intent{
		Kind: schemas.IntentAddObject,
		Add:  &schemas.AddObject{Type: "cup", Target: "table_1", Relation: schemas.RelOnTopOf},
	}
	rec := doJSON(t, s, http.MethodPost, "/api/intent", in)
	require.Equal(t, http.StatusOK, rec.Code)

	var res schemas.IntentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.OK)
	require.Len(t, res.NodeIDs, 1)

	_, err := core.Store().GetNode(res.NodeIDs[0])
	assert.NoError(t, err)
}

func TestApplyIntentErrors(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	t.Run("unknown id is bad request", func(t *testing.T) {
		pos := schemas.Vec3{1, 1, 0}
		in := schemas.Intent{
			Kind: schemas.IntentMoveObject,
			Move: &schemas.MoveObject{ID: "ghost_1", NewPos: &pos},
		}
		rec := doJSON(t, s, http.MethodPost, "/api/intent", in)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed intent is bad request", func(t *testing.T) {
		in := schemas.Intent{Kind: schemas.IntentMoveObject, Move: &schemas.MoveObject{ID: "chair_12"}}
		rec := doJSON(t, s, http.MethodPost, "/api/intent", in)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestApplyIntentBatch(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	batch := []schemas.Intent{
		{Kind: schemas.IntentAddObject, Add: &schemas.AddObject{Type: "cup", Target: "table_1", Relation: schemas.RelOnTopOf}},
		{Kind: schemas.IntentQuery, Query: &schemas.Query{Question: "what is on the table?"}},
	}
	rec := doJSON(t, s, http.MethodPost, "/api/intents", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []schemas.IntentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	require.NotNil(t, results[1].Answer)
}

func TestAsk(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	rec := doJSON(t, s, http.MethodPost, "/api/ask", map[string]string{"question": "where is the chair?"})
	require.Equal(t, http.StatusOK, rec.Code)

	var answer schemas.Answer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.NotEmpty(t, answer.AnswerText)

	rec = doJSON(t, s, http.MethodPost, "/api/ask", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsLog(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	rec := doJSON(t, s, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []schemas.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, schemas.EventBootstrap, events[0].Type)
}

func TestExport(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	rec := doJSON(t, s, http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var export schemas.Export
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &export))
	assert.Equal(t, "kitchen_demo", export.SceneID)
	assert.Len(t, export.Nodes, 3)
}

func TestBroadcasterFanOut(t *testing.T) {
	b := newBroadcaster()
	id1, ch1 := b.subscribe()
	_, ch2 := b.subscribe()

	batch := []schemas.Event{{Seq: 1, Type: schemas.EventNodeAdded, Subject: "cup_1"}}
	b.OnEvents(batch)

	assert.Equal(t, batch, <-ch1)
	assert.Equal(t, batch, <-ch2)

	b.unsubscribe(id1)
	b.OnEvents(batch)
	select {
	case <-ch1:
		t.Fatal("unsubscribed channel should stay silent")
	default:
	}
	assert.Equal(t, batch, <-ch2)
}

func TestStreamEvents(t *testing.T) {
	s, core := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/scene/load", kitchenDoc()).Code)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// Commit something after the stream is attached.
	in := schemas.Intent{
		Kind: schemas.IntentAddObject,
		Add:  &schemas.AddObject{Type: "cup", Target: "table_1", Relation: schemas.RelOnTopOf},
	}
	_, err = core.ApplyIntent(context.Background(), in)
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	var dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}

	var ev schemas.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.NotZero(t, ev.Seq)
	cancel()
}
