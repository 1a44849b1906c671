package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
	"github.com/louisbranch/storycanon/internal/engine"
	"github.com/louisbranch/storycanon/internal/gate"
	"github.com/louisbranch/storycanon/internal/rag"
	"github.com/louisbranch/storycanon/internal/storage"
)

type mockEngine struct {
	state    canon.State
	stateErr error

	events     []event.Event
	eventsTurn *int
	eventsWant storage.TimeRange

	processRes engine.ProcessResult
	processErr error
	lastDraft  string

	validateRes gate.Result
}

func (m *mockEngine) State(ctx context.Context, storyID string) (canon.State, error) {
	return m.state, m.stateErr
}

func (m *mockEngine) Events(ctx context.Context, storyID string, turn *int, timeRange storage.TimeRange, limit, offset int) ([]event.Event, error) {
	m.eventsTurn = turn
	m.eventsWant = timeRange
	return m.events, nil
}

func (m *mockEngine) ProcessDraft(ctx context.Context, storyID, userMessage, assistantDraft string) (engine.ProcessResult, error) {
	m.lastDraft = assistantDraft
	return m.processRes, m.processErr
}

func (m *mockEngine) ValidateDraft(ctx context.Context, storyID, draftText string) (gate.Result, error) {
	return m.validateRes, nil
}

type mockRAG struct {
	results []rag.Result
	err     error
	topK    int
}

func (m *mockRAG) Query(ctx context.Context, storyID, queryText string, topK int) ([]rag.Result, error) {
	m.topK = topK
	return m.results, m.err
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	handler := New(&mockEngine{}, nil).Handler()
	rec := doRequest(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetState(t *testing.T) {
	eng := &mockEngine{state: canon.NewState("story_1", time.Now())}
	handler := New(eng, nil).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/state/story_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var state canon.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Meta.StoryID != "story_1" {
		t.Errorf("story id = %q", state.Meta.StoryID)
	}
}

func TestGetStateError(t *testing.T) {
	eng := &mockEngine{stateErr: errors.New("db locked")}
	handler := New(eng, nil).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/state/story_1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetEventsQueryParams(t *testing.T) {
	eng := &mockEngine{}
	handler := New(eng, nil).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/events/story_1?turn=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if eng.eventsTurn == nil || *eng.eventsTurn != 3 {
		t.Errorf("turn = %v, want 3", eng.eventsTurn)
	}

	rec = doRequest(t, handler, http.MethodGet, "/events/story_1?min_order=2&max_order=8", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if eng.eventsWant.Min == nil || *eng.eventsWant.Min != 2 || eng.eventsWant.Max == nil || *eng.eventsWant.Max != 8 {
		t.Errorf("range = %+v", eng.eventsWant)
	}

	rec = doRequest(t, handler, http.MethodGet, "/events/story_1?turn=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad turn status = %d, want 400", rec.Code)
	}
}

func TestGetEventsEmptyListNotNull(t *testing.T) {
	handler := New(&mockEngine{}, nil).Handler()
	rec := doRequest(t, handler, http.MethodGet, "/events/story_1", "")

	var payload struct {
		Events []event.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("empty events serialised as %s", rec.Body)
	}
}

func TestDraftProcess(t *testing.T) {
	eng := &mockEngine{processRes: engine.ProcessResult{FinalAction: gate.ActionRewrite, RewriteInstructions: "R7: 时间回退"}}
	handler := New(eng, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/draft/process",
		`{"story_id":"story_1","user_message":"msg","assistant_draft":"草稿"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if eng.lastDraft != "草稿" {
		t.Errorf("draft = %q", eng.lastDraft)
	}
	var res engine.ProcessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.FinalAction != gate.ActionRewrite || res.RewriteInstructions == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestDraftProcessValidation(t *testing.T) {
	handler := New(&mockEngine{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/draft/process", `{"user_message":"m"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing story_id status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodPost, "/draft/process", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestDraftProcessEngineError(t *testing.T) {
	eng := &mockEngine{processErr: errors.New("extract events: llm down")}
	handler := New(eng, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/draft/process", `{"story_id":"s"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "llm down") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestDraftValidate(t *testing.T) {
	eng := &mockEngine{validateRes: gate.Result{Action: gate.ActionPass}}
	handler := New(eng, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/draft/validate",
		`{"story_id":"story_1","draft_text":"曹操在洛阳设宴。"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var res gate.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Action != gate.ActionPass {
		t.Errorf("action = %s", res.Action)
	}
}

func TestRAGQuery(t *testing.T) {
	retriever := &mockRAG{results: []rag.Result{{Text: "洛阳是都城。", Score: 0.3}}}
	handler := New(&mockEngine{}, retriever).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/rag/query",
		`{"story_id":"story_1","query":"洛阳","top_k":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if retriever.topK != 3 {
		t.Errorf("topK = %d", retriever.topK)
	}
	var res ragQueryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Query != "洛阳" || len(res.Results) != 1 {
		t.Errorf("response = %+v", res)
	}
}

func TestRAGQueryIndexMissing(t *testing.T) {
	retriever := &mockRAG{err: rag.ErrIndexNotFound}
	handler := New(&mockEngine{}, retriever).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/rag/query",
		`{"story_id":"story_1","query":"洛阳"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRAGQueryUnconfigured(t *testing.T) {
	handler := New(&mockEngine{}, nil).Handler()
	rec := doRequest(t, handler, http.MethodPost, "/rag/query",
		`{"story_id":"story_1","query":"洛阳"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}
