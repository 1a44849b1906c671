// Package server exposes the engine over HTTP. Every endpoint speaks
// JSON; gate verdicts are 200 responses with the classification in the
// body, while transport and store failures map onto HTTP status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
	"github.com/louisbranch/storycanon/internal/engine"
	"github.com/louisbranch/storycanon/internal/gate"
	"github.com/louisbranch/storycanon/internal/rag"
	"github.com/louisbranch/storycanon/internal/storage"
)

// Engine is the draft pipeline the server fronts.
type Engine interface {
	State(ctx context.Context, storyID string) (canon.State, error)
	Events(ctx context.Context, storyID string, turn *int, timeRange storage.TimeRange, limit, offset int) ([]event.Event, error)
	ProcessDraft(ctx context.Context, storyID, userMessage, assistantDraft string) (engine.ProcessResult, error)
	ValidateDraft(ctx context.Context, storyID, draftText string) (gate.Result, error)
}

// RAG answers world-bible retrieval queries.
type RAG interface {
	Query(ctx context.Context, storyID, queryText string, topK int) ([]rag.Result, error)
}

// Server holds the HTTP handlers.
type Server struct {
	engine Engine
	rag    RAG
}

// New returns a Server over the given engine and retrieval service.
// retriever may be nil; the query endpoint then reports the feature as
// unavailable.
func New(eng Engine, retriever RAG) *Server {
	return &Server{engine: eng, rag: retriever}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /state/{story_id}", s.handleState)
	mux.HandleFunc("GET /events/{story_id}", s.handleEvents)
	mux.HandleFunc("POST /draft/process", s.handleDraftProcess)
	mux.HandleFunc("POST /draft/validate", s.handleDraftValidate)
	mux.HandleFunc("POST /rag/query", s.handleRAGQuery)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("story_id")
	state, err := s.engine.State(r.Context(), storyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("story_id")
	query := r.URL.Query()

	var turn *int
	if v := query.Get("turn"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "turn must be an integer")
			return
		}
		turn = &n
	}
	var timeRange storage.TimeRange
	if v := query.Get("min_order"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_order must be an integer")
			return
		}
		timeRange.Min = &n
	}
	if v := query.Get("max_order"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max_order must be an integer")
			return
		}
		timeRange.Max = &n
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	events, err := s.engine.Events(r.Context(), storyID, turn, timeRange, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"story_id": storyID, "events": events})
}

type draftProcessRequest struct {
	StoryID        string `json:"story_id"`
	UserMessage    string `json:"user_message"`
	AssistantDraft string `json:"assistant_draft"`
}

func (s *Server) handleDraftProcess(w http.ResponseWriter, r *http.Request) {
	var req draftProcessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StoryID == "" {
		writeError(w, http.StatusBadRequest, "story_id is required")
		return
	}
	res, err := s.engine.ProcessDraft(r.Context(), req.StoryID, req.UserMessage, req.AssistantDraft)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type draftValidateRequest struct {
	StoryID   string `json:"story_id"`
	DraftText string `json:"draft_text"`
}

func (s *Server) handleDraftValidate(w http.ResponseWriter, r *http.Request) {
	var req draftValidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StoryID == "" {
		writeError(w, http.StatusBadRequest, "story_id is required")
		return
	}
	res, err := s.engine.ValidateDraft(r.Context(), req.StoryID, req.DraftText)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ragQueryRequest struct {
	StoryID string `json:"story_id"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
}

type ragQueryResponse struct {
	Query   string       `json:"query"`
	Results []rag.Result `json:"results"`
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	if s.rag == nil {
		writeError(w, http.StatusNotImplemented, "retrieval is not configured")
		return
	}
	var req ragQueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StoryID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "story_id and query are required")
		return
	}
	results, err := s.rag.Query(r.Context(), req.StoryID, req.Query, req.TopK)
	if errors.Is(err, rag.ErrIndexNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []rag.Result{}
	}
	writeJSON(w, http.StatusOK, ragQueryResponse{Query: req.Query, Results: results})
}
