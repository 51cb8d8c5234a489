package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/botforge-io/botforge/internal/draft"
	"github.com/botforge-io/botforge/internal/models"
	"github.com/botforge-io/botforge/internal/pipeline"
)

type createDraftRequest struct {
	EntityType models.EntityType `json:"entity_type"`
	OwnerScope string            `json:"owner_scope"`
	Payload    map[string]any    `json:"payload"`
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.EntityType.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", req.EntityType))
		return
	}
	if req.OwnerScope == "" {
		s.respondError(w, http.StatusBadRequest, "owner_scope is required")
		return
	}

	d, err := s.drafts.Create(r.Context(), req.EntityType, req.OwnerScope, req.Payload)
	if err != nil {
		s.logger.Error("create draft failed", "entity_type", req.EntityType, "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]any{
		"draft_id":    d.ID,
		"entity_type": d.EntityType,
		"expires_at":  d.ExpiresAt,
	})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.draftParams(w, r)
	if !ok {
		return
	}

	d, err := s.drafts.Get(r.Context(), entityType, id)
	if err != nil {
		s.respondDraftError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, d)
}

type patchDraftRequest struct {
	Payload map[string]any `json:"payload"`
}

func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.draftParams(w, r)
	if !ok {
		return
	}

	var req patchDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.drafts.Update(r.Context(), entityType, id, req.Payload)
	if err != nil {
		s.respondDraftError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"updated_at": d.UpdatedAt,
		"expires_at": d.ExpiresAt,
	})
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.draftParams(w, r)
	if !ok {
		return
	}

	if err := s.drafts.Delete(r.Context(), entityType, id); err != nil {
		s.respondDraftError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidateDraft(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.draftParams(w, r)
	if !ok {
		return
	}

	d, err := s.drafts.Get(r.Context(), entityType, id)
	if err != nil {
		s.respondDraftError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, draft.Validate(d))
}

type previewDraftRequest struct {
	Input string `json:"input"`
}

// handlePreviewDraft produces a deterministic preview of how the drafted
// entity would respond and stores it as the draft's preview state.
func (s *Server) handlePreviewDraft(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.draftParams(w, r)
	if !ok {
		return
	}

	var req previewDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.drafts.Get(r.Context(), entityType, id)
	if err != nil {
		s.respondDraftError(w, err)
		return
	}

	preview := buildPreview(d, req.Input)
	if err := s.drafts.SetPreview(r.Context(), entityType, id, preview); err != nil {
		s.respondDraftError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, preview)
}

// buildPreview renders a draft's current configuration as it would appear
// to an end user. No external calls; previews must work before finalize.
func buildPreview(d *models.Draft, input string) map[string]any {
	preview := map[string]any{
		"entity_type":  d.EntityType,
		"generated_at": time.Now().UTC(),
	}

	switch d.EntityType {
	case models.EntityChatbot:
		greeting, _ := d.Payload["greeting"].(string)
		if greeting == "" {
			greeting = "Hello! How can I help you?"
		}
		preview["greeting"] = greeting
		if input != "" {
			preview["echo"] = input
		}
	case models.EntityKnowledgeBase:
		sources := models.SourcesFromPayload(d.Payload)
		preview["source_count"] = len(sources)
	case models.EntityWorkflow:
		nodes, _ := d.Payload["nodes"].([]any)
		preview["node_count"] = len(nodes)
	}
	return preview
}

func (s *Server) handleFinalizeDraft(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.draftParams(w, r)
	if !ok {
		return
	}

	result, err := s.orch.Finalize(r.Context(), entityType, id)
	if err != nil {
		var verr *draft.ValidationError
		switch {
		case errors.As(err, &verr):
			s.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"valid":    false,
				"errors":   verr.Errors,
				"warnings": verr.Warnings,
			})
		case errors.Is(err, draft.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "draft not found")
		case errors.Is(err, draft.ErrConflict):
			s.respondError(w, http.StatusConflict, "draft is already finalizing")
		default:
			s.logger.Error("finalize failed", "draft_id", id, "error", err)
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.tracker.Status(r.Context(), id)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handlePipelineLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	logs, err := s.tracker.Logs(r.Context(), id, limit)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handlePipelineCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tracker.RequestCancel(r.Context(), id); err != nil {
		s.respondPipelineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		s.respondError(w, http.StatusNotImplemented, "search is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	results, err := s.searcher.Search(r.Context(), id, query, limit)
	if err != nil {
		s.logger.Error("search failed", "knowledge_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"results": results,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.stats != nil {
		if err := s.stats.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["store"] = err.Error()
			s.respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["store"] = "ok"
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.collector != nil {
		resp["operations"] = s.collector.Snapshot()
	}
	if s.stats != nil {
		counts, err := s.stats.CountEntities(r.Context())
		if err != nil {
			s.logger.Error("entity counts failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["entities"] = counts
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// draftParams parses the {type}/{id} route params, rejecting unknown types.
func (s *Server) draftParams(w http.ResponseWriter, r *http.Request) (models.EntityType, string, bool) {
	entityType := models.EntityType(chi.URLParam(r, "type"))
	if !entityType.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", entityType))
		return "", "", false
	}
	return entityType, chi.URLParam(r, "id"), true
}

func (s *Server) respondDraftError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, draft.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "draft not found")
	case errors.Is(err, draft.ErrConflict):
		s.respondError(w, http.StatusConflict, "draft is finalizing and no longer editable")
	case errors.Is(err, draft.ErrTypeMismatch):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("draft operation failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		s.respondError(w, http.StatusNotFound, "pipeline run not found")
	case errors.Is(err, pipeline.ErrRunTerminal):
		s.respondError(w, http.StatusConflict, "pipeline run already finished")
	default:
		s.logger.Error("pipeline operation failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
