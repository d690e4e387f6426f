package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/storage"
)

// HandleOpenCanvas handles POST /v1/canvases/open.
// Reuses the bound session when it is fresh; otherwise starts a new one. An
// explicit canvas_id always mints a fresh session on that canvas.
func (h *Handlers) HandleOpenCanvas(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.OpenCanvasRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.UserID = claims.UserID
	if err := model.ValidatePurpose(req.Purpose); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	binding, resumed, err := h.binder.Open(r.Context(), req.UserID, req.Purpose, req.CanvasID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "canvas not found")
			return
		}
		h.logger.Error("open canvas", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "open canvas failed")
		return
	}

	resume, err := h.resumeState(r, binding.CanvasID)
	if err != nil {
		h.logger.Error("load resume state", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "load resume state failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.OpenCanvasResponse{
		CanvasID:     binding.CanvasID,
		SessionID:    binding.SessionID,
		IsNewSession: !resumed,
		ResumeState:  resume,
	})
}

func (h *Handlers) resumeState(r *http.Request, canvasID uuid.UUID) (model.ResumeState, error) {
	cards, err := h.db.CardsForCanvas(r.Context(), canvasID)
	if err != nil {
		return model.ResumeState{}, err
	}
	canvas, err := h.db.GetCanvas(r.Context(), canvasID)
	if err != nil {
		return model.ResumeState{}, err
	}
	if cards == nil {
		cards = []model.Card{}
	}
	return model.ResumeState{
		Cards:           cards,
		LastEntryCursor: canvas.Version,
		CardCount:       len(cards),
	}, nil
}

// HandleApplyAction handles POST /v1/canvases/{canvas_id}/actions.
func (h *Handlers) HandleApplyAction(w http.ResponseWriter, r *http.Request) {
	canvas, ok := h.canvasFromPath(w, r)
	if !ok {
		return
	}

	var req model.ApplyActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	// The actor claim is authoritative; a user token cannot submit agent
	// actions and vice versa.
	claims := ClaimsFromContext(r.Context())
	switch claims.Role {
	case model.RoleAgent, model.RoleAdmin:
	default:
		if req.Action.By != model.ActorUser {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "user tokens can only submit user actions")
			return
		}
	}

	result, err := h.engine.Apply(r.Context(), canvas.ID, req.Action)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ApplyActionResponse{
		Success:        true,
		Version:        result.NewVersion,
		ChangedCardIDs: result.ChangedCardIDs,
		Replayed:       result.Replayed,
	})
}

// HandleGetCanvas handles GET /v1/canvases/{canvas_id}.
func (h *Handlers) HandleGetCanvas(w http.ResponseWriter, r *http.Request) {
	canvas, ok := h.canvasFromPath(w, r)
	if !ok {
		return
	}

	cards, err := h.db.CardsForCanvas(r.Context(), canvas.ID)
	if err != nil {
		h.logger.Error("load canvas cards", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "load canvas failed")
		return
	}
	if cards == nil {
		cards = []model.Card{}
	}

	writeJSON(w, r, http.StatusOK, model.CanvasSnapshot{
		CanvasID: canvas.ID,
		Version:  canvas.Version,
		Phase:    canvas.Phase,
		Cards:    cards,
		UpNext:   canvas.UpNext,
	})
}

// HandleListEvents handles GET /v1/canvases/{canvas_id}/events.
// Cursor pagination: ?after=<seq>&limit=<n>.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	canvas, ok := h.canvasFromPath(w, r)
	if !ok {
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "after must be a non-negative integer")
			return
		}
		afterSeq = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.db.ListEvents(r.Context(), canvas.ID, afterSeq, limit)
	if err != nil {
		h.logger.Error("list events", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "list events failed")
		return
	}
	if events == nil {
		events = []model.WorkspaceEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// canvasFromPath parses {canvas_id}, loads the canvas, and enforces owner
// scoping. Agent and admin tokens may touch any canvas.
func (h *Handlers) canvasFromPath(w http.ResponseWriter, r *http.Request) (model.Canvas, bool) {
	id, err := uuid.Parse(r.PathValue("canvas_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "canvas_id must be a UUID")
		return model.Canvas{}, false
	}

	canvas, err := h.db.GetCanvas(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "canvas not found")
			return model.Canvas{}, false
		}
		h.logger.Error("get canvas", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "get canvas failed")
		return model.Canvas{}, false
	}

	claims := ClaimsFromContext(r.Context())
	if !model.RoleAtLeast(claims.Role, model.RoleAgent) && canvas.UserID != claims.UserID {
		// Hidden, not forbidden: do not confirm that the canvas exists.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "canvas not found")
		return model.Canvas{}, false
	}
	return canvas, true
}

// writeEngineError maps reducer error codes to HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		if errors.Is(err, storage.ErrCanvasArchived) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "canvas is archived")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	switch engErr.Code {
	case engine.CodeStaleVersion:
		writeStaleVersion(w, r, engErr)
	case engine.CodeInvalidArgument:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, engErr.Message)
	case engine.CodeNotFound:
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, engErr.Message)
	case engine.CodeUnimplemented:
		writeError(w, r, http.StatusNotImplemented, model.ErrCodeUnimplemented, engErr.Message)
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, engErr.Message)
	}
}

// writeStaleVersion is a 409 carrying the live version, so clients can
// refetch-free resubmit.
func writeStaleVersion(w http.ResponseWriter, r *http.Request, engErr *engine.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeStaleVersion,
			Message: engErr.Message,
			Details: map[string]int64{"current_version": engErr.CurrentVersion},
		},
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}
