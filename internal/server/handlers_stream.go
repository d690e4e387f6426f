package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/setforge-ai/setforge/internal/agentsvc"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/stream"
)

// HandleSubscribe handles GET /v1/canvases/{canvas_id}/subscribe.
// Streams committed workspace events for one canvas as SSE.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	canvas, ok := h.canvasFromPath(w, r)
	if !ok {
		return
	}
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(canvas.ID)
	defer h.broker.Unsubscribe(canvas.ID, ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleConverse handles POST /v1/canvases/{canvas_id}/converse.
// Starts one agent turn and streams the reconciled frames back as SSE.
func (h *Handlers) HandleConverse(w http.ResponseWriter, r *http.Request) {
	canvas, ok := h.canvasFromPath(w, r)
	if !ok {
		return
	}
	if h.agent == nil || h.reconciler == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "agent service not configured")
		return
	}

	var req model.ConverseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "prompt is required")
		return
	}

	binding, _, err := h.binder.Open(r.Context(), canvas.UserID, canvas.Purpose, &canvas.ID)
	if err != nil {
		h.logger.Error("bind converse session", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "session binding failed")
		return
	}

	events, err := h.agent.Converse(r.Context(), agentsvc.ConverseRequest{
		SessionID:     binding.SessionID,
		CanvasID:      canvas.ID,
		UserID:        canvas.UserID,
		Message:       req.Prompt,
		CanvasVersion: canvas.Version,
	})
	if err != nil {
		h.logger.Error("start agent turn", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternal, "agent service unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sink := stream.SinkFunc(func(_ context.Context, f stream.Frame) error {
		raw, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := w.Write(formatSSE(string(f.Type), string(raw))); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if err := h.reconciler.Run(r.Context(), canvas.ID, binding.SessionID, canvas.Version, events, sink); err != nil {
		// The stream is already committed to SSE; log and let the connection
		// close. The client saw an error or timed_out frame where applicable.
		h.logger.Warn("converse turn ended with error",
			"canvas_id", canvas.ID.String(),
			"error", err.Error())
	}
}
