package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/agentsvc"
	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/model"
)

// DefaultStallTimeout aborts a turn that stops making progress. Only
// substantive frames (thinking, tool, message, artifact, done) reset the
// clock; an agent that emits nothing but heartbeat or status frames for this
// long is stalled and the turn ends with a timed_out status.
const DefaultStallTimeout = 120 * time.Second

// staleRetries bounds how often an artifact apply is resubmitted after losing
// a version race against a concurrent user action.
const staleRetries = 2

// ErrStreamStalled is returned when no frame arrives within the stall timeout.
var ErrStreamStalled = errors.New("stream: agent stream stalled")

// ActionApplier submits actions to the canvas reducer. Satisfied by
// *engine.Service; fakeable in tests.
type ActionApplier interface {
	Apply(ctx context.Context, canvasID uuid.UUID, act model.Action) (model.ActionResult, error)
}

// Reconciler folds one agent stream into canvas state.
type Reconciler struct {
	applier      ActionApplier
	logger       *slog.Logger
	stallTimeout time.Duration
}

func NewReconciler(applier ActionApplier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		applier:      applier,
		logger:       logger.With(slog.String("component", "stream")),
		stallTimeout: DefaultStallTimeout,
	}
}

// SetStallTimeout overrides the default stall timeout. Not safe to call
// after Run has started.
func (r *Reconciler) SetStallTimeout(d time.Duration) {
	if d > 0 {
		r.stallTimeout = d
	}
}

// Run consumes events until done, error, stall, or channel close. Message
// text accumulates across delta frames and flushes as one message frame on
// done; if the stream drops mid-message the partial text is flushed best
// effort so the client keeps what was said. Artifacts become PROPOSE_CARD
// actions keyed by (sessionID, artifact index), so a re-delivered stream
// replays instead of duplicating cards.
// startVersion is the canvas version at the start of the turn; the fold
// tracks its own applies from there and absorbs concurrent bumps through the
// stale-version retry.
func (r *Reconciler) Run(ctx context.Context, canvasID, sessionID uuid.UUID, startVersion int64, events <-chan agentsvc.Event, sink Sink) error {
	var (
		message     strings.Builder
		artifactIdx int
		version     = startVersion
	)

	flushMessage := func() {
		if message.Len() == 0 {
			return
		}
		frame := Frame{Type: FrameMessage, Text: message.String()}
		message.Reset()
		if err := sink.Send(ctx, frame); err != nil {
			r.logger.DebugContext(ctx, "flush message to closed sink", slog.String("error", err.Error()))
		}
	}

	stall := time.NewTimer(r.stallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			flushMessage()
			return ctx.Err()

		case <-stall.C:
			flushMessage()
			r.logger.WarnContext(ctx, "agent stream stalled",
				slog.String("canvas_id", canvasID.String()),
				slog.String("session_id", sessionID.String()),
				slog.Duration("timeout", r.stallTimeout))
			if err := sink.Send(ctx, Frame{Type: FrameStatus, Text: "timed_out"}); err != nil {
				return err
			}
			return ErrStreamStalled

		case ev, ok := <-events:
			if !ok {
				// Dropped stream: keep the partial message, surface the drop.
				flushMessage()
				return fmt.Errorf("stream: agent stream closed before done")
			}
			if substantive(ev.Type) {
				if !stall.Stop() {
					<-stall.C
				}
				stall.Reset(r.stallTimeout)
			}

			switch ev.Type {
			case agentsvc.EventHeartbeat:
				// Keeps the transport alive, says nothing about progress.

			case agentsvc.EventThinking:
				if err := sink.Send(ctx, Frame{Type: FrameThinking, Text: ev.Text}); err != nil {
					return err
				}

			case agentsvc.EventToolRunning:
				if err := sink.Send(ctx, Frame{Type: FrameToolRunning, Tool: ev.Tool}); err != nil {
					return err
				}

			case agentsvc.EventToolComplete:
				if err := sink.Send(ctx, Frame{Type: FrameToolComplete, Tool: ev.Tool}); err != nil {
					return err
				}

			case agentsvc.EventStatus:
				if err := sink.Send(ctx, Frame{Type: FrameStatus, Text: ev.Text}); err != nil {
					return err
				}

			case agentsvc.EventMessage:
				message.WriteString(ev.Text)
				if err := sink.Send(ctx, Frame{Type: FrameDelta, Text: ev.Text}); err != nil {
					return err
				}

			case agentsvc.EventArtifact:
				if ev.Artifact == nil {
					r.logger.WarnContext(ctx, "artifact frame without artifact", slog.String("canvas_id", canvasID.String()))
					continue
				}
				result, err := r.proposeArtifact(ctx, canvasID, sessionID, artifactIdx, version, *ev.Artifact)
				artifactIdx++
				if err == nil {
					version = result.NewVersion
				}
				if err != nil {
					// A rejected artifact must not kill the turn.
					r.logger.WarnContext(ctx, "artifact rejected",
						slog.String("canvas_id", canvasID.String()),
						slog.String("error", err.Error()))
					if err := sink.Send(ctx, Frame{Type: FrameError, Err: err.Error()}); err != nil {
						return err
					}
					continue
				}
				if err := sink.Send(ctx, Frame{
					Type:    FrameCardProposed,
					CardIDs: result.ChangedCardIDs,
					Version: result.NewVersion,
				}); err != nil {
					return err
				}

			case agentsvc.EventError:
				flushMessage()
				if err := sink.Send(ctx, Frame{Type: FrameError, Err: ev.Message}); err != nil {
					return err
				}
				return fmt.Errorf("stream: agent error: %s", ev.Message)

			case agentsvc.EventDone:
				flushMessage()
				return sink.Send(ctx, Frame{Type: FrameDone})

			default:
				// Forward-compatible: unknown frame types are skipped, never fatal.
				r.logger.DebugContext(ctx, "unknown stream frame", slog.String("type", string(ev.Type)))
			}
		}
	}
}

// substantive reports whether a frame counts as progress for the stall
// timer. Heartbeat and status frames do not: they keep the connection warm
// without moving the turn forward.
func substantive(t agentsvc.EventType) bool {
	switch t {
	case agentsvc.EventHeartbeat, agentsvc.EventStatus:
		return false
	}
	return true
}

// proposeArtifact submits one artifact as a PROPOSE_CARD action, retrying a
// bounded number of times when a concurrent writer advances the version.
func (r *Reconciler) proposeArtifact(ctx context.Context, canvasID, sessionID uuid.UUID, idx int, version int64, art agentsvc.Artifact) (model.ActionResult, error) {
	payload, err := json.Marshal(model.ProposeCardPayload{
		CardType:   art.CardType,
		Lane:       art.Lane,
		Content:    art.Content,
		Meta:       art.Meta,
		SourceRefs: art.SourceRefs,
	})
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("stream: marshal artifact payload: %w", err)
	}

	for attempt := 0; ; attempt++ {
		result, err := r.applier.Apply(ctx, canvasID, model.Action{
			Type:            model.ActionProposeCard,
			Payload:         payload,
			By:              model.ActorAgent,
			IdempotencyKey:  fmt.Sprintf("stream:%s:%d", sessionID, idx),
			ExpectedVersion: version,
		})
		if err == nil {
			return result, nil
		}

		var engErr *engine.Error
		if errors.As(err, &engErr) && engErr.Code == engine.CodeStaleVersion && attempt < staleRetries {
			version = engErr.CurrentVersion
			continue
		}
		return model.ActionResult{}, err
	}
}
