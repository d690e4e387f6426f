package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setforge-ai/setforge/internal/agentsvc"
	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/model"
)

type applyCall struct {
	canvasID uuid.UUID
	action   model.Action
}

// fakeApplier scripts reducer responses per call.
type fakeApplier struct {
	mu      sync.Mutex
	calls   []applyCall
	results []func(model.Action) (model.ActionResult, error)
}

func (f *fakeApplier) Apply(_ context.Context, canvasID uuid.UUID, act model.Action) (model.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applyCall{canvasID: canvasID, action: act})
	if len(f.results) == 0 {
		return model.ActionResult{NewVersion: act.ExpectedVersion + 1}, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next(act)
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *frameRecorder) Send(_ context.Context, f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) byType(t FrameType) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Frame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testArtifact(t *testing.T) *agentsvc.Artifact {
	t.Helper()
	content, err := json.Marshal(map[string]any{
		"exercise_id": "bench_press", "set_index": 0, "reps": 8, "weight_kg": 60,
	})
	require.NoError(t, err)
	return &agentsvc.Artifact{
		CardType: model.CardSetTarget,
		Lane:     "bench_press:0",
		Content:  content,
	}
}

func runStream(t *testing.T, r *Reconciler, startVersion int64, sink Sink, events ...agentsvc.Event) error {
	t.Helper()
	ch := make(chan agentsvc.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return r.Run(context.Background(), uuid.New(), uuid.New(), startVersion, ch, sink)
}

func TestRun_MessageDeltasFlushOnce(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())

	err := runStream(t, r, 0, rec,
		agentsvc.Event{Type: agentsvc.EventMessage, Text: "Hel"},
		agentsvc.Event{Type: agentsvc.EventMessage, Text: "lo"},
		agentsvc.Event{Type: agentsvc.EventDone},
	)
	require.NoError(t, err)

	deltas := rec.byType(FrameDelta)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Hel", deltas[0].Text)
	assert.Equal(t, "lo", deltas[1].Text)

	messages := rec.byType(FrameMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello", messages[0].Text)

	assert.Len(t, rec.byType(FrameDone), 1)
}

func TestRun_DisplayFramesForwarded(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())

	err := runStream(t, r, 0, rec,
		agentsvc.Event{Type: agentsvc.EventThinking, Text: "planning"},
		agentsvc.Event{Type: agentsvc.EventToolRunning, Tool: "exercise_lookup"},
		agentsvc.Event{Type: agentsvc.EventToolComplete, Tool: "exercise_lookup"},
		agentsvc.Event{Type: agentsvc.EventStatus, Text: "working"},
		agentsvc.Event{Type: agentsvc.EventDone},
	)
	require.NoError(t, err)

	assert.Equal(t, "planning", rec.byType(FrameThinking)[0].Text)
	assert.Equal(t, "exercise_lookup", rec.byType(FrameToolRunning)[0].Tool)
	assert.Equal(t, "exercise_lookup", rec.byType(FrameToolComplete)[0].Tool)
	assert.Equal(t, "working", rec.byType(FrameStatus)[0].Text)
}

func TestRun_ArtifactBecomesProposeCard(t *testing.T) {
	rec := &frameRecorder{}
	applier := &fakeApplier{}
	r := NewReconciler(applier, testLogger())

	err := runStream(t, r, 7, rec,
		agentsvc.Event{Type: agentsvc.EventArtifact, Artifact: testArtifact(t)},
		agentsvc.Event{Type: agentsvc.EventDone},
	)
	require.NoError(t, err)

	require.Len(t, applier.calls, 1)
	act := applier.calls[0].action
	assert.Equal(t, model.ActionProposeCard, act.Type)
	assert.Equal(t, model.ActorAgent, act.By)
	assert.Equal(t, int64(7), act.ExpectedVersion)

	proposed := rec.byType(FrameCardProposed)
	require.Len(t, proposed, 1)
	assert.Equal(t, int64(8), proposed[0].Version)
}

func TestRun_ArtifactIdempotencyKeys(t *testing.T) {
	applier := &fakeApplier{}
	r := NewReconciler(applier, testLogger())

	sessionID := uuid.New()
	ch := make(chan agentsvc.Event, 3)
	ch <- agentsvc.Event{Type: agentsvc.EventArtifact, Artifact: testArtifact(t)}
	ch <- agentsvc.Event{Type: agentsvc.EventArtifact, Artifact: testArtifact(t)}
	ch <- agentsvc.Event{Type: agentsvc.EventDone}
	close(ch)

	err := r.Run(context.Background(), uuid.New(), sessionID, 0, ch, &frameRecorder{})
	require.NoError(t, err)

	require.Len(t, applier.calls, 2)
	assert.Equal(t, fmt.Sprintf("stream:%s:0", sessionID), applier.calls[0].action.IdempotencyKey)
	assert.Equal(t, fmt.Sprintf("stream:%s:1", sessionID), applier.calls[1].action.IdempotencyKey)

	// Version tracks the previous apply.
	assert.Equal(t, int64(0), applier.calls[0].action.ExpectedVersion)
	assert.Equal(t, int64(1), applier.calls[1].action.ExpectedVersion)
}

func TestRun_ArtifactStaleVersionRetry(t *testing.T) {
	applier := &fakeApplier{
		results: []func(model.Action) (model.ActionResult, error){
			func(model.Action) (model.ActionResult, error) {
				return model.ActionResult{}, &engine.Error{Code: engine.CodeStaleVersion, CurrentVersion: 5}
			},
			func(act model.Action) (model.ActionResult, error) {
				return model.ActionResult{NewVersion: act.ExpectedVersion + 1}, nil
			},
		},
	}
	rec := &frameRecorder{}
	r := NewReconciler(applier, testLogger())

	err := runStream(t, r, 2, rec,
		agentsvc.Event{Type: agentsvc.EventArtifact, Artifact: testArtifact(t)},
		agentsvc.Event{Type: agentsvc.EventDone},
	)
	require.NoError(t, err)

	require.Len(t, applier.calls, 2)
	assert.Equal(t, int64(2), applier.calls[0].action.ExpectedVersion)
	assert.Equal(t, int64(5), applier.calls[1].action.ExpectedVersion)

	proposed := rec.byType(FrameCardProposed)
	require.Len(t, proposed, 1)
	assert.Equal(t, int64(6), proposed[0].Version)
}

func TestRun_RejectedArtifactDoesNotKillTurn(t *testing.T) {
	applier := &fakeApplier{
		results: []func(model.Action) (model.ActionResult, error){
			func(model.Action) (model.ActionResult, error) {
				return model.ActionResult{}, &engine.Error{Code: engine.CodeInvalidArgument, Message: "bad content"}
			},
		},
	}
	rec := &frameRecorder{}
	r := NewReconciler(applier, testLogger())

	err := runStream(t, r, 0, rec,
		agentsvc.Event{Type: agentsvc.EventArtifact, Artifact: testArtifact(t)},
		agentsvc.Event{Type: agentsvc.EventMessage, Text: "moving on"},
		agentsvc.Event{Type: agentsvc.EventDone},
	)
	require.NoError(t, err)

	require.Len(t, rec.byType(FrameError), 1)
	assert.Empty(t, rec.byType(FrameCardProposed))
	require.Len(t, rec.byType(FrameMessage), 1)
	assert.Len(t, rec.byType(FrameDone), 1)
}

func TestRun_AgentErrorFlushesPartialMessage(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())

	err := runStream(t, r, 0, rec,
		agentsvc.Event{Type: agentsvc.EventMessage, Text: "partial"},
		agentsvc.Event{Type: agentsvc.EventError, Message: "upstream exploded"},
	)
	require.Error(t, err)

	messages := rec.byType(FrameMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "partial", messages[0].Text)

	errFrames := rec.byType(FrameError)
	require.Len(t, errFrames, 1)
	assert.Equal(t, "upstream exploded", errFrames[0].Err)
}

func TestRun_ChannelCloseFlushesPartialMessage(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())

	err := runStream(t, r, 0, rec,
		agentsvc.Event{Type: agentsvc.EventMessage, Text: "cut off"},
	)
	require.Error(t, err)

	messages := rec.byType(FrameMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "cut off", messages[0].Text)
}

func TestRun_StallTimeout(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())
	r.SetStallTimeout(20 * time.Millisecond)

	ch := make(chan agentsvc.Event) // never closed, never written
	err := r.Run(context.Background(), uuid.New(), uuid.New(), 0, ch, rec)
	require.ErrorIs(t, err, ErrStreamStalled)

	statuses := rec.byType(FrameStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "timed_out", statuses[0].Text)
}

func TestRun_HeartbeatOnlyStreamStalls(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())
	r.SetStallTimeout(50 * time.Millisecond)

	// A stream that heartbeats forever without ever making progress.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan agentsvc.Event)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case <-ctx.Done():
				return
			case ch <- agentsvc.Event{Type: agentsvc.EventHeartbeat}:
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, uuid.New(), uuid.New(), 0, ch, rec) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStreamStalled)
	case <-time.After(400 * time.Millisecond):
		t.Fatal("heartbeat-only stream never stalled")
	}

	statuses := rec.byType(FrameStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "timed_out", statuses[0].Text)
}

func TestRun_SubstantiveFramesResetStallTimer(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())
	r.SetStallTimeout(60 * time.Millisecond)

	ch := make(chan agentsvc.Event)
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(30 * time.Millisecond)
			ch <- agentsvc.Event{Type: agentsvc.EventThinking, Text: "still working"}
		}
		ch <- agentsvc.Event{Type: agentsvc.EventDone}
		close(ch)
	}()

	err := r.Run(context.Background(), uuid.New(), uuid.New(), 0, ch, rec)
	require.NoError(t, err)
	assert.Empty(t, rec.byType(FrameStatus))
}

func TestRun_UnknownEventTypeSkipped(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())

	err := runStream(t, r, 0, rec,
		agentsvc.Event{Type: "hologram"},
		agentsvc.Event{Type: agentsvc.EventDone},
	)
	require.NoError(t, err)
	assert.Len(t, rec.frames, 1) // done only
}

func TestRun_ContextCancel(t *testing.T) {
	rec := &frameRecorder{}
	r := NewReconciler(&fakeApplier{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan agentsvc.Event)
	err := r.Run(ctx, uuid.New(), uuid.New(), 0, ch, rec)
	require.ErrorIs(t, err, context.Canceled)
}
