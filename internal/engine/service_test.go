package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/storage"
	"github.com/setforge-ai/setforge/migrations"
)

var (
	testDB  *storage.DB
	testSvc *engine.Service
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "setforge",
			"POSTGRES_PASSWORD": "setforge",
			"POSTGRES_DB":       "setforge",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://setforge:setforge@%s:%s/setforge?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	testDB, err = storage.New(ctx, dsn, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	testSvc = engine.NewService(testDB, nil, logger)

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func applyAction(t *testing.T, canvasID uuid.UUID, act model.Action) model.ActionResult {
	t.Helper()
	res, err := testSvc.Apply(context.Background(), canvasID, act)
	require.NoError(t, err)
	return res
}

func proposeAction(expectedVersion int64, lane string, weightKg float64) model.Action {
	content := fmt.Sprintf(`{"exercise_id":"bench_press","set_index":0,"reps":8,"weight_kg":%g}`, weightKg)
	payload := fmt.Sprintf(`{"card_type":"set_target","lane":%q,"content":%s,"meta":{"priority":5}}`, lane, content)
	return model.Action{
		Type:            model.ActionProposeCard,
		Payload:         json.RawMessage(payload),
		By:              model.ActorAgent,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: expectedVersion,
	}
}

// TestApply_Walkthrough runs the canonical session: instruct, propose,
// re-propose into the same lane, then undo, checking version and event
// bookkeeping at each step.
func TestApply_Walkthrough(t *testing.T) {
	ctx := context.Background()
	canvas, err := testDB.CreateCanvas(ctx, "walkthrough-user", "workout")
	require.NoError(t, err)

	// v0 -> v1: user instruction.
	res := applyAction(t, canvas.ID, model.Action{
		Type:            model.ActionAddInstruction,
		Payload:         json.RawMessage(`{"text":"go lighter on bench today"}`),
		By:              model.ActorUser,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 0,
	})
	assert.Equal(t, int64(1), res.NewVersion)
	assert.False(t, res.Replayed)

	// v1 -> v2: agent proposes a set target.
	res = applyAction(t, canvas.ID, proposeAction(1, "bench_press:0", 60))
	assert.Equal(t, int64(2), res.NewVersion)
	require.Len(t, res.ChangedCardIDs, 1)
	firstCardID := res.ChangedCardIDs[0]

	// v2 -> v3: a second proposal in the same lane expires the first.
	res = applyAction(t, canvas.ID, proposeAction(2, "bench_press:0", 55))
	assert.Equal(t, int64(3), res.NewVersion)
	assert.Contains(t, res.ChangedCardIDs, firstCardID)

	cards, err := testDB.CardsForCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	byID := map[uuid.UUID]model.Card{}
	for _, c := range cards {
		byID[c.ID] = c
	}
	assert.Equal(t, model.CardStatusExpired, byID[firstCardID].Status)

	got, err := testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	require.Len(t, got.UpNext, 1)
	assert.NotEqual(t, firstCardID, got.UpNext[0].CardID)

	// Event seq equals the version each action produced.
	events, err := testDB.ListEvents(ctx, canvas.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, model.ActionAddInstruction, events[0].ActionType)
	assert.Equal(t, model.ActorAgent, events[1].Actor)
}

func TestApply_StaleVersion(t *testing.T) {
	ctx := context.Background()
	canvas, err := testDB.CreateCanvas(ctx, "stale-user", "workout")
	require.NoError(t, err)

	applyAction(t, canvas.ID, proposeAction(0, "squat:0", 100))

	_, err = testSvc.Apply(ctx, canvas.ID, proposeAction(0, "squat:1", 100))
	require.Error(t, err)
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.CodeStaleVersion, engErr.Code)
	assert.Equal(t, int64(1), engErr.CurrentVersion)

	// Version is untouched by the rejected action.
	got, err := testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestApply_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	canvas, err := testDB.CreateCanvas(ctx, "replay-user", "workout")
	require.NoError(t, err)

	act := proposeAction(0, "deadlift:0", 120)
	first := applyAction(t, canvas.ID, act)
	assert.Equal(t, int64(1), first.NewVersion)

	// Resubmitting the same key returns the original result even though the
	// expected version is now stale.
	second := applyAction(t, canvas.ID, act)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.NewVersion, second.NewVersion)
	assert.Equal(t, first.ChangedCardIDs, second.ChangedCardIDs)

	got, err := testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	events, err := testDB.ListEvents(ctx, canvas.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestApply_MissingIdempotencyKey(t *testing.T) {
	act := proposeAction(0, "x:0", 10)
	act.IdempotencyKey = ""
	_, err := testSvc.Apply(context.Background(), uuid.New(), act)
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.CodeInvalidArgument, engErr.Code)
	assert.Equal(t, "idempotency_key", engErr.Field)
}

func TestApply_CanvasNotFound(t *testing.T) {
	_, err := testSvc.Apply(context.Background(), uuid.New(), proposeAction(0, "x:0", 10))
	assert.Equal(t, engine.CodeNotFound, engine.CodeOf(err))
}

func TestApply_Undo(t *testing.T) {
	ctx := context.Background()
	canvas, err := testDB.CreateCanvas(ctx, "undo-user", "workout")
	require.NoError(t, err)

	res := applyAction(t, canvas.ID, proposeAction(0, "row:0", 40))
	cardID := res.ChangedCardIDs[0]

	// v1 -> v2: user accepts.
	accept := fmt.Sprintf(`{"card_id":%q}`, cardID)
	applyAction(t, canvas.ID, model.Action{
		Type:            model.ActionAcceptProposal,
		Payload:         json.RawMessage(accept),
		By:              model.ActorUser,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 1,
	})

	// v2 -> v3: user undoes the accept; the card is proposed again.
	undoRes := applyAction(t, canvas.ID, model.Action{
		Type:            model.ActionUndo,
		By:              model.ActorUser,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 2,
	})
	assert.Equal(t, int64(3), undoRes.NewVersion)
	assert.Contains(t, undoRes.ChangedCardIDs, cardID)

	cards, err := testDB.CardsForCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, model.CardStatusProposed, cards[0].Status)
}

func TestApply_UndoRevertsLatestPropose(t *testing.T) {
	ctx := context.Background()
	canvas, err := testDB.CreateCanvas(ctx, "undo-propose-user", "workout")
	require.NoError(t, err)

	// v0 -> v1: first proposal; v1 -> v2: second proposal expires it.
	first := applyAction(t, canvas.ID, proposeAction(0, "curl:0", 20))
	firstID := first.ChangedCardIDs[0]
	second := applyAction(t, canvas.ID, proposeAction(1, "curl:0", 22))
	var secondID uuid.UUID
	for _, id := range second.ChangedCardIDs {
		if id != firstID {
			secondID = id
		}
	}

	// v2 -> v3: the undo reverts the second proposal, not anything older.
	undoRes := applyAction(t, canvas.ID, model.Action{
		Type:            model.ActionUndo,
		By:              model.ActorAgent,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 2,
	})
	assert.Equal(t, int64(3), undoRes.NewVersion)

	var firstCard, secondCard model.Card
	err = testDB.WithCanvasTx(ctx, canvas.ID, func(tx *storage.CanvasTx) error {
		if firstCard, err = tx.GetCard(ctx, firstID); err != nil {
			return err
		}
		secondCard, err = tx.GetCard(ctx, secondID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.CardStatusProposed, firstCard.Status)
	assert.Equal(t, model.CardStatusExpired, secondCard.Status)

	got, err := testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	require.Len(t, got.UpNext, 1)
	assert.Equal(t, firstID, got.UpNext[0].CardID)
}

func TestApply_UndoWithoutHistory(t *testing.T) {
	canvas, err := testDB.CreateCanvas(context.Background(), "undo-empty-user", "workout")
	require.NoError(t, err)

	_, err = testSvc.Apply(context.Background(), canvas.ID, model.Action{
		Type:            model.ActionUndo,
		By:              model.ActorUser,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 0,
	})
	assert.Equal(t, engine.CodeNotFound, engine.CodeOf(err))
}

func TestApply_ConcurrentSameVersion(t *testing.T) {
	ctx := context.Background()
	canvas, err := testDB.CreateCanvas(ctx, "race-user", "workout")
	require.NoError(t, err)

	a := proposeAction(0, "ohp:0", 30)
	b := proposeAction(0, "ohp:1", 30)

	type outcome struct {
		res model.ActionResult
		err error
	}
	results := make(chan outcome, 2)
	for _, act := range []model.Action{a, b} {
		go func(act model.Action) {
			res, err := testSvc.Apply(ctx, canvas.ID, act)
			results <- outcome{res, err}
		}(act)
	}

	var applied, stale int
	for range 2 {
		out := <-results
		switch {
		case out.err == nil:
			applied++
			assert.Equal(t, int64(1), out.res.NewVersion)
		case engine.CodeOf(out.err) == engine.CodeStaleVersion:
			stale++
		default:
			t.Fatalf("unexpected error: %v", out.err)
		}
	}

	// The row lock serializes them: exactly one wins, the other sees the
	// advanced version.
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, stale)

	got, err := testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestApply_PhaseTransition(t *testing.T) {
	ctx := context.Background()
	canvas, err := testDB.CreateCanvas(ctx, "phase-user", "workout")
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlanning, canvas.Phase)

	applyAction(t, canvas.ID, model.Action{
		Type:            model.ActionPause,
		By:              model.ActorUser,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 0,
	})
	got, err := testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePaused, got.Phase)

	applyAction(t, canvas.ID, model.Action{
		Type:            model.ActionResume,
		By:              model.ActorUser,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 1,
	})
	got, err = testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseExecuting, got.Phase)

	applyAction(t, canvas.ID, model.Action{
		Type:            model.ActionComplete,
		By:              model.ActorUser,
		IdempotencyKey:  "it:" + uuid.NewString(),
		ExpectedVersion: 2,
	})
	got, err = testDB.GetCanvas(ctx, canvas.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseComplete, got.Phase)
	assert.Equal(t, int64(3), got.Version)
}
