package app_test

import (
	"context"
	"math"
	"testing"
	"time"

	"popquiz-service/internal/app"
	"popquiz-service/internal/domain"
	"popquiz-service/internal/infra/memory"
)

func TestEndToEndProgression(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	current, err := engine.CurrentQuestionFor(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Question == nil || current.Question.ID != "q1" || current.Position != 1 || current.Total != 3 {
		t.Fatalf("expected q1 at 1/3, got %+v", current)
	}

	result, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionB, nil)
	if err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	if !result.Accepted || !result.IsCorrect || !result.NextAvailable || result.Completed {
		t.Fatalf("expected correct answer with next available, got %+v", result)
	}

	current, err = engine.CurrentQuestionFor(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("current after q1: %v", err)
	}
	if current.Question == nil || current.Question.ID != "q2" || current.Position != 2 {
		t.Fatalf("expected q2 at 2/3, got %+v", current)
	}

	skip, err := engine.SkipQuestion(ctx, "s1", "u1", "q2")
	if err != nil {
		t.Fatalf("skip q2: %v", err)
	}
	if !skip.Accepted || skip.Completed {
		t.Fatalf("expected accepted mid-session skip, got %+v", skip)
	}

	current, err = engine.CurrentQuestionFor(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("current after skip: %v", err)
	}
	if current.Question == nil || current.Question.ID != "q3" || current.Position != 3 {
		t.Fatalf("expected q3 at 3/3, got %+v", current)
	}

	result, err = engine.SubmitAnswer(ctx, "s1", "u1", "q3", domain.OptionB, nil)
	if err != nil {
		t.Fatalf("submit q3: %v", err)
	}
	if result.IsCorrect || result.CorrectOption != domain.OptionA || !result.Completed || result.NextAvailable {
		t.Fatalf("expected incorrect final answer completing the session, got %+v", result)
	}

	current, err = engine.CurrentQuestionFor(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("current after completion: %v", err)
	}
	if !current.Completed || current.Question != nil {
		t.Fatalf("expected completed, got %+v", current)
	}

	stats, err := engine.ParticipantStats(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalQuestions != 3 || stats.TotalRecorded != 3 || stats.ActuallyAnswered != 2 || stats.CorrectCount != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if math.Abs(stats.Accuracy-100.0/3) > 0.01 {
		t.Fatalf("expected accuracy ~33.3, got %f", stats.Accuracy)
	}
	// q1 and q3 answered without duration (15s legacy estimate), q2 skip
	// carries the 30s time limit: (15+30+15)/3.
	if math.Abs(stats.AverageDuration-20) > 0.01 {
		t.Fatalf("expected average duration 20, got %f", stats.AverageDuration)
	}
	if stats.Rank != 1 {
		t.Fatalf("expected rank 1, got %d", stats.Rank)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()

	first, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionB, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	replay, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionA, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.AlreadyAnswered {
		t.Fatalf("expected alreadyAnswered, got %+v", replay)
	}
	if replay.SubmittedOption != domain.OptionB || replay.IsCorrect != first.IsCorrect || replay.CorrectOption != first.CorrectOption {
		t.Fatalf("replay must return the original outcome, got %+v", replay)
	}

	responses, err := store.ParticipantResponses(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("responses: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected exactly one stored response, got %d", len(responses))
	}
}

func TestDuplicateRaceIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.AddQuestions(threeQuestions()...)
	racy := &racingStore{Store: store}
	engine := app.NewEngine(store, racy, store, nil)

	// First submission wins the race out of band.
	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionB, nil); err != nil {
		t.Fatalf("seed winner: %v", err)
	}

	// The loser's pre-insert existence check misses, so it runs into the
	// uniqueness constraint and must still get the idempotent success.
	racy.hideNextLookup = true
	result, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionC, nil)
	if err != nil {
		t.Fatalf("racing submit must not error: %v", err)
	}
	if !result.AlreadyAnswered || result.SubmittedOption != domain.OptionB || !result.IsCorrect {
		t.Fatalf("expected winner's outcome replayed, got %+v", result)
	}
}

func TestCursorNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()

	// Out-of-order: answer q2 first, cursor jumps to 2.
	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q2", domain.OptionB, nil); err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	prog, err := store.ProgressFor(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if prog.CurrentIndex != 2 {
		t.Fatalf("expected cursor 2 after q2, got %d", prog.CurrentIndex)
	}

	// A late submission for q1 records but leaves the cursor in place.
	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionA, nil); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	prog, _ = store.ProgressFor(ctx, "u1", "s1")
	if prog.CurrentIndex != 2 {
		t.Fatalf("cursor must not move backward, got %d", prog.CurrentIndex)
	}

	current, err := engine.CurrentQuestionFor(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Question == nil || current.Question.ID != "q3" {
		t.Fatalf("expected q3 next, got %+v", current)
	}
}

func TestSequencerHealsStaleCursor(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()

	// Simulate a crash between response insert and cursor advance: the
	// response is durable but the cursor still points at q1.
	prog, _ := store.ProgressFor(ctx, "u1", "s1")
	if err := store.RecordResponse(ctx, domain.Response{
		ID: "r1", QuestionID: "q1", ParticipantID: "u1",
		Option: domain.OptionB, IsCorrect: true, RespondedAt: time.Now(),
	}, prog); err != nil {
		t.Fatalf("record: %v", err)
	}

	current, err := engine.CurrentQuestionFor(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Question == nil || current.Question.ID != "q2" || current.Position != 2 {
		t.Fatalf("expected healed cursor serving q2, got %+v", current)
	}
	healed, _ := store.ProgressFor(ctx, "u1", "s1")
	if healed.CurrentIndex != 1 {
		t.Fatalf("expected persisted cursor 1, got %d", healed.CurrentIndex)
	}
}

func TestSkipRecordsTimeLimitSentinel(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()

	if _, err := engine.SkipQuestion(ctx, "s1", "u1", "q1"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	resp, err := store.ResponseFor(ctx, "q1", "u1")
	if err != nil || resp == nil {
		t.Fatalf("expected stored sentinel response, err=%v", err)
	}
	if !resp.Skipped() || resp.IsCorrect {
		t.Fatalf("sentinel must be incorrect, got %+v", resp)
	}
	if resp.DurationSec == nil || *resp.DurationSec != 30 {
		t.Fatalf("expected time-limit duration 30, got %+v", resp.DurationSec)
	}

	// Skipping again is a no-op success.
	again, err := engine.SkipQuestion(ctx, "s1", "u1", "q1")
	if err != nil {
		t.Fatalf("second skip: %v", err)
	}
	if !again.Accepted || !again.AlreadyAnswered {
		t.Fatalf("expected idempotent skip, got %+v", again)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	// alice: 2 correct of 3. bob: 1 correct, 2 answered. carol: 1 correct,
	// 1 answered — bob outranks carol on answered count at equal accuracy.
	mustSubmit(t, engine, "u-alice", "q1", domain.OptionB)
	mustSubmit(t, engine, "u-alice", "q2", domain.OptionB)
	mustSubmit(t, engine, "u-alice", "q3", domain.OptionB)
	mustSubmit(t, engine, "u-bob", "q1", domain.OptionB)
	mustSubmit(t, engine, "u-bob", "q2", domain.OptionC)
	mustSubmit(t, engine, "u-carol", "q1", domain.OptionB)

	lb, err := engine.SessionLeaderboard(ctx, "s1")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(lb.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(lb.Entries))
	}
	order := []string{"u-alice", "u-bob", "u-carol"}
	for i, want := range order {
		if lb.Entries[i].ParticipantID != want {
			t.Fatalf("expected %s at rank %d, got %+v", want, i+1, lb.Entries)
		}
		if lb.Entries[i].Rank != i+1 {
			t.Fatalf("expected rank %d, got %d", i+1, lb.Entries[i].Rank)
		}
	}
	for _, entry := range lb.Entries {
		if entry.Accuracy < 0 || entry.Accuracy > 100 {
			t.Fatalf("accuracy out of bounds: %+v", entry)
		}
	}
}

func TestAccuracyZeroWhenNothingCorrect(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	if _, err := engine.SkipQuestion(ctx, "s1", "u1", "q1"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	mustSubmit(t, engine, "u1", "q2", domain.OptionC)

	stats, err := engine.ParticipantStats(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Accuracy != 0 || stats.CorrectCount != 0 {
		t.Fatalf("expected zero accuracy, got %+v", stats)
	}
}

func TestValidationAndNotFound(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", "E", nil); err != domain.ErrInvalidOption {
		t.Fatalf("expected invalid option, got %v", err)
	}
	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionNone, nil); err != domain.ErrInvalidOption {
		t.Fatalf("sentinel must be rejected as a submission, got %v", err)
	}
	neg := -1.0
	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionA, &neg); err != domain.ErrNegativeDuration {
		t.Fatalf("expected negative duration error, got %v", err)
	}
	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q-missing", domain.OptionA, nil); err != domain.ErrQuestionNotFound {
		t.Fatalf("expected question not found, got %v", err)
	}
	// Question from another session must not be reachable.
	if _, err := engine.SubmitAnswer(ctx, "s2", "u1", "q1", domain.OptionA, nil); err != domain.ErrQuestionNotFound {
		t.Fatalf("expected cross-session question rejected, got %v", err)
	}
	if _, err := engine.CurrentQuestionFor(ctx, "s-empty", "u1"); err != domain.ErrEmptySession {
		t.Fatalf("expected empty session error, got %v", err)
	}
}

func TestQuestionSequenceAnnotations(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	mustSubmit(t, engine, "u1", "q1", domain.OptionB)
	if _, err := engine.SkipQuestion(ctx, "s1", "u1", "q2"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	entries, err := engine.QuestionSequence(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if !entries[0].Answered || entries[0].Answer != domain.OptionB || !entries[0].IsCorrect || entries[0].RespondedAt == nil {
		t.Fatalf("unexpected q1 entry %+v", entries[0])
	}
	if !entries[1].Answered || !entries[1].Skipped || entries[1].IsCorrect {
		t.Fatalf("unexpected q2 entry %+v", entries[1])
	}
	if entries[2].Answered {
		t.Fatalf("q3 must be unanswered, got %+v", entries[2])
	}
}

func TestSessionQuestionStats(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	mustSubmit(t, engine, "u1", "q1", domain.OptionB)
	mustSubmit(t, engine, "u2", "q1", domain.OptionC)
	if _, err := engine.SkipQuestion(ctx, "s1", "u3", "q1"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	stats, err := engine.SessionQuestionStats(ctx, "s1")
	if err != nil {
		t.Fatalf("question stats: %v", err)
	}
	q1 := stats[0]
	if q1.TotalResponses != 3 || q1.CorrectCount != 1 || q1.SkipCount != 1 {
		t.Fatalf("unexpected q1 stats %+v", q1)
	}
	if q1.Distribution[domain.OptionB] != 1 || q1.Distribution[domain.OptionC] != 1 {
		t.Fatalf("unexpected distribution %+v", q1.Distribution)
	}
}

func TestFeedReceivesLeaderboardUpdates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.AddQuestions(threeQuestions()...)
	feed := app.NewFeed()
	engine := app.NewEngine(store, store, store, feed)

	updates, cancel := feed.Subscribe("s1")
	defer cancel()

	if _, err := engine.SubmitAnswer(ctx, "s1", "u1", "q1", domain.OptionB, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case lb := <-updates:
		if len(lb.Entries) != 1 || lb.Entries[0].ParticipantID != "u1" {
			t.Fatalf("unexpected leaderboard %+v", lb.Entries)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected leaderboard update")
	}
}

// racingStore hides the next existence lookup so the engine falls through to
// the storage constraint, exercising the duplicate-race path.
type racingStore struct {
	*memory.Store
	hideNextLookup bool
}

func (r *racingStore) ResponseFor(ctx context.Context, questionID, participantID string) (*domain.Response, error) {
	if r.hideNextLookup {
		r.hideNextLookup = false
		return nil, nil
	}
	return r.Store.ResponseFor(ctx, questionID, participantID)
}

func mustSubmit(t *testing.T, engine *app.Engine, participantID, questionID string, option domain.Option) {
	t.Helper()
	if _, err := engine.SubmitAnswer(context.Background(), "s1", participantID, questionID, option, nil); err != nil {
		t.Fatalf("submit %s/%s: %v", participantID, questionID, err)
	}
}

func newTestEngine() (*app.Engine, *memory.Store) {
	store := memory.NewStore()
	store.AddQuestions(threeQuestions()...)
	return app.NewEngine(store, store, store, nil), store
}

// threeQuestions mirrors a freshly generated batch: q1 and q2 share a
// creation timestamp, so ordering falls back to the ID tie-break.
func threeQuestions() []domain.Question {
	batch := time.Date(2025, 1, 9, 10, 0, 0, 0, time.UTC)
	return []domain.Question{
		{
			ID: "q1", SessionID: "s1", Text: "First question",
			OptionA: "a", OptionB: "b", OptionC: "c", OptionD: "d",
			CorrectOption: domain.OptionB, Explanation: "b is right",
			TimeLimitSec: 30, CreatedAt: batch,
		},
		{
			ID: "q2", SessionID: "s1", Text: "Second question",
			OptionA: "a", OptionB: "b", OptionC: "c", OptionD: "d",
			CorrectOption: domain.OptionB, Explanation: "b again",
			TimeLimitSec: 30, CreatedAt: batch,
		},
		{
			ID: "q3", SessionID: "s1", Text: "Third question",
			OptionA: "a", OptionB: "b", OptionC: "c", OptionD: "d",
			CorrectOption: domain.OptionA, Explanation: "a this time",
			TimeLimitSec: 30, CreatedAt: batch.Add(time.Second),
		},
	}
}
