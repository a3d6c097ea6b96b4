package app

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"popquiz-service/internal/domain"
)

// legacyAnswerSeconds is the duration estimate used for responses recorded
// before durations were tracked.
const legacyAnswerSeconds = 15.0

// Catalog serves a session's ordered question sequence (from cache/backing store).
type Catalog interface {
	SessionQuestions(ctx context.Context, sessionID string) ([]domain.Question, error)
	QuestionByID(ctx context.Context, questionID string) (domain.Question, error)
}

// ResponseStore persists responses. RecordResponse must insert the response
// and save the progress row in a single transaction, and must return
// domain.ErrDuplicateResponse when the (question, participant) uniqueness
// constraint rejects the insert.
type ResponseStore interface {
	RecordResponse(ctx context.Context, resp domain.Response, prog domain.Progress) error
	ResponseFor(ctx context.Context, questionID, participantID string) (*domain.Response, error)
	SessionResponses(ctx context.Context, sessionID string) ([]domain.Response, error)
	ParticipantResponses(ctx context.Context, sessionID, participantID string) ([]domain.Response, error)
}

// ProgressStore persists per-(participant, session) cursors. ProgressFor
// creates the row lazily at index 0. SaveProgress must merge monotonically:
// the stored index never decreases and completed never flips back to false.
type ProgressStore interface {
	ProgressFor(ctx context.Context, participantID, sessionID string) (domain.Progress, error)
	SaveProgress(ctx context.Context, prog domain.Progress) error
}

// Engine contains the quiz progression and scoring use cases. It is
// stateless between requests; all state lives in the stores.
type Engine struct {
	catalog   Catalog
	responses ResponseStore
	progress  ProgressStore
	feed      *Feed
	now       func() time.Time
	newID     func() string
}

func NewEngine(catalog Catalog, responses ResponseStore, progress ProgressStore, feed *Feed) *Engine {
	return &Engine{
		catalog:   catalog,
		responses: responses,
		progress:  progress,
		feed:      feed,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// NewEngineWithClock is test-only for deterministic timestamps and IDs.
func NewEngineWithClock(catalog Catalog, responses ResponseStore, progress ProgressStore, feed *Feed, now func() time.Time, newID func() string) *Engine {
	e := NewEngine(catalog, responses, progress, feed)
	e.now = now
	e.newID = newID
	return e
}

// CurrentQuestionFor resolves what the participant should see right now.
// When the cursor points at an already-answered question (a participant
// resumed after a crash mid-advance), it skips ahead iteratively and
// persists the corrected cursor best-effort. It never creates a response.
func (e *Engine) CurrentQuestionFor(ctx context.Context, sessionID, participantID string) (domain.CurrentQuestion, error) {
	questions, err := e.catalog.SessionQuestions(ctx, sessionID)
	if err != nil {
		return domain.CurrentQuestion{}, err
	}
	total := len(questions)
	if total == 0 {
		return domain.CurrentQuestion{}, domain.ErrEmptySession
	}

	prog, err := e.progress.ProgressFor(ctx, participantID, sessionID)
	if err != nil {
		return domain.CurrentQuestion{}, err
	}
	if prog.Completed {
		return domain.CurrentQuestion{Total: total, Completed: true}, nil
	}

	// Bounded skip-ahead over answered questions; a loop, not recursion, so
	// pathological resumed state cannot grow the stack.
	idx := prog.CurrentIndex
	for idx < total {
		resp, err := e.responses.ResponseFor(ctx, questions[idx].ID, participantID)
		if err != nil {
			return domain.CurrentQuestion{}, err
		}
		if resp == nil {
			break
		}
		idx++
	}

	if idx >= total {
		prog.CurrentIndex = total
		prog.Completed = true
		prog.LastActivity = e.now()
		if err := e.progress.SaveProgress(ctx, prog); err != nil {
			log.Printf("save completed progress for %s/%s: %v", participantID, sessionID, err)
		}
		return domain.CurrentQuestion{Total: total, Completed: true}, nil
	}

	if idx != prog.CurrentIndex {
		prog.CurrentIndex = idx
		prog.LastActivity = e.now()
		// Best-effort heal; the next read repairs the cursor again if this fails.
		if err := e.progress.SaveProgress(ctx, prog); err != nil {
			log.Printf("heal progress cursor for %s/%s: %v", participantID, sessionID, err)
		}
	}

	q := questions[idx]
	return domain.CurrentQuestion{
		Question: &q,
		Position: idx + 1,
		Total:    total,
	}, nil
}

// SubmitAnswer validates and records one answer. Submitting a question the
// participant has already answered is not an error: the original outcome is
// replayed with AlreadyAnswered set, indistinguishable in effect from the
// first accepted submission.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID, participantID, questionID string, option domain.Option, durationSec *float64) (domain.SubmissionResult, error) {
	if !option.Valid() {
		return domain.SubmissionResult{}, domain.ErrInvalidOption
	}
	if durationSec != nil && *durationSec < 0 {
		return domain.SubmissionResult{}, domain.ErrNegativeDuration
	}

	question, questions, err := e.resolveQuestion(ctx, sessionID, questionID)
	if err != nil {
		return domain.SubmissionResult{}, err
	}

	if existing, err := e.responses.ResponseFor(ctx, questionID, participantID); err != nil {
		return domain.SubmissionResult{}, err
	} else if existing != nil {
		return e.replayResult(ctx, question, *existing, participantID)
	}

	resp := domain.Response{
		ID:            e.newID(),
		QuestionID:    questionID,
		ParticipantID: participantID,
		Option:        option,
		IsCorrect:     option == question.CorrectOption,
		RespondedAt:   e.now(),
		DurationSec:   durationSec,
	}

	completed, err := e.recordOutcome(ctx, questions, question, resp)
	if errors.Is(err, domain.ErrDuplicateResponse) {
		// Lost a race against a concurrent duplicate; the winner's row is
		// the outcome of record.
		winner, ferr := e.responses.ResponseFor(ctx, questionID, participantID)
		if ferr != nil {
			return domain.SubmissionResult{}, ferr
		}
		if winner != nil {
			return e.replayResult(ctx, question, *winner, participantID)
		}
		return domain.SubmissionResult{}, err
	}
	if err != nil {
		return domain.SubmissionResult{}, err
	}

	e.publishLeaderboard(ctx, sessionID, len(questions))

	return domain.SubmissionResult{
		Accepted:        true,
		SubmittedOption: option,
		IsCorrect:       resp.IsCorrect,
		CorrectOption:   question.CorrectOption,
		Explanation:     question.Explanation,
		NextAvailable:   !completed,
		Completed:       completed,
	}, nil
}

// SkipQuestion records the no-answer sentinel for a skipped or timed-out
// question, with a duration equal to the question's time limit. Skipping an
// already-recorded question is a no-op success.
func (e *Engine) SkipQuestion(ctx context.Context, sessionID, participantID, questionID string) (domain.SkipResult, error) {
	question, questions, err := e.resolveQuestion(ctx, sessionID, questionID)
	if err != nil {
		return domain.SkipResult{}, err
	}

	if existing, err := e.responses.ResponseFor(ctx, questionID, participantID); err != nil {
		return domain.SkipResult{}, err
	} else if existing != nil {
		prog, err := e.progress.ProgressFor(ctx, participantID, sessionID)
		if err != nil {
			return domain.SkipResult{}, err
		}
		return domain.SkipResult{Accepted: true, AlreadyAnswered: true, Completed: prog.Completed}, nil
	}

	ranOut := float64(question.TimeLimitSec)
	resp := domain.Response{
		ID:            e.newID(),
		QuestionID:    questionID,
		ParticipantID: participantID,
		Option:        domain.OptionNone,
		IsCorrect:     false,
		RespondedAt:   e.now(),
		DurationSec:   &ranOut,
	}

	completed, err := e.recordOutcome(ctx, questions, question, resp)
	if errors.Is(err, domain.ErrDuplicateResponse) {
		prog, perr := e.progress.ProgressFor(ctx, participantID, sessionID)
		if perr != nil {
			return domain.SkipResult{}, perr
		}
		return domain.SkipResult{Accepted: true, AlreadyAnswered: true, Completed: prog.Completed}, nil
	}
	if err != nil {
		return domain.SkipResult{}, err
	}

	e.publishLeaderboard(ctx, sessionID, len(questions))

	return domain.SkipResult{Accepted: true, Completed: completed}, nil
}

// resolveQuestion loads the question and its session sequence, rejecting
// questions that do not belong to the session.
func (e *Engine) resolveQuestion(ctx context.Context, sessionID, questionID string) (domain.Question, []domain.Question, error) {
	question, err := e.catalog.QuestionByID(ctx, questionID)
	if err != nil {
		return domain.Question{}, nil, err
	}
	if question.SessionID != sessionID {
		return domain.Question{}, nil, domain.ErrQuestionNotFound
	}
	questions, err := e.catalog.SessionQuestions(ctx, sessionID)
	if err != nil {
		return domain.Question{}, nil, err
	}
	if len(questions) == 0 {
		return domain.Question{}, nil, domain.ErrEmptySession
	}
	return question, questions, nil
}

// recordOutcome persists the response and the advanced cursor in one
// transaction. The cursor only ever moves forward: an out-of-order
// submission behind the cursor leaves it in place.
func (e *Engine) recordOutcome(ctx context.Context, questions []domain.Question, question domain.Question, resp domain.Response) (bool, error) {
	prog, err := e.progress.ProgressFor(ctx, resp.ParticipantID, question.SessionID)
	if err != nil {
		return false, err
	}

	total := len(questions)
	ordinal := 0
	for i := range questions {
		if questions[i].ID == question.ID {
			ordinal = i
			break
		}
	}

	next := prog.CurrentIndex
	if ordinal+1 > next {
		next = ordinal + 1
	}
	if next > total {
		next = total
	}

	prog.CurrentIndex = next
	prog.Completed = prog.Completed || next >= total
	prog.LastActivity = e.now()

	if err := e.responses.RecordResponse(ctx, resp, prog); err != nil {
		return false, err
	}
	return prog.Completed, nil
}

// replayResult reconstructs the idempotent success payload from a previously
// recorded response.
func (e *Engine) replayResult(ctx context.Context, question domain.Question, existing domain.Response, participantID string) (domain.SubmissionResult, error) {
	prog, err := e.progress.ProgressFor(ctx, participantID, question.SessionID)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	return domain.SubmissionResult{
		Accepted:        true,
		AlreadyAnswered: true,
		SubmittedOption: existing.Option,
		IsCorrect:       existing.IsCorrect,
		CorrectOption:   question.CorrectOption,
		Explanation:     question.Explanation,
		NextAvailable:   !prog.Completed,
		Completed:       prog.Completed,
	}, nil
}

func (e *Engine) publishLeaderboard(ctx context.Context, sessionID string, total int) {
	if e.feed == nil {
		return
	}
	responses, err := e.responses.SessionResponses(ctx, sessionID)
	if err != nil {
		log.Printf("leaderboard refresh for %s: %v", sessionID, err)
		return
	}
	e.feed.Publish(buildLeaderboard(sessionID, total, responses, e.now()))
}

// SessionLeaderboard computes the ranked scoreboard for a session, derived
// entirely from stored responses.
func (e *Engine) SessionLeaderboard(ctx context.Context, sessionID string) (domain.Leaderboard, error) {
	questions, err := e.catalog.SessionQuestions(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	responses, err := e.responses.SessionResponses(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return buildLeaderboard(sessionID, len(questions), responses, e.now()), nil
}

// ParticipantStats derives accuracy and timing statistics for one
// participant, recomputed per request to avoid staleness. Accuracy divides
// by the full question count, so unanswered questions depress it.
func (e *Engine) ParticipantStats(ctx context.Context, sessionID, participantID string) (domain.ParticipantStats, error) {
	questions, err := e.catalog.SessionQuestions(ctx, sessionID)
	if err != nil {
		return domain.ParticipantStats{}, err
	}
	total := len(questions)
	if total == 0 {
		return domain.ParticipantStats{}, domain.ErrEmptySession
	}

	sessionResponses, err := e.responses.SessionResponses(ctx, sessionID)
	if err != nil {
		return domain.ParticipantStats{}, err
	}
	lb := buildLeaderboard(sessionID, total, sessionResponses, e.now())

	mine := make(map[string]domain.Response)
	for _, r := range sessionResponses {
		if r.ParticipantID == participantID {
			mine[r.QuestionID] = r
		}
	}

	stats := domain.ParticipantStats{
		ParticipantID:  participantID,
		SessionID:      sessionID,
		TotalQuestions: total,
		TotalRecorded:  len(mine),
		Leaderboard:    lb.Entries,
	}
	for _, r := range mine {
		if !r.Skipped() {
			stats.ActuallyAnswered++
		}
		if r.IsCorrect {
			stats.CorrectCount++
		}
	}
	stats.Accuracy = accuracyPercent(stats.CorrectCount, total)

	var totalSeconds float64
	for _, q := range questions {
		if r, ok := mine[q.ID]; ok {
			if r.DurationSec != nil {
				totalSeconds += *r.DurationSec
			} else {
				totalSeconds += legacyAnswerSeconds
			}
		} else {
			totalSeconds += float64(q.TimeLimitSec)
		}
	}
	stats.AverageDuration = totalSeconds / float64(total)

	for _, entry := range lb.Entries {
		if entry.ParticipantID == participantID {
			stats.Rank = entry.Rank
			break
		}
	}
	return stats, nil
}

// QuestionSequence returns the session's full ordered question list
// annotated with the participant's recorded outcomes. An empty participantID
// yields the bare sequence.
func (e *Engine) QuestionSequence(ctx context.Context, sessionID, participantID string) ([]domain.SequenceEntry, error) {
	questions, err := e.catalog.SessionQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, domain.ErrEmptySession
	}

	mine := make(map[string]domain.Response)
	if participantID != "" {
		responses, err := e.responses.ParticipantResponses(ctx, sessionID, participantID)
		if err != nil {
			return nil, err
		}
		for _, r := range responses {
			mine[r.QuestionID] = r
		}
	}

	entries := make([]domain.SequenceEntry, 0, len(questions))
	for _, q := range questions {
		entry := domain.SequenceEntry{Question: q}
		if r, ok := mine[q.ID]; ok {
			at := r.RespondedAt
			entry.Answered = true
			entry.Skipped = r.Skipped()
			entry.Answer = r.Option
			entry.IsCorrect = r.IsCorrect
			entry.RespondedAt = &at
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SessionQuestionStats aggregates all participants' responses per question
// for the presenter view.
func (e *Engine) SessionQuestionStats(ctx context.Context, sessionID string) ([]domain.QuestionStats, error) {
	questions, err := e.catalog.SessionQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, domain.ErrEmptySession
	}
	responses, err := e.responses.SessionResponses(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byQuestion := make(map[string][]domain.Response)
	for _, r := range responses {
		byQuestion[r.QuestionID] = append(byQuestion[r.QuestionID], r)
	}

	stats := make([]domain.QuestionStats, 0, len(questions))
	for _, q := range questions {
		qs := domain.QuestionStats{
			QuestionID:    q.ID,
			Text:          q.Text,
			CorrectOption: q.CorrectOption,
			Distribution:  map[domain.Option]int{domain.OptionA: 0, domain.OptionB: 0, domain.OptionC: 0, domain.OptionD: 0},
		}
		for _, r := range byQuestion[q.ID] {
			qs.TotalResponses++
			if r.IsCorrect {
				qs.CorrectCount++
			}
			if r.Skipped() {
				qs.SkipCount++
			} else {
				qs.Distribution[r.Option]++
			}
		}
		if qs.TotalResponses > 0 {
			qs.AccuracyRate = float64(qs.CorrectCount) / float64(qs.TotalResponses) * 100
		}
		stats = append(stats, qs)
	}
	return stats, nil
}

// buildLeaderboard ranks every participant with at least one recorded
// response: accuracy first, answered count as tie-break, participant ID last
// for full determinism.
func buildLeaderboard(sessionID string, total int, responses []domain.Response, now time.Time) domain.Leaderboard {
	type tally struct {
		correct  int
		answered int
	}
	tallies := make(map[string]*tally)
	for _, r := range responses {
		t, ok := tallies[r.ParticipantID]
		if !ok {
			t = &tally{}
			tallies[r.ParticipantID] = t
		}
		if !r.Skipped() {
			t.answered++
		}
		if r.IsCorrect {
			t.correct++
		}
	}

	entries := make([]domain.LeaderboardEntry, 0, len(tallies))
	for participantID, t := range tallies {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID:    participantID,
			CorrectCount:     t.correct,
			TotalQuestions:   total,
			ActuallyAnswered: t.answered,
			Accuracy:         accuracyPercent(t.correct, total),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Accuracy != entries[j].Accuracy {
			return entries[i].Accuracy > entries[j].Accuracy
		}
		if entries[i].ActuallyAnswered != entries[j].ActuallyAnswered {
			return entries[i].ActuallyAnswered > entries[j].ActuallyAnswered
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return domain.Leaderboard{SessionID: sessionID, Entries: entries, UpdatedAt: now}
}

func accuracyPercent(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total) * 100
}
