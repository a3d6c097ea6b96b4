package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"popquiz-service/internal/domain"
)

// Store is an in-memory implementation of the engine's catalog, response and
// progress contracts, used for tests and for running without postgres. The
// composite-key response map plays the role of the database uniqueness
// constraint.
type Store struct {
	mu        sync.RWMutex
	questions map[string]domain.Question // by question ID
	sessions  map[string][]string        // session ID -> question IDs, unordered
	responses map[string]domain.Response // questionID|participantID
	progress  map[string]domain.Progress // participantID|sessionID
}

func NewStore() *Store {
	return &Store{
		questions: make(map[string]domain.Question),
		sessions:  make(map[string][]string),
		responses: make(map[string]domain.Response),
		progress:  make(map[string]domain.Progress),
	}
}

// AddQuestions seeds catalog content for a session. Ordering is derived at
// read time from (created_at, id), so insertion order does not matter.
func (s *Store) AddQuestions(questions ...domain.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range questions {
		if _, ok := s.questions[q.ID]; !ok {
			s.sessions[q.SessionID] = append(s.sessions[q.SessionID], q.ID)
		}
		s.questions[q.ID] = q
	}
}

func (s *Store) SessionQuestions(_ context.Context, sessionID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sessions[sessionID]
	questions := make([]domain.Question, 0, len(ids))
	for _, id := range ids {
		questions = append(questions, s.questions[id])
	}
	sort.Slice(questions, func(i, j int) bool {
		if !questions[i].CreatedAt.Equal(questions[j].CreatedAt) {
			return questions[i].CreatedAt.Before(questions[j].CreatedAt)
		}
		return questions[i].ID < questions[j].ID
	})
	return questions, nil
}

func (s *Store) QuestionByID(_ context.Context, questionID string) (domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[questionID]
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, nil
}

// RecordResponse inserts the response and merges the progress row under one
// lock, the in-memory equivalent of the single-transaction contract.
func (s *Store) RecordResponse(_ context.Context, resp domain.Response, prog domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := responseKey(resp.QuestionID, resp.ParticipantID)
	if _, ok := s.responses[key]; ok {
		return domain.ErrDuplicateResponse
	}
	s.responses[key] = resp
	s.mergeProgressLocked(prog)
	return nil
}

func (s *Store) ResponseFor(_ context.Context, questionID, participantID string) (*domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if resp, ok := s.responses[responseKey(questionID, participantID)]; ok {
		return &resp, nil
	}
	return nil, nil
}

func (s *Store) SessionResponses(_ context.Context, sessionID string) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var responses []domain.Response
	for _, resp := range s.responses {
		if q, ok := s.questions[resp.QuestionID]; ok && q.SessionID == sessionID {
			responses = append(responses, resp)
		}
	}
	return responses, nil
}

func (s *Store) ParticipantResponses(_ context.Context, sessionID, participantID string) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var responses []domain.Response
	for _, resp := range s.responses {
		if resp.ParticipantID != participantID {
			continue
		}
		if q, ok := s.questions[resp.QuestionID]; ok && q.SessionID == sessionID {
			responses = append(responses, resp)
		}
	}
	return responses, nil
}

// ProgressFor lazily creates the cursor at index 0 on first access.
func (s *Store) ProgressFor(_ context.Context, participantID, sessionID string) (domain.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey(participantID, sessionID)
	if prog, ok := s.progress[key]; ok {
		return prog, nil
	}
	prog := domain.Progress{
		ParticipantID: participantID,
		SessionID:     sessionID,
		LastActivity:  time.Now(),
	}
	s.progress[key] = prog
	return prog, nil
}

// SaveProgress merges monotonically: the index never decreases and the
// completed flag never clears.
func (s *Store) SaveProgress(_ context.Context, prog domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeProgressLocked(prog)
	return nil
}

func (s *Store) mergeProgressLocked(prog domain.Progress) {
	key := progressKey(prog.ParticipantID, prog.SessionID)
	if existing, ok := s.progress[key]; ok {
		if existing.CurrentIndex > prog.CurrentIndex {
			prog.CurrentIndex = existing.CurrentIndex
		}
		prog.Completed = prog.Completed || existing.Completed
	}
	s.progress[key] = prog
}

func responseKey(questionID, participantID string) string {
	return questionID + "|" + participantID
}

func progressKey(participantID, sessionID string) string {
	return participantID + "|" + sessionID
}
