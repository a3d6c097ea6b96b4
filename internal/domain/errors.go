package domain

import "errors"

var (
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidOption indicates the submitted option is not one of A-D.
	ErrInvalidOption = errors.New("option must be one of A, B, C, D")
	// ErrNegativeDuration indicates a negative answer duration.
	ErrNegativeDuration = errors.New("duration must not be negative")
	// ErrEmptySession indicates the session's question set is empty.
	ErrEmptySession = errors.New("session has no questions")
	// ErrDuplicateResponse is the storage-level uniqueness violation for a
	// (question, participant) pair. Callers absorb it into the idempotent
	// already-answered path; it is never surfaced to clients.
	ErrDuplicateResponse = errors.New("response already recorded")
)
