package domain

import "time"

// Option designates one of the four answer choices of a question.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
	OptionC Option = "C"
	OptionD Option = "D"
	// OptionNone is the reserved sentinel recorded for skips and timeouts.
	// It is distinguishable from a real answer but always scored incorrect.
	OptionNone Option = "-"
)

// Valid reports whether o is one of the four real answer designators.
func (o Option) Valid() bool {
	switch o {
	case OptionA, OptionB, OptionC, OptionD:
		return true
	}
	return false
}

// Question is a single multiple-choice item within a session. Questions are
// immutable once participants start answering them.
type Question struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Text          string    `json:"text"`
	OptionA       string    `json:"optionA"`
	OptionB       string    `json:"optionB"`
	OptionC       string    `json:"optionC"`
	OptionD       string    `json:"optionD"`
	CorrectOption Option    `json:"correctOption"`
	Explanation   string    `json:"explanation"`
	TimeLimitSec  int       `json:"timeLimitSec"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Response records one participant's outcome for one question. At most one
// response exists per (question, participant); it is never mutated.
type Response struct {
	ID            string    `json:"id"`
	QuestionID    string    `json:"questionId"`
	ParticipantID string    `json:"participantId"`
	Option        Option    `json:"option"`
	IsCorrect     bool      `json:"isCorrect"`
	RespondedAt   time.Time `json:"respondedAt"`
	// DurationSec is the time spent answering; nil for legacy rows recorded
	// before durations were tracked.
	DurationSec *float64 `json:"durationSec,omitempty"`
}

// Skipped reports whether the response is a skip/timeout sentinel rather
// than a genuine answer.
func (r Response) Skipped() bool { return r.Option == OptionNone }

// Progress is a participant's cursor into a session's question sequence.
// CurrentIndex is a zero-based offset; Completed holds once the cursor has
// passed the last question.
type Progress struct {
	ParticipantID string    `json:"participantId"`
	SessionID     string    `json:"sessionId"`
	CurrentIndex  int       `json:"currentIndex"`
	Completed     bool      `json:"completed"`
	LastActivity  time.Time `json:"lastActivity"`
}

// CurrentQuestion is the sequencer's answer to "what should this participant
// see right now". Completed is true when the participant has finished the
// session, in which case Question is nil.
type CurrentQuestion struct {
	Question        *Question `json:"question,omitempty"`
	Position        int       `json:"position,omitempty"` // 1-based
	Total           int       `json:"total"`
	AlreadyAnswered bool      `json:"alreadyAnswered"`
	Completed       bool      `json:"completed"`
}

// SubmissionResult is the outcome of an answer submission, identical for a
// first-time accept and an idempotent replay.
type SubmissionResult struct {
	Accepted        bool   `json:"accepted"`
	AlreadyAnswered bool   `json:"alreadyAnswered"`
	SubmittedOption Option `json:"submittedOption"`
	IsCorrect       bool   `json:"isCorrect"`
	CorrectOption   Option `json:"correctOption"`
	Explanation     string `json:"explanation"`
	NextAvailable   bool   `json:"nextAvailable"`
	Completed       bool   `json:"completed"`
}

// SkipResult is the outcome of a skip or timeout.
type SkipResult struct {
	Accepted        bool `json:"accepted"`
	AlreadyAnswered bool `json:"alreadyAnswered"`
	Completed       bool `json:"completed"`
}

// SequenceEntry is one question in the full-history view, annotated with the
// participant's recorded outcome if any.
type SequenceEntry struct {
	Question    Question   `json:"question"`
	Answered    bool       `json:"answered"`
	Skipped     bool       `json:"skipped"`
	Answer      Option     `json:"answer,omitempty"`
	IsCorrect   bool       `json:"isCorrect"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

// LeaderboardEntry is one ranked participant in a session.
type LeaderboardEntry struct {
	ParticipantID    string  `json:"participantId"`
	CorrectCount     int     `json:"correctCount"`
	TotalQuestions   int     `json:"totalQuestions"`
	ActuallyAnswered int     `json:"actuallyAnswered"`
	Accuracy         float64 `json:"accuracy"`
	Rank             int     `json:"rank"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// ParticipantStats summarizes one participant's performance in a session.
// Accuracy is a percentage over the full question count, so skipped and
// unanswered questions depress it.
type ParticipantStats struct {
	ParticipantID    string             `json:"participantId"`
	SessionID        string             `json:"sessionId"`
	TotalQuestions   int                `json:"totalQuestions"`
	TotalRecorded    int                `json:"totalRecorded"`
	ActuallyAnswered int                `json:"actuallyAnswered"`
	CorrectCount     int                `json:"correctCount"`
	Accuracy         float64            `json:"accuracy"`
	AverageDuration  float64            `json:"averageDuration"`
	Rank             int                `json:"rank"`
	Leaderboard      []LeaderboardEntry `json:"leaderboard"`
}

// QuestionStats aggregates all participants' responses to one question for
// the presenter view.
type QuestionStats struct {
	QuestionID     string         `json:"questionId"`
	Text           string         `json:"text"`
	CorrectOption  Option         `json:"correctOption"`
	TotalResponses int            `json:"totalResponses"`
	CorrectCount   int            `json:"correctCount"`
	AccuracyRate   float64        `json:"accuracyRate"`
	Distribution   map[Option]int `json:"distribution"`
	SkipCount      int            `json:"skipCount"`
}
