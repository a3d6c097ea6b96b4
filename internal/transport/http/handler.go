package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"popquiz-service/internal/app"
	"popquiz-service/internal/domain"
)

// Handler exposes the progression engine as a JSON API.
type Handler struct {
	engine *app.Engine
}

func NewHandler(engine *app.Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the API routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/quiz/current", h.currentQuestion)
	mux.HandleFunc("/api/quiz/answer", h.submitAnswer)
	mux.HandleFunc("/api/quiz/skip", h.skipQuestion)
	mux.HandleFunc("/api/quiz/stats", h.participantStats)
	mux.HandleFunc("/api/quiz/sequence", h.questionSequence)
	mux.HandleFunc("/api/quiz/question-stats", h.questionStats)
	mux.HandleFunc("/api/quiz/leaderboard", h.leaderboard)
}

// questionView is the participant-facing question payload: the correct
// option and explanation stay hidden until the participant has answered.
type questionView struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	OptionA      string `json:"optionA"`
	OptionB      string `json:"optionB"`
	OptionC      string `json:"optionC"`
	OptionD      string `json:"optionD"`
	TimeLimitSec int    `json:"timeLimitSec"`
}

type currentQuestionView struct {
	Question  *questionView `json:"question,omitempty"`
	Position  int           `json:"position,omitempty"`
	Total     int           `json:"total"`
	Completed bool          `json:"completed"`
}

type sequenceEntryView struct {
	Question      questionView  `json:"question"`
	Answered      bool          `json:"answered"`
	Skipped       bool          `json:"skipped"`
	Answer        domain.Option `json:"answer,omitempty"`
	IsCorrect     bool          `json:"isCorrect"`
	CorrectOption domain.Option `json:"correctOption,omitempty"`
	Explanation   string        `json:"explanation,omitempty"`
	RespondedAt   *time.Time    `json:"respondedAt,omitempty"`
}

type submitRequest struct {
	SessionID     string        `json:"sessionId"`
	ParticipantID string        `json:"participantId"`
	QuestionID    string        `json:"questionId"`
	Option        domain.Option `json:"option"`
	DurationSec   *float64      `json:"durationSec,omitempty"`
}

type skipRequest struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	QuestionID    string `json:"questionId"`
}

func (h *Handler) currentQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID, participantID := r.URL.Query().Get("sessionId"), r.URL.Query().Get("participantId")
	if sessionID == "" || participantID == "" {
		http.Error(w, "missing sessionId or participantId", http.StatusBadRequest)
		return
	}

	current, err := h.engine.CurrentQuestionFor(r.Context(), sessionID, participantID)
	if err != nil {
		writeError(w, err)
		return
	}

	view := currentQuestionView{Position: current.Position, Total: current.Total, Completed: current.Completed}
	if current.Question != nil {
		qv := newQuestionView(*current.Question)
		view.Question = &qv
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.ParticipantID == "" || req.QuestionID == "" {
		http.Error(w, "missing sessionId, participantId, or questionId", http.StatusBadRequest)
		return
	}

	result, err := h.engine.SubmitAnswer(r.Context(), req.SessionID, req.ParticipantID, req.QuestionID, req.Option, req.DurationSec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) skipQuestion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req skipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.ParticipantID == "" || req.QuestionID == "" {
		http.Error(w, "missing sessionId, participantId, or questionId", http.StatusBadRequest)
		return
	}

	result, err := h.engine.SkipQuestion(r.Context(), req.SessionID, req.ParticipantID, req.QuestionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) participantStats(w http.ResponseWriter, r *http.Request) {
	sessionID, participantID := r.URL.Query().Get("sessionId"), r.URL.Query().Get("participantId")
	if sessionID == "" || participantID == "" {
		http.Error(w, "missing sessionId or participantId", http.StatusBadRequest)
		return
	}

	stats, err := h.engine.ParticipantStats(r.Context(), sessionID, participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) questionSequence(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	participantID := r.URL.Query().Get("participantId")

	entries, err := h.engine.QuestionSequence(r.Context(), sessionID, participantID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]sequenceEntryView, 0, len(entries))
	for _, entry := range entries {
		view := sequenceEntryView{
			Question:    newQuestionView(entry.Question),
			Answered:    entry.Answered,
			Skipped:     entry.Skipped,
			Answer:      entry.Answer,
			IsCorrect:   entry.IsCorrect,
			RespondedAt: entry.RespondedAt,
		}
		// Reveal the answer key only once this participant has a recorded outcome.
		if entry.Answered {
			view.CorrectOption = entry.Question.CorrectOption
			view.Explanation = entry.Question.Explanation
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) questionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	stats, err := h.engine.SessionQuestionStats(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	lb, err := h.engine.SessionLeaderboard(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func newQuestionView(q domain.Question) questionView {
	return questionView{
		ID:           q.ID,
		Text:         q.Text,
		OptionA:      q.OptionA,
		OptionB:      q.OptionB,
		OptionC:      q.OptionC,
		OptionD:      q.OptionD,
		TimeLimitSec: q.TimeLimitSec,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrQuestionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOption), errors.Is(err, domain.ErrNegativeDuration):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrEmptySession):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}
