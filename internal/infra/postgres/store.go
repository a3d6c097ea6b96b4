package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"popquiz-service/internal/domain"
)

const uniqueViolation = "23505"

// Store implements the engine's catalog, response and progress contracts on
// Postgres. The UNIQUE(question_id, participant_id) constraint is the sole
// concurrency control for submissions; violations surface as
// domain.ErrDuplicateResponse.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const questionColumns = `id, session_id, text, option_a, option_b, option_c, option_d, correct_option, explanation, time_limit_sec, created_at`

func (s *Store) SessionQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE session_id=$1 ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *Store) QuestionByID(ctx context.Context, questionID string) (domain.Question, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id=$1`, questionID)
	q, err := scanQuestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("load question: %w", err)
	}
	return q, nil
}

// AddQuestions seeds catalog content in creation order.
func (s *Store) AddQuestions(ctx context.Context, questions ...domain.Question) error {
	for _, q := range questions {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO questions (`+questionColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			 ON CONFLICT (id) DO NOTHING`,
			q.ID, q.SessionID, q.Text, q.OptionA, q.OptionB, q.OptionC, q.OptionD,
			string(q.CorrectOption), q.Explanation, q.TimeLimitSec, q.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert question %s: %w", q.ID, err)
		}
	}
	return nil
}

// RecordResponse inserts the response and merges the progress row in one
// transaction. A crash after commit leaves both durable; a duplicate insert
// aborts the transaction and is reported as domain.ErrDuplicateResponse.
func (s *Store) RecordResponse(ctx context.Context, resp domain.Response, prog domain.Progress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO responses (id, question_id, participant_id, option, is_correct, responded_at, duration_sec)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		resp.ID, resp.QuestionID, resp.ParticipantID, string(resp.Option), resp.IsCorrect, resp.RespondedAt, resp.DurationSec)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateResponse
		}
		return fmt.Errorf("insert response: %w", err)
	}

	if err := upsertProgress(ctx, tx, prog); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ResponseFor(ctx context.Context, questionID, participantID string) (*domain.Response, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, question_id, participant_id, option, is_correct, responded_at, duration_sec
		 FROM responses WHERE question_id=$1 AND participant_id=$2`,
		questionID, participantID)
	resp, err := scanResponse(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load response: %w", err)
	}
	return &resp, nil
}

func (s *Store) SessionResponses(ctx context.Context, sessionID string) ([]domain.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.question_id, r.participant_id, r.option, r.is_correct, r.responded_at, r.duration_sec
		 FROM responses r JOIN questions q ON q.id = r.question_id
		 WHERE q.session_id=$1`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session responses: %w", err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

func (s *Store) ParticipantResponses(ctx context.Context, sessionID, participantID string) ([]domain.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.question_id, r.participant_id, r.option, r.is_correct, r.responded_at, r.duration_sec
		 FROM responses r JOIN questions q ON q.id = r.question_id
		 WHERE q.session_id=$1 AND r.participant_id=$2`,
		sessionID, participantID)
	if err != nil {
		return nil, fmt.Errorf("load participant responses: %w", err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

// ProgressFor creates the cursor row lazily at index 0 on first access.
func (s *Store) ProgressFor(ctx context.Context, participantID, sessionID string) (domain.Progress, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO progress (id, participant_id, session_id, current_index, completed, last_activity)
		 VALUES (gen_random_uuid()::text, $1, $2, 0, FALSE, now())
		 ON CONFLICT (participant_id, session_id) DO NOTHING`,
		participantID, sessionID)
	if err != nil {
		return domain.Progress{}, fmt.Errorf("create progress: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT participant_id, session_id, current_index, completed, last_activity
		 FROM progress WHERE participant_id=$1 AND session_id=$2`,
		participantID, sessionID)
	var prog domain.Progress
	if err := row.Scan(&prog.ParticipantID, &prog.SessionID, &prog.CurrentIndex, &prog.Completed, &prog.LastActivity); err != nil {
		return domain.Progress{}, fmt.Errorf("load progress: %w", err)
	}
	return prog, nil
}

func (s *Store) SaveProgress(ctx context.Context, prog domain.Progress) error {
	return upsertProgress(ctx, s.pool, prog)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// upsertProgress merges monotonically in SQL so concurrent writers cannot
// move the cursor backward or clear the completed flag.
func upsertProgress(ctx context.Context, db execer, prog domain.Progress) error {
	_, err := db.Exec(ctx,
		`INSERT INTO progress (id, participant_id, session_id, current_index, completed, last_activity)
		 VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
		 ON CONFLICT (participant_id, session_id) DO UPDATE SET
		   current_index = GREATEST(progress.current_index, EXCLUDED.current_index),
		   completed     = progress.completed OR EXCLUDED.completed,
		   last_activity = EXCLUDED.last_activity`,
		prog.ParticipantID, prog.SessionID, prog.CurrentIndex, prog.Completed, prog.LastActivity)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var q domain.Question
	var correct string
	err := row.Scan(&q.ID, &q.SessionID, &q.Text, &q.OptionA, &q.OptionB, &q.OptionC, &q.OptionD,
		&correct, &q.Explanation, &q.TimeLimitSec, &q.CreatedAt)
	if err != nil {
		return domain.Question{}, err
	}
	q.CorrectOption = domain.Option(correct)
	return q, nil
}

func scanResponse(row pgx.Row) (domain.Response, error) {
	var resp domain.Response
	var option string
	err := row.Scan(&resp.ID, &resp.QuestionID, &resp.ParticipantID, &option, &resp.IsCorrect, &resp.RespondedAt, &resp.DurationSec)
	if err != nil {
		return domain.Response{}, err
	}
	resp.Option = domain.Option(option)
	return resp, nil
}

func collectResponses(rows pgx.Rows) ([]domain.Response, error) {
	var responses []domain.Response
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}
