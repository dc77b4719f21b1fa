package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and their turn history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS improv_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_email TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_phase TEXT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_improv_sessions_user ON improv_sessions (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS improv_session_turns (
			session_id TEXT NOT NULL REFERENCES improv_sessions(id) ON DELETE CASCADE,
			turn_number INTEGER NOT NULL,
			user_input TEXT NOT NULL,
			partner_response TEXT NOT NULL,
			room_analysis TEXT NOT NULL DEFAULT '',
			room_energy TEXT NOT NULL DEFAULT '',
			sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			engagement_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			laughter_detected BOOLEAN NOT NULL DEFAULT FALSE,
			phase TEXT NOT NULL,
			coach_feedback TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, turn_number)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const selectSessionHeader = `SELECT id, user_id, user_email, location, display_name, status, current_phase,
	        turn_count, created_at, updated_at, expires_at
	   FROM improv_sessions WHERE id=$1`

func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*Session, error) {
	sess, err := newSession(params, s.now())
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO improv_sessions (
			id, user_id, user_email, location, display_name, status, current_phase,
			turn_count, created_at, updated_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sess.ID,
		sess.UserID,
		sess.UserEmail,
		sess.Location,
		sess.DisplayName,
		string(sess.Status),
		sess.CurrentPhase,
		sess.TurnCount,
		sess.CreatedAt,
		sess.UpdatedAt,
		sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if expire(sess, s.now()) {
		if err := writeSessionHeader(ctx, tx, sess); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return nil, ErrNotFound
	}
	if sess.Status == StatusTimeout {
		return nil, ErrNotFound
	}
	if sess.History, err = loadTurns(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ApplyTurn(ctx context.Context, sessionID string, update Update) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if expire(sess, now) {
		if err := writeSessionHeader(ctx, tx, sess); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return nil, ErrNotFound
	}
	if err := applyUpdate(sess, update, now); err != nil {
		return nil, err
	}

	rec := update.AppendHistory
	_, err = tx.Exec(ctx,
		`INSERT INTO improv_session_turns (
			session_id, turn_number, user_input, partner_response, room_analysis, room_energy,
			sentiment_score, engagement_score, laughter_detected, phase, coach_feedback, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sessionID,
		rec.TurnNumber,
		rec.UserInput,
		rec.PartnerResponse,
		rec.RoomVibe.Analysis,
		rec.RoomVibe.Energy,
		rec.RoomVibe.Mood.SentimentScore,
		rec.RoomVibe.Mood.EngagementScore,
		rec.RoomVibe.Mood.LaughterDetected,
		rec.Phase,
		rec.CoachFeedback,
		rec.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: turn %d already recorded", ErrTurnConflict, rec.TurnNumber)
		}
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	if err := writeSessionHeader(ctx, tx, sess); err != nil {
		return nil, err
	}
	if sess.History, err = loadTurns(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) End(ctx context.Context, sessionID string) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !expire(sess, now) && !sess.Status.Terminal() {
		sess.Status = StatusClosed
		sess.UpdatedAt = now
	}
	if err := writeSessionHeader(ctx, tx, sess); err != nil {
		return nil, err
	}
	if sess.History, err = loadTurns(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	if sess.Status == StatusTimeout {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *PostgresStore) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM improv_sessions
		  WHERE status NOT IN ('closed','timeout') AND expires_at > $1`,
		s.now(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ExpireStale(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE improv_sessions SET status='timeout', updated_at=$1
		  WHERE status NOT IN ('closed','timeout') AND expires_at <= $1
		 RETURNING id, user_id, user_email, location, display_name, status, current_phase,
		           turn_count, created_at, updated_at, expires_at`,
		s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSessionHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func lockSession(ctx context.Context, tx pgx.Tx, sessionID string) (*Session, error) {
	sess, err := scanSessionHeader(tx.QueryRow(ctx, selectSessionHeader+` FOR UPDATE`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func writeSessionHeader(ctx context.Context, tx pgx.Tx, sess *Session) error {
	_, err := tx.Exec(ctx,
		`UPDATE improv_sessions
		    SET status=$2, current_phase=$3, turn_count=$4, updated_at=$5
		  WHERE id=$1`,
		sess.ID,
		string(sess.Status),
		sess.CurrentPhase,
		sess.TurnCount,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func scanSessionHeader(row pgx.Row) (*Session, error) {
	var (
		sess   Session
		status string
	)
	if err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.UserEmail,
		&sess.Location,
		&sess.DisplayName,
		&status,
		&sess.CurrentPhase,
		&sess.TurnCount,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.ExpiresAt,
	); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.History = []TurnRecord{}
	return &sess, nil
}

func loadTurns(ctx context.Context, tx pgx.Tx, sessionID string) ([]TurnRecord, error) {
	rows, err := tx.Query(ctx,
		`SELECT turn_number, user_input, partner_response, room_analysis, room_energy,
		        sentiment_score, engagement_score, laughter_detected, phase, coach_feedback, created_at
		   FROM improv_session_turns WHERE session_id=$1 ORDER BY turn_number ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []TurnRecord{}
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(
			&r.TurnNumber,
			&r.UserInput,
			&r.PartnerResponse,
			&r.RoomVibe.Analysis,
			&r.RoomVibe.Energy,
			&r.RoomVibe.Mood.SentimentScore,
			&r.RoomVibe.Mood.EngagementScore,
			&r.RoomVibe.Mood.LaughterDetected,
			&r.Phase,
			&r.CoachFeedback,
			&r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}
