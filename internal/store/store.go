package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KiriruSokoru/whisper-core-server/internal/config"
	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
)

// ErrDuplicateAnalysis reports that the transcript already has an
// analysis row. Redelivered tasks hit this instead of inserting twice.
var ErrDuplicateAnalysis = errors.New("transcript already analyzed")

const (
	connectAttempts = 5
	connectDelay    = 5 * time.Second
)

// Transcript is one parsed call transcript headed for the transcriptions table.
type Transcript struct {
	LastName    string
	FirstName   string
	MiddleName  string // empty when the file name carried no patronymic
	CallDate    time.Time
	PhoneNumber string
	Text        string
	FileName    string
}

// PendingRow is a transcript awaiting task emission.
type PendingRow struct {
	ID   int64
	Text string
}

// AnalyzedRow joins a transcript with its analysis result for reporting.
type AnalyzedRow struct {
	FileName     string
	LastName     string
	FirstName    string
	MiddleName   string
	CallDate     time.Time
	PhoneNumber  string
	Analysis     json.RawMessage
	ModelUsed    string
	AnalysisDate time.Time
}

// Store wraps the Postgres record store shared by all pipeline stages.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool with a bounded number of attempts at a fixed
// delay. Exhaustion returns the last error; callers treat it as fatal.
func Connect(ctx context.Context, db config.DB) (*Store, error) {
	log := logger.Component("store")

	var pool *pgxpool.Pool
	attempt := 0
	op := func() error {
		attempt++
		p, err := pgxpool.New(ctx, db.DSN())
		if err == nil {
			err = p.Ping(ctx)
		}
		if err != nil {
			log.WithError(err).Warnf("connect attempt %d/%d failed", attempt, connectAttempts)
			if p != nil {
				p.Close()
			}
			return err
		}
		pool = p
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(connectDelay), connectAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("connect to record store: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info("connected to record store")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// ExistsByFileName reports whether a transcript with this file name is
// already stored. This is the authoritative dedup check.
func (s *Store) ExistsByFileName(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transcriptions WHERE file_name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup lookup %s: %w", name, err)
	}
	return exists, nil
}

// UpsertTranscript inserts the transcript or, on a file_name conflict,
// overwrites the text and refreshes updated_at. One transaction.
func (s *Store) UpsertTranscript(ctx context.Context, t Transcript) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	var middle *string
	if t.MiddleName != "" {
		middle = &t.MiddleName
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transcriptions
		    (last_name, first_name, middle_name, call_date, phone_number, transcription_text, file_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (file_name) DO UPDATE SET
		    transcription_text = EXCLUDED.transcription_text,
		    updated_at = CURRENT_TIMESTAMP`,
		t.LastName, t.FirstName, middle, t.CallDate, t.PhoneNumber, t.Text, t.FileName)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", t.FileName, err)
	}
	return tx.Commit(ctx)
}

const pendingFilter = `
	emitted = FALSE
	AND NOT EXISTS (
	    SELECT 1 FROM transcription_analysis ta
	    WHERE ta.transcription_id = transcriptions.id
	)`

// CountPending returns how many transcripts still need a task emitted.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transcriptions WHERE`+pendingFilter).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// SelectPending returns up to limit transcripts eligible for emission.
func (s *Store) SelectPending(ctx context.Context, limit int) ([]PendingRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, transcription_text FROM transcriptions WHERE`+pendingFilter+` LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var r PendingRow
		if err := rows.Scan(&r.ID, &r.Text); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkEmitted flips the emitted flag. Called only after the task file
// has landed on durable storage.
func (s *Store) MarkEmitted(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE transcriptions SET emitted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark emitted %d: %w", id, err)
	}
	return nil
}

// InsertAnalysis stores one analysis result. No upsert: the unique
// constraint on transcription_id rejects a second insert, surfaced as
// ErrDuplicateAnalysis so redeliveries are recognizable.
func (s *Store) InsertAnalysis(ctx context.Context, transcriptionID int64, payload []byte, model string) error {
	if !json.Valid(payload) {
		return fmt.Errorf("analysis payload for %d is not valid JSON", transcriptionID)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin analysis insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transcription_analysis
		    (transcription_id, analysis_result, analysis_date, model_used)
		VALUES ($1, $2, CURRENT_TIMESTAMP, $3)`,
		transcriptionID, payload, model)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("insert analysis for %d: %w", transcriptionID, ErrDuplicateAnalysis)
		}
		return fmt.Errorf("insert analysis for %d: %w", transcriptionID, err)
	}
	return tx.Commit(ctx)
}

// ListAnalyzed returns analyzed transcripts, newest analysis first.
func (s *Store) ListAnalyzed(ctx context.Context, limit int) ([]AnalyzedRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.file_name, t.last_name, t.first_name, COALESCE(t.middle_name, ''),
		       t.call_date, t.phone_number, ta.analysis_result, ta.model_used, ta.analysis_date
		FROM transcription_analysis ta
		JOIN transcriptions t ON t.id = ta.transcription_id
		ORDER BY ta.analysis_date DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyzed: %w", err)
	}
	defer rows.Close()

	var out []AnalyzedRow
	for rows.Next() {
		var r AnalyzedRow
		if err := rows.Scan(&r.FileName, &r.LastName, &r.FirstName, &r.MiddleName,
			&r.CallDate, &r.PhoneNumber, &r.Analysis, &r.ModelUsed, &r.AnalysisDate); err != nil {
			return nil, fmt.Errorf("scan analyzed row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
