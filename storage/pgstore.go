package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"slideSummarize/config"
	"slideSummarize/core"
)

// PgStateStore keeps the slide state in a single-row table and the history
// in an append-only table, with pgvector columns for the embeddings. The
// single connection is serialized with a mutex; pgx.Conn is not safe for
// concurrent use.
type PgStateStore struct {
	mu   sync.Mutex
	conn *pgx.Conn
	dim  int
}

func NewPgStateStore(cfg *config.Config) (*PgStateStore, error) {
	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("postgres_url is not configured")
	}
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgStateStore{conn: conn, dim: cfg.EmbeddingDim}
	if err := s.ensureTables(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *PgStateStore) ensureTables(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	stateQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS slide_state (
			id INT PRIMARY KEY CHECK (id = 1),
			text TEXT NOT NULL DEFAULT '',
			embedding vector(%d),
			phash BIGINT,
			summary JSONB,
			image_path TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`, s.dim)
	if _, err := s.conn.Exec(ctx, stateQuery); err != nil {
		return fmt.Errorf("create slide_state table: %w", err)
	}

	historyQuery := `
		CREATE TABLE IF NOT EXISTS slide_history (
			id SERIAL PRIMARY KEY,
			seq BIGINT UNIQUE NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			summary JSONB,
			metrics JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.conn.Exec(ctx, historyQuery); err != nil {
		return fmt.Errorf("create slide_history table: %w", err)
	}
	return nil
}

func (s *PgStateStore) LoadState(ctx context.Context) (*core.SlideState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		state       core.SlideState
		vec         *pgvector.Vector
		phash       *int64
		summaryJSON []byte
	)
	row := s.conn.QueryRow(ctx, `
		SELECT text, embedding, phash, summary, image_path, updated_at
		FROM slide_state WHERE id = 1
	`)
	err := row.Scan(&state.Text, &vec, &phash, &summaryJSON, &state.ImagePath, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &core.SlideState{}, nil
	}
	if err != nil {
		return nil, core.Persistencef("load state: %v", err)
	}
	if vec != nil {
		state.Embedding = vec.Slice()
	}
	if phash != nil {
		v := uint64(*phash)
		state.Phash = &v
	}
	if len(summaryJSON) > 0 {
		var summary core.SlideSummary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, core.Persistencef("decode cached summary: %v", err)
		}
		state.Summary = &summary
	}
	return &state, nil
}

func (s *PgStateStore) SaveState(ctx context.Context, state *core.SlideState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summaryJSON []byte
	if state.Summary != nil {
		data, err := json.Marshal(state.Summary)
		if err != nil {
			return core.Persistencef("encode summary: %v", err)
		}
		summaryJSON = data
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	// Upsert of the one row keeps the replace atomic.
	_, err := s.conn.Exec(ctx, `
		INSERT INTO slide_state (id, text, embedding, phash, summary, image_path, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			phash = EXCLUDED.phash,
			summary = EXCLUDED.summary,
			image_path = EXCLUDED.image_path,
			updated_at = EXCLUDED.updated_at
	`, state.Text, embeddingValue(state.Embedding), phashValue(state.Phash), summaryJSON, state.ImagePath, updatedAt)
	if err != nil {
		return core.Persistencef("save state: %v", err)
	}
	return nil
}

func (s *PgStateStore) AppendHistory(ctx context.Context, entry core.HistoryEntry) (core.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var summaryJSON []byte
	if entry.Summary != nil {
		data, err := json.Marshal(entry.Summary)
		if err != nil {
			return core.HistoryEntry{}, core.Persistencef("encode summary: %v", err)
		}
		summaryJSON = data
	}
	metricsJSON, err := json.Marshal(entry.Metrics)
	if err != nil {
		return core.HistoryEntry{}, core.Persistencef("encode metrics: %v", err)
	}

	// seq is assigned inside the insert; the unique constraint rejects a
	// concurrent writer that picked the same number, so retry a few times.
	for attempt := 0; attempt < 3; attempt++ {
		err = s.conn.QueryRow(ctx, `
			INSERT INTO slide_history (seq, ts, summary, metrics)
			VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM slide_history), $1, $2, $3)
			RETURNING seq
		`, entry.Timestamp, summaryJSON, metricsJSON).Scan(&entry.Sequence)
		if err == nil {
			return entry, nil
		}
	}
	return core.HistoryEntry{}, core.Persistencef("append history: %v", err)
}

func (s *PgStateStore) History(ctx context.Context, limit int) ([]core.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT seq, ts, summary, metrics FROM slide_history
		ORDER BY seq
	`
	args := []any{}
	if limit > 0 {
		query = `
			SELECT seq, ts, summary, metrics FROM (
				SELECT seq, ts, summary, metrics FROM slide_history
				ORDER BY seq DESC LIMIT $1
			) latest ORDER BY seq
		`
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, core.Persistencef("load history: %v", err)
	}
	defer rows.Close()

	var entries []core.HistoryEntry
	for rows.Next() {
		var (
			entry       core.HistoryEntry
			summaryJSON []byte
			metricsJSON []byte
		)
		if err := rows.Scan(&entry.Sequence, &entry.Timestamp, &summaryJSON, &metricsJSON); err != nil {
			return nil, core.Persistencef("scan history row: %v", err)
		}
		if len(summaryJSON) > 0 {
			var summary core.SlideSummary
			if err := json.Unmarshal(summaryJSON, &summary); err != nil {
				return nil, core.Persistencef("decode history summary: %v", err)
			}
			entry.Summary = &summary
		}
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &entry.Metrics); err != nil {
				return nil, core.Persistencef("decode history metrics: %v", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Persistencef("iterate history: %v", err)
	}
	return entries, nil
}

func (s *PgStateStore) ResetHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(ctx, "DELETE FROM slide_history"); err != nil {
		return core.Persistencef("reset history: %v", err)
	}
	if _, err := s.conn.Exec(ctx, "DELETE FROM slide_state"); err != nil {
		return core.Persistencef("reset state: %v", err)
	}
	return nil
}

func (s *PgStateStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(ctx)
}

// embeddingValue maps an empty embedding to NULL instead of a zero vector.
func embeddingValue(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

// phashValue maps an absent hash to NULL; zero is a valid hash.
func phashValue(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
