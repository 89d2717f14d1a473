// Package store persists analysis records in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raysh454/deepscan/internal/ensemble"
	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/logging"
)

//go:embed schema.sql
var schemaFS embed.FS

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("analysis not found")

// DefaultListLimit applies when List is called with limit <= 0.
const DefaultListLimit = 50

// Analysis is one stored verdict together with what was analyzed.
type Analysis struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename,omitempty"`
	SourceURL string            `json:"source_url,omitempty"`
	SHA256    string            `json:"sha256"`
	Format    string            `json:"format,omitempty"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Verdict   *ensemble.Verdict `json:"verdict"`
	Face      face.Region       `json:"face"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
	CreatedAt time.Time         `json:"created_at"`

	// Cached is set when the verdict was served from cache rather than computed.
	Cached bool `json:"cached,omitempty"`
}

// Store is a SQLite-backed analysis history.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger logging.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger.With(logging.Field{Key: "component", Value: "store"})}, nil
}

func applySchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Save inserts a record. ID and Verdict must be set.
func (s *Store) Save(ctx context.Context, a *Analysis) error {
	if a == nil || a.ID == "" || a.Verdict == nil {
		return fmt.Errorf("save analysis: id and verdict are required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	verdictJSON, err := json.Marshal(a.Verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	faceJSON, err := json.Marshal(a.Face)
	if err != nil {
		return fmt.Errorf("marshal face: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, filename, source_url, sha256, format, width, height,
			confidence, is_deepfake, reliability, verdict_json, face_json, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Filename, a.SourceURL, a.SHA256, a.Format, a.Width, a.Height,
		a.Verdict.Confidence, a.Verdict.IsDeepfake, string(a.Verdict.Reliability),
		string(verdictJSON), string(faceJSON), a.Elapsed.Milliseconds(), a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert analysis %s: %w", a.ID, err)
	}

	s.logger.Debug("saved analysis",
		logging.Field{Key: "id", Value: a.ID},
		logging.Field{Key: "sha256", Value: a.SHA256})
	return nil
}

const selectColumns = `id, filename, source_url, sha256, format, width, height,
	verdict_json, face_json, elapsed_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row scanner) (*Analysis, error) {
	var (
		a                     Analysis
		verdictJSON, faceJSON string
		elapsedMS, created    int64
	)
	if err := row.Scan(&a.ID, &a.Filename, &a.SourceURL, &a.SHA256, &a.Format, &a.Width, &a.Height,
		&verdictJSON, &faceJSON, &elapsedMS, &created); err != nil {
		return nil, err
	}
	a.Verdict = &ensemble.Verdict{}
	if err := json.Unmarshal([]byte(verdictJSON), a.Verdict); err != nil {
		return nil, fmt.Errorf("decode verdict for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(faceJSON), &a.Face); err != nil {
		return nil, fmt.Errorf("decode face for %s: %w", a.ID, err)
	}
	a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	a.CreatedAt = time.Unix(0, created).UTC()
	return &a, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM analyses WHERE id = ?`, id)
	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get analysis %s: %w", id, err)
	}
	return a, nil
}

// FindBySHA returns the newest record for a content hash.
func (s *Store) FindBySHA(ctx context.Context, sha string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM analyses WHERE sha256 = ? ORDER BY created_at DESC LIMIT 1`, sha)
	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find analysis by sha %s: %w", sha, err)
	}
	return a, nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM analyses ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	out := make([]Analysis, 0)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return out, nil
}

// Delete removes a record. Deleting a missing id returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete analysis %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete analysis %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("deleted analysis", logging.Field{Key: "id", Value: id})
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
