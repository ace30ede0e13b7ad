package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed bookkeeping for runs and their frames.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: pipeline workers write concurrently
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frames (
            run_id TEXT NOT NULL,
            path TEXT NOT NULL,
            status TEXT NOT NULL,
            drop_reason TEXT,
            stars INTEGER,
            fwhm REAL,
            inliers INTEGER,
            homography TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, path)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frames_run_id ON frames(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_frames_status ON frames(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Frame statuses.
const (
	FrameRegistered = "registered"
	FrameReference  = "reference"
	FrameDropped    = "dropped"
)

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FrameRecord captures the registration outcome of one frame.
type FrameRecord struct {
	RunID      string      `json:"run_id"`
	Path       string      `json:"path"`
	Status     string      `json:"status"`
	DropReason string      `json:"drop_reason,omitempty"`
	Stars      int         `json:"stars"`
	FWHM       float64     `json:"fwhm"`
	Inliers    int         `json:"inliers"`
	Homography *[9]float64 `json:"homography,omitempty"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, kind, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if _, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordFrame upserts the outcome of one frame within a run.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	var h sql.NullString
	if rec.Homography != nil {
		h = sql.NullString{String: encodeMatrix(*rec.Homography), Valid: true}
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frames (run_id, path, status, drop_reason, stars, fwhm, inliers, homography) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Path, rec.Status, rec.DropReason, rec.Stars, rec.FWHM, rec.Inliers, h)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var input, output, options, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.InputPath, rec.OutputPath, rec.OptionsJSON = input.String, output.String, options.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunFrames lists the frames recorded for a run in insertion order.
func (s *Store) RunFrames(runID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, path, status, drop_reason, stars, fwhm, inliers, homography FROM frames WHERE run_id=? ORDER BY rowid;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var reason, h sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Path, &rec.Status, &reason, &rec.Stars, &rec.FWHM, &rec.Inliers, &h); err != nil {
			return nil, err
		}
		rec.DropReason = reason.String
		if h.Valid {
			m, err := decodeMatrix(h.String)
			if err != nil {
				return nil, fmt.Errorf("frame %s: %w", rec.Path, err)
			}
			rec.Homography = &m
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func encodeMatrix(m [9]float64) string {
	parts := make([]string, len(m))
	for i, v := range m {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func decodeMatrix(s string) ([9]float64, error) {
	var m [9]float64
	fields := strings.Fields(s)
	if len(fields) != len(m) {
		return m, fmt.Errorf("homography has %d entries", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return m, err
		}
		m[i] = v
	}
	return m, nil
}
