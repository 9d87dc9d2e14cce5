package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/sitevoice/internal/transcribe"
)

const (
	TranscriptPending   = "pending"
	TranscriptRunning   = "running"
	TranscriptCompleted = "completed"
	TranscriptFailed    = "failed"
)

// Capture is one finished recording and, once available, its transcript.
type Capture struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	MimeType         string    `json:"mime_type"`
	AudioPath        string    `json:"audio_path"`
	Seconds          float64   `json:"seconds"`
	Size             int       `json:"size"`
	Source           string    `json:"source"`
	Transcript       string    `json:"transcript"`
	TranscriptStatus string    `json:"transcript_status"`
	Error            string    `json:"error,omitempty"`
}

// Recommendation is a finished streamed answer.
type Recommendation struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	CaptureID  string    `json:"capture_id,omitempty"`
	Preset     string    `json:"preset"`
	Transcript string    `json:"transcript"`
	Text       string    `json:"text"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "sitevoice.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	tables := []struct {
		name string
		ddl  string
	}{
		{"captures", `
			CREATE TABLE IF NOT EXISTS captures (
				id TEXT PRIMARY KEY,
				created_at TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				audio_path TEXT NOT NULL DEFAULT '',
				seconds REAL NOT NULL DEFAULT 0,
				size INTEGER NOT NULL DEFAULT 0,
				source TEXT NOT NULL DEFAULT '',
				transcript TEXT NOT NULL DEFAULT '',
				transcript_status TEXT NOT NULL DEFAULT 'pending',
				error TEXT NOT NULL DEFAULT ''
			);`},
		{"segments", `
			CREATE TABLE IF NOT EXISTS segments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				capture_id TEXT NOT NULL,
				speaker INTEGER NOT NULL,
				text TEXT NOT NULL,
				start_time REAL NOT NULL,
				end_time REAL NOT NULL,
				timestamp TEXT NOT NULL,
				FOREIGN KEY(capture_id) REFERENCES captures(id) ON DELETE CASCADE
			);`},
		{"recommendations", `
			CREATE TABLE IF NOT EXISTS recommendations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TEXT NOT NULL,
				capture_id TEXT NOT NULL DEFAULT '',
				preset TEXT NOT NULL DEFAULT '',
				transcript TEXT NOT NULL,
				text TEXT NOT NULL
			);`},
		{"uploads", `
			CREATE TABLE IF NOT EXISTS uploads (
				capture_id TEXT NOT NULL,
				name TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(capture_id, name)
			);`},
	}
	for _, tbl := range tables {
		if _, err := s.db.Exec(tbl.ddl); err != nil {
			return fmt.Errorf("create %s table: %w", tbl.name, err)
		}
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_captures_created_at ON captures(created_at)"); err != nil {
		return fmt.Errorf("create captures index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_segments_capture_id ON segments(capture_id, timestamp)"); err != nil {
		return fmt.Errorf("create segments index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateCapture(c Capture) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("capture id is required")
	}
	status := c.TranscriptStatus
	if status == "" {
		status = TranscriptPending
	}

	_, err := s.db.Exec(
		`INSERT INTO captures(id, created_at, mime_type, audio_path, seconds, size, source, transcript_status)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.MimeType,
		c.AudioPath,
		c.Seconds,
		c.Size,
		c.Source,
		status,
	)
	if err != nil {
		return fmt.Errorf("create capture %s: %w", c.ID, err)
	}
	return nil
}

// UpdateTranscript records the transcription outcome. errMsg is stored only
// for failed transcriptions.
func (s *SQLiteStore) UpdateTranscript(id, transcript, status, errMsg string) error {
	res, err := s.db.Exec(
		`UPDATE captures SET transcript = ?, transcript_status = ?, error = ? WHERE id = ?`,
		transcript,
		status,
		errMsg,
		id,
	)
	if err != nil {
		return fmt.Errorf("update transcript for capture %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transcript rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) AppendSegment(captureID string, seg transcribe.Segment) error {
	_, err := s.db.Exec(
		`INSERT INTO segments(capture_id, speaker, text, start_time, end_time, timestamp) VALUES(?, ?, ?, ?, ?, ?)`,
		captureID,
		seg.Speaker,
		strings.TrimSpace(seg.Text),
		seg.StartTime,
		seg.EndTime,
		seg.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append segment for capture %s: %w", captureID, err)
	}
	return nil
}

const captureColumns = `id, created_at, mime_type, audio_path, seconds, size, source, transcript, transcript_status, error`

func (s *SQLiteStore) GetCapture(id string) (Capture, error) {
	row := s.db.QueryRow(`SELECT `+captureColumns+` FROM captures WHERE id = ?`, id)

	c, err := scanCapture(row)
	if err != nil {
		return Capture{}, fmt.Errorf("query capture %s: %w", id, err)
	}
	return c, nil
}

// ListCaptures returns captures newest first. An empty date lists all days.
func (s *SQLiteStore) ListCaptures(date string, limit int) ([]Capture, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + captureColumns + ` FROM captures`
	args := []any{}
	if date != "" {
		query += ` WHERE substr(created_at, 1, 10) = ?`
		args = append(args, date)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	captures := make([]Capture, 0, 16)
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		captures = append(captures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate captures rows: %w", err)
	}

	return captures, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(created_at, 1, 10) AS date FROM captures ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetSegments(captureID string) ([]transcribe.Segment, error) {
	rows, err := s.db.Query(
		`SELECT speaker, text, start_time, end_time, timestamp
		 FROM segments
		 WHERE capture_id = ?
		 ORDER BY id ASC`,
		captureID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments for capture %s: %w", captureID, err)
	}
	defer func() { _ = rows.Close() }()

	segments := make([]transcribe.Segment, 0, 32)
	for rows.Next() {
		var seg transcribe.Segment
		var ts string
		if err := rows.Scan(&seg.Speaker, &seg.Text, &seg.StartTime, &seg.EndTime, &ts); err != nil {
			return nil, fmt.Errorf("scan segment for capture %s: %w", captureID, err)
		}

		parsedTS, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse segment timestamp for capture %s: %w", captureID, err)
		}
		seg.Timestamp = parsedTS

		segments = append(segments, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows for capture %s: %w", captureID, err)
	}

	return segments, nil
}

func (s *SQLiteStore) InsertRecommendation(rec Recommendation) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO recommendations(created_at, capture_id, preset, transcript, text) VALUES(?, ?, ?, ?, ?)`,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.CaptureID,
		rec.Preset,
		rec.Transcript,
		rec.Text,
	)
	if err != nil {
		return 0, fmt.Errorf("insert recommendation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("recommendation insert id: %w", err)
	}
	return id, nil
}

// ListRecommendations returns the newest recommendations first. A non-empty
// captureID restricts the list to that capture.
func (s *SQLiteStore) ListRecommendations(captureID string, limit int) ([]Recommendation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, created_at, capture_id, preset, transcript, text FROM recommendations`
	args := []any{}
	if captureID != "" {
		query += ` WHERE capture_id = ?`
		args = append(args, captureID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []Recommendation
	for rows.Next() {
		var rec Recommendation
		var createdAt string
		if err := rows.Scan(&rec.ID, &createdAt, &rec.CaptureID, &rec.Preset, &rec.Transcript, &rec.Text); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse recommendation created_at: %w", err)
		}
		rec.CreatedAt = parsed
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendation rows: %w", err)
	}

	return recs, nil
}

// ClaimUpload reports whether this call is the first to claim uploading name
// for the capture.
func (s *SQLiteStore) ClaimUpload(captureID, name string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO uploads(capture_id, name) VALUES(?, ?)`,
		captureID,
		name,
	)
	if err != nil {
		return false, fmt.Errorf("claim upload for capture %s: %w", captureID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim upload rows affected: %w", err)
	}

	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapture(row rowScanner) (Capture, error) {
	var c Capture
	var createdAt string
	if err := row.Scan(&c.ID, &createdAt, &c.MimeType, &c.AudioPath, &c.Seconds, &c.Size, &c.Source, &c.Transcript, &c.TranscriptStatus, &c.Error); err != nil {
		return Capture{}, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Capture{}, fmt.Errorf("parse created_at: %w", err)
	}
	c.CreatedAt = parsed
	return c, nil
}
