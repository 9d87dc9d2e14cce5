package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/sitevoice/internal/transcribe"
)

// Writer appends transcripts and recommendations to one markdown journal
// file per day.
type Writer struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// AppendTranscript writes a capture heading followed by its segments, or the
// plain text when the provider returned no segments.
func (w *Writer) AppendTranscript(captureID string, recordedAt time.Time, tr *transcribe.Transcript) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s capture %s\n\n", recordedAt.Format("15:04:05"), captureID)
	if len(tr.Segments) == 0 {
		fmt.Fprintf(&b, "%s\n", strings.TrimSpace(tr.Text))
	}
	for _, seg := range tr.Segments {
		fmt.Fprintln(&b, seg.FormatMarkdown())
	}
	return w.write(recordedAt, b.String())
}

func (w *Writer) AppendRecommendation(rec Recommendation) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n### %s recommendation", rec.CreatedAt.Format("15:04:05"))
	if rec.Preset != "" {
		fmt.Fprintf(&b, " (%s)", rec.Preset)
	}
	fmt.Fprintf(&b, "\n\n%s\n", strings.TrimSpace(rec.Text))
	return w.write(rec.CreatedAt, b.String())
}

func (w *Writer) write(ts time.Time, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.PathFor(ts)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *Writer) PathFor(ts time.Time) string {
	return filepath.Join(w.dir, ts.Format("2006-01-02")+".md")
}

func (w *Writer) CurrentPath() string {
	return w.PathFor(w.now())
}
