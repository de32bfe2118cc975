package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

// Writer keeps one markdown transcript file per call, grouped by day.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write replaces the transcript for key and returns the file path.
func (w *Writer) Write(key string, turns []transcript.Turn) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.Path(key, turns)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	doc := RenderTranscript(key, turns)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(doc), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", path, err)
	}

	return path, nil
}

// Path is where Write stores the transcript for key.
func (w *Writer) Path(key string, turns []transcript.Turn) string {
	date := "undated"
	if len(turns) > 0 {
		date = turns[0].At.Format("2006-01-02")
	}
	return filepath.Join(w.dir, date, key+".md")
}

func RenderTranscript(key string, turns []transcript.Turn) string {
	return transcript.RenderMarkdown("Call "+key, turns)
}
