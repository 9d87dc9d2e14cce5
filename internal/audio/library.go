package audio

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sjawhar/sitevoice/internal/capture"
)

// Library stores finished recordings on disk, one file per capture.
type Library struct {
	dir string

	// Compress re-encodes WAV recordings to MP3 when ffmpeg or lame is
	// available, keeping the WAV when neither is.
	Compress bool

	encode func(wavPath, id string) (string, error)
}

func NewLibrary(dir string) *Library {
	if dir == "" {
		dir = filepath.Join("data", "audio")
	}
	l := &Library{dir: dir}
	l.encode = l.defaultEncode
	return l
}

func (l *Library) Dir() string { return l.dir }

// Save writes blob under id and returns the final path.
func (l *Library) Save(id string, blob []byte, mimeType string) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create audio directory: %w", err)
	}

	path := filepath.Join(l.dir, id+capture.Extension(mimeType))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}

	if !l.Compress || capture.MediaType(mimeType) != capture.MimeWAV {
		return path, nil
	}

	compressed, err := l.encode(path, id)
	if err != nil {
		slog.Warn("audio: keeping uncompressed recording", "id", id, "error", err)
		return path, nil
	}
	_ = os.Remove(path)
	return compressed, nil
}

func (l *Library) defaultEncode(wavPath, id string) (string, error) {
	mp3Path := filepath.Join(l.dir, id+".mp3")

	ffmpegErr := exec.Command("ffmpeg", "-y", "-loglevel", "error", "-i", wavPath, mp3Path).Run()
	if ffmpegErr == nil {
		return mp3Path, nil
	}

	lameErr := exec.Command("lame", "--quiet", wavPath, mp3Path).Run()
	if lameErr == nil {
		return mp3Path, nil
	}

	return "", fmt.Errorf("encode mp3: ffmpeg: %v; lame: %v", ffmpegErr, lameErr)
}
