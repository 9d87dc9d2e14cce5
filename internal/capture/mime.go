package capture

import (
	"mime"
	"path/filepath"
	"strings"
)

const (
	MimeWAV  = "audio/wav"
	MimeFLAC = "audio/flac"
	MimeWebM = "audio/webm"
)

// Extension maps a container MIME type to the file extension recordings are
// stored under. Unknown types get ".bin".
func Extension(mimeType string) string {
	switch MediaType(mimeType) {
	case MimeWAV, "audio/x-wav", "audio/wave":
		return ".wav"
	case MimeFLAC, "audio/x-flac":
		return ".flac"
	case MimeWebM:
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".bin"
	}
}

// MimeFromPath is the inverse of Extension.
func MimeFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return MimeWAV
	case ".flac":
		return MimeFLAC
	case ".mp3":
		return "audio/mpeg"
	case ".webm":
		return MimeWebM
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

// MediaType strips parameters such as codecs from a MIME type.
func MediaType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}
