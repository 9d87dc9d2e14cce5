package pipeline

import "errors"

// ErrNoRecorder is returned by capture controls when no microphone is attached.
var ErrNoRecorder = errors.New("microphone unavailable")
