package capture

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("not recording")
	ErrNoAudioCaptured  = errors.New("no audio recorded")
	ErrCancelled        = errors.New("recording cancelled")
)

// DeviceAcquisitionError reports that the input device could not be opened,
// typically because permission was denied or no device exists.
type DeviceAcquisitionError struct {
	Err error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire audio device: %v", e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }

// EncodingError reports that the captured fragments could not be turned into
// a payload.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("failed to process audio: %v", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
