package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"github.com/sjawhar/sitevoice/internal/capture"
)

const (
	MimeWAV  = capture.MimeWAV
	MimeFLAC = capture.MimeFLAC

	pcmChannels   = 1
	pcmBitDepth   = 16
	flacBlockSize = 4096
)

// NewContainer returns the container registered under name ("wav" or "flac").
func NewContainer(name string, sampleRate int) (capture.Container, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "wav":
		return WAV{SampleRate: sampleRate}, nil
	case "flac":
		return FLAC{SampleRate: sampleRate}, nil
	default:
		return nil, fmt.Errorf("unknown audio container %q", name)
	}
}

// WAV wraps PCM16-LE fragments in a RIFF header.
type WAV struct {
	SampleRate int
}

func (WAV) MimeType() string { return MimeWAV }

func (w WAV) Finalize(fragments [][]byte) ([]byte, error) {
	data := bytes.Join(fragments, nil)
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm data has odd length %d", len(data))
	}

	header, err := wavHeader(len(data), w.SampleRate, pcmChannels, pcmBitDepth)
	if err != nil {
		return nil, fmt.Errorf("build wav header: %w", err)
	}
	return append(header, data...), nil
}

// FLAC losslessly compresses PCM16-LE fragments into a FLAC stream.
type FLAC struct {
	SampleRate int
}

func (FLAC) MimeType() string { return MimeFLAC }

func (f FLAC) Finalize(fragments [][]byte) ([]byte, error) {
	samples, err := decodePCM(bytes.Join(fragments, nil))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(f.SampleRate),
		NChannels:     pcmChannels,
		BitsPerSample: pcmBitDepth,
	}
	enc, err := flac.NewEncoder(&buf, info)
	if err != nil {
		return nil, fmt.Errorf("create flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)

	for start := 0; start < len(samples); start += flacBlockSize {
		end := min(start+flacBlockSize, len(samples))
		block := make([]int32, end-start)
		for i, s := range samples[start:end] {
			block[i] = int32(s)
		}

		fr := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(len(block)),
				SampleRate:    uint32(f.SampleRate),
				Channels:      frame.ChannelsMono,
				BitsPerSample: pcmBitDepth,
			},
			Subframes: []*frame.Subframe{{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   block,
				NSamples:  len(block),
			}},
		}
		if err := enc.WriteFrame(fr); err != nil {
			return nil, fmt.Errorf("write flac frame: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close flac encoder: %w", err)
	}
	return buf.Bytes(), nil
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) ([]byte, error) {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8
	chunkSize := 36 + dataSize

	buf := bytes.NewBuffer(make([]byte, 0, 44))
	buf.WriteString("RIFF")
	if err := binary.Write(buf, binary.LittleEndian, uint32(chunkSize)); err != nil {
		return nil, err
	}
	buf.WriteString("WAVEfmt ")

	fields := []any{
		uint32(16),
		uint16(1),
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitDepth),
	}
	for _, field := range fields {
		if err := binary.Write(buf, binary.LittleEndian, field); err != nil {
			return nil, err
		}
	}

	buf.WriteString("data")
	if err := binary.Write(buf, binary.LittleEndian, uint32(dataSize)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
