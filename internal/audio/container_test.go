package audio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/mewkiz/flac"
)

func pcmFragments(samples []int16, fragmentSamples int) [][]byte {
	var fragments [][]byte
	for start := 0; start < len(samples); start += fragmentSamples {
		end := min(start+fragmentSamples, len(samples))
		fragments = append(fragments, appendPCM(nil, samples[start:end]))
	}
	return fragments
}

func TestWAVFinalizeWritesHeader(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 42}
	blob, err := WAV{SampleRate: 16000}.Finalize(pcmFragments(samples, 4))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if len(blob) != 44+len(samples)*2 {
		t.Fatalf("unexpected blob size %d", len(blob))
	}
	if string(blob[:4]) != "RIFF" || string(blob[8:16]) != "WAVEfmt " || string(blob[36:40]) != "data" {
		t.Fatalf("unexpected header %q", blob[:44])
	}
	if rate := binary.LittleEndian.Uint32(blob[24:28]); rate != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", rate)
	}
	if size := binary.LittleEndian.Uint32(blob[40:44]); int(size) != len(samples)*2 {
		t.Fatalf("expected data size %d, got %d", len(samples)*2, size)
	}

	decoded, err := decodePCM(blob[44:])
	if err != nil {
		t.Fatalf("decodePCM failed: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, decoded[i], samples[i])
		}
	}
}

func TestWAVFinalizeRejectsOddLength(t *testing.T) {
	if _, err := (WAV{SampleRate: 16000}).Finalize([][]byte{{1, 2, 3}}); err == nil {
		t.Fatal("expected error for truncated sample")
	}
}

func TestFLACFinalizeProducesStream(t *testing.T) {
	samples := make([]int16, flacBlockSize+flacBlockSize/4)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	blob, err := FLAC{SampleRate: 16000}.Finalize(pcmFragments(samples, 1600))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(blob) < 4 || string(blob[:4]) != "fLaC" {
		t.Fatal("output does not start with FLAC magic")
	}

	stream, err := flac.New(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("parse flac stream: %v", err)
	}
	if stream.Info.SampleRate != 16000 || stream.Info.NChannels != 1 || stream.Info.BitsPerSample != 16 {
		t.Fatalf("unexpected stream info %+v", stream.Info)
	}
}

func TestNewContainer(t *testing.T) {
	tests := []struct {
		name     string
		wantMime string
		wantErr  bool
	}{
		{name: "", wantMime: MimeWAV},
		{name: "WAV", wantMime: MimeWAV},
		{name: "flac", wantMime: MimeFLAC},
		{name: "opus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewContainer(tt.name, 16000)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewContainer failed: %v", err)
			}
			if c.MimeType() != tt.wantMime {
				t.Fatalf("expected %s, got %s", tt.wantMime, c.MimeType())
			}
		})
	}
}
