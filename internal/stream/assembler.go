package stream

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	contentPath  = "choices.0.delta.content"

	// DefaultMaxPending bounds the text held back while waiting for a line
	// terminator.
	DefaultMaxPending = 1 << 20
)

// Increment is emitted once per extracted token. Text always carries the full
// accumulated text so a subscriber can re-render without keeping state.
type Increment struct {
	Text  string
	Delta string
	Seq   int
}

// Assembler reassembles newline-delimited `data: {json}` records into a
// running text buffer. It is not safe for concurrent use: a single reader
// feeds it.
type Assembler struct {
	// MaxPending caps the undelivered text. Zero means DefaultMaxPending.
	MaxPending int

	onUpdate func(Increment)
	dec      *decoder
	pending  string
	text     strings.Builder
	seq      int
	done     bool
}

func NewAssembler(onUpdate func(Increment)) *Assembler {
	return &Assembler{onUpdate: onUpdate, dec: newDecoder()}
}

// Ingest decodes raw and processes every complete line it can. It reports
// whether the end-of-stream sentinel has been seen; once it has, further
// input is ignored.
func (a *Assembler) Ingest(raw []byte) (bool, error) {
	if a.done {
		return true, nil
	}

	a.pending += a.dec.decode(raw, false)

	for !a.done {
		idx := strings.IndexByte(a.pending, '\n')
		if idx < 0 {
			break
		}
		line := a.pending[:idx]
		a.pending = a.pending[idx+1:]

		if !a.consumeLine(line) {
			// Put the record back untouched and wait for more bytes.
			a.pending = line + "\n" + a.pending
			break
		}
	}

	if len(a.pending) > a.maxPending() {
		return a.done, ErrPendingOverflow
	}
	return a.done, nil
}

// consumeLine returns false when the line is a data record whose JSON does not
// parse yet.
func (a *Assembler) consumeLine(raw string) bool {
	line := strings.TrimSuffix(raw, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return true
	}

	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return true
	}

	if payload == doneSentinel {
		a.done = true
		a.pending = ""
		return true
	}

	if !gjson.Valid(payload) {
		slog.Debug("stream: incomplete record, waiting for more data", "bytes", len(payload))
		return false
	}

	content := gjson.Get(payload, contentPath)
	if content.Type != gjson.String || content.Str == "" {
		return true
	}

	a.text.WriteString(content.Str)
	a.seq++
	if a.onUpdate != nil {
		a.onUpdate(Increment{Text: a.text.String(), Delta: content.Str, Seq: a.seq})
	}
	return true
}

// Finish flushes the decoder and drops whatever is still pending. It returns
// the number of bytes discarded.
func (a *Assembler) Finish() int {
	leftover := len(a.pending) + len(a.dec.decode(nil, true))
	a.pending = ""
	if leftover > 0 {
		slog.Debug("stream: discarding trailing partial record", "bytes", leftover)
	}
	return leftover
}

func (a *Assembler) Text() string { return a.text.String() }

func (a *Assembler) Pending() string { return a.pending }

func (a *Assembler) Done() bool { return a.done }

// Reset clears all state so the assembler can consume a new stream.
func (a *Assembler) Reset() {
	a.dec.reset()
	a.pending = ""
	a.text.Reset()
	a.seq = 0
	a.done = false
}

func (a *Assembler) maxPending() int {
	if a.MaxPending > 0 {
		return a.MaxPending
	}
	return DefaultMaxPending
}
