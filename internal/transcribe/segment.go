package transcribe

import (
	"fmt"
	"strings"
	"time"
)

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
}

type Segment struct {
	Speaker   int       `json:"speaker"`
	Text      string    `json:"text"`
	StartTime float64   `json:"start_time"`
	EndTime   float64   `json:"end_time"`
	Timestamp time.Time `json:"timestamp"`
}

// GroupWordsBySpeaker merges consecutive words from the same speaker.
// Word offsets are relative to recordedAt.
func GroupWordsBySpeaker(words []Word, recordedAt time.Time) []Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []Segment
	var current Segment
	started := false

	for _, w := range words {
		speaker := -1
		if w.Speaker != nil {
			speaker = *w.Speaker
		}

		if started && speaker == current.Speaker {
			current.Text += " " + w.PunctuatedWord
			current.EndTime = w.End
			continue
		}

		if started {
			segments = append(segments, current)
		}
		current = Segment{
			Speaker:   speaker,
			Text:      w.PunctuatedWord,
			StartTime: w.Start,
			EndTime:   w.End,
			Timestamp: offset(recordedAt, w.Start),
		}
		started = true
	}

	segments = append(segments, current)
	return segments
}

func offset(base time.Time, seconds float64) time.Time {
	return base.Add(time.Duration(seconds * float64(time.Second)))
}

func (s Segment) FormatMarkdown() string {
	ts := s.Timestamp.Format("15:04:05")
	if s.Speaker < 0 {
		return fmt.Sprintf("**[%s]** %s", ts, strings.TrimSpace(s.Text))
	}
	return fmt.Sprintf("**[%s] Speaker %d:** %s", ts, s.Speaker, strings.TrimSpace(s.Text))
}
