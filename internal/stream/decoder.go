package stream

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decoder turns raw chunks into text. A multi-byte sequence cut by a chunk
// boundary is held back until the bytes completing it arrive.
type decoder struct {
	t    transform.Transformer
	rest []byte
}

func newDecoder() *decoder {
	return &decoder{t: unicode.UTF8.NewDecoder()}
}

func (d *decoder) decode(p []byte, atEOF bool) string {
	src := append(d.rest, p...)
	d.rest = nil
	if len(src) == 0 {
		return ""
	}

	// Invalid bytes become U+FFFD, three bytes each.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	var out []byte
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		switch err {
		case nil:
			return string(out)
		case transform.ErrShortDst:
			dst = make([]byte, 2*len(dst))
		case transform.ErrShortSrc:
			d.rest = append([]byte(nil), src...)
			return string(out)
		default:
			return string(out)
		}
	}
}

func (d *decoder) reset() {
	d.t.Reset()
	d.rest = nil
}
