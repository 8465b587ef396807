package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// DefaultMaxLine bounds how much an unterminated line may buffer before it is
// flushed as noise.
const DefaultMaxLine = 1 << 20

// Encode frames an envelope as a single JSON line.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Line is one complete line read from a sidecar stream. Exactly one of
// Envelope (IsMessage) or Text is meaningful.
type Line struct {
	Envelope  Envelope
	Text      string
	IsMessage bool
}

// Decoder reassembles lines across arbitrary chunk boundaries. A partial
// trailing line is carried over to the next Feed.
type Decoder struct {
	buf     []byte
	MaxLine int
}

// NewDecoder returns a decoder with the default line bound.
func NewDecoder() *Decoder {
	return &Decoder{MaxLine: DefaultMaxLine}
}

// Feed appends a chunk and returns every line it completed, in stream order.
func (d *Decoder) Feed(chunk []byte) []Line {
	d.buf = append(d.buf, chunk...)

	var lines []Line
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if l, ok := parseLine(d.buf[:i]); ok {
			lines = append(lines, l)
		}
		d.buf = d.buf[i+1:]
	}

	if d.MaxLine > 0 && len(d.buf) > d.MaxLine {
		if l, ok := parseLine(d.buf); ok {
			lines = append(lines, l)
		}
		d.buf = nil
	}

	// Drop the consumed prefix so the backing array does not grow forever.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return lines
}

// Flush returns the buffered remainder as a final line, if any.
func (d *Decoder) Flush() []Line {
	rest := d.buf
	d.buf = nil
	if l, ok := parseLine(rest); ok {
		return []Line{l}
	}
	return nil
}

// Pending reports how many bytes are waiting for a newline.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func parseLine(raw []byte) (Line, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Line{}, false
	}

	if trimmed[0] == '{' {
		var env Envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Type != "" {
			return Line{Envelope: env, IsMessage: true}, true
		}
	}
	return Line{Text: string(trimmed)}, true
}

// ReadLines reads r until EOF, calling fn for every line in order. It returns
// nil on a clean EOF.
func ReadLines(r io.Reader, fn func(Line)) error {
	dec := NewDecoder()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, l := range dec.Feed(chunk[:n]) {
				fn(l)
			}
		}
		if err != nil {
			for _, l := range dec.Flush() {
				fn(l)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
