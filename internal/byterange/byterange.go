// Package byterange resolves EXT-X-BYTERANGE style "length[@offset]" directives
// into absolute, inclusive HTTP byte ranges.
package byterange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrMissingOffset is returned when a directive omits its offset and the directly
// preceding entry of the same identity had no range.
var ErrMissingOffset = errors.New("missing BYTERANGE offset")

// Directive is a parsed "length[@offset]" value.
type Directive struct {
	Length    int64
	Offset    int64
	HasOffset bool
}

// ParseDirective parses "length" or "length@offset".
func ParseDirective(value string) (Directive, error) {
	value = strings.TrimSpace(value)
	lengthPart, offsetPart, hasOffset := strings.Cut(value, "@")

	length, err := strconv.ParseInt(lengthPart, 10, 64)
	if err != nil || length < 0 {
		return Directive{}, fmt.Errorf("invalid byte range length %q", lengthPart)
	}

	d := Directive{Length: length}
	if hasOffset {
		offset, err := strconv.ParseInt(offsetPart, 10, 64)
		if err != nil || offset < 0 {
			return Directive{}, fmt.Errorf("invalid byte range offset %q", offsetPart)
		}
		d.Offset = offset
		d.HasOffset = true
	}
	return d, nil
}

// String renders the directive in playlist form.
func (d Directive) String() string {
	if d.HasOffset {
		return fmt.Sprintf("%d@%d", d.Length, d.Offset)
	}
	return strconv.FormatInt(d.Length, 10)
}

// Range is an inclusive byte span.
type Range struct {
	Start int64
	End   int64
}

// Header renders the value of an HTTP Range request header.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Size returns the number of bytes covered by the range.
func (r Range) Size() int64 {
	return r.End - r.Start + 1
}

// cursor is the last range resolved for an identity and the sequence number it belonged to.
type cursor struct {
	seq int64
	end int64
}

// Tracker keeps one cursor per resource identity.
type Tracker struct {
	mu      sync.Mutex
	cursors map[string]cursor
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{cursors: make(map[string]cursor)}
}

// Resolve turns a directive of the entry with sequence number seq into an absolute range
// and advances the identity's cursor. A directive without an offset continues the previous
// range only if that range belonged to sequence seq-1.
func (t *Tracker) Resolve(identity string, seq int64, d Directive) (Range, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var start int64
	if d.HasOffset {
		start = d.Offset
	} else {
		prev, ok := t.cursors[identity]
		if !ok || prev.seq != seq-1 {
			return Range{}, ErrMissingOffset
		}
		start = prev.end + 1
	}

	end := start + max(d.Length-1, 0)
	t.cursors[identity] = cursor{seq: seq, end: end}
	return Range{Start: start, End: end}, nil
}
