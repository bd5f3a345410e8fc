package m3u8

import (
	"errors"
	"fmt"
	"time"

	"hlsfetch/internal/byterange"
)

// Encryption methods understood by the pipeline.
const (
	MethodNone   = "NONE"
	MethodAES128 = "AES-128"
)

// ErrMissingHeader is returned when a document does not start with #EXTM3U.
var ErrMissingHeader = errors.New("missing #EXTM3U header")

// ParseError reports a fatal problem found while parsing a playlist.
type ParseError struct {
	// Line is the 1-based line number, or 0 when the error is not tied to a line.
	Line int
	Tag  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Tag, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Playlist is the parsed form of a media or multivariant playlist.
// It is never modified after Parse returns.
type Playlist struct {
	Version               int
	TargetDuration        float64
	MediaSequence         int64
	DiscontinuitySequence int64
	// PlaylistType is EVENT, VOD or empty.
	PlaylistType string
	IsEndList    bool
	IsMaster     bool
	IFramesOnly  bool
	Start        *Start

	Segments []*Segment

	// Multivariant playlist entries.
	Variants       []*Variant
	IFrameVariants []*Variant
	Media          []*Media
}

// Sequences returns the sequence numbers of all segments in order.
func (p *Playlist) Sequences() []int64 {
	seqs := make([]int64, len(p.Segments))
	for i, s := range p.Segments {
		seqs[i] = s.Num
	}
	return seqs
}

// LastSequence returns the sequence number of the final segment, or -1 when empty.
func (p *Playlist) LastSequence() int64 {
	if len(p.Segments) == 0 {
		return -1
	}
	return p.Segments[len(p.Segments)-1].Num
}

// Segment is a single media segment entry.
type Segment struct {
	// Num is the absolute sequence number: media sequence plus position.
	Num      int64
	URI      string
	Duration float64
	Title    string
	// ByteRange is the raw directive; it is resolved later against previous segments.
	ByteRange       *byterange.Directive
	Key             *Key
	Map             *Map
	Discontinuity   bool
	ProgramDateTime time.Time
}

// Key describes an EXT-X-KEY tag.
type Key struct {
	Method            string
	URI               string
	IV                []byte
	KeyFormat         string
	KeyFormatVersions string
}

// Map describes an EXT-X-MAP initialization section.
type Map struct {
	URI       string
	ByteRange *byterange.Directive
}

// Identity is the cache key of the map: its URI plus the raw byte range directive.
func (m *Map) Identity() string {
	if m.ByteRange == nil {
		return m.URI
	}
	return m.URI + "|" + m.ByteRange.String()
}

// Start describes EXT-X-START.
type Start struct {
	TimeOffset float64
	Precise    bool
}

// Resolution is a WIDTHxHEIGHT attribute value.
type Resolution struct {
	Width  int
	Height int
}

// Variant is an EXT-X-STREAM-INF or EXT-X-I-FRAME-STREAM-INF entry.
type Variant struct {
	URI              string
	Bandwidth        int64
	AverageBandwidth int64
	Codecs           string
	Resolution       *Resolution
	FrameRate        float64
	Audio            string
	Video            string
	Subtitles        string
	IFrame           bool
}

// Media is an EXT-X-MEDIA rendition.
type Media struct {
	Type       string
	GroupID    string
	Language   string
	Name       string
	Default    bool
	AutoSelect bool
	Channels   string
	URI        string
}
