// Package m3u8 parses HLS media and multivariant playlists.
package m3u8

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hlsfetch/internal/byterange"
)

var reAttribute = regexp.MustCompile(`([a-zA-Z0-9_-]+)=("[^"]*"|[^",]*)`)

type tagFunc func(p *parser, value string) error

// tagParsers maps tag names to their handlers. Tags not listed here are ignored.
var tagParsers = map[string]tagFunc{
	"EXT-X-VERSION":                (*parser).parseVersion,
	"EXT-X-TARGETDURATION":         (*parser).parseTargetDuration,
	"EXT-X-MEDIA-SEQUENCE":         (*parser).parseMediaSequence,
	"EXT-X-DISCONTINUITY-SEQUENCE": (*parser).parseDiscontinuitySequence,
	"EXT-X-PLAYLIST-TYPE":          (*parser).parsePlaylistType,
	"EXT-X-ENDLIST":                (*parser).parseEndList,
	"EXT-X-I-FRAMES-ONLY":          (*parser).parseIFramesOnly,
	"EXTINF":                       (*parser).parseExtInf,
	"EXT-X-BYTERANGE":              (*parser).parseByteRange,
	"EXT-X-DISCONTINUITY":          (*parser).parseDiscontinuity,
	"EXT-X-KEY":                    (*parser).parseKey,
	"EXT-X-MAP":                    (*parser).parseMap,
	"EXT-X-PROGRAM-DATE-TIME":      (*parser).parseProgramDateTime,
	"EXT-X-START":                  (*parser).parseStart,
	"EXT-X-STREAM-INF":             (*parser).parseStreamInf,
	"EXT-X-I-FRAME-STREAM-INF":     (*parser).parseIFrameStreamInf,
	"EXT-X-MEDIA":                  (*parser).parseMedia,
}

// Option configures Parse.
type Option func(*parser)

// WithBaseURL resolves every relative URI in the playlist against base.
func WithBaseURL(base string) Option {
	return func(p *parser) {
		if u, err := url.Parse(base); err == nil && base != "" {
			p.base = u
		}
	}
}

type parser struct {
	base     *url.URL
	playlist *Playlist

	// state carried from tags to the next URI line
	duration      float64
	title         string
	byteRange     *byterange.Directive
	discontinuity bool
	dateTime      time.Time
	streamInf     *Variant

	key  *Key
	imap *Map
}

// Parse reads a playlist document. The header must be the first non-blank line.
func Parse(text string, opts ...Option) (*Playlist, error) {
	p := &parser{playlist: &Playlist{}}
	for _, opt := range opts {
		opt(p)
	}

	lines := strings.Split(text, "\n")
	headerSeen := false
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if i == 0 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" {
			continue
		}

		if !headerSeen {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, &ParseError{Err: ErrMissingHeader}
			}
			headerSeen = true
			continue
		}

		if err := p.parseLine(line); err != nil {
			return nil, &ParseError{Line: i + 1, Tag: tagName(line), Err: err}
		}
	}

	if !headerSeen {
		return nil, &ParseError{Err: ErrMissingHeader}
	}
	return p.playlist, nil
}

func tagName(line string) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(line, "#"), ":")
	return name
}

func (p *parser) parseLine(line string) error {
	if !strings.HasPrefix(line, "#") {
		p.parseURI(line)
		return nil
	}
	if !strings.HasPrefix(line, "#EXT") {
		return nil
	}

	name, value, _ := strings.Cut(line[1:], ":")
	fn, ok := tagParsers[name]
	if !ok {
		return nil
	}
	return fn(p, value)
}

func (p *parser) parseURI(line string) {
	uri := p.resolve(line)

	if p.streamInf != nil {
		p.streamInf.URI = uri
		p.playlist.Variants = append(p.playlist.Variants, p.streamInf)
		p.streamInf = nil
		return
	}

	seg := &Segment{
		Num:             p.playlist.MediaSequence + int64(len(p.playlist.Segments)),
		URI:             uri,
		Duration:        p.duration,
		Title:           p.title,
		ByteRange:       p.byteRange,
		Key:             p.key,
		Map:             p.imap,
		Discontinuity:   p.discontinuity,
		ProgramDateTime: p.dateTime,
	}
	p.playlist.Segments = append(p.playlist.Segments, seg)

	p.duration = 0
	p.title = ""
	p.byteRange = nil
	p.discontinuity = false
	p.dateTime = time.Time{}
}

func (p *parser) resolve(uri string) string {
	if p.base == nil || uri == "" {
		return uri
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return p.base.ResolveReference(ref).String()
}

func (p *parser) parseVersion(value string) error {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid version %q", value)
	}
	p.playlist.Version = v
	return nil
}

func (p *parser) parseTargetDuration(value string) error {
	d, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || d < 0 {
		return fmt.Errorf("invalid target duration %q", value)
	}
	p.playlist.TargetDuration = d
	return nil
}

func (p *parser) parseMediaSequence(value string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid media sequence %q", value)
	}
	p.playlist.MediaSequence = n
	return nil
}

func (p *parser) parseDiscontinuitySequence(value string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid discontinuity sequence %q", value)
	}
	p.playlist.DiscontinuitySequence = n
	return nil
}

func (p *parser) parsePlaylistType(value string) error {
	p.playlist.PlaylistType = strings.ToUpper(strings.TrimSpace(value))
	return nil
}

func (p *parser) parseEndList(string) error {
	p.playlist.IsEndList = true
	return nil
}

func (p *parser) parseIFramesOnly(string) error {
	p.playlist.IFramesOnly = true
	return nil
}

func (p *parser) parseExtInf(value string) error {
	durPart, title, _ := strings.Cut(value, ",")
	d, err := strconv.ParseFloat(strings.TrimSpace(durPart), 64)
	if err != nil || d < 0 {
		return fmt.Errorf("invalid segment duration %q", durPart)
	}
	p.duration = d
	p.title = strings.TrimSpace(title)
	return nil
}

func (p *parser) parseByteRange(value string) error {
	d, err := byterange.ParseDirective(value)
	if err != nil {
		return err
	}
	p.byteRange = &d
	return nil
}

// parseDiscontinuity marks the next segment and drops the active map.
func (p *parser) parseDiscontinuity(string) error {
	p.discontinuity = true
	p.imap = nil
	return nil
}

func (p *parser) parseKey(value string) error {
	attrs := parseAttributes(value)
	method := strings.ToUpper(attrs["METHOD"])
	if method == "" {
		method = MethodNone
	}

	key := &Key{
		Method:            method,
		KeyFormat:         attrs["KEYFORMAT"],
		KeyFormatVersions: attrs["KEYFORMATVERSIONS"],
	}
	if uri, ok := attrs["URI"]; ok {
		key.URI = p.resolve(uri)
	}
	if iv, ok := attrs["IV"]; ok {
		b, err := parseIV(iv)
		if err != nil {
			return err
		}
		key.IV = b
	}
	p.key = key
	return nil
}

// parseIV decodes a 0x-prefixed hex integer into a 16-byte big-endian value.
func parseIV(value string) ([]byte, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil || len(b) == 0 || len(b) > 16 {
		return nil, fmt.Errorf("invalid IV %q", value)
	}
	iv := make([]byte, 16)
	copy(iv[16-len(b):], b)
	return iv, nil
}

func (p *parser) parseMap(value string) error {
	attrs := parseAttributes(value)
	m := &Map{URI: p.resolve(attrs["URI"])}
	if br, ok := attrs["BYTERANGE"]; ok {
		d, err := byterange.ParseDirective(br)
		if err != nil {
			return err
		}
		m.ByteRange = &d
	}
	p.imap = m
	return nil
}

func (p *parser) parseProgramDateTime(value string) error {
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value)); err == nil {
		p.dateTime = t
	}
	return nil
}

func (p *parser) parseStart(value string) error {
	attrs := parseAttributes(value)
	offset, err := strconv.ParseFloat(attrs["TIME-OFFSET"], 64)
	if err != nil {
		return nil
	}
	p.playlist.Start = &Start{TimeOffset: offset, Precise: attrs["PRECISE"] == "YES"}
	return nil
}

func (p *parser) parseStreamInf(value string) error {
	p.playlist.IsMaster = true
	p.streamInf = parseVariant(parseAttributes(value))
	return nil
}

func (p *parser) parseIFrameStreamInf(value string) error {
	attrs := parseAttributes(value)
	v := parseVariant(attrs)
	v.IFrame = true
	v.URI = p.resolve(attrs["URI"])
	p.playlist.IsMaster = true
	p.playlist.IFrameVariants = append(p.playlist.IFrameVariants, v)
	return nil
}

func parseVariant(attrs map[string]string) *Variant {
	v := &Variant{
		Codecs:    attrs["CODECS"],
		Audio:     attrs["AUDIO"],
		Video:     attrs["VIDEO"],
		Subtitles: attrs["SUBTITLES"],
	}
	v.Bandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
	v.AverageBandwidth, _ = strconv.ParseInt(attrs["AVERAGE-BANDWIDTH"], 10, 64)
	v.FrameRate, _ = strconv.ParseFloat(attrs["FRAME-RATE"], 64)
	if res, ok := attrs["RESOLUTION"]; ok {
		w, h, _ := strings.Cut(strings.ToLower(res), "x")
		width, errW := strconv.Atoi(w)
		height, errH := strconv.Atoi(h)
		if errW == nil && errH == nil {
			v.Resolution = &Resolution{Width: width, Height: height}
		}
	}
	return v
}

func (p *parser) parseMedia(value string) error {
	attrs := parseAttributes(value)
	m := &Media{
		Type:       strings.ToUpper(attrs["TYPE"]),
		GroupID:    attrs["GROUP-ID"],
		Language:   attrs["LANGUAGE"],
		Name:       attrs["NAME"],
		Default:    attrs["DEFAULT"] == "YES",
		AutoSelect: attrs["AUTOSELECT"] == "YES",
		Channels:   attrs["CHANNELS"],
	}
	if uri, ok := attrs["URI"]; ok {
		m.URI = p.resolve(uri)
	}
	p.playlist.IsMaster = true
	p.playlist.Media = append(p.playlist.Media, m)
	return nil
}

// parseAttributes splits an attribute list. Quoted values may contain commas.
func parseAttributes(value string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range reAttribute.FindAllStringSubmatch(value, -1) {
		v := m[2]
		if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
			v = v[1 : len(v)-1]
		}
		attrs[strings.ToUpper(m[1])] = v
	}
	return attrs
}
