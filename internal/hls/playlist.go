package hls

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"hlsfetch/internal/m3u8"
)

// ErrNotMultivariant is returned when Resolve is given a media playlist.
var ErrNotMultivariant = errors.New("playlist is not a multivariant playlist")

// Options control how renditions are selected from a multivariant playlist.
type Options struct {
	// AudioSelect lists languages or rendition names to mux with the video. "*" selects all.
	AudioSelect []string
}

// Stream is a named rendition. Audio holds extra media playlists to mux with URL.
type Stream struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	MasterURL string   `json:"master_url"`
	Bandwidth int64    `json:"bandwidth"`
	Audio     []string `json:"audio,omitempty"`
}

// Muxed reports whether the stream needs ffmpeg to combine several playlists.
func (s *Stream) Muxed() bool {
	return len(s.Audio) > 0
}

// URLs returns the video playlist followed by the selected audio playlists.
func (s *Stream) URLs() []string {
	return append([]string{s.URL}, s.Audio...)
}

// StreamSet is the ordered set of renditions found in a multivariant playlist.
type StreamSet struct {
	streams []*Stream
	byName  map[string]*Stream
}

// NewStreamSet creates a set from already named streams.
func NewStreamSet(streams ...*Stream) *StreamSet {
	set := &StreamSet{byName: make(map[string]*Stream)}
	for _, s := range streams {
		set.streams = append(set.streams, s)
		set.byName[s.Name] = s
	}
	return set
}

// Resolve names every stream-info entry in masterText and attaches the selected audio renditions.
func Resolve(masterText, baseURL string, opts Options) (*StreamSet, error) {
	pl, err := m3u8.Parse(masterText, m3u8.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse multivariant playlist: %w", err)
	}
	if !pl.IsMaster || len(pl.Variants) == 0 {
		return nil, ErrNotMultivariant
	}

	set := &StreamSet{byName: make(map[string]*Stream)}
	for _, v := range pl.Variants {
		name := variantName(pl, v)
		if _, taken := set.byName[name]; taken {
			name = name + "_alt"
		}
		if _, taken := set.byName[name]; taken {
			name = strings.TrimSuffix(name, "_alt") + "_alt2"
		}
		if _, taken := set.byName[name]; taken {
			continue
		}

		s := &Stream{
			Name:      name,
			URL:       v.URI,
			MasterURL: baseURL,
			Bandwidth: v.Bandwidth,
			Audio:     selectAudio(pl, v, opts.AudioSelect),
		}
		set.streams = append(set.streams, s)
		set.byName[name] = s
	}
	return set, nil
}

func variantName(pl *m3u8.Playlist, v *m3u8.Variant) string {
	if v.Video != "" {
		for _, m := range pl.Media {
			if m.Type == "VIDEO" && m.GroupID == v.Video && m.Name != "" {
				return m.Name
			}
		}
	}
	if v.Resolution != nil && v.Resolution.Height > 0 {
		return fmt.Sprintf("%dp", v.Resolution.Height)
	}
	return fmt.Sprintf("%dk", v.Bandwidth/1000)
}

// selectAudio returns the URIs of the variant's audio renditions matching any selector, in manifest order.
func selectAudio(pl *m3u8.Playlist, v *m3u8.Variant, selectors []string) []string {
	if len(selectors) == 0 {
		return nil
	}

	var uris []string
	for _, m := range pl.Media {
		if m.Type != "AUDIO" || m.URI == "" {
			continue
		}
		if v.Audio != "" && m.GroupID != v.Audio {
			continue
		}
		if !matchesAudio(m, selectors) || slices.Contains(uris, m.URI) {
			continue
		}
		uris = append(uris, m.URI)
	}
	return uris
}

func matchesAudio(m *m3u8.Media, selectors []string) bool {
	for _, sel := range selectors {
		switch {
		case sel == "*":
			return true
		case m.Language != "" && strings.EqualFold(m.Language, sel):
			return true
		case m.Name != "" && strings.EqualFold(m.Name, sel):
			return true
		}
	}
	return false
}

// Get returns the stream with the given name. "best" and "worst" select by bandwidth.
func (s *StreamSet) Get(name string) (*Stream, bool) {
	switch name {
	case "best":
		return s.Best(), len(s.streams) > 0
	case "worst":
		return s.Worst(), len(s.streams) > 0
	}
	stream, ok := s.byName[name]
	return stream, ok
}

// Names returns the stream names in manifest order.
func (s *StreamSet) Names() []string {
	names := make([]string, len(s.streams))
	for i, stream := range s.streams {
		names[i] = stream.Name
	}
	return names
}

// Streams returns the streams in manifest order.
func (s *StreamSet) Streams() []*Stream {
	return slices.Clone(s.streams)
}

// Best returns the stream with the highest bandwidth, the first one on ties.
func (s *StreamSet) Best() *Stream {
	var best *Stream
	for _, stream := range s.streams {
		if best == nil || stream.Bandwidth > best.Bandwidth {
			best = stream
		}
	}
	return best
}

// Worst returns the stream with the lowest bandwidth, the first one on ties.
func (s *StreamSet) Worst() *Stream {
	var worst *Stream
	for _, stream := range s.streams {
		if worst == nil || stream.Bandwidth < worst.Bandwidth {
			worst = stream
		}
	}
	return worst
}
