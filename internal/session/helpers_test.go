package session

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hlsfetch/internal/byterange"
	"hlsfetch/internal/key"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/transport"
)

const (
	testBase        = "http://test/"
	testPlaylistURL = testBase + "playlist.m3u8"
	failPlaylist    = "<fail>"
)

// fakeTransport serves a scripted series of playlists and a fixed set of resources.
type fakeTransport struct {
	mu        sync.Mutex
	playlists []string
	served    int
	resources map[string][]byte
	delays    map[string]time.Duration
	counts    map[string]int
	ranges    []string
}

func newFakeTransport(playlists ...string) *fakeTransport {
	return &fakeTransport{
		playlists: playlists,
		resources: make(map[string][]byte),
		delays:    make(map[string]time.Duration),
		counts:    make(map[string]int),
	}
}

func (f *fakeTransport) Get(ctx context.Context, url string, rng *byterange.Range) (*transport.Response, error) {
	f.mu.Lock()
	f.counts[url]++
	if rng != nil {
		f.ranges = append(f.ranges, url+" "+rng.Header())
	}

	if url == testPlaylistURL {
		if len(f.playlists) == 0 {
			f.mu.Unlock()
			return nil, &transport.Error{Kind: transport.KindHTTPStatus, URL: url, StatusCode: 404}
		}
		text := f.playlists[min(f.served, len(f.playlists)-1)]
		f.served++
		f.mu.Unlock()
		if text == failPlaylist {
			return nil, &transport.Error{Kind: transport.KindHTTPStatus, URL: url, StatusCode: 500}
		}
		return &transport.Response{URL: url, Body: []byte(text)}, nil
	}

	data, ok := f.resources[url]
	delay := f.delays[url]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, &transport.Error{Kind: transport.KindHTTPStatus, URL: url, StatusCode: 404}
	}
	if rng != nil {
		data = data[rng.Start:min(rng.End+1, int64(len(data)))]
	}
	return &transport.Response{URL: url, Body: data}, nil
}

func (f *fakeTransport) exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served >= len(f.playlists)
}

func (f *fakeTransport) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[url]
}

func (f *fakeTransport) set(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[url] = data
}

// recordingLogger keeps warnings and errors for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *recordingLogger) Debugf(format string, v ...interface{}) {}
func (l *recordingLogger) Infof(format string, v ...interface{})  {}
func (l *recordingLogger) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, v...))
}
func (l *recordingLogger) Errorf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}
func (l *recordingLogger) With(args ...interface{}) logger.Logger { return l }

func (l *recordingLogger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func (l *recordingLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// segmentEntry describes one playlist entry for buildPlaylist.
type segmentEntry struct {
	duration float64
	uri      string
	tags     []string
}

func buildPlaylist(mediaSequence int64, targetDuration float64, end bool, segs ...segmentEntry) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	if targetDuration > 0 {
		fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%g\n", targetDuration)
	}
	fmt.Fprintf(&sb, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	for i, s := range segs {
		for _, tag := range s.tags {
			sb.WriteString(tag + "\n")
		}
		uri := s.uri
		if uri == "" {
			uri = fmt.Sprintf("seg%d.ts", mediaSequence+int64(i))
		}
		fmt.Fprintf(&sb, "#EXTINF:%g,\n%s\n", s.duration, uri)
	}
	if end {
		sb.WriteString("#EXT-X-ENDLIST\n")
	}
	return sb.String()
}

func durations(ds ...float64) []segmentEntry {
	segs := make([]segmentEntry, len(ds))
	for i, d := range ds {
		segs[i] = segmentEntry{duration: d}
	}
	return segs
}

func segURL(n int64) string {
	return fmt.Sprintf("%sseg%d.ts", testBase, n)
}

var testKey = []byte("fedcba9876543210")

func encryptSegment(t *testing.T, plaintext []byte, seq int64) []byte {
	t.Helper()
	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(n)}, n)...)
	return encryptBlocks(t, padded, seq)
}

// encryptBlocks encrypts whole blocks as they are, without adding padding.
func encryptBlocks(t *testing.T, blocks []byte, seq int64) []byte {
	t.Helper()
	require.Zero(t, len(blocks)%aes.BlockSize)
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	out := make([]byte, len(blocks))
	cipher.NewCBCEncrypter(block, key.SequenceIV(seq)).CryptBlocks(out, blocks)
	return out
}
