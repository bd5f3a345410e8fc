package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsfetch/internal/config"
	"hlsfetch/internal/logger"
)

func testHLSConfig() config.HLSConfig {
	return config.HLSConfig{
		LiveEdge:       3,
		ReloadTime:     config.ReloadTime{Mode: config.ReloadFixed, Seconds: 0.01},
		SegmentThreads: 4,
		QueueSize:      5,
		BufferSize:     1 << 20,
	}
}

func openStream(t *testing.T, ft *fakeTransport, cfg config.HLSConfig, log logger.Logger) *Reader {
	t.Helper()
	if log == nil {
		log = logger.Nop()
	}
	r, err := NewStream(testPlaylistURL, ft, cfg, log).Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- result{data, err}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.data
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
		return nil
	}
}

// TestStream_OrderedOutputWithConcurrentFetches checks that slow early segments do not reorder output.
func TestStream_OrderedOutputWithConcurrentFetches(t *testing.T) {
	const n = 12
	ft := newFakeTransport(buildPlaylist(0, 1, true, durations(make([]float64, n)...)...))
	var want bytes.Buffer
	for i := int64(0); i < n; i++ {
		payload := []byte(fmt.Sprintf("[segment %02d]", i))
		want.Write(payload)
		ft.set(segURL(i), payload)
		ft.delays[segURL(i)] = time.Duration(n-i) * 3 * time.Millisecond
	}

	r := openStream(t, ft, testHLSConfig(), nil)
	assert.Equal(t, want.String(), string(readAll(t, r)))
	assert.NoError(t, r.Err())
}

func TestStream_EncryptedSegmentsFetchKeyOnce(t *testing.T) {
	keyTag := `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`
	ft := newFakeTransport(
		buildPlaylist(0, 1, false, segmentEntry{duration: 1, tags: []string{keyTag}}, segmentEntry{duration: 1}),
		buildPlaylist(1, 1, true, segmentEntry{duration: 1, tags: []string{keyTag}}, segmentEntry{duration: 1}, segmentEntry{duration: 1}),
	)
	ft.set(testBase+"key.bin", testKey)

	var want bytes.Buffer
	for i := int64(0); i < 4; i++ {
		payload := []byte(fmt.Sprintf("plaintext of segment %d", i))
		want.Write(payload)
		ft.set(segURL(i), encryptSegment(t, payload, i))
	}

	log := &recordingLogger{}
	r := openStream(t, ft, testHLSConfig(), log)
	assert.Equal(t, want.String(), string(readAll(t, r)))
	assert.Equal(t, 1, ft.count(testBase+"key.bin"))
	assert.Empty(t, log.Errors())
}

// TestStream_MapFetchedOnceAcrossPolls verifies maps are cached but written before each segment.
func TestStream_MapFetchedOnceAcrossPolls(t *testing.T) {
	mapTag := `#EXT-X-MAP:URI="init.mp4"`
	ft := newFakeTransport(
		buildPlaylist(0, 1, false, segmentEntry{duration: 1, tags: []string{mapTag}}, segmentEntry{duration: 1}, segmentEntry{duration: 1}),
		buildPlaylist(2, 1, true, segmentEntry{duration: 1, tags: []string{mapTag}}, segmentEntry{duration: 1}, segmentEntry{duration: 1}),
	)
	ft.set(testBase+"init.mp4", []byte("<init>"))
	var want bytes.Buffer
	for i := int64(0); i < 5; i++ {
		payload := []byte(fmt.Sprintf("[%d]", i))
		want.WriteString("<init>")
		want.Write(payload)
		ft.set(segURL(i), payload)
	}

	r := openStream(t, ft, testHLSConfig(), nil)
	assert.Equal(t, want.String(), string(readAll(t, r)))
	assert.Equal(t, 1, ft.count(testBase+"init.mp4"))
}

func TestStream_ByteRangeRequests(t *testing.T) {
	text := `#EXTM3U
#EXT-X-TARGETDURATION:1
#EXT-X-MAP:URI="media.mp4",BYTERANGE="4@0"
#EXTINF:1,
#EXT-X-BYTERANGE:3@4
media.mp4
#EXTINF:1,
#EXT-X-BYTERANGE:3
media.mp4
#EXT-X-ENDLIST
`
	ft := newFakeTransport(text)
	ft.set(testBase+"media.mp4", []byte("INITabcdef"))

	r := openStream(t, ft, testHLSConfig(), nil)
	assert.Equal(t, "INITabcINITdef", string(readAll(t, r)))
	assert.ElementsMatch(t, []string{
		testBase + "media.mp4 bytes=0-3",
		testBase + "media.mp4 bytes=4-6",
		testBase + "media.mp4 bytes=7-9",
	}, ft.ranges)
}

func TestStream_MissingByteRangeOffsetSkipsSegment(t *testing.T) {
	text := `#EXTM3U
#EXT-X-TARGETDURATION:1
#EXTINF:1,
#EXT-X-BYTERANGE:3
seg0.ts
#EXTINF:1,
seg1.ts
#EXT-X-ENDLIST
`
	ft := newFakeTransport(text)
	ft.set(segURL(0), []byte("zero"))
	ft.set(segURL(1), []byte("one"))

	log := &recordingLogger{}
	r := openStream(t, ft, testHLSConfig(), log)
	assert.Equal(t, "one", string(readAll(t, r)))
	assert.Equal(t, []string{"Failed to fetch segment 0: missing BYTERANGE offset"}, log.Errors())
	assert.Equal(t, 0, ft.count(segURL(0)))
}

func TestStream_ByteRangeAfterUnrangedSegmentSkipped(t *testing.T) {
	text := `#EXTM3U
#EXT-X-TARGETDURATION:1
#EXTINF:1,
#EXT-X-BYTERANGE:3@0
seg0.ts
#EXTINF:1,
seg1.ts
#EXTINF:1,
#EXT-X-BYTERANGE:5
seg2.ts
#EXT-X-ENDLIST
`
	ft := newFakeTransport(text)
	ft.set(segURL(0), []byte("zero"))
	ft.set(segURL(1), []byte("one"))
	ft.set(segURL(2), []byte("twotwo"))

	log := &recordingLogger{}
	r := openStream(t, ft, testHLSConfig(), log)
	assert.Equal(t, "zerone", string(readAll(t, r)))
	assert.Equal(t, []string{"Failed to fetch segment 2: missing BYTERANGE offset"}, log.Errors())
	assert.Equal(t, 0, ft.count(segURL(2)))
}

// TestStream_InvalidKeyMethod checks that a broken key context empties its segments only.
func TestStream_InvalidKeyMethod(t *testing.T) {
	ft := newFakeTransport(buildPlaylist(0, 1, true,
		segmentEntry{duration: 1, tags: []string{`#EXT-X-KEY:METHOD=INVALID,URI="key.bin"`}},
		segmentEntry{duration: 1},
		segmentEntry{duration: 1, tags: []string{`#EXT-X-KEY:METHOD=NONE`}},
	))
	for i := int64(0); i < 3; i++ {
		ft.set(segURL(i), []byte(fmt.Sprintf("[%d]", i)))
	}

	log := &recordingLogger{}
	r := openStream(t, ft, testHLSConfig(), log)
	assert.Equal(t, "[2]", string(readAll(t, r)))
	assert.Equal(t, []string{"Failed to create decryptor: unable to decrypt cipher INVALID"}, log.Errors())
	assert.Equal(t, 0, ft.count(testBase+"key.bin"))
}

func TestStream_CorruptSegmentOnlyAffectsItself(t *testing.T) {
	keyTag := `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`
	ft := newFakeTransport(buildPlaylist(0, 1, true,
		segmentEntry{duration: 1, tags: []string{keyTag}}, segmentEntry{duration: 1}, segmentEntry{duration: 1}, segmentEntry{duration: 1}))
	ft.set(testBase+"key.bin", testKey)
	ft.set(segURL(0), encryptSegment(t, []byte("first"), 0))
	ft.set(segURL(1), []byte("not a multiple of sixteen"))
	// a full block whose last byte claims three bytes of padding that are not there
	ft.set(segURL(2), encryptBlocks(t, []byte("corrupt padding\x03"), 2))
	ft.set(segURL(3), encryptSegment(t, []byte("fourth"), 3))

	log := &recordingLogger{}
	r := openStream(t, ft, testHLSConfig(), log)
	assert.Equal(t, "firstfourth", string(readAll(t, r)))
	assert.Equal(t, []string{
		"Error while decrypting segment 1: data must be padded to 16 byte boundary in CBC mode",
		"Error while decrypting segment 2: PKCS#7 padding is incorrect",
	}, log.Errors())
}

func TestStream_DiscontinuityIsLogged(t *testing.T) {
	ft := newFakeTransport(buildPlaylist(0, 1, true,
		segmentEntry{duration: 1},
		segmentEntry{duration: 1, tags: []string{"#EXT-X-DISCONTINUITY"}},
	))
	ft.set(segURL(0), []byte("a"))
	ft.set(segURL(1), []byte("b"))

	log := &recordingLogger{}
	r := openStream(t, ft, testHLSConfig(), log)
	assert.Equal(t, "ab", string(readAll(t, r)))
	require.Len(t, log.Warnings(), 1)
	assert.Contains(t, log.Warnings()[0], "discontinuity")
}

func TestStream_FatalFirstPoll(t *testing.T) {
	ft := newFakeTransport("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n")
	log := &recordingLogger{}
	r := openStream(t, ft, testHLSConfig(), log)

	assert.Empty(t, readAll(t, r))
	assert.ErrorIs(t, r.Err(), ErrVariantPlaylist)
	require.Len(t, log.Errors(), 1)
	assert.Contains(t, log.Errors()[0], "attempted to play a variant playlist")
}

// TestStream_CloseUnblocksReader ensures Close ends a live stream that is waiting for a reload.
func TestStream_CloseUnblocksReader(t *testing.T) {
	ft := newFakeTransport(buildPlaylist(0, 60, false, durations(2)...))
	ft.set(segURL(0), []byte("live"))
	cfg := testHLSConfig()
	cfg.ReloadTime = config.ReloadTime{}

	r := openStream(t, ft, cfg, nil)
	p := make([]byte, 4)
	_, err := io.ReadFull(r, p)
	require.NoError(t, err)
	assert.Equal(t, "live", string(p))

	readErr := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 1))
		readErr <- err
	}()

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	assert.Equal(t, io.EOF, <-readErr)
	assert.NoError(t, r.Err())
}

func TestStream_ParentContextCancel(t *testing.T) {
	ft := newFakeTransport(buildPlaylist(0, 60, false, durations(2)...))
	ft.set(segURL(0), []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewStream(testPlaylistURL, ft, testHLSConfig(), logger.Nop()).Open(ctx)
	require.NoError(t, err)
	defer r.Close()

	time.AfterFunc(50*time.Millisecond, cancel)
	readAll(t, r)
}
