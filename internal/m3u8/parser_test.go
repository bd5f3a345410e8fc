package m3u8

import (
	"testing"

	grafov "github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsfetch/internal/byterange"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:10
#EXT-X-PROGRAM-DATE-TIME:2023-04-01T12:00:00.000Z
#EXT-X-MAP:URI="init.mp4",BYTERANGE="1234@0"
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example/k?a=1,b=2",IV=0x0000000000000000000000000000000A
#EXTINF:5.005,first
#EXT-X-BYTERANGE:5@3
media.mp4
#EXT-X-SOMETHING-NEW:FOO=bar
# plain comment
#EXTINF:4.5,
#EXT-X-BYTERANGE:7
media.mp4
#EXT-X-DISCONTINUITY
#EXT-X-KEY:METHOD=NONE
#EXTINF:6,
https://cdn.example/abs.ts
#EXT-X-ENDLIST
`

func TestParse_MediaPlaylist(t *testing.T) {
	pl, err := Parse(mediaPlaylist, WithBaseURL("https://example.com/live/index.m3u8"))
	require.NoError(t, err)

	assert.Equal(t, 7, pl.Version)
	assert.Equal(t, 6.0, pl.TargetDuration)
	assert.EqualValues(t, 10, pl.MediaSequence)
	assert.True(t, pl.IsEndList)
	assert.False(t, pl.IsMaster)
	require.Len(t, pl.Segments, 3)
	assert.Equal(t, []int64{10, 11, 12}, pl.Sequences())
	assert.EqualValues(t, 12, pl.LastSequence())

	first := pl.Segments[0]
	assert.Equal(t, "https://example.com/live/media.mp4", first.URI)
	assert.InDelta(t, 5.005, first.Duration, 1e-9)
	assert.Equal(t, "first", first.Title)
	assert.Equal(t, &byterange.Directive{Length: 5, Offset: 3, HasOffset: true}, first.ByteRange)
	assert.False(t, first.ProgramDateTime.IsZero())
	require.NotNil(t, first.Map)
	assert.Equal(t, "https://example.com/live/init.mp4", first.Map.URI)
	assert.Equal(t, "https://example.com/live/init.mp4|1234@0", first.Map.Identity())
	require.NotNil(t, first.Key)
	assert.Equal(t, MethodAES128, first.Key.Method)
	assert.Equal(t, "https://keys.example/k?a=1,b=2", first.Key.URI)
	assert.Equal(t, append(make([]byte, 15), 0x0A), first.Key.IV)

	second := pl.Segments[1]
	assert.Equal(t, &byterange.Directive{Length: 7}, second.ByteRange)
	assert.Same(t, first.Map, second.Map)
	assert.Same(t, first.Key, second.Key)
	assert.True(t, second.ProgramDateTime.IsZero())

	third := pl.Segments[2]
	assert.True(t, third.Discontinuity)
	assert.Nil(t, third.Map, "discontinuity resets the active map")
	assert.Nil(t, third.ByteRange)
	assert.Equal(t, MethodNone, third.Key.Method)
	assert.Equal(t, "https://cdn.example/abs.ts", third.URI)
}

func TestParse_MissingHeader(t *testing.T) {
	for _, text := range []string{"", "\n\n", "#EXTINF:1,\nfoo.ts\n#EXTM3U\n"} {
		_, err := Parse(text)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingHeader)
		assert.EqualError(t, err, "missing #EXTM3U header")
	}
}

func TestParse_LeadingBlankLinesAndBOM(t *testing.T) {
	pl, err := Parse("\ufeff#EXTM3U\r\n#EXTINF:2,\r\na.ts\r\n")
	require.NoError(t, err)
	require.Len(t, pl.Segments, 1)
	assert.Equal(t, "a.ts", pl.Segments[0].URI)

	_, err = Parse("\n  \n#EXTM3U\n")
	assert.NoError(t, err)
}

func TestParse_MalformedValuesAreFatal(t *testing.T) {
	cases := map[string]string{
		"EXTINF":               "#EXTM3U\n#EXTINF:abc,\na.ts\n",
		"EXT-X-TARGETDURATION": "#EXTM3U\n#EXT-X-TARGETDURATION:x\n",
		"EXT-X-MEDIA-SEQUENCE": "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1.5\n",
		"EXT-X-BYTERANGE":      "#EXTM3U\n#EXT-X-BYTERANGE:@5\n",
		"EXT-X-KEY":            "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k\",IV=0xZZ\n",
	}
	for tag, text := range cases {
		_, err := Parse(text)
		var perr *ParseError
		require.ErrorAs(t, err, &perr, tag)
		assert.Equal(t, tag, perr.Tag)
		assert.Equal(t, 2, perr.Line)
	}
}

func TestParse_MasterPlaylist(t *testing.T) {
	text := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",LANGUAGE="en",NAME="English",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",LANGUAGE="de",NAME="Deutsch",URI="audio/de.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1280000,AVERAGE-BANDWIDTH=1000000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=1280x720,FRAME-RATE=29.970,AUDIO="aac"
video/720.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=86000,URI="iframe.m3u8"
`
	pl, err := Parse(text, WithBaseURL("http://host/master.m3u8"))
	require.NoError(t, err)
	assert.True(t, pl.IsMaster)
	assert.Empty(t, pl.Segments)

	require.Len(t, pl.Variants, 1)
	v := pl.Variants[0]
	assert.Equal(t, "http://host/video/720.m3u8", v.URI)
	assert.EqualValues(t, 1280000, v.Bandwidth)
	assert.EqualValues(t, 1000000, v.AverageBandwidth)
	assert.Equal(t, "avc1.4d401f,mp4a.40.2", v.Codecs)
	assert.Equal(t, &Resolution{Width: 1280, Height: 720}, v.Resolution)
	assert.InDelta(t, 29.97, v.FrameRate, 1e-9)
	assert.Equal(t, "aac", v.Audio)

	require.Len(t, pl.IFrameVariants, 1)
	assert.True(t, pl.IFrameVariants[0].IFrame)
	assert.Equal(t, "http://host/iframe.m3u8", pl.IFrameVariants[0].URI)

	require.Len(t, pl.Media, 2)
	assert.Equal(t, "AUDIO", pl.Media[0].Type)
	assert.Equal(t, "English", pl.Media[0].Name)
	assert.True(t, pl.Media[0].Default)
	assert.Equal(t, "http://host/audio/de.m3u8", pl.Media[1].URI)
}

func TestParse_IFramesOnly(t *testing.T) {
	pl, err := Parse("#EXTM3U\n#EXT-X-I-FRAMES-ONLY\n#EXTINF:1,\na.ts\n")
	require.NoError(t, err)
	assert.True(t, pl.IFramesOnly)
}

func TestParse_Start(t *testing.T) {
	pl, err := Parse("#EXTM3U\n#EXT-X-START:TIME-OFFSET=-12.5,PRECISE=YES\n")
	require.NoError(t, err)
	require.NotNil(t, pl.Start)
	assert.Equal(t, -12.5, pl.Start.TimeOffset)
	assert.True(t, pl.Start.Precise)
}

// TestParse_GrafovEncodedPlaylist reads a playlist produced by an independent encoder.
func TestParse_GrafovEncodedPlaylist(t *testing.T) {
	src, err := grafov.NewMediaPlaylist(0, 3)
	require.NoError(t, err)
	require.NoError(t, src.SetDefaultKey("AES-128", "https://keys.example/key", "0x01", "", ""))
	require.NoError(t, src.Append("seg0.ts", 9.009, ""))
	require.NoError(t, src.Append("seg1.ts", 9.009, ""))
	require.NoError(t, src.Append("seg2.ts", 3.003, ""))
	src.Close()

	pl, err := Parse(src.Encode().String(), WithBaseURL("http://host/live/index.m3u8"))
	require.NoError(t, err)

	assert.True(t, pl.IsEndList)
	assert.GreaterOrEqual(t, pl.TargetDuration, 9.009)
	require.Len(t, pl.Segments, 3)
	assert.Equal(t, "http://host/live/seg2.ts", pl.Segments[2].URI)
	assert.InDelta(t, 3.003, pl.Segments[2].Duration, 1e-3)
	require.NotNil(t, pl.Segments[0].Key)
	assert.Equal(t, MethodAES128, pl.Segments[0].Key.Method)
	assert.Equal(t, append(make([]byte, 15), 0x01), pl.Segments[0].Key.IV)
}

func TestParseAttributes_QuotedCommas(t *testing.T) {
	attrs := parseAttributes(`A=1,B="x,y=z",C=,D="" `)
	assert.Equal(t, "1", attrs["A"])
	assert.Equal(t, "x,y=z", attrs["B"])
	assert.Equal(t, "", attrs["C"])
	assert.Equal(t, "", attrs["D"])
}
