package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"hlsfetch/internal/config"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/m3u8"
	"hlsfetch/internal/mux"
	"hlsfetch/internal/session"
	"hlsfetch/internal/transport"
)

// Opener turns resolved streams into readable byte streams.
type Opener struct {
	transport transport.Transport
	cfg       config.HLSConfig
	muxer     *mux.FFmpeg
	logger    logger.Logger
}

// NewOpener creates an opener. muxer may be nil when no stream needs muxing.
func NewOpener(t transport.Transport, cfg config.HLSConfig, muxer *mux.FFmpeg, log logger.Logger) *Opener {
	return &Opener{transport: t, cfg: cfg, muxer: muxer, logger: log}
}

// Discover fetches url and returns its streams. A media playlist yields a single stream named "live".
func (o *Opener) Discover(ctx context.Context, url string) (*StreamSet, error) {
	resp, err := o.transport.Get(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	pl, err := m3u8.Parse(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if !pl.IsMaster {
		return NewStreamSet(&Stream{Name: "live", URL: resp.URL}), nil
	}
	return Resolve(string(resp.Body), resp.URL, Options{AudioSelect: o.cfg.AudioSelect})
}

// Open starts reading s. Muxed streams open one session per playlist and combine them with ffmpeg.
func (o *Opener) Open(ctx context.Context, s *Stream) (io.ReadCloser, error) {
	if !s.Muxed() {
		return session.NewStream(s.URL, o.transport, o.cfg, o.logger).Open(ctx)
	}
	if o.muxer == nil {
		return nil, errors.New("stream requires muxing but no muxer is configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	var readers []*session.Reader
	var inputs []io.Reader
	for _, u := range s.URLs() {
		r, err := session.NewStream(u, o.transport, o.cfg, o.logger).Open(ctx)
		if err != nil {
			cancel()
			for _, opened := range readers {
				opened.Close()
			}
			return nil, err
		}
		readers = append(readers, r)
		inputs = append(inputs, r)
	}

	pr, pw := io.Pipe()
	m := &muxedReader{PipeReader: pr, readers: readers, cancel: cancel}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := o.muxer.Mux(ctx, inputs, pw)
		// unblock inputs left behind by a failed ffmpeg process
		for _, r := range readers {
			r.Close()
		}
		pw.CloseWithError(err)
	}()
	o.logger.Infof("Muxing %d playlists for stream %s", len(inputs), s.Name)
	return m, nil
}

type muxedReader struct {
	*io.PipeReader
	readers []*session.Reader
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (m *muxedReader) Close() error {
	m.cancel()
	m.PipeReader.Close()
	for _, r := range m.readers {
		r.Close()
	}
	m.wg.Wait()
	return nil
}

// Err reports the first fatal error of the muxed playlists.
func (m *muxedReader) Err() error {
	for _, r := range m.readers {
		if err := r.Err(); err != nil {
			return err
		}
	}
	return nil
}
