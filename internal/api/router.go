package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"hlsfetch/internal/hls"
	"hlsfetch/internal/logger"
)

// Opener starts reading a resolved stream.
type Opener interface {
	Open(ctx context.Context, s *hls.Stream) (io.ReadCloser, error)
}

type API struct {
	streams *hls.StreamSet
	opener  Opener
	logger  logger.Logger
}

func New(streams *hls.StreamSet, opener Opener, log logger.Logger) http.Handler {
	api := &API{
		streams: streams,
		opener:  opener,
		logger:  log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /streams", api.handleStreams)
	mux.HandleFunc("GET /stream/{name}", api.handleStream)

	return mux
}

func (a *API) handleStreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.streams.Streams()); err != nil {
		a.logger.Errorf("Failed to encode stream list: %v", err)
	}
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	stream, ok := a.streams.Get(name)
	if !ok {
		http.Error(w, fmt.Sprintf("Stream %s not found", name), http.StatusNotFound)
		return
	}

	reader, err := a.opener.Open(r.Context(), stream)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open stream: %v", err), http.StatusBadGateway)
		return
	}
	defer reader.Close()

	a.logger.Infof("Serving stream %s to %s", stream.Name, r.RemoteAddr)
	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(flushWriter{w}, reader)
	if err != nil && r.Context().Err() == nil {
		a.logger.Warnf("Stream %s to %s ended after %d bytes: %v", stream.Name, r.RemoteAddr, n, err)
		return
	}
	if e, ok := reader.(interface{ Err() error }); ok && e.Err() != nil {
		a.logger.Warnf("Stream %s ended with error: %v", stream.Name, e.Err())
	}
	a.logger.Debugf("Stream %s to %s finished after %d bytes", stream.Name, r.RemoteAddr, n)
}

// flushWriter pushes every chunk to the client so live streams are not held back.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
