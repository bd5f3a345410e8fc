package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hlsfetch/internal/api"
	"hlsfetch/internal/config"
	"hlsfetch/internal/hls"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/mux"
	"hlsfetch/internal/output"
	"hlsfetch/internal/transport"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] URL [STREAM]\n\nSTREAM is a rendition name, \"best\" (default) or \"worst\".\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	// 1. Parse command-line arguments
	configFile := flag.String("c", "", "Path to a YAML config file")
	outputPath := flag.String("o", "", "Output file, \"-\" for stdout, or s3://bucket/key")
	logLevel := flag.String("L", "", "Log level (error, warn, info, debug)")
	listenAddr := flag.String("serve", "", "Serve the streams over HTTP on this address instead of writing them")
	threads := flag.Int("threads", 0, "Number of concurrent segment fetches (1-10)")
	liveEdge := flag.Int("live-edge", 0, "Number of segments from the live edge to start at")
	reloadTime := flag.String("reload-time", "", "Playlist reload time: segment, live-edge, default or seconds")
	startOffset := flag.Duration("start-offset", 0, "Skip this much media at the start")
	duration := flag.Duration("duration", 0, "Stop after this much media")
	liveRestart := flag.Bool("live-restart", false, "Start live streams from the first available segment")
	var headers, audio []string
	flag.Func("header", "Extra HTTP header as Name=Value (repeatable)", func(v string) error {
		headers = append(headers, v)
		return nil
	})
	flag.Func("audio", "Audio language or name to mux, \"*\" for all (repeatable)", func(v string) error {
		audio = append(audio, strings.Split(v, ",")...)
		return nil
	})
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	url := flag.Arg(0)
	streamName := "best"
	if flag.NArg() > 1 {
		streamName = flag.Arg(1)
	}

	// 2. Load configuration; flags override the file and the environment
	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	config.ApplyEnv(cfg)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "o":
			cfg.Output.Path = *outputPath
		case "L":
			cfg.Log.Level = *logLevel
		case "serve":
			cfg.Server.Listen = *listenAddr
		case "threads":
			cfg.HLS.SegmentThreads = *threads
		case "live-edge":
			cfg.HLS.LiveEdge = *liveEdge
		case "reload-time":
			cfg.HLS.ReloadTime = config.ParseReloadTime(*reloadTime)
		case "start-offset":
			cfg.HLS.StartOffset = *startOffset
		case "duration":
			cfg.HLS.Duration = *duration
		case "live-restart":
			cfg.HLS.LiveRestart = *liveRestart
		}
	})
	for _, h := range headers {
		name, value, err := config.ParseHeader(h)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if cfg.HTTP.Headers == nil {
			cfg.HTTP.Headers = make(map[string]string)
		}
		cfg.HTTP.Headers[name] = value
	}
	if len(audio) > 0 {
		cfg.HLS.AudioSelect = audio
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// 3. Initialize logger
	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	log.Debugf("Log level set to: %s", cfg.Log.Level)

	// 4. Initialize services
	client := transport.NewClient(log, transport.Options{
		Headers:           cfg.HTTP.Headers,
		UserAgent:         cfg.HTTP.UserAgent,
		Timeout:           cfg.HTTP.Timeout,
		Attempts:          cfg.HTTP.Attempts,
		RetryDelay:        cfg.HTTP.RetryDelay,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
	})
	muxer := mux.NewFFmpeg(cfg.FFmpeg.Path, cfg.FFmpeg.Format, log)
	opener := hls.NewOpener(client, cfg.HLS, muxer, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	streams, err := opener.Discover(ctx, url)
	if err != nil {
		log.Errorf("Failed to discover streams: %v", err)
		os.Exit(1)
	}
	log.Infof("Available streams: %s", strings.Join(streams.Names(), ", "))

	if cfg.Server.Listen != "" {
		serve(ctx, cancel, cfg.Server.Listen, api.New(streams, opener, log), quit, log)
		return
	}

	stream, ok := streams.Get(streamName)
	if !ok {
		log.Errorf("Stream %s not found, available streams: %s", streamName, strings.Join(streams.Names(), ", "))
		os.Exit(1)
	}

	go func() {
		<-quit
		log.Infof("Interrupted, stopping stream...")
		cancel()
	}()

	if err := download(ctx, opener, stream, cfg, log); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// download writes one stream to the configured output until it ends or ctx is cancelled.
func download(ctx context.Context, opener *hls.Opener, stream *hls.Stream, cfg *config.Config, log logger.Logger) error {
	out, err := output.Open(ctx, cfg.Output.Path, cfg.Output.S3, log)
	if err != nil {
		return err
	}

	reader, err := opener.Open(ctx, stream)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to open stream %s: %w", stream.Name, err)
	}
	log.Infof("Opening stream: %s (%s)", stream.Name, stream.URL)

	n, copyErr := io.Copy(out, reader)
	reader.Close()
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		return fmt.Errorf("failed to write stream: %w", copyErr)
	}
	if e, ok := reader.(interface{ Err() error }); ok && e.Err() != nil {
		return e.Err()
	}
	log.Infof("Stream ended after %d bytes", n)
	return nil
}

func serve(ctx context.Context, cancel context.CancelFunc, addr string, handler http.Handler, quit <-chan os.Signal, log logger.Logger) {
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	// open streams never go idle on their own
	server.RegisterOnShutdown(cancel)

	go func() {
		log.Infof("Server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", addr, err)
			os.Exit(1)
		}
	}()

	<-quit
	log.Infof("Server is shutting down...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
		os.Exit(1)
	}

	log.Infof("Server exited gracefully")
}
