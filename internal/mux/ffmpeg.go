package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"hlsfetch/internal/logger"
)

// firstPipeFD is the descriptor of the first entry in exec.Cmd.ExtraFiles.
const firstPipeFD = 3

// FFmpeg combines several elementary streams into one container by piping each
// input into its own file descriptor of an ffmpeg process.
type FFmpeg struct {
	Path   string
	Format string
	logger logger.Logger
}

// NewFFmpeg creates a muxer for the ffmpeg binary at path writing the given output format.
func NewFFmpeg(path, format string, log logger.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if format == "" {
		format = "mpegts"
	}
	return &FFmpeg{Path: path, Format: format, logger: log}
}

// Args builds the ffmpeg arguments for n inputs read from pipe:3, pipe:4 and so on.
func (f *FFmpeg) Args(n int) []string {
	args := []string{"-nostats", "-hide_banner", "-loglevel", "warning"}
	for i := 0; i < n; i++ {
		args = append(args, "-i", fmt.Sprintf("pipe:%d", firstPipeFD+i))
	}
	for i := 0; i < n; i++ {
		args = append(args, "-map", fmt.Sprintf("%d", i))
	}
	return append(args, "-c", "copy", "-copyts", "-f", f.Format, "pipe:1")
}

// Mux runs ffmpeg until every input reached EOF and the process exited.
// Video must be the first input.
func (f *FFmpeg) Mux(ctx context.Context, inputs []io.Reader, out io.Writer) error {
	if len(inputs) == 0 {
		return errors.New("no inputs to mux")
	}

	readers := make([]*os.File, 0, len(inputs))
	writers := make([]*os.File, 0, len(inputs))
	closeAll := func(files []*os.File) {
		for _, file := range files {
			file.Close()
		}
	}
	for range inputs {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(readers)
			closeAll(writers)
			return fmt.Errorf("failed to create pipe: %w", err)
		}
		readers = append(readers, r)
		writers = append(writers, w)
	}

	cmd := exec.CommandContext(ctx, f.Path, f.Args(len(inputs))...)
	cmd.ExtraFiles = readers
	cmd.Stdout = out
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(readers)
		closeAll(writers)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	f.logger.Debugf("Starting %s %s", f.Path, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		closeAll(readers)
		closeAll(writers)
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	// the child holds its own copies of the read ends
	closeAll(readers)

	var lastLine string
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			lastLine = scanner.Text()
			f.logger.Debugf("ffmpeg: %s", lastLine)
		}
	}()

	var wg sync.WaitGroup
	copyErrs := make([]error, len(inputs))
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in io.Reader, w *os.File) {
			defer wg.Done()
			defer w.Close()
			if _, err := io.Copy(w, in); err != nil && !errors.Is(err, syscall.EPIPE) {
				copyErrs[i] = fmt.Errorf("input %d: %w", i, err)
			}
		}(i, in, writers[i])
	}

	<-logged
	// a failed process leaves copies blocked on their inputs; the caller closes them
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if lastLine != "" {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	wg.Wait()
	return errors.Join(copyErrs...)
}
