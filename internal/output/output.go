package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"hlsfetch/internal/config"
	"hlsfetch/internal/logger"
)

// Stdout is the output path that selects standard output.
const Stdout = "-"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Open returns the sink for target: "-" for stdout, an s3://bucket/key URL, or a file path.
func Open(ctx context.Context, target string, cfg config.S3Config, log logger.Logger) (io.WriteCloser, error) {
	switch {
	case target == "" || target == Stdout:
		return nopCloser{os.Stdout}, nil
	case strings.HasPrefix(target, "s3://"):
		bucket, key, err := ParseS3URL(target)
		if err != nil {
			return nil, err
		}
		return NewS3Writer(ctx, bucket, key, cfg, log)
	default:
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file: %w", err)
		}
		log.Infof("Writing stream to %s", target)
		return f, nil
	}
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid S3 URL %q", raw)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	key = strings.TrimPrefix(key, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: bucket and key are required", raw)
	}
	return bucket, key, nil
}
