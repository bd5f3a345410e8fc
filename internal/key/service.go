package key

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"hlsfetch/internal/cache"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/m3u8"
	"hlsfetch/internal/transport"
)

// ErrMissingURI is returned for an encrypted segment whose key has no URI.
var ErrMissingURI = errors.New("missing URI for decryption key")

// Service resolves EXT-X-KEY entries into decryptors for a single stream.
// Raw key bytes are fetched at most once per (URI, method); failures are remembered
// and logged only the first time.
type Service struct {
	transport   transport.Transport
	keys        *cache.Cache
	logger      logger.Logger
	uriTemplate string
}

// NewService creates a key service. uriTemplate may be empty; otherwise its
// {scheme}, {netloc}, {path} and {query} placeholders are filled from each key URI.
func NewService(t transport.Transport, log logger.Logger, uriTemplate string) *Service {
	return &Service{
		transport:   t,
		keys:        cache.New(log, "key"),
		logger:      log,
		uriTemplate: uriTemplate,
	}
}

// Decryptor returns the decryptor for a segment with sequence number seq.
// A nil key or a NONE method yields a nil decryptor.
func (s *Service) Decryptor(ctx context.Context, k *m3u8.Key, seq int64) (*Decryptor, error) {
	if k == nil || strings.EqualFold(k.Method, m3u8.MethodNone) {
		return nil, nil
	}

	uri := s.KeyURI(k.URI)
	identity := k.Method + "|" + uri

	raw, loaded, err := s.keys.GetOrLoad(ctx, identity, func(ctx context.Context) ([]byte, error) {
		return s.fetch(ctx, k.Method, uri)
	})
	if err != nil {
		if loaded && ctx.Err() == nil {
			s.logger.Errorf("Failed to create decryptor: %v", err)
		}
		return nil, err
	}

	iv := k.IV
	if iv == nil {
		iv = SequenceIV(seq)
	}
	return NewDecryptor(k.Method, raw, iv)
}

func (s *Service) fetch(ctx context.Context, method, uri string) ([]byte, error) {
	if !strings.EqualFold(method, m3u8.MethodAES128) {
		return nil, fmt.Errorf("%w %s", ErrUnsupportedMethod, method)
	}
	if uri == "" {
		return nil, ErrMissingURI
	}

	resp, err := s.transport.Get(ctx, uri, nil)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.Kind == transport.KindUnsupportedScheme {
			return nil, fmt.Errorf("unable to find connection adapter for key URI: %s", uri)
		}
		return nil, fmt.Errorf("failed to fetch key from %s: %w", uri, err)
	}
	if len(resp.Body) != 16 {
		return nil, fmt.Errorf("invalid key length %d from %s", len(resp.Body), uri)
	}
	s.logger.Debugf("Fetched decryption key from %s", uri)
	return resp.Body, nil
}

// KeyURI applies the configured template to a key URI.
func (s *Service) KeyURI(raw string) string {
	if s.uriTemplate == "" || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	netloc := u.Host
	if u.User != nil {
		netloc = u.User.String() + "@" + netloc
	}
	return strings.NewReplacer(
		"{scheme}", u.Scheme,
		"{netloc}", netloc,
		"{path}", u.EscapedPath(),
		"{query}", u.RawQuery,
	).Replace(s.uriTemplate)
}
