package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FileTokenSource serves the access token stored in an oauth2 token JSON file
// written by the login flow. A missing file means logged out.
type FileTokenSource struct {
	*Broadcaster

	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	token *oauth2.Token
}

// TokenSourceOption configures a FileTokenSource.
type TokenSourceOption func(*FileTokenSource)

// WithNow replaces the wall clock used for expiry checks.
func WithNow(now func() time.Time) TokenSourceOption {
	return func(s *FileTokenSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFileTokenSource creates a source for path. Call Reload to read it.
func NewFileTokenSource(path string, logger *slog.Logger, opts ...TokenSourceOption) *FileTokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileTokenSource{
		Broadcaster: NewBroadcaster(),
		path:        path,
		logger:      logger.With("component", "token_file", "path", path),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadToken reads an oauth2 token from a JSON file.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return tok, nil
}

// Reload re-reads the token file and publishes a login/logout transition when
// usability changed. Subscribers see true only for a present, unexpired token,
// so a fresh token replacing an expired one is a login and expiry is a logout.
// A malformed file keeps the previous token, whose expiry is still re-checked.
func (s *FileTokenSource) Reload() error {
	tok, err := LoadToken(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.Refresh()
		return fmt.Errorf("read token file: %w", err)
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	s.Refresh()
	return nil
}

// Refresh re-evaluates the loaded token against the clock and publishes a
// transition if it became usable or unusable. It reports the current value.
func (s *FileTokenSource) Refresh() bool {
	usable := Usable(s)
	if s.Publish(usable) {
		s.logger.Info("auth state changed", "authenticated", usable, "expired", s.IsAccessTokenExpired())
	}
	return usable
}

// Watch reloads the file every interval until ctx is cancelled. Each tick also
// re-checks expiry, so a token that lapses while connected produces a logout.
func (s *FileTokenSource) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				s.logger.Warn("token reload failed", "error", err)
			}
		}
	}
}

// Token implements oauth2.TokenSource.
func (s *FileTokenSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil || s.token.AccessToken == "" {
		return nil, ErrNoToken
	}
	tok := *s.token
	return &tok, nil
}

// AccessToken returns the raw bearer token.
func (s *FileTokenSource) AccessToken() (string, error) {
	tok, err := s.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// IsAuthenticated reports whether a token is present, expired or not.
func (s *FileTokenSource) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != nil && s.token.AccessToken != ""
}

// IsAccessTokenExpired reports whether the token's expiry has passed.
// A token without expiry never expires; no token counts as expired.
func (s *FileTokenSource) IsAccessTokenExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil || s.token.AccessToken == "" {
		return true
	}
	if s.token.Expiry.IsZero() {
		return false
	}
	return !s.now().Before(s.token.Expiry)
}

var (
	_ TokenProvider      = (*FileTokenSource)(nil)
	_ EventSource        = (*FileTokenSource)(nil)
	_ oauth2.TokenSource = (*FileTokenSource)(nil)
)
