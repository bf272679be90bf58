// Package gcal owns the Google Calendar credential lifecycle: loading the
// client secret, persisting tokens, refreshing them and building the
// calendar service.
package gcal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// ErrNoToken is returned when no OAuth token has been stored yet.
var ErrNoToken = errors.New("no calendar token stored; run `campuscal auth` first")

// TokenStore loads and saves OAuth tokens.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(token *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a local file.
type FileTokenStore struct {
	Path string
}

// Load implements TokenStore.
func (s FileTokenStore) Load() (*oauth2.Token, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(b, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token file %s: %w", s.Path, err)
	}
	return &token, nil
}

// Save implements TokenStore. The file is readable by the owner only.
func (s FileTokenStore) Save(token *oauth2.Token) error {
	b, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}
	if err := os.WriteFile(s.Path, b, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// LoadConfig reads an OAuth client secret file downloaded from the Google
// Cloud console.
func LoadConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return cfg, nil
}

// persistingSource saves every token it hands out that differs from the
// last one saved, so refreshed tokens survive restarts.
type persistingSource struct {
	base  oauth2.TokenSource
	store TokenStore

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	token, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken != p.last {
		if err := p.store.Save(token); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
		}
		p.last = token.AccessToken
	}
	return token, nil
}

// TokenSource returns a token source that refreshes the stored token when it
// expires and writes the refreshed token back to the store.
func TokenSource(ctx context.Context, cfg *oauth2.Config, store TokenStore) (oauth2.TokenSource, error) {
	token, err := store.Load()
	if err != nil {
		return nil, err
	}
	base := oauth2.ReuseTokenSource(token, cfg.TokenSource(ctx, token))
	return &persistingSource{base: base, store: store, last: token.AccessToken}, nil
}

// NewService builds an authenticated Calendar API client.
func NewService(ctx context.Context, cfg *oauth2.Config, store TokenStore) (*calendar.Service, error) {
	ts, err := TokenSource(ctx, cfg, store)
	if err != nil {
		return nil, err
	}
	srv, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return srv, nil
}

// Authorize runs the installed-app consent flow: it prints the consent URL,
// reads the authorization code (or the full redirect URL) from in, exchanges
// it and saves the token.
func Authorize(ctx context.Context, cfg *oauth2.Config, store TokenStore, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL("campuscal", oauth2.AccessTypeOffline, oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier))

	fmt.Fprintf(out, "Step 1: Visit this URL to authorize calendar access:\n%s\n\n", authURL)
	fmt.Fprint(out, "Step 2: After authorizing you will be redirected. Paste the redirect URL or the 'code' parameter.\n")
	fmt.Fprint(out, "\nEnter the authorization code: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}
	code := ExtractCode(line)
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := store.Save(token); err != nil {
		return nil, err
	}
	return token, nil
}

// ExtractCode accepts either a bare code or a redirect URL carrying a code
// query parameter.
func ExtractCode(input string) string {
	input = strings.TrimSpace(input)
	if u, err := url.Parse(input); err == nil && u.Scheme != "" {
		return u.Query().Get("code")
	}
	return input
}
