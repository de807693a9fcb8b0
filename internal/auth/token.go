// Package auth manages the one OAuth2 client-credentials+refresh-token
// identity used for authenticated market calls, in the style of
// golang.org/x/oauth2's Config/Token types, persisted to disk atomically.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/wcmkt/market-sync/internal/errs"
)

// Token mirrors the persisted JSON shape specified for token.json.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
}

func (t Token) valid() bool {
	return t.AccessToken != "" && time.Now().Before(t.ExpiresAt)
}

// Store manages one refresh-token identity. All mutation of the persisted
// token file goes through Store under a process-wide mutex, matching the
// "owned process-wide, scoped acquisition with guaranteed release" contract.
type Store struct {
	path string

	oauthCfg oauth2.Config
	tokenURL string

	mu    sync.Mutex
	token *Token

	bootstrap  string
	httpClient *http.Client
}

// Config configures a new Store.
type Config struct {
	Path             string // path to token.json
	ClientID         string
	ClientSecret     string
	TokenURL         string
	BootstrapRefresh string // env-provided refresh token used when no cache exists
	HTTPClient       *http.Client
}

// New creates a credential store rooted at cfg.Path.
func New(cfg Config) *Store {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Store{
		path: cfg.Path,
		oauthCfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.TokenURL,
			},
		},
		tokenURL:   cfg.TokenURL,
		bootstrap:  cfg.BootstrapRefresh,
		httpClient: httpClient,
	}
}

// GetToken returns a valid access token, refreshing or bootstrapping from
// disk/environment as needed. It never returns a stale token.
func (s *Store) GetToken(ctx context.Context, requestedScopes []string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		if cached, ok := s.loadFromDisk(); ok {
			s.token = &cached
		}
	}

	if s.token != nil && s.token.valid() {
		return *s.token, nil
	}

	refreshToken := ""
	if s.token != nil {
		refreshToken = s.token.RefreshToken
	}
	if refreshToken == "" {
		refreshToken = s.bootstrapRefreshToken()
	}
	if refreshToken == "" {
		return Token{}, errs.AuthError("no cached token and no bootstrap refresh token available", nil)
	}

	next, err := s.refresh(ctx, refreshToken, requestedScopes)
	if err != nil {
		return Token{}, errs.AuthError("refresh failed", err)
	}

	if err := s.persist(next); err != nil {
		return Token{}, errs.AuthError("failed to persist refreshed token", err)
	}
	s.token = &next
	return next, nil
}

// bootstrapRefreshToken is set by New via Config.BootstrapRefresh; stored
// here instead of on Config directly so that callers holding a *Store don't
// need to keep the original Config around.
func (s *Store) bootstrapRefreshToken() string { return s.bootstrap }

// refresh exchanges refreshToken for a new access token against the token
// endpoint (standard OAuth2 refresh_token grant).
func (s *Store) refresh(ctx context.Context, refreshToken string, scopes []string) (Token, error) {
	cfg := s.oauthCfg
	cfg.Scopes = scopes
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	oauthTok, err := ts.Token()
	if err != nil {
		return Token{}, err
	}

	expiresIn := int(time.Until(oauthTok.Expiry).Seconds())
	result := Token{
		AccessToken:  oauthTok.AccessToken,
		RefreshToken: oauthTok.RefreshToken,
		ExpiresIn:    expiresIn,
		ExpiresAt:    oauthTok.Expiry,
		TokenType:    oauthTok.TokenType,
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken // some grants omit rotation
	}
	return result, nil
}

// loadFromDisk reads token.json if present.
func (s *Store) loadFromDisk() (Token, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Token{}, false
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, false
	}
	return t, true
}

// persist writes the token atomically: write-temp-then-rename so a crashed
// run can never leave a half-written credential on disk.
func (s *Store) persist(t Token) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp token file: %w", err)
	}
	return nil
}

// AuthHeader returns the bearer Authorization header value for the current
// token, refreshing first if necessary.
func (s *Store) AuthHeader(ctx context.Context) (string, error) {
	tok, err := s.GetToken(ctx, nil)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok.AccessToken, nil
}
