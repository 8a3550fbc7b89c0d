// Package credentials resolves the secret handed to the agent runtime: a
// static API key or an OAuth access token.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zkr "github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

var ErrNotConfigured = errors.New("no API key or OAuth token configured")

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindOAuth  Kind = "oauth_token"
)

type Credential struct {
	Kind   Kind
	Value  string
	Expiry time.Time
}

// Env returns the environment entry the runtime reads the credential from.
func (c Credential) Env() []string {
	switch c.Kind {
	case KindAPIKey:
		return []string{"ANTHROPIC_API_KEY=" + c.Value}
	case KindOAuth:
		return []string{"CLAUDE_CODE_OAUTH_TOKEN=" + c.Value}
	default:
		return nil
	}
}

func (c Credential) Redacted() string {
	if len(c.Value) <= 8 {
		return string(c.Kind) + ":****"
	}
	return string(c.Kind) + ":" + c.Value[:4] + "****" + c.Value[len(c.Value)-4:]
}

type Config struct {
	APIKey         string
	OAuthToken     string
	TokenFile      string
	KeyringService string
	KeyringAccount string
	DisableKeyring bool
}

type Provider struct {
	apiKey string
	tokens oauth2.TokenSource
	logger zerolog.Logger
}

func NewProvider(cfg Config, logger zerolog.Logger) *Provider {
	var chain chainSource
	if tok := strings.TrimSpace(cfg.OAuthToken); tok != "" {
		chain = append(chain, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok}))
	}
	if cfg.TokenFile != "" {
		chain = append(chain, FileTokenSource(cfg.TokenFile))
	}
	if !cfg.DisableKeyring && cfg.KeyringService != "" {
		chain = append(chain, KeyringTokenSource(cfg.KeyringService, cfg.KeyringAccount))
	}
	if len(chain) == 0 {
		return NewProviderWithSource(cfg.APIKey, nil, logger)
	}
	return NewProviderWithSource(cfg.APIKey, chain, logger)
}

// NewProviderWithSource uses src for tokens. A nil src disables tokens.
func NewProviderWithSource(apiKey string, src oauth2.TokenSource, logger zerolog.Logger) *Provider {
	p := &Provider{apiKey: strings.TrimSpace(apiKey), logger: logger}
	if src != nil {
		p.tokens = oauth2.ReuseTokenSource(nil, src)
	}
	return p
}

// Resolve prefers the API key and falls back to the token source.
func (p *Provider) Resolve(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	if p.apiKey != "" {
		return Credential{Kind: KindAPIKey, Value: p.apiKey}, nil
	}
	if p.tokens == nil {
		return Credential{}, ErrNotConfigured
	}
	tok, err := p.tokens.Token()
	if err != nil {
		p.logger.Debug().Err(err).Msg("no oauth token available")
		return Credential{}, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	if tok.AccessToken == "" {
		return Credential{}, ErrNotConfigured
	}
	return Credential{Kind: KindOAuth, Value: tok.AccessToken, Expiry: tok.Expiry}, nil
}

// chainSource returns the first token any member can supply.
type chainSource []oauth2.TokenSource

func (c chainSource) Token() (*oauth2.Token, error) {
	var errs []error
	for _, src := range c {
		tok, err := src.Token()
		if err == nil && tok != nil && tok.AccessToken != "" {
			return tok, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, ErrNotConfigured
	}
	return nil, errors.Join(errs...)
}

type fileSource string

// FileTokenSource reads a token file on every call. The file holds a bare
// token, an oauth2.Token JSON object, or a {"claudeAiOauth": {...}} object.
func FileTokenSource(path string) oauth2.TokenSource {
	return fileSource(path)
}

func (f fileSource) Token() (*oauth2.Token, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	tok, err := parseToken(data)
	if err != nil {
		return nil, fmt.Errorf("token file %s: %w", string(f), err)
	}
	return tok, nil
}

type keyringSource struct {
	service string
	account string
}

func KeyringTokenSource(service, account string) oauth2.TokenSource {
	return keyringSource{service: service, account: account}
}

func (k keyringSource) Token() (*oauth2.Token, error) {
	raw, err := zkr.Get(k.service, k.account)
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	return parseToken([]byte(raw))
}

// SaveToken stores a token in the OS keychain.
func SaveToken(service, account, token string) error {
	if err := zkr.Set(service, account, strings.TrimSpace(token)); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

func DeleteToken(service, account string) error {
	err := zkr.Delete(service, account)
	if err != nil && !errors.Is(err, zkr.ErrNotFound) {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}

type claudeOAuth struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // unix millis
}

func parseToken(data []byte) (*oauth2.Token, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, errors.New("empty token")
	}
	if !strings.HasPrefix(text, "{") {
		return &oauth2.Token{AccessToken: text}, nil
	}

	var wrapped struct {
		ClaudeAIOAuth *claudeOAuth `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.ClaudeAIOAuth != nil {
		c := wrapped.ClaudeAIOAuth
		tok := &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
		if c.ExpiresAt > 0 {
			tok.Expiry = time.UnixMilli(c.ExpiresAt)
		}
		if tok.AccessToken == "" {
			return nil, errors.New("missing accessToken")
		}
		return tok, nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(text), &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("missing access_token")
	}
	return &tok, nil
}
