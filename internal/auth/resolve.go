package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoCredentials is returned when neither the environment nor the store
// has a usable credential for the requested provider.
var ErrNoCredentials = errors.New("no credentials configured for provider")

// envKeys lists the environment variables consulted before the store, in
// precedence order.
var envKeys = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"google":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// keyOptional marks providers whose adapters authenticate without an
// explicit key. Bedrock uses the ambient AWS credential chain.
var keyOptional = map[string]bool{
	"amazon-bedrock": true,
}

// oauthClients holds the published OAuth client for each provider that
// supports `pi login` code flows.
var oauthClients = map[string]*oauth2.Config{
	"anthropic": {
		ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://claude.ai/oauth/authorize",
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
		},
		RedirectURL: "https://console.anthropic.com/oauth/code/callback",
		Scopes:      []string{"org:create_api_key", "user:profile", "user:inference"},
	},
}

// Resolver produces the secret handed to a provider adapter: environment
// variables win, then stored credentials. Stored OAuth tokens are refreshed
// when expired and the rotated pair written back.
type Resolver struct {
	store  *Store
	logger *slog.Logger
	oauth  map[string]*oauth2.Config
	now    func() time.Time
}

// NewResolver returns a resolver over the given store. A nil logger falls
// back to slog.Default().
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: logger,
		oauth:  oauthClients,
		now:    time.Now,
	}
}

// Resolve returns the credential string for a provider, or an error wrapping
// ErrNoCredentials when nothing usable exists. Key-optional providers
// resolve to the empty string instead of failing.
func (r *Resolver) Resolve(ctx context.Context, provider string) (string, error) {
	for _, name := range envKeys[provider] {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}

	cred, ok, err := r.store.Get(provider)
	if err != nil {
		return "", err
	}
	if !ok {
		if keyOptional[provider] {
			return "", nil
		}
		return "", fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}

	switch cred.Type {
	case CredentialOAuth:
		if cred.Expired(r.now()) {
			cred, err = r.refresh(ctx, provider, cred)
			if err != nil {
				return "", fmt.Errorf("refresh %s oauth token: %w", provider, err)
			}
		}
		if cred.Access == "" {
			return "", fmt.Errorf("%w: %s", ErrNoCredentials, provider)
		}
		return cred.Access, nil
	default:
		if cred.Key == "" {
			if keyOptional[provider] {
				return "", nil
			}
			return "", fmt.Errorf("%w: %s", ErrNoCredentials, provider)
		}
		return cred.Key, nil
	}
}

// refresh exchanges the stored refresh token for a new access token and
// persists the rotated pair. Concurrent refreshes across processes are
// last-writer-wins; each holds a token valid at the time it was issued.
func (r *Resolver) refresh(ctx context.Context, provider string, cred Credential) (Credential, error) {
	cfg, ok := r.oauth[provider]
	if !ok {
		return cred, fmt.Errorf("no oauth client registered for %s", provider)
	}
	if cred.Refresh == "" {
		return cred, errors.New("stored credential has no refresh token")
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.Refresh}).Token()
	if err != nil {
		return cred, err
	}

	cred.Access = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.Refresh = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		cred.Expires = tok.Expiry.UnixMilli()
	}
	if err := r.store.Set(provider, cred); err != nil {
		r.logger.Warn("failed to persist refreshed oauth token",
			"provider", provider, "error", err)
	}
	return cred, nil
}

// LoginFlow is a running OAuth authorization-code flow. The user opens URL
// in a browser, authorizes, and pastes the resulting code back.
type LoginFlow struct {
	Provider string
	URL      string

	cfg      *oauth2.Config
	verifier string
}

// SupportsOAuth reports whether a provider has a registered OAuth client.
func SupportsOAuth(provider string) bool {
	_, ok := oauthClients[provider]
	return ok
}

// StartLogin builds the authorization URL for a provider's OAuth code flow.
// The returned flow carries the PKCE verifier Exchange needs.
func StartLogin(provider string) (*LoginFlow, error) {
	cfg, ok := oauthClients[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s does not support oauth login", provider)
	}
	verifier := oauth2.GenerateVerifier()
	return &LoginFlow{
		Provider: provider,
		URL:      cfg.AuthCodeURL(verifier, oauth2.S256ChallengeOption(verifier)),
		cfg:      cfg,
		verifier: verifier,
	}, nil
}

// Exchange trades the pasted authorization code for tokens. Consoles that
// append state after a '#' are tolerated; the fragment is stripped.
func (f *LoginFlow) Exchange(ctx context.Context, code string) (Credential, error) {
	code, _, _ = strings.Cut(strings.TrimSpace(code), "#")
	tok, err := f.cfg.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return Credential{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	cred := Credential{
		Type:    CredentialOAuth,
		Access:  tok.AccessToken,
		Refresh: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		cred.Expires = tok.Expiry.UnixMilli()
	}
	return cred, nil
}
