package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/pkg/models"
)

// OAuthConfig holds the client used to refresh access tokens
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Provider resolves the secret to authenticate with. For password accounts
// that is the decrypted password, for OAuth2 accounts an access token
// obtained from the stored refresh token.
type Provider struct {
	cipher *Cipher
	oauth  *oauth2.Config
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewProvider creates a provider. oauth may be zero when no account uses OAuth2.
func NewProvider(c *Cipher, oauth OAuthConfig, logger *slog.Logger) *Provider {
	p := &Provider{
		cipher:  c,
		logger:  logger.With("component", "credentials"),
		sources: make(map[string]oauth2.TokenSource),
	}
	if oauth.TokenURL != "" {
		p.oauth = &oauth2.Config{
			ClientID:     oauth.ClientID,
			ClientSecret: oauth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: oauth.TokenURL},
		}
	}
	return p
}

// AccountSecret returns the IMAP secret for an account
func (p *Provider) AccountSecret(ctx context.Context, acc *models.Account) (string, error) {
	return p.secret(ctx, fmt.Sprintf("account:%d", acc.ID), acc.AuthMode, acc.Password)
}

// IdentitySecret returns the SMTP secret for an identity
func (p *Provider) IdentitySecret(ctx context.Context, ident *models.Identity) (string, error) {
	return p.secret(ctx, fmt.Sprintf("identity:%d", ident.ID), ident.AuthMode, ident.Password)
}

// InvalidateAccount drops the cached token source of an account
func (p *Provider) InvalidateAccount(id int64) {
	p.mu.Lock()
	delete(p.sources, fmt.Sprintf("account:%d", id))
	p.mu.Unlock()
}

func (p *Provider) secret(ctx context.Context, key, mode, encrypted string) (string, error) {
	plain, err := p.cipher.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	if mode != models.AuthOAuth2 {
		return plain, nil
	}
	if p.oauth == nil {
		return "", fmt.Errorf("%s: oauth2 is not configured: %w", key, remote.ErrAuthFailed)
	}

	p.mu.Lock()
	src, ok := p.sources[key]
	if !ok {
		// The token source outlives this call, so it must not carry ctx
		src = oauth2.ReuseTokenSource(nil, p.oauth.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: plain}))
		p.sources[key] = src
	}
	p.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		p.mu.Lock()
		delete(p.sources, key)
		p.mu.Unlock()

		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return "", fmt.Errorf("%s: token refresh rejected: %w", key, remote.ErrAuthFailed)
		}
		return "", fmt.Errorf("%s: failed to refresh token: %w", key, err)
	}

	p.logger.Debug("access token ready", "key", key, "expiry", tok.Expiry)
	return tok.AccessToken, nil
}
