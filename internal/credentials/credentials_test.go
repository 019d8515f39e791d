package credentials

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/pkg/models"
)

const testKey = "0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	enc, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", enc)

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = c.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher("short")
	assert.Error(t, err)
}

func TestPasswordSecret(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	enc, err := c.Encrypt("secret")
	require.NoError(t, err)

	p := NewProvider(c, OAuthConfig{}, testLogger())
	got, err := p.AccountSecret(context.Background(), &models.Account{ID: 1, AuthMode: models.AuthPassword, Password: enc})
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	_, err = p.AccountSecret(context.Background(), &models.Account{ID: 2, AuthMode: models.AuthOAuth2, Password: enc})
	assert.ErrorIs(t, err, remote.ErrAuthFailed)
}

func TestOAuthSecretRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	c, err := NewCipher(testKey)
	require.NoError(t, err)
	good, err := c.Encrypt("refresh-1")
	require.NoError(t, err)
	bad, err := c.Encrypt("revoked")
	require.NoError(t, err)

	p := NewProvider(c, OAuthConfig{ClientID: "id", ClientSecret: "s", TokenURL: srv.URL}, testLogger())
	acc := &models.Account{ID: 1, AuthMode: models.AuthOAuth2, Password: good}

	for i := 0; i < 2; i++ {
		tok, err := p.AccountSecret(context.Background(), acc)
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
	}
	assert.Equal(t, int32(1), calls.Load())

	p.InvalidateAccount(1)
	_, err = p.AccountSecret(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = p.IdentitySecret(context.Background(), &models.Identity{ID: 3, AuthMode: models.AuthOAuth2, Password: bad})
	assert.ErrorIs(t, err, remote.ErrAuthFailed)
}
