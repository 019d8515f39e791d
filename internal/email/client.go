package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"github.com/mixelka/mailsync/internal/remote"
)

// connect opens and authenticates one IMAP connection
func connect(ctx context.Context, cfg remote.SessionConfig, logger *slog.Logger) (*client.Client, error) {
	logger.Debug("connecting to IMAP server", "server", cfg.Addr())

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var conn net.Conn
	var err error
	if cfg.Port == 993 {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create IMAP client: %w", err)
	}
	c.Timeout = cfg.Timeout

	if cfg.Port != 993 {
		if ok, _ := c.Support("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				c.Terminate()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if err := authenticate(c, cfg); err != nil {
		c.Logout()
		return nil, err
	}

	return c, nil
}

// authenticate logs in with a password or an OAuth2 bearer token
func authenticate(c *client.Client, cfg remote.SessionConfig) error {
	var err error
	if cfg.OAuth {
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cfg.User,
			Token:    cfg.Secret,
			Host:     cfg.Host,
			Port:     cfg.Port,
		}))
	} else {
		err = c.Login(cfg.User, cfg.Secret)
	}
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to login: %w", err)
	}
	return fmt.Errorf("%w: %v", remote.ErrAuthFailed, err)
}

// logout closes the connection, forcing it after a short grace period
func logout(c *client.Client) {
	done := make(chan struct{})
	go func() {
		c.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Terminate()
	}
}

// mailboxError maps server replies about missing mailboxes
func mailboxError(op, mailbox string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"trycreate", "nonexistent", "doesn't exist", "does not exist", "not exist", "unknown mailbox", "no such mailbox", "mailbox not found"} {
		if strings.Contains(msg, p) {
			return fmt.Errorf("failed to %s %q: %w: %v", op, mailbox, remote.ErrFolderNotFound, err)
		}
	}
	return fmt.Errorf("failed to %s %q: %w", op, mailbox, err)
}
