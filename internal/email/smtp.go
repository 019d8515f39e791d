package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/mixelka/mailsync/internal/remote"
)

// SMTPDialer opens submission connections for identities
type SMTPDialer struct {
	logger *slog.Logger
}

// NewSMTPDialer creates a new SMTP dialer
func NewSMTPDialer(logger *slog.Logger) *SMTPDialer {
	return &SMTPDialer{logger: logger.With("component", "smtp")}
}

// DialTransport connects and authenticates
func (d *SMTPDialer) DialTransport(ctx context.Context, cfg remote.TransportConfig) (remote.Transport, error) {
	if cfg.Host == "" {
		host, port, err := ResolveSMTPServer(cfg.User)
		if err != nil {
			return nil, err
		}
		cfg.Host, cfg.Port = host, port
		cfg.Implicit = port == 465
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var conn net.Conn
	var err error
	if cfg.Implicit {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	conn.SetDeadline(time.Now().Add(cfg.Timeout))

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if !cfg.Implicit {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if ok, mechanisms := client.Extension("AUTH"); ok && cfg.User != "" {
		if err := client.Auth(chooseAuth(cfg, mechanisms)); err != nil {
			client.Close()
			var protoErr *textproto.Error
			if errors.As(err, &protoErr) && protoErr.Code >= 500 {
				return nil, fmt.Errorf("%w: %v", remote.ErrAuthFailed, err)
			}
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	d.logger.Debug("connected to SMTP server", "server", cfg.Addr(), "user", cfg.User)
	return &smtpTransport{client: client, conn: conn, timeout: cfg.Timeout}, nil
}

func chooseAuth(cfg remote.TransportConfig, mechanisms string) smtp.Auth {
	if cfg.OAuth {
		return &xoauth2Auth{username: cfg.User, token: cfg.Secret}
	}
	upper := strings.ToUpper(mechanisms)
	if !strings.Contains(upper, "PLAIN") && strings.Contains(upper, "LOGIN") {
		return &loginAuth{username: cfg.User, password: cfg.Secret}
	}
	return smtp.PlainAuth("", cfg.User, cfg.Secret, cfg.Host)
}

type smtpTransport struct {
	client  *smtp.Client
	conn    net.Conn
	timeout time.Duration
}

// Send submits raw to every recipient
func (t *smtpTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.conn.SetDeadline(time.Now().Add(t.timeout))

	if err := t.client.Mail(from); err != nil {
		return sendError("failed to set sender", err)
	}
	for _, rcpt := range to {
		if err := t.client.Rcpt(rcpt); err != nil {
			return sendError(fmt.Sprintf("failed to set recipient %s", rcpt), err)
		}
	}

	w, err := t.client.Data()
	if err != nil {
		return sendError("failed to send data command", err)
	}
	if _, err := w.Write(raw); err != nil {
		return sendError("failed to write message", err)
	}
	if err := w.Close(); err != nil {
		return sendError("failed to close data writer", err)
	}
	return nil
}

// Close quits, dropping the connection if QUIT fails
func (t *smtpTransport) Close() error {
	if err := t.client.Quit(); err != nil {
		return t.client.Close()
	}
	return nil
}

// sendError keeps the server reply code so permanent rejections can be told apart
func sendError(msg string, err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return &remote.SendError{Code: protoErr.Code, Err: fmt.Errorf("%s: %w", msg, err)}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// loginAuth implements SMTP LOGIN authentication
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
		case "username:":
			return []byte(a.username), nil
		case "password:":
			return []byte(a.password), nil
		default:
			return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
		}
	}
	return nil, nil
}

// xoauth2Auth implements the XOAUTH2 mechanism used by Google and Microsoft
type xoauth2Auth struct {
	username, token string
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := "user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"
	return "XOAUTH2", []byte(resp), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// The server sent an error challenge, an empty reply ends the exchange
		return []byte{}, nil
	}
	return nil, nil
}
