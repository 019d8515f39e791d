package email

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type provider struct {
	imap string
	smtp string
}

// Servers of popular email providers
var knownProviders = map[string]provider{
	"gmail.com":      {"imap.gmail.com:993", "smtp.gmail.com:465"},
	"googlemail.com": {"imap.gmail.com:993", "smtp.gmail.com:465"},
	"outlook.com":    {"outlook.office365.com:993", "smtp.office365.com:587"},
	"hotmail.com":    {"outlook.office365.com:993", "smtp.office365.com:587"},
	"live.com":       {"outlook.office365.com:993", "smtp.office365.com:587"},
	"yahoo.com":      {"imap.mail.yahoo.com:993", "smtp.mail.yahoo.com:465"},
	"yandex.ru":      {"imap.yandex.ru:993", "smtp.yandex.ru:465"},
	"yandex.com":     {"imap.yandex.com:993", "smtp.yandex.com:465"},
	"mail.ru":        {"imap.mail.ru:993", "smtp.mail.ru:465"},
	"icloud.com":     {"imap.mail.me.com:993", "smtp.mail.me.com:587"},
	"me.com":         {"imap.mail.me.com:993", "smtp.mail.me.com:587"},
	"aol.com":        {"imap.aol.com:993", "smtp.aol.com:465"},
	"zoho.com":       {"imap.zoho.com:993", "smtp.zoho.com:465"},
	"proton.me":      {"127.0.0.1:1143", "127.0.0.1:1025"}, // Proton Mail Bridge
	"fastmail.com":   {"imap.fastmail.com:993", "smtp.fastmail.com:465"},
	"gmx.de":         {"imap.gmx.net:993", "mail.gmx.net:587"},
	"web.de":         {"imap.web.de:993", "smtp.web.de:587"},
}

// probe reports whether a TCP server answers, replaced in tests
var probe = func(address string) bool {
	conn, err := net.DialTimeout("tcp", address, 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ResolveIMAPServer determines the IMAP server for an email address
func ResolveIMAPServer(email string) (string, int, error) {
	return resolve(email, "imap", 993, func(p provider) string { return p.imap })
}

// ResolveSMTPServer determines the submission server for an email address
func ResolveSMTPServer(email string) (string, int, error) {
	return resolve(email, "smtp", 587, func(p provider) string { return p.smtp })
}

func resolve(email, prefix string, port int, pick func(provider) string) (string, int, error) {
	domain := GetDomainFromEmail(email)
	if domain == "" {
		return "", 0, fmt.Errorf("invalid email format: %q", email)
	}

	// Check known providers first
	if p, ok := knownProviders[domain]; ok {
		return splitAddr(pick(p))
	}

	// Try common server name patterns
	for _, host := range []string{prefix + "." + domain, "mail." + domain} {
		if probe(net.JoinHostPort(host, fmt.Sprint(port))) {
			return host, port, nil
		}
	}

	// Derive from the primary MX record, e.g. mx.example.com -> imap.example.com
	if host := resolveViaMX(domain, prefix, port); host != "" {
		return host, port, nil
	}

	return prefix + "." + domain, port, nil
}

func resolveViaMX(domain, prefix string, port int) string {
	mxRecords, err := net.LookupMX(domain)
	if err != nil || len(mxRecords) == 0 {
		return ""
	}

	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	for _, host := range []string{prefix + "." + parts[1], "mail." + parts[1]} {
		if probe(net.JoinHostPort(host, fmt.Sprint(port))) {
			return host
		}
	}
	return ""
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	var port int
	if _, err := fmt.Sscan(portStr, &port); err != nil {
		return "", 0, fmt.Errorf("invalid server port %q: %w", addr, err)
	}
	return host, port, nil
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
