// Package codec converts between stored message records and MIME messages.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/mixelka/mailsync/internal/parser"
	"github.com/mixelka/mailsync/pkg/models"
)

// ErrNoAttachment is returned when a message has no part with the requested sequence
var ErrNoAttachment = errors.New("attachment not found in message")

// Descriptor describes one attachment part
type Descriptor struct {
	Sequence int
	Name     string
	Type     string
	Size     int64 // Decoded size
}

// Parsed is the result of parsing a raw message
type Parsed struct {
	MessageID  string
	References []string
	InReplyTo  string
	From       models.AddressList
	To         models.AddressList
	Cc         models.AddressList
	Bcc        models.AddressList
	ReplyTo    models.AddressList
	Subject    string
	Date       time.Time
	BodyHTML   string
	Preview    string

	Attachments []Descriptor
}

// Codec renders and parses RFC 5322 messages
type Codec struct{}

// New creates a codec
func New() *Codec {
	return &Codec{}
}

// NewMessageID generates a Message-ID in the sender domain
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

// Parse reads headers, the body and the attachment descriptors
func (c *Codec) Parse(raw []byte) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	p := &Parsed{}
	p.MessageID, _ = h.MessageID()
	p.References, _ = h.MsgIDList("References")
	if ids, _ := h.MsgIDList("In-Reply-To"); len(ids) > 0 {
		p.InReplyTo = ids[0]
	}
	p.From = addressList(h, "From")
	p.To = addressList(h, "To")
	p.Cc = addressList(h, "Cc")
	p.Bcc = addressList(h, "Bcc")
	p.ReplyTo = addressList(h, "Reply-To")
	p.Subject, _ = h.Subject()
	p.Date, _ = h.Date()

	var htmlBody, textBody string
	err = walk(mr, func(part *mail.Part, seq int) (bool, error) {
		if seq > 0 {
			n, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				return false, fmt.Errorf("failed to read attachment %d: %w", seq, err)
			}
			p.Attachments = append(p.Attachments, describe(part, seq, n))
			return false, nil
		}

		ct := contentType(part.Header)
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return false, fmt.Errorf("failed to read body: %w", err)
		}
		switch {
		case ct == "text/html" && htmlBody == "":
			htmlBody = string(body)
		case ct == "text/plain" && textBody == "":
			textBody = string(body)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	p.BodyHTML = htmlBody
	if p.BodyHTML == "" && textBody != "" {
		p.BodyHTML = parser.TextToHTML(textBody)
	}
	p.Preview = parser.Preview(p.BodyHTML)
	return p, nil
}

// OpenAttachment returns the decoded content of attachment seq
func (c *Codec) OpenAttachment(raw []byte, seq int) (io.Reader, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}

	var found io.Reader
	err = walk(mr, func(part *mail.Part, n int) (bool, error) {
		if n == seq {
			found = part.Body
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("sequence %d: %w", seq, ErrNoAttachment)
	}
	return found, nil
}

// walk visits every leaf part. Attachments get a sequence starting at 1, body
// parts get 0. fn returns true to stop.
func walk(mr *mail.Reader, fn func(part *mail.Part, seq int) (bool, error)) error {
	seq := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return fmt.Errorf("failed to read part: %w", err)
		}

		n := 0
		if isAttachment(part) {
			seq++
			n = seq
		}
		stop, err := fn(part, n)
		if err != nil || stop {
			return err
		}
	}
}

func isAttachment(part *mail.Part) bool {
	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		return true
	case *mail.InlineHeader:
		ct, _, _ := h.ContentType()
		return !strings.HasPrefix(ct, "text/")
	}
	return false
}

func contentType(h mail.PartHeader) string {
	if ih, ok := h.(*mail.InlineHeader); ok {
		ct, _, _ := ih.ContentType()
		return ct
	}
	return ""
}

func describe(part *mail.Part, seq int, size int64) Descriptor {
	d := Descriptor{Sequence: seq, Type: "application/octet-stream", Size: size}
	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		d.Name, _ = h.Filename()
		if ct, _, err := h.ContentType(); err == nil && ct != "" {
			d.Type = ct
		}
	case *mail.InlineHeader:
		if ct, params, err := h.ContentType(); err == nil && ct != "" {
			d.Type = ct
			d.Name = params["name"]
		}
	}
	return d
}

func addressList(h mail.Header, key string) models.AddressList {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make(models.AddressList, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, models.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
