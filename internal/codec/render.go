package codec

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/mixelka/mailsync/internal/parser"
	"github.com/mixelka/mailsync/pkg/models"
)

// Opener returns the stored content of an available attachment
type Opener func(att *models.Attachment) (io.ReadCloser, error)

// Render builds the raw message for msg. parent, when set, is the message
// being replied to. Only available attachments are included.
func (c *Codec) Render(msg *models.Message, parent *models.Message, body string, atts []*models.Attachment, open Opener) ([]byte, error) {
	if msg.MsgID == nil || *msg.MsgID == "" {
		return nil, fmt.Errorf("message %d has no message id", msg.ID)
	}

	var h mail.Header
	date := time.Now()
	if msg.Sent != nil {
		date = *msg.Sent
	} else if !msg.Received.IsZero() {
		date = msg.Received
	}
	h.SetDate(date)
	h.SetMessageID(*msg.MsgID)
	h.SetSubject(msg.Subject)
	setAddresses(&h, "From", msg.From)
	setAddresses(&h, "To", msg.To)
	setAddresses(&h, "Cc", msg.Cc)
	setAddresses(&h, "Reply-To", msg.ReplyTo)

	inReplyTo, refs := threading(msg, parent)
	if inReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{inReplyTo})
	}
	if len(refs) > 0 {
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail writer: %w", err)
	}

	if err := writeBody(mw, body); err != nil {
		return nil, err
	}

	for _, att := range atts {
		if !att.Available {
			continue
		}
		if err := writeAttachment(mw, att, open); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// threading returns the In-Reply-To and References values
func threading(msg, parent *models.Message) (string, []string) {
	if parent == nil || parent.MsgID == nil {
		return msg.InReplyTo, msg.ReferenceList()
	}
	refs := append(parent.ReferenceList(), *parent.MsgID)
	return *parent.MsgID, refs
}

func writeBody(mw *mail.Writer, body string) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create inline part: %w", err)
	}

	text, err := parser.HTMLToText(body)
	if err != nil {
		return fmt.Errorf("failed to convert body: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(iw, th, text); err != nil {
		return err
	}

	var hh mail.InlineHeader
	hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if err := writePart(iw, hh, body); err != nil {
		return err
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to close inline part: %w", err)
	}
	return nil
}

func writePart(iw *mail.InlineWriter, h mail.InlineHeader, content string) error {
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		return fmt.Errorf("failed to write part: %w", err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, att *models.Attachment, open Opener) error {
	var ah mail.AttachmentHeader
	ah.SetContentType(att.Type, nil)
	ah.SetFilename(att.Name)

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}

	r, err := open(att)
	if err != nil {
		return fmt.Errorf("failed to open attachment %d: %w", att.ID, err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to write attachment %d: %w", att.ID, err)
	}
	return w.Close()
}

func setAddresses(h *mail.Header, key string, list models.AddressList) {
	if len(list) == 0 {
		return
	}
	addrs := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, &mail.Address{Name: a.Name, Address: a.Address})
	}
	h.SetAddressList(key, addrs)
}
