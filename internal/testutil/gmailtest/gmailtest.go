// Package gmailtest builds Gmail message trees and raw RFC 822 messages
// for tests.
package gmailtest

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/wesm/mailtriage/internal/gmail"
)

// Encode returns s as unpadded base64url, the form Gmail uses for part data.
func Encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// Leaf returns a single-part node with the given MIME type and content.
func Leaf(mimeType, content string) *gmail.MessagePart {
	return &gmail.MessagePart{
		MimeType: mimeType,
		Body:     gmail.PartBody{Data: Encode(content), Size: int64(len(content))},
	}
}

// Plain returns a text/plain leaf.
func Plain(text string) *gmail.MessagePart { return Leaf("text/plain", text) }

// HTML returns a text/html leaf.
func HTML(html string) *gmail.MessagePart { return Leaf("text/html", html) }

// Attachment returns a leaf that carries only an attachment reference.
func Attachment(mimeType, filename string) *gmail.MessagePart {
	return &gmail.MessagePart{
		MimeType: mimeType,
		Filename: filename,
		Body:     gmail.PartBody{AttachmentID: "att-" + filename, Size: 1024},
	}
}

// Multipart returns a container node with the given children.
func Multipart(mimeType string, parts ...*gmail.MessagePart) *gmail.MessagePart {
	return &gmail.MessagePart{MimeType: mimeType, Parts: parts}
}

// MessageBuilder constructs a gmail.Message with a fluent API.
type MessageBuilder struct {
	msg     gmail.Message
	headers []gmail.Header
	payload *gmail.MessagePart
}

// NewMessage starts a message with the given ID in the inbox, unread.
func NewMessage(id string) *MessageBuilder {
	return &MessageBuilder{msg: gmail.Message{
		ID:       id,
		ThreadID: "thread-" + id,
		LabelIDs: []string{gmail.LabelInbox, gmail.LabelUnread},
	}}
}

// Header appends a header to the top-level part.
func (b *MessageBuilder) Header(name, value string) *MessageBuilder {
	b.headers = append(b.headers, gmail.Header{Name: name, Value: value})
	return b
}

// Subject sets the Subject header.
func (b *MessageBuilder) Subject(v string) *MessageBuilder { return b.Header("Subject", v) }

// From sets the From header.
func (b *MessageBuilder) From(v string) *MessageBuilder { return b.Header("From", v) }

// To sets the To header.
func (b *MessageBuilder) To(v string) *MessageBuilder { return b.Header("To", v) }

// Snippet sets the message snippet.
func (b *MessageBuilder) Snippet(v string) *MessageBuilder { b.msg.Snippet = v; return b }

// Labels replaces the message's label IDs.
func (b *MessageBuilder) Labels(ids ...string) *MessageBuilder { b.msg.LabelIDs = ids; return b }

// Payload sets the root part. Headers added to the builder are merged in.
func (b *MessageBuilder) Payload(p *gmail.MessagePart) *MessageBuilder { b.payload = p; return b }

// Body sets a text/plain root part.
func (b *MessageBuilder) Body(text string) *MessageBuilder { return b.Payload(Plain(text)) }

// Build returns the message.
func (b *MessageBuilder) Build() *gmail.Message {
	msg := b.msg
	msg.LabelIDs = append([]string(nil), b.msg.LabelIDs...)
	root := b.payload
	if root == nil {
		root = &gmail.MessagePart{MimeType: "text/plain"}
	}
	cp := *root
	cp.Headers = append(append([]gmail.Header(nil), b.headers...), root.Headers...)
	msg.Payload = &cp
	return &msg
}

// Raw holds the fields of a raw RFC 822 test message.
type Raw struct {
	From    string
	To      string
	Cc      string
	Subject string
	Plain   string // text/plain alternative; empty to omit
	HTML    string // text/html alternative; empty to omit
	Charset string // defaults to utf-8
	CRLF    bool
}

// Bytes renders the message. With both Plain and HTML set the body is
// multipart/alternative; otherwise a single part.
func (r Raw) Bytes() []byte {
	nl := "\n"
	if r.CRLF {
		nl = "\r\n"
	}
	charset := r.Charset
	if charset == "" {
		charset = "utf-8"
	}
	from := r.From
	if from == "" {
		from = "sender@example.com"
	}
	to := r.To
	if to == "" {
		to = "recipient@example.com"
	}

	var s strings.Builder
	s.WriteString("From: " + from + nl)
	s.WriteString("To: " + to + nl)
	if r.Cc != "" {
		s.WriteString("Cc: " + r.Cc + nl)
	}
	if r.Subject != "" {
		s.WriteString("Subject: " + r.Subject + nl)
	}
	s.WriteString("Date: Mon, 01 Jan 2024 12:00:00 +0000" + nl)
	s.WriteString("MIME-Version: 1.0" + nl)

	switch {
	case r.Plain != "" && r.HTML != "":
		const boundary = "alt-boundary"
		fmt.Fprintf(&s, "Content-Type: multipart/alternative; boundary=%q%s%s", boundary, nl, nl)
		s.WriteString("--" + boundary + nl)
		fmt.Fprintf(&s, "Content-Type: text/plain; charset=%q%s%s", charset, nl, nl)
		s.WriteString(r.Plain + nl)
		s.WriteString("--" + boundary + nl)
		fmt.Fprintf(&s, "Content-Type: text/html; charset=%q%s%s", charset, nl, nl)
		s.WriteString(r.HTML + nl)
		s.WriteString("--" + boundary + "--" + nl)
	case r.HTML != "":
		fmt.Fprintf(&s, "Content-Type: text/html; charset=%q%s%s", charset, nl, nl)
		s.WriteString(r.HTML + nl)
	default:
		fmt.Fprintf(&s, "Content-Type: text/plain; charset=%q%s%s", charset, nl, nl)
		s.WriteString(r.Plain + nl)
	}
	return []byte(s.String())
}
