// Package mime converts raw RFC 822 messages into the Gmail part tree so
// local .eml files can go through the same normalization as fetched mail.
package mime

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	stdmime "mime"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers legacy charsets for body and header decoding

	"github.com/wesm/mailtriage/internal/gmail"
	"github.com/wesm/mailtriage/internal/textutil"
)

// maxDepth bounds multipart nesting.
const maxDepth = 32

const snippetRunes = 200

// FromRFC822 parses a raw message into a gmail.Message. Leaf bodies are
// transfer-decoded and, when their charset is known, converted to UTF-8;
// the Content-Type header of a converted leaf then reports utf-8. Leaves
// in unknown charsets keep their raw bytes and declared charset.
func FromRFC822(raw []byte) (*gmail.Message, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if e == nil {
		return nil, errors.New("parse message: no entity")
	}

	root, err := convert(e, err, "", 0)
	if err != nil {
		return nil, err
	}

	msg := &gmail.Message{
		ID:       messageID(root, raw),
		LabelIDs: []string{gmail.LabelInbox, gmail.LabelUnread},
		Payload:  root,
	}
	msg.Snippet = snippet(root)
	return msg, nil
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// convert builds one node. readErr is the error New reported for e.
func convert(e *message.Entity, readErr error, partID string, depth int) (*gmail.MessagePart, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("multipart nesting deeper than %d", maxDepth)
	}
	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}

	part := &gmail.MessagePart{
		PartID:   partID,
		MimeType: mediaType,
		Headers:  headers(e.Header),
	}
	if _, dparams, err := e.Header.ContentDisposition(); err == nil {
		part.Filename = dparams["filename"]
	}
	if part.Filename == "" {
		part.Filename = params["name"]
	}

	if mr := e.MultipartReader(); mr != nil {
		for i := 0; ; i++ {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !tolerable(err) {
				return nil, fmt.Errorf("read part %s: %w", childID(partID, i), err)
			}
			if child == nil {
				break
			}
			cp, err := convert(child, err, childID(partID, i), depth+1)
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, cp)
		}
		return part, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of part %q: %w", partID, err)
	}
	part.Body = gmail.PartBody{
		Size: int64(len(body)),
		Data: base64.RawURLEncoding.EncodeToString(body),
	}

	// go-message already converted text bodies in a known charset.
	if _, ok := params["charset"]; ok && strings.HasPrefix(mediaType, "text/") && !message.IsUnknownCharset(readErr) {
		params["charset"] = "utf-8"
		setHeader(part, "Content-Type", stdmime.FormatMediaType(mediaType, params))
	}
	return part, nil
}

func childID(parent string, i int) string {
	if parent == "" {
		return strconv.Itoa(i)
	}
	return parent + "." + strconv.Itoa(i)
}

// headers copies header fields in order, decoding RFC 2047 words. A
// field that fails to decode keeps its raw value.
func headers(h message.Header) []gmail.Header {
	var out []gmail.Header
	fields := h.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out = append(out, gmail.Header{Name: fields.Key(), Value: v})
	}
	return out
}

func setHeader(p *gmail.MessagePart, name, value string) {
	for i := range p.Headers {
		if strings.EqualFold(p.Headers[i].Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, gmail.Header{Name: name, Value: value})
}

// messageID uses the Message-Id header, or a content hash when absent.
func messageID(root *gmail.MessagePart, raw []byte) string {
	if id := strings.Trim(strings.TrimSpace(root.Header("Message-Id")), "<>"); id != "" {
		return id
	}
	sum := sha256.Sum256(raw)
	return "local-" + hex.EncodeToString(sum[:8])
}

// snippet approximates Gmail's preview: the start of the first text
// leaf with whitespace collapsed.
func snippet(p *gmail.MessagePart) string {
	var walk func(*gmail.MessagePart) string
	walk = func(p *gmail.MessagePart) string {
		if p.Body.Data != "" && (p.MimeType == "text/plain" || p.MimeType == "text/html") {
			data, err := p.Body.Decode()
			if err != nil {
				return ""
			}
			text := textutil.EnsureUTF8(data)
			if p.MimeType == "text/html" {
				return textutil.StripTags(text)
			}
			return textutil.CollapseSpace(text)
		}
		for _, c := range p.Parts {
			if s := walk(c); s != "" {
				return s
			}
		}
		return ""
	}
	return textutil.Truncate(walk(p), snippetRunes)
}
