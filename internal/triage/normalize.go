package triage

import (
	"strings"

	"github.com/wesm/mailtriage/internal/gmail"
	"github.com/wesm/mailtriage/internal/textutil"
)

// DefaultBodyLimit is the body budget in characters.
const DefaultBodyLimit = 8000

// Input is the flat record sent to the classifier. Field order matches
// the JSON the classifier sees.
type Input struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	To      string `json:"to"`
	Cc      string `json:"cc"`
	Snippet string `json:"snippet"`
	Body    string `json:"body"`
}

// Normalize flattens a fetched message into classifier input. The body
// is at most budget characters; budget <= 0 means DefaultBodyLimit.
func Normalize(msg *gmail.Message, budget int) Input {
	if budget <= 0 {
		budget = DefaultBodyLimit
	}
	if msg == nil {
		return Input{}
	}
	headers := headerMap(msg.Payload)
	return Input{
		Subject: headers["subject"],
		From:    headers["from"],
		To:      headers["to"],
		Cc:      headers["cc"],
		Snippet: msg.Snippet,
		Body:    textutil.Truncate(collectBody(msg.Payload).selected(), budget),
	}
}

// headerMap lowercases header names; later duplicates win.
func headerMap(p *gmail.MessagePart) map[string]string {
	m := make(map[string]string)
	if p == nil {
		return m
	}
	for _, h := range p.Headers {
		m[strings.ToLower(h.Name)] = h.Value
	}
	return m
}

// bodyText holds the text candidates found under one part.
type bodyText struct {
	Plain string
	HTML  string
}

// selected prefers plain text, then tag-stripped HTML.
func (b bodyText) selected() string {
	if plain := strings.TrimSpace(b.Plain); plain != "" {
		return plain
	}
	return b.HTML
}

// collectBody walks the part tree depth-first. Sibling candidates of the
// same kind are joined with newlines.
func collectBody(p *gmail.MessagePart) bodyText {
	if p == nil {
		return bodyText{}
	}
	if p.Body.Data != "" {
		text, ok := decodeLeaf(p)
		if !ok {
			return bodyText{}
		}
		switch mediaType(p.MimeType) {
		case "text/plain":
			return bodyText{Plain: text}
		case "text/html":
			return bodyText{HTML: textutil.StripTags(text)}
		}
		return bodyText{}
	}

	var plain, html []string
	for _, child := range p.Parts {
		c := collectBody(child)
		if c.Plain != "" {
			plain = append(plain, c.Plain)
		}
		if c.HTML != "" {
			html = append(html, c.HTML)
		}
	}
	return bodyText{
		Plain: strings.Join(plain, "\n"),
		HTML:  strings.Join(html, "\n"),
	}
}

// decodeLeaf returns the leaf's content as UTF-8, honouring a charset
// parameter when the part declares one.
func decodeLeaf(p *gmail.MessagePart) (string, bool) {
	data, err := p.Body.Decode()
	if err != nil {
		return "", false
	}
	return textutil.DecodeCharset(data, charsetParam(p)), true
}

func mediaType(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// charsetParam reads the charset from the part's Content-Type header.
func charsetParam(p *gmail.MessagePart) string {
	ct := p.Header("Content-Type")
	for _, param := range strings.Split(ct, ";")[1:] {
		k, v, ok := strings.Cut(param, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "charset") {
			return strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return ""
}
