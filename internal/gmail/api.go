// Package gmail provides a Gmail API client with rate limiting and retry logic.
package gmail

import (
	"context"
	"encoding/base64"
	"strings"
)

// System label IDs used when mutating messages.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelSpam    = "SPAM"
	LabelStarred = "STARRED"
	LabelTrash   = "TRASH"
)

// LabelReader provides access to the account's labels.
type LabelReader interface {
	// ListLabels returns all labels for the account.
	ListLabels(ctx context.Context) ([]*Label, error)
}

// LabelWriter creates user labels.
type LabelWriter interface {
	// CreateLabel creates a user label with the given visibility settings.
	CreateLabel(ctx context.Context, name string, vis LabelVisibility) (*Label, error)
}

// MessageReader provides read access to Gmail messages.
type MessageReader interface {
	// ListMessages returns message IDs matching the query.
	// Use pageToken for pagination. Returns next page token if more results exist.
	ListMessages(ctx context.Context, query, pageToken string, maxResults int) (*MessageListResponse, error)

	// GetMessage fetches a single message in "full" format (headers + part tree).
	GetMessage(ctx context.Context, messageID string) (*Message, error)
}

// MessageModifier changes the labels on a message.
type MessageModifier interface {
	// ModifyMessage adds and removes label IDs on a message.
	ModifyMessage(ctx context.Context, messageID string, add, remove []string) error
}

// API defines the interface for Gmail operations.
// This interface enables mocking for tests without hitting the real API.
type API interface {
	LabelReader
	LabelWriter
	MessageReader
	MessageModifier

	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
}

// Label represents a Gmail label.
type Label struct {
	ID                    string
	Name                  string
	Type                  string // "system" or "user"
	MessageListVisibility string
	LabelListVisibility   string
}

// LabelVisibility controls where a created label shows up in the Gmail UI.
type LabelVisibility struct {
	LabelList   string // "labelShow", "labelShowIfUnread", "labelHide"
	MessageList string // "show", "hide"
}

// DefaultVisibility shows the label both in the label list and on messages.
var DefaultVisibility = LabelVisibility{LabelList: "labelShow", MessageList: "show"}

// MessageListResponse contains a page of message IDs.
type MessageListResponse struct {
	Messages           []MessageID
	NextPageToken      string
	ResultSizeEstimate int64
}

// MessageID represents a message reference from list operations.
type MessageID struct {
	ID       string
	ThreadID string
}

// Message is a message fetched in "full" format.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // Unix milliseconds
	Payload      *MessagePart
}

// Header is a single name/value message header.
type Header struct {
	Name  string
	Value string
}

// PartBody holds the content of a leaf part.
// Data is base64url encoded, exactly as the API returns it.
type PartBody struct {
	AttachmentID string
	Size         int64
	Data         string
}

// MessagePart is a node of the MIME tree. Leaves carry a body;
// multipart nodes carry child parts.
type MessagePart struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     PartBody
	Parts    []*MessagePart
}

// Header returns the value of the last header matching name,
// compared case-insensitively. Returns "" when absent.
func (p *MessagePart) Header(name string) string {
	if p == nil {
		return ""
	}
	var v string
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			v = h.Value
		}
	}
	return v
}

// HasLabel reports whether the message carries the given label ID.
func (m *Message) HasLabel(id string) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Decode returns the decoded part content. Gmail usually sends unpadded
// base64url, but padded input is accepted too.
func (b PartBody) Decode() ([]byte, error) {
	if strings.ContainsRune(b.Data, '=') {
		return base64.URLEncoding.DecodeString(b.Data)
	}
	return base64.RawURLEncoding.DecodeString(b.Data)
}
