package gmail

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ModifyCall records a single ModifyMessage invocation.
type ModifyCall struct {
	ID     string
	Add    []string
	Remove []string
}

// MockAPI is an in-memory implementation of the Gmail API for testing.
// ListMessages understands the subset of the search syntax the triage
// worker uses: -label:NAME, -in:trash and -in:spam. Other terms are ignored.
type MockAPI struct {
	mu sync.Mutex

	// Profile to return
	Profile *Profile

	// Labels known to the account
	Labels []*Label

	// Messages indexed by ID
	Messages map[string]*Message

	// order preserves insertion order for ListMessages
	order []string

	// PageSize caps each ListMessages page (0 = no extra cap)
	PageSize int

	// Error injection
	ProfileError      error
	LabelsError       error
	CreateLabelError  error
	ListMessagesError error
	GetMessageError   map[string]error // Per-message errors
	ModifyError       map[string]error // Per-message errors

	// Call tracking for assertions
	ProfileCalls      int
	LabelsCalls       int
	CreateLabelCalls  []string
	ListMessagesCalls int
	LastQuery         string // Last query passed to ListMessages
	GetMessageCalls   []string
	ModifyCalls       []ModifyCall
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:        make(map[string]*Message),
		GetMessageError: make(map[string]error),
		ModifyError:     make(map[string]error),
	}
}

// AddMessage stores a message. Messages are listed in the order added.
func (m *MockAPI) AddMessage(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Messages[msg.ID]; !ok {
		m.order = append(m.order, msg.ID)
	}
	m.Messages[msg.ID] = msg
}

// AddLabel registers an existing label.
func (m *MockAPI) AddLabel(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Labels = append(m.Labels, &Label{ID: id, Name: name, Type: "user"})
}

// GetProfile returns the mock profile.
func (m *MockAPI) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++

	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile == nil {
		return &Profile{
			EmailAddress:  "test@example.com",
			MessagesTotal: int64(len(m.Messages)),
		}, nil
	}
	return m.Profile, nil
}

// ListLabels returns copies of the mock labels.
func (m *MockAPI) ListLabels(ctx context.Context) ([]*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LabelsCalls++

	if m.LabelsError != nil {
		return nil, m.LabelsError
	}
	out := make([]*Label, len(m.Labels))
	for i, l := range m.Labels {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

// CreateLabel adds a user label with a generated ID.
func (m *MockAPI) CreateLabel(ctx context.Context, name string, vis LabelVisibility) (*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateLabelCalls = append(m.CreateLabelCalls, name)

	if m.CreateLabelError != nil {
		return nil, m.CreateLabelError
	}
	for _, l := range m.Labels {
		if l.Name == name {
			return nil, fmt.Errorf("request failed (409): label %q exists", name)
		}
	}
	l := &Label{
		ID:                    fmt.Sprintf("Label_%d", len(m.Labels)+1),
		Name:                  name,
		Type:                  "user",
		LabelListVisibility:   vis.LabelList,
		MessageListVisibility: vis.MessageList,
	}
	m.Labels = append(m.Labels, l)
	cp := *l
	return &cp, nil
}

// ListMessages returns messages matching the query in insertion order.
// Page tokens are decimal offsets into the filtered list.
func (m *MockAPI) ListMessages(ctx context.Context, query, pageToken string, maxResults int) (*MessageListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListMessagesCalls++
	m.LastQuery = query

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	excluded := m.excludedLabels(query)
	var matched []MessageID
	for _, id := range m.order {
		msg := m.Messages[id]
		if slices.ContainsFunc(excluded, msg.HasLabel) {
			continue
		}
		matched = append(matched, MessageID{ID: msg.ID, ThreadID: msg.ThreadID})
	}

	offset := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "%d", &offset); err != nil {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
	}
	if offset > len(matched) {
		offset = len(matched)
	}

	limit := maxResults
	if m.PageSize > 0 && (limit <= 0 || m.PageSize < limit) {
		limit = m.PageSize
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	resp := &MessageListResponse{
		Messages:           matched[offset:end],
		ResultSizeEstimate: int64(len(matched)),
	}
	if end < len(matched) {
		resp.NextPageToken = fmt.Sprintf("%d", end)
	}
	return resp, nil
}

// excludedLabels resolves the negated terms of a query to label IDs.
// Label names in queries use "-" in place of spaces; both forms match.
func (m *MockAPI) excludedLabels(query string) []string {
	var out []string
	for _, term := range strings.Fields(query) {
		switch {
		case strings.EqualFold(term, "-in:trash"):
			out = append(out, LabelTrash)
		case strings.EqualFold(term, "-in:spam"):
			out = append(out, LabelSpam)
		case strings.HasPrefix(term, "-label:"):
			name := strings.TrimPrefix(term, "-label:")
			for _, l := range m.Labels {
				if strings.EqualFold(l.Name, name) ||
					strings.EqualFold(strings.ReplaceAll(l.Name, " ", "-"), name) {
					out = append(out, l.ID)
				}
			}
		}
	}
	return out
}

// GetMessage returns a copy of the stored message.
func (m *MockAPI) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)

	if err := m.GetMessageError[messageID]; err != nil {
		return nil, err
	}
	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + messageID}
	}
	cp := *msg
	cp.LabelIDs = slices.Clone(msg.LabelIDs)
	return &cp, nil
}

// ModifyMessage applies label changes to the stored message.
func (m *MockAPI) ModifyMessage(ctx context.Context, messageID string, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModifyCalls = append(m.ModifyCalls, ModifyCall{
		ID:     messageID,
		Add:    slices.Clone(add),
		Remove: slices.Clone(remove),
	})

	if err := m.ModifyError[messageID]; err != nil {
		return err
	}
	msg, ok := m.Messages[messageID]
	if !ok {
		return &NotFoundError{Path: "/messages/" + messageID + "/modify"}
	}
	labels := slices.DeleteFunc(slices.Clone(msg.LabelIDs), func(l string) bool {
		return slices.Contains(remove, l)
	})
	for _, l := range add {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	msg.LabelIDs = labels
	return nil
}

// Close is a no-op for the mock.
func (m *MockAPI) Close() error {
	return nil
}

// Ensure MockAPI implements API interface.
var _ API = (*MockAPI)(nil)
