package gmail

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func listIDs(t *testing.T, m *MockAPI, query string, max int) []string {
	t.Helper()
	var ids []string
	token := ""
	for {
		resp, err := m.ListMessages(context.Background(), query, token, max)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		for _, id := range resp.Messages {
			ids = append(ids, id.ID)
		}
		if resp.NextPageToken == "" {
			return ids
		}
		token = resp.NextPageToken
	}
}

func TestMockAPI_ListMessages_Filters(t *testing.T) {
	mock := NewMockAPI()
	mock.AddLabel("Label_1", "AI/Processed")
	mock.AddMessage(&Message{ID: "a", LabelIDs: []string{LabelInbox}})
	mock.AddMessage(&Message{ID: "b", LabelIDs: []string{LabelInbox, "Label_1"}})
	mock.AddMessage(&Message{ID: "c", LabelIDs: []string{LabelSpam}})
	mock.AddMessage(&Message{ID: "d", LabelIDs: []string{LabelTrash}})
	mock.AddMessage(&Message{ID: "e"})

	got := listIDs(t, mock, "-label:AI/Processed -in:trash -in:spam newer_than:7d", 0)
	if diff := cmp.Diff([]string{"a", "e"}, got); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if mock.LastQuery != "-label:AI/Processed -in:trash -in:spam newer_than:7d" {
		t.Errorf("LastQuery = %q", mock.LastQuery)
	}
}

func TestMockAPI_ListMessages_Paging(t *testing.T) {
	mock := NewMockAPI()
	mock.PageSize = 2
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		mock.AddMessage(&Message{ID: id})
	}

	got := listIDs(t, mock, "", 0)
	if diff := cmp.Diff([]string{"1", "2", "3", "4", "5"}, got); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if mock.ListMessagesCalls != 3 {
		t.Errorf("ListMessagesCalls = %d, want 3", mock.ListMessagesCalls)
	}
}

func TestMockAPI_ModifyMessage(t *testing.T) {
	mock := NewMockAPI()
	mock.AddMessage(&Message{ID: "m", LabelIDs: []string{LabelInbox, LabelUnread}})

	if err := mock.ModifyMessage(context.Background(), "m", []string{"Label_1", LabelInbox}, []string{LabelUnread}); err != nil {
		t.Fatalf("ModifyMessage: %v", err)
	}
	if diff := cmp.Diff([]string{LabelInbox, "Label_1"}, mock.Messages["m"].LabelIDs); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if len(mock.ModifyCalls) != 1 || mock.ModifyCalls[0].ID != "m" {
		t.Errorf("ModifyCalls = %+v", mock.ModifyCalls)
	}
}

func TestMockAPI_ErrorInjection(t *testing.T) {
	mock := NewMockAPI()
	mock.AddMessage(&Message{ID: "m"})
	boom := errors.New("boom")
	mock.GetMessageError["m"] = boom
	mock.ModifyError["m"] = boom

	if _, err := mock.GetMessage(context.Background(), "m"); !errors.Is(err, boom) {
		t.Errorf("GetMessage err = %v", err)
	}
	if err := mock.ModifyMessage(context.Background(), "m", []string{"X"}, nil); !errors.Is(err, boom) {
		t.Errorf("ModifyMessage err = %v", err)
	}
	if len(mock.Messages["m"].LabelIDs) != 0 {
		t.Errorf("failed modify changed labels: %v", mock.Messages["m"].LabelIDs)
	}

	var nf *NotFoundError
	if _, err := mock.GetMessage(context.Background(), "missing"); !errors.As(err, &nf) {
		t.Errorf("missing message err = %v, want NotFoundError", err)
	}
}

func TestMockAPI_CreateLabel(t *testing.T) {
	mock := NewMockAPI()
	l, err := mock.CreateLabel(context.Background(), "AI/Important", DefaultVisibility)
	if err != nil {
		t.Fatalf("CreateLabel: %v", err)
	}
	if l.ID != "Label_1" || l.LabelListVisibility != "labelShow" {
		t.Errorf("label = %+v", l)
	}
	if _, err := mock.CreateLabel(context.Background(), "AI/Important", DefaultVisibility); err == nil {
		t.Error("expected error creating duplicate label")
	}
}
