package mime

import (
	"strings"
	"testing"

	"github.com/wesm/mailtriage/internal/gmail"
	"github.com/wesm/mailtriage/internal/testutil/gmailtest"
	"github.com/wesm/mailtriage/internal/triage"
)

func mustParse(t *testing.T, raw []byte) *gmail.Message {
	t.Helper()
	msg, err := FromRFC822(raw)
	if err != nil {
		t.Fatalf("FromRFC822: %v", err)
	}
	return msg
}

func TestFromRFC822_PlainText(t *testing.T) {
	raw := gmailtest.Raw{
		From:    "Alice <alice@example.com>",
		To:      "bob@example.com",
		Cc:      "carol@example.com",
		Subject: "Lunch tomorrow?",
		Plain:   "Are you free at noon?",
	}.Bytes()

	msg := mustParse(t, raw)
	in := triage.Normalize(msg, 0)
	want := triage.Input{
		Subject: "Lunch tomorrow?",
		From:    "Alice <alice@example.com>",
		To:      "bob@example.com",
		Cc:      "carol@example.com",
		Snippet: "Are you free at noon?",
		Body:    "Are you free at noon?",
	}
	if in != want {
		t.Errorf("Normalize = %+v\nwant %+v", in, want)
	}
	if !strings.HasPrefix(msg.ID, "local-") {
		t.Errorf("ID = %q, want content hash", msg.ID)
	}
}

func TestFromRFC822_Alternative(t *testing.T) {
	raw := gmailtest.Raw{
		Subject: "Your receipt",
		Plain:   "Total: $12.00",
		HTML:    "<p>Total: <b>$12.00</b></p>",
		CRLF:    true,
	}.Bytes()

	msg := mustParse(t, raw)
	if msg.Payload.MimeType != "multipart/alternative" {
		t.Fatalf("root MimeType = %q", msg.Payload.MimeType)
	}
	if len(msg.Payload.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Payload.Parts))
	}
	if got := msg.Payload.Parts[1].PartID; got != "1" {
		t.Errorf("second PartID = %q, want 1", got)
	}
	if got := triage.Normalize(msg, 0).Body; got != "Total: $12.00" {
		t.Errorf("Body = %q", got)
	}
}

func TestFromRFC822_HTMLOnly(t *testing.T) {
	raw := gmailtest.Raw{
		Subject: "Flash sale",
		HTML:    "<html><body><h1>50% off</h1>\n<p>Today   only</p></body></html>",
	}.Bytes()

	msg := mustParse(t, raw)
	if got := triage.Normalize(msg, 0).Body; got != "50% off Today only" {
		t.Errorf("Body = %q", got)
	}
}

func TestFromRFC822_LegacyCharset(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"Subject: =?ISO-8859-1?Q?Caf=E9?=\r\n" +
		"Message-Id: <abc123@example.com>\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Caf=E9 cr=E8me\r\n")

	msg := mustParse(t, raw)
	if msg.ID != "abc123@example.com" {
		t.Errorf("ID = %q", msg.ID)
	}
	in := triage.Normalize(msg, 0)
	if in.Subject != "Café" {
		t.Errorf("Subject = %q, want Café", in.Subject)
	}
	if in.Body != "Café crème" {
		t.Errorf("Body = %q, want Café crème", in.Body)
	}
	if ct := msg.Payload.Header("Content-Type"); !strings.Contains(ct, "utf-8") {
		t.Errorf("Content-Type = %q, want converted charset", ct)
	}
}

func TestFromRFC822_Attachment(t *testing.T) {
	raw := []byte("From: a@example.com\n" +
		"Subject: Report\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\n" +
		"\n" +
		"--b1\n" +
		"Content-Type: text/plain; charset=utf-8\n" +
		"\n" +
		"See attached.\n" +
		"--b1\n" +
		"Content-Type: application/pdf; name=\"report.pdf\"\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\n" +
		"Content-Transfer-Encoding: base64\n" +
		"\n" +
		"JVBERi0xLjQK\n" +
		"--b1--\n")

	msg := mustParse(t, raw)
	if len(msg.Payload.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Payload.Parts))
	}
	att := msg.Payload.Parts[1]
	if att.Filename != "report.pdf" || att.MimeType != "application/pdf" {
		t.Errorf("attachment = %+v", att)
	}
	data, err := att.Body.Decode()
	if err != nil || string(data) != "%PDF-1.4\n" {
		t.Errorf("attachment data = %q, %v", data, err)
	}
	if got := triage.Normalize(msg, 0).Body; got != "See attached." {
		t.Errorf("Body = %q", got)
	}
}

func TestFromRFC822_Invalid(t *testing.T) {
	if _, err := FromRFC822([]byte("this is not a header line without colon\n\nbody")); err == nil {
		t.Error("expected error for malformed header")
	}
}
