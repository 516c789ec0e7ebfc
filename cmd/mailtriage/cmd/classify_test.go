package cmd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/mailtriage/internal/config"
	"github.com/wesm/mailtriage/internal/testutil/gmailtest"
	"github.com/wesm/mailtriage/internal/triage"
)

// fakeClassifier serves chat completions with a fixed assistant reply and
// records the user payloads it receives.
func fakeClassifier(t *testing.T, reply string, got *[]triage.Input) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		for _, m := range req.Messages {
			if m.Role == "user" {
				var in triage.Input
				if err := json.Unmarshal([]byte(m.Content), &in); err != nil {
					t.Errorf("user content is not Input JSON: %v", err)
				}
				*got = append(*got, in)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupClassify(t *testing.T, reply string) (emlPath string, inputs *[]triage.Input) {
	t.Helper()
	home := testHome(t)
	t.Setenv(config.EnvGroqAPIKey, "gsk_test")
	inputs = &[]triage.Input{}
	srv := fakeClassifier(t, reply, inputs)

	conf := "[classifier]\nbase_url = \"" + srv.URL + "/v1\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	raw := gmailtest.Raw{
		From:    "Acme Billing <billing@acme.example>",
		To:      "me@example.com",
		Subject: "Invoice #4521 due",
		Plain:   "Your invoice of $120 is due on Friday.",
	}.Bytes()
	emlPath = filepath.Join(t.TempDir(), "invoice.eml")
	if err := os.WriteFile(emlPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return emlPath, inputs
}

const importantReply = `{"is_spam":false,"is_important":true,"confidence":0.9,"reason":"Invoice","actions":{"mark_spam":false,"star":true,"archive":false,"mark_read":false}}`

func TestClassify_Text(t *testing.T) {
	eml, inputs := setupClassify(t, importantReply)

	out, err := execute(t, "classify", eml)
	if err != nil {
		t.Fatalf("classify: %v\n%s", err, out)
	}

	for _, want := range []string{
		"Subject: Invoice #4521 due",
		"Result:  IMPORTANT (confidence: 0.9) - Invoice",
		"Add:     AI/Important, AI/Processed, STARRED",
		"Remove:  (none)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	want := []triage.Input{{
		Subject: "Invoice #4521 due",
		From:    "Acme Billing <billing@acme.example>",
		To:      "me@example.com",
		Snippet: "Your invoice of $120 is due on Friday.",
		Body:    "Your invoice of $120 is due on Friday.",
	}}
	if diff := cmp.Diff(want, *inputs); diff != "" {
		t.Errorf("classifier input mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify_JSONFallback(t *testing.T) {
	eml, _ := setupClassify(t, "I cannot decide.")

	out, err := execute(t, "classify", "--json", eml)
	if err != nil {
		t.Fatalf("classify: %v\n%s", err, out)
	}

	var report classifyReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if !report.Fallback || report.Problem == "" {
		t.Errorf("Fallback = %v, Problem = %q", report.Fallback, report.Problem)
	}
	if diff := cmp.Diff(triage.FallbackDecision(), report.Decision); diff != "" {
		t.Errorf("decision mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"AI/Processed"}, report.Add); diff != "" {
		t.Errorf("add mismatch (-want +got):\n%s", diff)
	}
	if report.Bucket != triage.BucketKept {
		t.Errorf("Bucket = %q", report.Bucket)
	}
}

func TestClassify_Stdin(t *testing.T) {
	eml, inputs := setupClassify(t, importantReply)
	data, err := os.ReadFile(eml)
	if err != nil {
		t.Fatal(err)
	}
	rootCmd.SetIn(strings.NewReader(string(data)))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	if _, err := execute(t, "classify", "-"); err != nil {
		t.Fatalf("classify -: %v", err)
	}
	if len(*inputs) != 1 || (*inputs)[0].Subject != "Invoice #4521 due" {
		t.Errorf("inputs = %+v", *inputs)
	}
}

func TestClassify_MissingFile(t *testing.T) {
	testHome(t)
	_, err := execute(t, "classify", filepath.Join(t.TempDir(), "nope.eml"))
	if err == nil || !strings.Contains(err.Error(), "read message") {
		t.Errorf("err = %v", err)
	}
}

func TestReadMessageFile_Stdin(t *testing.T) {
	data, err := readMessageFile(io.NopCloser(strings.NewReader("Subject: x\n\nbody")), "-")
	if err != nil || string(data) != "Subject: x\n\nbody" {
		t.Errorf("readMessageFile = %q, %v", data, err)
	}
}
