package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func setupTestManager(t *testing.T, tokenURL string) *Manager {
	t.Helper()
	cfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.example.com/auth",
			TokenURL: tokenURL,
		},
	}
	mgr := newManager(cfg, filepath.Join(t.TempDir(), "token.json"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.out = io.Discard
	mgr.openBrowser = func(string) error { return nil }
	return mgr
}

func writeTokenFile(t *testing.T, mgr *Manager, token oauth2.Token, scopes []string) {
	t.Helper()
	data, err := json.Marshal(tokenFile{Token: token, Scopes: scopes})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mgr.tokenPath, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func readTokenFile(t *testing.T, mgr *Manager) tokenFile {
	t.Helper()
	data, err := os.ReadFile(mgr.tokenPath)
	if err != nil {
		t.Fatal(err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		t.Fatal(err)
	}
	return tf
}

// refreshServer answers refresh_token grants with access tokens "fresh-1", "fresh-2", ...
func refreshServer(t *testing.T, calls *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		*calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-" + string(rune('0'+*calls)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource_NoToken(t *testing.T) {
	mgr := setupTestManager(t, "http://unused")
	_, err := mgr.TokenSource(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
	if mgr.HasToken() {
		t.Error("HasToken = true with no file")
	}
}

func TestTokenSource_CorruptToken(t *testing.T) {
	mgr := setupTestManager(t, "http://unused")
	if err := os.WriteFile(mgr.tokenPath, []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := mgr.TokenSource(context.Background())
	if err == nil || errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want parse error", err)
	}
}

func TestTokenSource_ValidTokenNoRefresh(t *testing.T) {
	calls := 0
	srv := refreshServer(t, &calls)
	mgr := setupTestManager(t, srv.URL)
	writeTokenFile(t, mgr, oauth2.Token{
		AccessToken:  "still-good",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, Scopes)

	ts, err := mgr.TokenSource(context.Background())
	if err != nil {
		t.Fatalf("TokenSource: %v", err)
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "still-good" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if calls != 0 {
		t.Errorf("refresh calls = %d, want 0", calls)
	}
}

func TestTokenSource_RefreshesAndPersists(t *testing.T) {
	calls := 0
	srv := refreshServer(t, &calls)
	mgr := setupTestManager(t, srv.URL)
	writeTokenFile(t, mgr, oauth2.Token{
		AccessToken:  "expired",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}, Scopes)

	if _, err := mgr.TokenSource(context.Background()); err != nil {
		t.Fatalf("TokenSource: %v", err)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}

	tf := readTokenFile(t, mgr)
	if tf.AccessToken != "fresh-1" {
		t.Errorf("saved AccessToken = %q, want fresh-1", tf.AccessToken)
	}
	if tf.RefreshToken != "refresh" {
		t.Errorf("saved RefreshToken = %q, want the original to be kept", tf.RefreshToken)
	}
	if len(tf.Scopes) != 1 || tf.Scopes[0] != ScopeModify {
		t.Errorf("saved Scopes = %v", tf.Scopes)
	}
}

func TestTokenSource_RefreshFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	mgr := setupTestManager(t, srv.URL)
	writeTokenFile(t, mgr, oauth2.Token{
		AccessToken:  "expired",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
	}, Scopes)

	_, err := mgr.TokenSource(context.Background())
	if err == nil || !strings.Contains(err.Error(), "refresh token") {
		t.Fatalf("err = %v, want refresh failure", err)
	}
	if tf := readTokenFile(t, mgr); tf.AccessToken != "expired" {
		t.Errorf("token file rewritten after failed refresh: %q", tf.AccessToken)
	}
}

func TestHasScope(t *testing.T) {
	mgr := setupTestManager(t, "http://unused")
	writeTokenFile(t, mgr, oauth2.Token{AccessToken: "a"}, []string{ScopeModify})

	if !mgr.HasToken() {
		t.Error("HasToken = false")
	}
	if !mgr.HasScope(ScopeModify) {
		t.Error("HasScope(modify) = false")
	}
	if mgr.HasScope("https://mail.google.com/") {
		t.Error("HasScope(full) = true")
	}

	writeTokenFile(t, mgr, oauth2.Token{AccessToken: "a"}, nil)
	if mgr.HasScope(ScopeModify) {
		t.Error("HasScope = true for token without scope metadata")
	}
}

func TestDeleteToken(t *testing.T) {
	mgr := setupTestManager(t, "http://unused")
	writeTokenFile(t, mgr, oauth2.Token{AccessToken: "a"}, Scopes)

	if err := mgr.DeleteToken(); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if mgr.HasToken() {
		t.Error("token still present")
	}
	if err := mgr.DeleteToken(); err != nil {
		t.Errorf("second DeleteToken: %v", err)
	}
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  bool
		status   int
	}{
		{"success", "state=s1&code=abc", "abc", false, http.StatusOK},
		{"state mismatch", "state=other&code=abc", "", true, http.StatusBadRequest},
		{"missing code", "state=s1", "", true, http.StatusBadRequest},
		{"denied", "state=s1&error=access_denied", "", true, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codeChan := make(chan string, 1)
			errChan := make(chan error, 1)
			h := newCallbackHandler("s1", codeChan, errChan)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, callbackPath+"?"+tt.query, nil))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			select {
			case code := <-codeChan:
				if tt.wantErr || code != tt.wantCode {
					t.Errorf("code = %q, wantErr %v", code, tt.wantErr)
				}
			case err := <-errChan:
				if !tt.wantErr {
					t.Errorf("unexpected error: %v", err)
				}
			default:
				t.Error("handler sent nothing")
			}
		})
	}
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare code", "  4/0Abc-def \n", "4/0Abc-def", false},
		{"redirect URL", "http://localhost/callback?state=st&code=4%2F0Abc&scope=x", "4/0Abc", false},
		{"wrong state", "http://localhost/callback?state=bad&code=abc", "", true},
		{"denied", "http://localhost/callback?state=st&error=access_denied", "", true},
		{"no code", "http://localhost/callback?state=st", "", true},
		{"empty", "\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCode(tt.input, "st")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthorize_Browser(t *testing.T) {
	var exchanged url.Values
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		exchanged = r.Form
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	mgr := setupTestManager(t, tokenSrv.URL)
	// Stand in for the browser: follow the consent URL's redirect_uri.
	mgr.openBrowser = func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		go func() {
			resp, err := http.Get(q.Get("redirect_uri") + "?state=" + url.QueryEscape(q.Get("state")) + "&code=the-code")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Authorize(ctx, false); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if got := exchanged.Get("code"); got != "the-code" {
		t.Errorf("exchanged code = %q", got)
	}
	tf := readTokenFile(t, mgr)
	if tf.AccessToken != "new-access" || tf.RefreshToken != "new-refresh" {
		t.Errorf("saved token = %+v", tf.Token)
	}
}

func TestAuthorize_Headless(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"pasted","refresh_token":"r","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	mgr := setupTestManager(t, tokenSrv.URL)
	mgr.in = strings.NewReader("bare-code\n")

	if err := mgr.Authorize(context.Background(), true); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if tf := readTokenFile(t, mgr); tf.AccessToken != "pasted" {
		t.Errorf("saved AccessToken = %q", tf.AccessToken)
	}
}
