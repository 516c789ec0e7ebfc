// Package oauth acquires, stores, and refreshes the Gmail OAuth2 token.
package oauth

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/wesm/mailtriage/internal/fileutil"
)

// ScopeModify allows reading messages and changing their labels.
const ScopeModify = "https://www.googleapis.com/auth/gmail.modify"

// Scopes requested during authorization.
var Scopes = []string{ScopeModify}

// ErrNoToken is returned when no token file exists yet.
var ErrNoToken = errors.New("no OAuth token found; run 'mailtriage auth' on a machine with a browser")

// Manager handles OAuth2 token acquisition and storage for one mailbox.
type Manager struct {
	config    *oauth2.Config
	tokenPath string
	logger    *slog.Logger

	out         io.Writer
	in          io.Reader
	openBrowser func(string) error
}

// NewManager creates a manager from a Google client secrets file. The token
// is read from and written to tokenPath.
func NewManager(clientSecretsPath, tokenPath string, logger *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	return newManager(config, tokenPath, logger), nil
}

func newManager(config *oauth2.Config, tokenPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:      config,
		tokenPath:   tokenPath,
		logger:      logger,
		out:         os.Stdout,
		in:          os.Stdin,
		openBrowser: openBrowser,
	}
}

// SetOutput redirects authorization prompts.
func (m *Manager) SetOutput(w io.Writer) { m.out = w }

// TokenPath returns the token file location.
func (m *Manager) TokenPath() string { return m.tokenPath }

// TokenSource returns an auto-refreshing token source backed by the token
// file. The token is refreshed immediately if expired, so a revoked or
// unrefreshable token fails here rather than mid-batch. Refreshed tokens
// are written back to the token file.
func (m *Manager) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tf, err := m.loadTokenFile()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w (looked in %s)", ErrNoToken, m.tokenPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", m.tokenPath, err)
	}
	if !slices.Contains(tf.Scopes, ScopeModify) && len(tf.Scopes) > 0 {
		m.logger.Warn("token was not authorized for gmail.modify; label changes will fail",
			"scopes", tf.Scopes)
	}

	src := &persistingSource{
		base:   m.config.TokenSource(ctx, &tf.Token),
		last:   tf.AccessToken,
		save:   m.saveToken,
		logger: m.logger,
	}
	if _, err := src.Token(); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return src, nil
}

// persistingSource saves the token whenever the underlying source hands
// out a new access token.
type persistingSource struct {
	base   oauth2.TokenSource
	save   func(*oauth2.Token) error
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.save(tok); err != nil {
			s.logger.Warn("failed to save refreshed token", "error", err)
		} else {
			s.logger.Debug("saved refreshed token", "expiry", tok.Expiry)
		}
	}
	return tok, nil
}

// HasToken reports whether a readable token file exists.
func (m *Manager) HasToken() bool {
	_, err := m.loadTokenFile()
	return err == nil
}

// HasScope reports whether the stored token was authorized with scope.
// Tokens saved without scope metadata report false.
func (m *Manager) HasScope(scope string) bool {
	tf, err := m.loadTokenFile()
	if err != nil {
		return false
	}
	return slices.Contains(tf.Scopes, scope)
}

// Authorize runs the consent flow and saves the resulting token. With
// headless set, the user opens the URL on another machine and pastes the
// redirected URL (or just the code) back on stdin.
func (m *Manager) Authorize(ctx context.Context, headless bool) error {
	var (
		token *oauth2.Token
		err   error
	)
	if headless {
		token, err = m.pasteFlow(ctx)
	} else {
		token, err = m.browserFlow(ctx)
	}
	if err != nil {
		return err
	}
	return m.saveToken(token)
}

// DeleteToken removes the token file. A missing file is not an error.
func (m *Manager) DeleteToken() error {
	err := os.Remove(m.tokenPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

const callbackPath = "/callback"

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newCallbackHandler returns an HTTP handler that processes the OAuth callback.
func newCallbackHandler(expectedState string, codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			errChan <- errors.New("state mismatch: possible CSRF attack")
			http.Error(w, "Error: state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			errChan <- fmt.Errorf("authorization denied: %s", e)
			http.Error(w, "Authorization was denied: "+e, http.StatusForbidden)
			return
		}
		code := q.Get("code")
		if code == "" {
			errChan <- errors.New("no code in callback")
			http.Error(w, "Error: no authorization code received", http.StatusBadRequest)
			return
		}
		codeChan <- code
		fmt.Fprint(w, "Authorization successful! You can close this window.")
	}
}

// browserFlow listens on an ephemeral loopback port for the redirect.
func (m *Manager) browserFlow(ctx context.Context) (*oauth2.Token, error) {
	state, err := newState()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for callback: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle(callbackPath, newCallbackHandler(state, codeChan, errChan))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errChan <- err:
			default:
			}
		}
	}()
	defer func() { _ = server.Close() }()

	cfg := *m.config
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d%s", port, callbackPath)
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintln(m.out, "Opening browser for authorization...")
	fmt.Fprintf(m.out, "If the browser doesn't open, visit:\n%s\n\n", authURL)
	if err := m.openBrowser(authURL); err != nil {
		m.logger.Warn("failed to open browser", "error", err)
	}

	select {
	case code := <-codeChan:
		return cfg.Exchange(ctx, code)
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pasteFlow prints the consent URL and reads the redirect back from m.in.
// The browser lands on an unreachable localhost page; its URL carries the code.
func (m *Manager) pasteFlow(ctx context.Context) (*oauth2.Token, error) {
	state, err := newState()
	if err != nil {
		return nil, err
	}
	cfg := *m.config
	cfg.RedirectURL = "http://localhost" + callbackPath
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintf(m.out, "Visit this URL on any machine with a browser:\n\n%s\n\n", authURL)
	fmt.Fprintln(m.out, "After approving, the browser is redirected to a localhost page that will not load.")
	fmt.Fprint(m.out, "Paste that page's full URL here: ")

	line, err := bufio.NewReader(m.in).ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || strings.TrimSpace(line) == "") {
		return nil, fmt.Errorf("read authorization response: %w", err)
	}
	code, err := parseCode(line, state)
	if err != nil {
		return nil, err
	}
	return cfg.Exchange(ctx, code)
}

// parseCode accepts either the redirected URL or a bare authorization code.
func parseCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization response")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	q := u.Query()
	if q.Get("state") != state {
		return "", errors.New("state mismatch: possible CSRF attack")
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("no code in redirect URL")
	}
	return code, nil
}

// tokenFile wraps an OAuth2 token with the scopes it was authorized with.
type tokenFile struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

func (m *Manager) loadTokenFile() (*tokenFile, error) {
	data, err := os.ReadFile(m.tokenPath)
	if err != nil {
		return nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if tf.AccessToken == "" && tf.RefreshToken == "" {
		return nil, errors.New("token file has neither access nor refresh token")
	}
	return &tf, nil
}

func (m *Manager) saveToken(token *oauth2.Token) error {
	tf := tokenFile{Token: *token, Scopes: m.config.Scopes}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(m.tokenPath, data, 0600)
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
