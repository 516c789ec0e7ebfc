package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wesm/mailtriage/internal/config"
	"github.com/wesm/mailtriage/internal/oauth"
)

// execute runs the real root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		cfgFile, homeDir, verbose, logFormat = "", "", false, "auto"
		classifyJSON = false
		runFlags = passFlags{}
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// testHome points the CLI at an empty home directory with a clean environment.
func testHome(t *testing.T) string {
	t.Helper()
	for _, k := range []string{config.EnvClassifierAPIKey, config.EnvGroqAPIKey, config.EnvPort, config.EnvRender} {
		t.Setenv(k, "")
	}
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	return home
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
		check   func(string) bool
	}{
		{"json", false, func(s string) bool { return strings.HasPrefix(s, "{") }},
		{"text", false, func(s string) bool { return strings.HasPrefix(s, "time=") }},
		{"auto", false, func(s string) bool { return strings.HasPrefix(s, "{") }}, // a buffer is not a terminal
		{"xml", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := newLogger(&buf, tt.format, false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			l.Info("hello")
			l.Debug("hidden")
			if !tt.check(buf.String()) {
				t.Errorf("output = %q", buf.String())
			}
			if strings.Contains(buf.String(), "hidden") {
				t.Error("debug line logged without --verbose")
			}
		})
	}
}

func TestTriageOptions(t *testing.T) {
	c := config.NewDefaultConfig(t.TempDir())

	opts := triageOptions(c, passFlags{})
	if opts.MaxResults != 100 || opts.NewerThanDays != 7 || opts.BodyLimit != 8000 ||
		opts.Pacing != 200*time.Millisecond || opts.DryRun {
		t.Errorf("defaults = %+v", opts)
	}
	if opts.ProcessedLabel != "AI/Processed" || opts.ImportantLabel != "AI/Important" {
		t.Errorf("labels = %q, %q", opts.ProcessedLabel, opts.ImportantLabel)
	}

	opts = triageOptions(c, passFlags{dryRun: true, maxResults: 1000, newerThanDays: 1})
	if !opts.DryRun || opts.MaxResults != 500 || opts.NewerThanDays != 1 {
		t.Errorf("overrides = %+v", opts)
	}
}

func TestRun_MissingAPIKeyIsFatal(t *testing.T) {
	testHome(t)
	_, err := execute(t, "run")
	if !errors.Is(err, config.ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestRun_MissingClientSecretsIsFatal(t *testing.T) {
	testHome(t)
	t.Setenv(config.EnvGroqAPIKey, "gsk_test")
	_, err := execute(t, "run")
	if !errors.Is(err, config.ErrMissingClientSecrets) {
		t.Fatalf("err = %v, want ErrMissingClientSecrets", err)
	}
	if !strings.Contains(err.Error(), "Google Cloud OAuth credential") {
		t.Errorf("error lacks setup instructions: %v", err)
	}
}

func TestRun_MissingTokenIsFatal(t *testing.T) {
	home := testHome(t)
	t.Setenv(config.EnvGroqAPIKey, "gsk_test")
	secrets := `{"installed":{"client_id":"id","client_secret":"secret","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`
	if err := os.WriteFile(filepath.Join(home, "client_secret.json"), []byte(secrets), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "run")
	if !errors.Is(err, oauth.ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestInvalidConfigIsFatal(t *testing.T) {
	home := testHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("[triage]\nmax_results = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "run")
	if err == nil || !strings.Contains(err.Error(), "max_results") {
		t.Fatalf("err = %v, want max_results validation error", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "mailtriage dev") {
		t.Errorf("output = %q", out)
	}
}
