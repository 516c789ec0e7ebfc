package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/wesm/mailtriage/internal/config"
	"github.com/wesm/mailtriage/internal/gmail"
	"github.com/wesm/mailtriage/internal/llm"
	"github.com/wesm/mailtriage/internal/oauth"
	"github.com/wesm/mailtriage/internal/triage"
)

// passFlags are the per-pass overrides shared by run and serve.
type passFlags struct {
	dryRun        bool
	maxResults    int
	newerThanDays int
}

func (f *passFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "classify and report without changing the mailbox")
	cmd.Flags().IntVar(&f.maxResults, "max-results", 0, "candidates per pass (default from config)")
	cmd.Flags().IntVar(&f.newerThanDays, "newer-than", 0, "only consider messages from the last N days (default from config)")
}

// triageOptions merges config values with command-line overrides.
func triageOptions(c *config.Config, f passFlags) triage.Options {
	opts := triage.Options{
		ProcessedLabel: c.Triage.ProcessedLabel,
		ImportantLabel: c.Triage.ImportantLabel,
		MaxResults:     c.Triage.MaxResults,
		NewerThanDays:  c.Triage.NewerThanDays,
		BodyLimit:      c.Triage.BodyCharLimit,
		Pacing:         c.Triage.Pacing(),
		DryRun:         f.dryRun,
	}
	if f.maxResults > 0 {
		opts.MaxResults = min(f.maxResults, 500)
	}
	if f.newerThanDays > 0 {
		opts.NewerThanDays = f.newerThanDays
	}
	return opts
}

// newGateway builds the classifier client. A missing API key is fatal.
func newGateway(c *config.Config) (*triage.Gateway, error) {
	if err := c.ValidateClassifier(); err != nil {
		return nil, err
	}
	client, err := llm.NewClient(c.Classifier.BaseURL, c.Classifier.APIKey, c.Classifier.Model,
		llm.WithTimeout(c.Classifier.Timeout()),
		llm.WithJSONMode(c.Classifier.JSONMode),
		llm.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("classifier client: %w", err)
	}
	return triage.NewGateway(client, logger), nil
}

// tokenSource loads the saved Gmail token, refreshing it if needed.
func tokenSource(ctx context.Context, c *config.Config) (oauth2.TokenSource, error) {
	if err := c.ValidateOAuth(); err != nil {
		return nil, errOAuthSetup(c, err)
	}
	mgr, err := oauth.NewManager(c.OAuth.ClientSecrets, c.OAuth.TokenFile, logger)
	if err != nil {
		return nil, errOAuthSetup(c, err)
	}
	ts, err := mgr.TokenSource(ctx)
	if err != nil {
		if errors.Is(err, oauth.ErrNoToken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w\nRe-run 'mailtriage auth --force' on a machine with a browser and redeploy the token file", err)
	}
	return ts, nil
}

// newMailbox connects to Gmail and prints the account identity.
func newMailbox(ctx context.Context, c *config.Config, out io.Writer) (*gmail.Client, error) {
	ts, err := tokenSource(ctx, c)
	if err != nil {
		return nil, err
	}
	client := gmail.NewClient(ts,
		gmail.WithLogger(logger),
		gmail.WithRateLimiter(gmail.NewRateLimiter(c.Gmail.RateLimitQPS)),
	)
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	fmt.Fprintf(out, "Connected to %s\n", profile.EmailAddress)
	logger.Info("connected", "email", profile.EmailAddress, "messages_total", profile.MessagesTotal)
	return client, nil
}

// newRunner performs every startup-fatal check and returns a ready runner.
// The classifier is checked first since it needs no network.
func newRunner(ctx context.Context, c *config.Config, f passFlags, out io.Writer) (*triage.Runner, error) {
	gw, err := newGateway(c)
	if err != nil {
		return nil, err
	}
	mb, err := newMailbox(ctx, c, out)
	if err != nil {
		return nil, err
	}
	rep := triage.NewTextReporter(out, reporterStyle(out))
	return triage.NewRunner(mb, gw, triageOptions(c, f),
		triage.WithLogger(logger),
		triage.WithReporter(rep),
	), nil
}

// errOAuthSetup adds setup instructions to client secrets errors.
func errOAuthSetup(c *config.Config, err error) error {
	return fmt.Errorf(`%w

To use mailtriage, you need a Google Cloud OAuth credential:
  1. Enable the Gmail API in the Google Cloud Console
  2. Create an OAuth client ID of type "Desktop app"
  3. Download it to %s, or point to it in %s:
       [oauth]
       client_secrets = "/path/to/client_secret.json"`, err, c.OAuth.ClientSecrets, c.ConfigPath)
}
