package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/mailtriage/internal/gmail"
	"github.com/wesm/mailtriage/internal/oauth"
)

var (
	authForce    bool
	authHeadless bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize Gmail access and save the token file",
	Long: `Run the Google OAuth consent flow and save the resulting token.

Run this on a machine with a browser, then copy the token file to the
host that runs 'serve'. With --headless, the consent URL is printed and
the redirected URL is pasted back instead of using a local callback.

An existing usable token is kept unless --force is given, which deletes
it before authorizing again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if err := cfg.ValidateOAuth(); err != nil {
			return errOAuthSetup(cfg, err)
		}
		mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.OAuth.TokenFile, logger)
		if err != nil {
			return errOAuthSetup(cfg, err)
		}
		mgr.SetOutput(out)

		if mgr.HasToken() && authForce {
			if err := mgr.DeleteToken(); err != nil {
				return fmt.Errorf("delete existing token: %w", err)
			}
			fmt.Fprintf(out, "Deleted existing token at %s\n", mgr.TokenPath())
		}
		if mgr.HasToken() {
			if _, err := mgr.TokenSource(ctx); err == nil && mgr.HasScope(oauth.ScopeModify) {
				fmt.Fprintf(out, "Valid token already exists at %s\n", mgr.TokenPath())
				fmt.Fprintln(out, "Use --force to authorize again.")
				return nil
			} else if err != nil {
				fmt.Fprintf(out, "Existing token is unusable (%v); starting a new authorization.\n", err)
			} else {
				fmt.Fprintln(out, "Existing token lacks the gmail.modify scope; starting a new authorization.")
			}
		}

		if err := mgr.Authorize(ctx, authHeadless); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		fmt.Fprintf(out, "Token saved to %s\n", mgr.TokenPath())

		ts, err := mgr.TokenSource(ctx)
		if err != nil {
			return err
		}
		profile, err := gmail.NewClient(ts, gmail.WithLogger(logger)).GetProfile(ctx)
		if err != nil {
			return fmt.Errorf("verify token: %w", err)
		}
		fmt.Fprintf(out, "Authorized as %s\n\n", profile.EmailAddress)
		fmt.Fprintln(out, "Next steps:")
		fmt.Fprintln(out, "  1. Copy the token file to the host that runs 'mailtriage serve'")
		fmt.Fprintln(out, "  2. Set GROQ_API_KEY (or [classifier] api_key) there")
		fmt.Fprintln(out, "  3. Start the worker with 'mailtriage serve'")
		return nil
	},
}

func init() {
	authCmd.Flags().BoolVar(&authForce, "force", false, "delete the existing token and authorize again")
	authCmd.Flags().BoolVar(&authHeadless, "headless", false, "print the consent URL and read the redirect from stdin")
	rootCmd.AddCommand(authCmd)
}
