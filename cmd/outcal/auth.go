package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/outcal/internal/auth"
	"github.com/mschirtzinger/outcal/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "auth",
	Short:   "Sign in with your Microsoft account",
	Long: `Open the Microsoft sign-in page in a browser and store the resulting
refresh token in the OS secret store.

The browser redirects back to redirect_url (default http://localhost:8080),
where outcal listens for the authorization code.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession(true)
		if err != nil {
			return err
		}
		if _, err := session.InteractiveLogin(cmd.Context()); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		who := session.Account()
		if who == "" {
			who = "your account"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderBold(who))
		fmt.Fprintf(cmd.OutOrStdout(), "  Run %s to fetch your calendars.\n", ui.RenderAccent("outcal sync"))
		return nil
	},
}

var logoutYes bool

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "auth",
	Short:   "Forget the stored credential",
	Long: `Delete the refresh token from the OS secret store. The local replica is
kept and stays readable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession(false)
		if err != nil {
			return err
		}
		if session.State() == auth.LoggedOut {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Not signed in\n", ui.RenderWarn("⚠"))
			return nil
		}

		if !logoutYes && canPrompt() {
			confirm := false
			err := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title("Sign out of outcal?").
					Description("Syncing stops until you run outcal login again.").
					Affirmative("Sign out").
					Negative("Cancel").
					Value(&confirm),
			)).Run()
			if err != nil {
				return err
			}
			if !confirm {
				return nil
			}
		}

		if err := session.Logout(); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed out\n", ui.RenderPass("✓"))
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "auth",
	Short:   "Show the signed-in account",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession(false)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if session.State() == auth.LoggedOut {
			fmt.Fprintf(out, "%s Not signed in. Run %s.\n", ui.RenderWarn("⚠"), ui.RenderAccent("outcal login"))
			return nil
		}

		// The account name comes from the identity token, which a refresh
		// returns alongside the access token.
		cred, err := session.EnsureValidCredential(cmd.Context())
		switch {
		case errors.Is(err, auth.ErrLoginRequired):
			fmt.Fprintf(out, "%s Session expired. Run %s.\n", ui.RenderWarn("⚠"), ui.RenderAccent("outcal login"))
			return nil
		case err != nil:
			return err
		}

		who := session.Account()
		if who == "" {
			who = "(account name not provided)"
		}
		fmt.Fprintf(out, "%s %s\n", ui.RenderPass("✓"), ui.RenderBold(who))
		fmt.Fprintf(out, "  %s\n", ui.RenderMuted(cred.String()))
		return nil
	},
}

func init() {
	logoutCmd.Flags().BoolVarP(&logoutYes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}
