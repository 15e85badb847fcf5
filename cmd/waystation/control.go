package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dvcrn/waystation-auth/internal/server"
	"github.com/spf13/cobra"
)

func newClient() (*server.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return server.NewClient(cfg.ListenAddr, cfg.ControlToken, nil), nil
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <url...>",
		Short: "Forward deep links to the running daemon",
		Long: `Forward a batch of waystation:// URLs to the running daemon.

Register this command as the handler for the waystation URL scheme. Only the
first URL of a batch is acted on.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.DeliverDeepLinks(cmd.Context(), args)
		},
	}
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Login(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Continue signing in in your browser.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if _, err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the session now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			status, err := c.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session status",
		Long: `Show the session status of the running daemon.

Exits with code 2 when no session is available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			if !status.Authenticated {
				return authRequiredError{}
			}
			return nil
		},
	}
}

func printStatus(w io.Writer, status server.SessionStatus) {
	if !status.Authenticated {
		fmt.Fprintln(w, "Status:      Not signed in")
		fmt.Fprintf(w, "Onboarding:  %s\n", completed(status.OnboardingCompleted))
		return
	}

	fmt.Fprintln(w, "Status:      Signed in")
	if id := status.Identity; id != nil {
		who := id.Subject
		if id.Email != "" {
			who = fmt.Sprintf("%s (%s)", id.Email, id.Subject)
		}
		fmt.Fprintf(w, "User:        %s\n", who)
	}
	if status.MinutesUntilExpiry != nil {
		fmt.Fprintf(w, "Expires:     %s (in %d min)\n", time.Unix(status.ExpiresAt, 0).Format(time.RFC3339), *status.MinutesUntilExpiry)
	} else {
		fmt.Fprintln(w, "Expires:     unknown")
	}
	if status.NextRefreshAt != nil {
		fmt.Fprintf(w, "Refresh:     %s\n", status.NextRefreshAt.Format(time.RFC3339))
	} else if !status.HasRefreshToken {
		fmt.Fprintln(w, "Refresh:     none (no refresh token)")
	}
	fmt.Fprintf(w, "Onboarding:  %s\n", completed(status.OnboardingCompleted))
}

func completed(ok bool) string {
	if ok {
		return "completed"
	}
	return "pending"
}
