package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/sealvault/internal/accesscontrol"
)

var (
	sessionToken   string
	sessionSubject string
	sessionExpires string
)

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the gateway's access-control session",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store a session credential on the gateway",
		RunE:  runSessionSet,
	}
	setCmd.Flags().StringVar(&sessionToken, "token", "", "session token issued by the access-control service")
	setCmd.Flags().StringVar(&sessionSubject, "subject", "", "session subject, e.g. a wallet address")
	setCmd.Flags().StringVar(&sessionExpires, "expires", "", "expiry as RFC 3339 or a duration from now, e.g. 12h")
	_ = setCmd.MarkFlagRequired("token")
	_ = setCmd.MarkFlagRequired("expires")
	sessionCmd.AddCommand(setCmd)

	sessionCmd.AddCommand(&cobra.Command{
		Use:     "show",
		Aliases: []string{"status"},
		Short:   "Show the stored session",
		RunE:    runSessionShow,
	})

	sessionCmd.AddCommand(&cobra.Command{
		Use:     "clear",
		Aliases: []string{"logout"},
		Short:   "Clear the session and every cached key",
		RunE:    runSessionClear,
	})

	return sessionCmd
}

// parseExpiry accepts an RFC 3339 timestamp or a duration relative to now.
func parseExpiry(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: want RFC 3339 or a duration", v)
	}
	if d <= 0 {
		return time.Time{}, errors.New("expiry duration must be positive")
	}
	return now.Add(d), nil
}

func runSessionSet(cmd *cobra.Command, args []string) error {
	now := time.Now()
	expires, err := parseExpiry(sessionExpires, now)
	if err != nil {
		return err
	}

	c, err := newGatewayClient(serverURL)
	if err != nil {
		return err
	}
	err = c.setSession(cmd.Context(), accesscontrol.SessionCredential{
		Token:     sessionToken,
		Subject:   sessionSubject,
		IssuedAt:  now,
		ExpiresAt: expires,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session stored, expires %s\n", expires.Format(time.RFC3339))
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	c, err := newGatewayClient(serverURL)
	if err != nil {
		return err
	}
	s, err := c.session(cmd.Context())
	if err != nil {
		var rerr *responseError
		if errors.As(err, &rerr) && rerr.Code == "NoSession" {
			fmt.Fprintln(cmd.OutOrStdout(), "No session")
			return nil
		}
		return err
	}
	out := cmd.OutOrStdout()
	if s.Subject != "" {
		fmt.Fprintf(out, "Subject: %s\n", s.Subject)
	}
	fmt.Fprintf(out, "Issued:  %s\n", s.IssuedAt)
	fmt.Fprintf(out, "Expires: %s\n", s.ExpiresAt)
	return nil
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	c, err := newGatewayClient(serverURL)
	if err != nil {
		return err
	}
	if err := c.clearSession(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Session cleared")
	return nil
}
