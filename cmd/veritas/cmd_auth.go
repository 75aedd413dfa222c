package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"veritas/api/internal/profilesync"
	"veritas/api/internal/rbac"
)

func newLoginCmd(e *env) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session locally",
		Long: `Sign in with email and password. When --password is omitted the password is read
from the first line of stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(e.in).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			session, err := e.client.SignIn(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "signed in as %s\n", session.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the cached profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Mounted so the sign-out event also clears the cached profile.
			_, teardown, err := e.mount(cmd.Context())
			if err != nil {
				return err
			}
			defer teardown()
			if err := e.client.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(e.out, "signed out")
			return nil
		},
	}
}

func newWhoamiCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Load the signed-in profile and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, teardown, err := e.mount(cmd.Context())
			if err != nil {
				return err
			}
			defer teardown()
			return printState(e, syncer.Snapshot(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the merged profile as JSON")
	return cmd
}

func newWatchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream profile state changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, teardown, err := e.mount(cmd.Context())
			if err != nil {
				return err
			}
			defer teardown()

			for st := range syncer.Watch(cmd.Context()) {
				if err := printState(e, st, true); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printState(e *env, st profilesync.State, asJSON bool) error {
	if asJSON {
		out := map[string]any{
			"userId":  st.UserID,
			"loading": st.Loading,
			"trigger": st.Trigger,
			"profile": st.Profile,
		}
		return json.NewEncoder(e.out).Encode(out)
	}
	if st.Profile == nil {
		fmt.Fprintln(e.out, "not signed in")
		return nil
	}
	p := st.Profile
	fmt.Fprintf(e.out, "%s <%s>\n", p.Name, p.Email)
	fmt.Fprintf(e.out, "  id:   %s\n", p.ID)
	fmt.Fprintf(e.out, "  role: %s\n", rbac.Label(p.Role))
	fmt.Fprintf(e.out, "  mode: %s\n", p.Mode)
	if p.Pfp != "" {
		fmt.Fprintf(e.out, "  pfp:  %s\n", p.Pfp)
	}
	return nil
}
