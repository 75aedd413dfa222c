package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"veritas/api/internal/profile"
	"veritas/api/internal/rbac"
	"veritas/api/internal/remote"
)

func newProfileCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Edit the signed-in profile",
	}
	cmd.AddCommand(newProfileSetCmd(e), newProfileRoleCmd(e), newProfileModeCmd(e), newProfileAvatarCmd(e))
	return cmd
}

func newProfileSetCmd(e *env) *cobra.Command {
	var update remote.BaseUpdate
	var fields []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update base profile columns and role-specific fields",
		Long: `Update name, email or picture URL on the base profile, and any role-specific field
with --field key=value. Role fields go to the table of the current role.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, teardown, err := e.mount(cmd.Context())
			if err != nil {
				return err
			}
			defer teardown()
			editor := remote.NewEditor(e.client, syncer)

			if err := editor.UpdateBaseProfile(cmd.Context(), update); err != nil {
				return err
			}
			if len(fields) > 0 {
				roleFields, err := parseFields(fields)
				if err != nil {
					return err
				}
				st := syncer.Snapshot()
				if st.Profile == nil || !rbac.Known(st.Profile.Role) {
					return fmt.Errorf("role fields need an assigned role")
				}
				if err := editor.SaveRoleProfile(cmd.Context(), st.Profile.Role, roleFields); err != nil {
					return err
				}
			}
			fmt.Fprintln(e.out, "profile saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&update.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&update.Email, "email", "", "Contact email")
	cmd.Flags().StringVar(&update.Pfp, "pfp", "", "Profile picture URL")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "Role-specific field as key=value (repeatable)")
	return cmd
}

func parseFields(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q: want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func newProfileRoleCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "role <mentor|researcher|admin>",
		Short: "Change role; signs out afterwards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := rbac.Normalize(strings.ToLower(args[0]))
			if !rbac.Known(role) {
				return fmt.Errorf("unknown role %q", args[0])
			}
			syncer, teardown, err := e.mount(cmd.Context())
			if err != nil {
				return err
			}
			defer teardown()

			mode := profile.Mode("")
			if st := syncer.Snapshot(); st.Profile != nil {
				mode = st.Profile.Mode
			}
			if err := remote.NewEditor(e.client, syncer).ChangeRole(cmd.Context(), role, mode); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "role changed to %s; sign in again\n", rbac.Label(role))
			return nil
		},
	}
}

func newProfileModeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "mode <light|dark>",
		Short: "Set the color mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := profile.Mode(strings.ToLower(args[0]))
			if mode != profile.ModeLight && mode != profile.ModeDark {
				return fmt.Errorf("mode must be light or dark")
			}
			syncer, teardown, err := e.mount(cmd.Context())
			if err != nil {
				return err
			}
			defer teardown()
			if err := remote.NewEditor(e.client, syncer).UpdateMode(cmd.Context(), mode); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "mode set to %s\n", mode)
			return nil
		},
	}
}

func newProfileAvatarCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "avatar <image>",
		Short: "Upload a profile picture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			syncer, teardown, err := e.mount(cmd.Context())
			if err != nil {
				return err
			}
			defer teardown()
			pfp, err := remote.NewEditor(e.client, syncer).UploadAvatar(cmd.Context(), http.DetectContentType(image), image)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, pfp)
			return nil
		},
	}
}
