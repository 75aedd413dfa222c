package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"veritas/api/internal/authpw"
)

func newAdminCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative commands",
	}

	var req authpw.CreateUserRequest
	create := &cobra.Command{
		Use:   "create-user",
		Short: "Create an account with a profile and role row",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := e.client.CreateUser(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "created %s (%s)\n", id, req.Email)
			return nil
		},
	}
	create.Flags().StringVar(&req.Email, "email", "", "Account email")
	create.Flags().StringVar(&req.Password, "password", "", "Initial password (at least 8 characters)")
	create.Flags().StringVar(&req.Name, "name", "", "Display name")
	create.Flags().StringVar(&req.Role, "role", "", "mentor, researcher or admin")
	for _, name := range []string{"email", "password", "name", "role"} {
		_ = create.MarkFlagRequired(name)
	}

	cmd.AddCommand(create)
	return cmd
}
