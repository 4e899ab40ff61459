package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"contractflow/auth"
	"contractflow/workflow"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var p auth.Participant
	var role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a participant token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load(false)
			if err != nil {
				return err
			}
			svc, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
			if err != nil {
				return err
			}
			p.Role = workflow.Role(role)
			tok, err := svc.Issue(p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.UserID, "user", "", "User id")
	cmd.Flags().StringVar(&p.ContractID, "contract", "", "Contract the token is scoped to (empty for admins only)")
	cmd.Flags().StringVar(&role, "role", "", "admin, client or affiliate")
	cmd.Flags().StringVar(&p.DisplayName, "name", "", "Display name shown to other participants")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
