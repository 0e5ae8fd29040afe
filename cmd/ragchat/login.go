package main

import (
	"fmt"

	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/spf13/cobra"
)

func (a *app) loginCmd() *cobra.Command {
	var creds services.Credentials

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the token used to talk to the backend",
		Long: `Save the bearer token issued by the backend, and the user it belongs to.
The token is stored next to the config file and used by serve and ask until logout.
A token in the config file or in RAGCHAT_TOKEN takes precedence over the saved one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			boltDB, err := services.NewBoltDB(a.cfg.StorePath)
			if err != nil {
				return err
			}
			defer boltDB.Close()

			if err := boltDB.SetCredentials(cmd.Context(), creds); err != nil {
				return fmt.Errorf("error saving credentials: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", displayUser(creds.UserID))
			return nil
		},
	}
	cmd.Flags().StringVar(&creds.Token, "token", "", "bearer token issued by the backend")
	cmd.Flags().StringVarP(&creds.UserID, "user", "u", "", "user ID the token belongs to")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			boltDB, err := services.NewBoltDB(a.cfg.StorePath)
			if err != nil {
				return err
			}
			defer boltDB.Close()

			if err := boltDB.ClearCredentials(cmd.Context()); err != nil {
				return fmt.Errorf("error clearing credentials: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func displayUser(userID string) string {
	if userID == "" {
		return "an anonymous user"
	}
	return userID
}
