package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func (a *App) newLogoutCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the session and wipe the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !yes {
				answer, err := a.io.ReadInput("This wipes the local cache, including unpushed work. Continue? [y/N] ")
				if err != nil {
					return err
				}
				if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
					a.io.Println("Aborted.")
					return nil
				}
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := a.authService(store).Logout(ctx); err != nil {
				return err
			}
			a.io.Println("Logged out, local cache cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}
