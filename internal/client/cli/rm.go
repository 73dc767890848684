package cli

import (
	"github.com/spf13/cobra"
)

func (a *App) newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <oid>...",
		Short: "Delete cached objects",
		Long: `Removes objects from the cache. Synced objects leave a deletion
record that the next sync carries to the repository; sandbox objects
just disappear.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			actor, err := requireActor(ctx, a.authService(store))
			if err != nil {
				return err
			}

			svc := a.dataService(store, actor)
			for _, oid := range args {
				if err := svc.Delete(ctx, oid); err != nil {
					return err
				}
				a.io.Printf("Deleted %s\n", oid)
			}
			return nil
		},
	}
}
