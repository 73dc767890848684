package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/models"
)

func (a *App) newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import objects authored offline",
		Long: `Reads a JSON array of objects and feeds each through the authoring
path: unknown oids are created, cached ones updated with a fresh
revision. The next sync pushes them to the repository.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var objs []*models.ManagedObject
			if err := json.Unmarshal(content, &objs); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			if len(objs) == 0 {
				a.io.Println("Nothing to import.")
				return nil
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			actor, err := requireActor(ctx, a.authService(store))
			if err != nil {
				return err
			}

			report, err := a.dataService(store, actor).Import(ctx, objs)
			if err != nil {
				return err
			}
			a.io.Printf("Imported: %d created, %d updated, %d skipped\n",
				report.Created, report.Updated, report.Skipped)
			return nil
		},
	}
}
