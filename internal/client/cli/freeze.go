package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/client/sync"
)

func (a *App) newFreezeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freeze <oid>...",
		Short: "Freeze objects in the repository",
		Long: `Asks the repository to freeze the given objects. Frozen objects
reject local edits everywhere until thawed by whoever froze them or an
administrator.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, engine *sync.Service) error {
				ok, err := engine.Freeze(ctx, args)
				if err != nil {
					return err
				}
				a.reportFreezeResult("Frozen", ok, args)
				return nil
			})
		},
	}
}

func (a *App) newThawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thaw <oid>...",
		Short: "Thaw frozen objects in the repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, engine *sync.Service) error {
				ok, err := engine.Thaw(ctx, args)
				if err != nil {
					return err
				}
				a.reportFreezeResult("Thawed", ok, args)
				return nil
			})
		},
	}
}

func (a *App) reportFreezeResult(verb string, ok, requested []string) {
	a.io.Printf("%s %d of %d object(s)\n", verb, len(ok), len(requested))
	if len(ok) == len(requested) {
		return
	}
	confirmed := make(map[string]struct{}, len(ok))
	for _, oid := range ok {
		confirmed[oid] = struct{}{}
	}
	for _, oid := range requested {
		if _, found := confirmed[oid]; !found {
			a.io.Printf("  refused: %s\n", oid)
		}
	}
}
