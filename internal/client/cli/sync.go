package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/sync"
	"github.com/waterbug/repsync/internal/models"
)

func (a *App) newSyncCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass against the repository",
		Long: `Runs roles, library and project phases followed by the unsynced push.
With --force the server ignores revision stamps and reports every
difference, which repairs a cache that diverged silently.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, engine *sync.Service) error {
				var (
					report *sync.Report
					err    error
				)
				if force {
					report, err = engine.ForceSync(ctx)
				} else {
					report, err = engine.SyncAll(ctx, a.cfg.ProjectOID)
				}
				if err != nil {
					return err
				}
				a.io.Printf("Synchronized: %d fetched, %d pushed, %d deleted\n",
					report.Fetched, report.Pushed, report.Deleted)
				scope := models.LibraryScope()
				if force {
					scope = models.GlobalScope()
				}
				if record, ok := engine.Session(scope); ok {
					a.io.Printf("Completed at %s\n", record.LastSync.Local().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "verify every object, ignoring revision stamps")
	return cmd
}

// withSession opens the cache, unlocks the identity, starts the engine
// loop, dials once and hands the attached engine to fn. Used by the
// one-shot connected commands; watch owns its own loop.
func (a *App) withSession(ctx context.Context, fn func(ctx context.Context, engine *sync.Service) error) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authSvc := a.authService(store)
	passphrase, err := a.readPassphrase()
	if err != nil {
		return err
	}
	id, err := authSvc.Unlock(ctx, passphrase)
	if err != nil {
		return err
	}

	bus := notify.NewBus()
	bus.Subscribe(func(e models.Event) {
		if rej, ok := e.(models.PushRejected); ok {
			a.io.Printf("Rejected (%s): %d object(s)\n", rej.Reason, len(rej.OIDs))
		}
	})

	engine := sync.NewService(store, store, models.DefaultCatalog(), bus, a.logger, sync.Config{
		ActorID:    id.UserID,
		SandboxOID: a.cfg.SandboxOID,
		ChunkSize:  a.cfg.ChunkSize,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = engine.Run(runCtx) }()

	client, err := a.connect(ctx, authSvc, id)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := engine.AttachSession(ctx, client); err != nil {
		return err
	}
	defer func() { _ = engine.DetachSession(ctx) }()

	return fn(ctx, engine)
}
