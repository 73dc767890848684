package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/internal/client/sync"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

func (a *App) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected, applying repository changes as they happen",
		Long: `Keeps a session alive: the first connect runs a full sync, later
reconnects resync or just resubscribe depending on how long the outage
lasted. Repository events are applied to the cache and printed until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

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
			bus.Subscribe(a.printEvent)

			engine := sync.NewService(store, store, models.DefaultCatalog(), bus, a.logger, sync.Config{
				ActorID:    id.UserID,
				SandboxOID: a.cfg.SandboxOID,
				ChunkSize:  a.cfg.ChunkSize,
			})
			monitor := sync.NewMonitor(a.cfg.StalenessThreshold, bus, a.logger)

			runner := sync.NewRunner(engine, monitor, a.logger, sync.RunnerConfig{
				ProjectOID: a.cfg.ProjectOID,
				Dial: func(ctx context.Context) (sync.Session, error) {
					token, err := authSvc.Token(ctx, id)
					if err != nil {
						return nil, err
					}
					return remote.Dial(ctx, remote.Config{
						URL:         a.cfg.ServerURL,
						UserID:      id.UserID,
						NodeID:      id.NodeID,
						Key:         id.Key,
						Token:       token,
						CallTimeout: a.cfg.CallTimeout,
						Logger:      a.logger,
					})
				},
				OnWelcome: func(welcome api.Welcome) {
					expires := time.Now().Add(time.Duration(welcome.ExpiresIn) * time.Second)
					if err := authSvc.SaveToken(ctx, id, welcome.UserOID, welcome.Token, expires); err != nil {
						a.logger.Warn("failed to persist session token", "error", err)
					}
				},
			})

			a.io.Printf("Watching %s, interrupt to stop.\n", a.cfg.ServerURL)

			go func() { _ = engine.Run(ctx) }()
			err = runner.Run(ctx)
			if errors.Is(err, context.Canceled) {
				a.io.Println("Stopped.")
				return nil
			}
			return err
		},
	}
}

// printEvent renders engine notifications for watch mode.
func (a *App) printEvent(e models.Event) {
	switch ev := e.(type) {
	case models.ConnectionChanged:
		a.io.Printf("connection %s\n", ev.State)
	case models.SyncStarted:
		a.io.Printf("sync started (%s)\n", ev.Scope)
	case models.SyncProgress:
		a.io.Printf("fetching %d/%d (%s)\n", ev.Applied, ev.Total, ev.Scope)
	case models.ObjectsSynced:
		a.io.Printf("sync done (%s): %d fetched, %d pushed, %d deleted\n",
			ev.Scope, ev.Fetched, ev.Pushed, ev.Deleted)
	case models.RemoteNew:
		a.io.Printf("new %s %s\n", ev.CName, ev.OID)
	case models.RemoteModified:
		a.io.Printf("modified %s %s\n", ev.CName, ev.OID)
	case models.RemoteDeleted:
		a.io.Printf("deleted %s %s\n", ev.CName, ev.OID)
	case models.RemoteFrozen:
		a.io.Printf("frozen %d object(s)\n", len(ev.OIDs))
	case models.RemoteThawed:
		a.io.Printf("thawed %d object(s)\n", len(ev.OIDs))
	case models.PushRejected:
		a.io.Printf("rejected (%s): %d object(s)\n", ev.Reason, len(ev.OIDs))
	}
}
