package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/client/storage/boltdb"
	"github.com/waterbug/repsync/internal/models"
)

func (a *App) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, err := a.authService(store).Status(ctx)
			if err != nil {
				return err
			}
			if !st.LoggedIn {
				a.io.Println("Not logged in. Run 'repsync login <user-id>'.")
				return nil
			}

			a.io.Printf("User:  %s\n", st.UserID)
			a.io.Printf("Node:  %s\n", st.NodeID)
			if st.UserOID != "" {
				a.io.Printf("OID:   %s\n", st.UserOID)
			}
			switch {
			case st.TokenExpiresAt.IsZero():
				a.io.Println("Token: none, next connect answers a challenge")
			case st.TokenExpiresAt.Before(time.Now()):
				a.io.Println("Token: expired")
			default:
				a.io.Printf("Token: valid for %s\n",
					time.Until(st.TokenExpiresAt).Round(time.Second))
			}

			return a.printCacheSummary(ctx, store)
		},
	}
}

// printCacheSummary reports cache size, pending local work and the
// last sync times per scope.
func (a *App) printCacheSummary(ctx context.Context, store *boltdb.Storage) error {
	objs, err := store.GetAllObjects(ctx)
	if err != nil {
		return err
	}
	synced, err := store.SyncedOIDs(ctx)
	if err != nil {
		return err
	}
	stones, err := store.Tombstones(ctx)
	if err != nil {
		return err
	}

	var sandbox, pendingPush int
	for _, obj := range objs {
		if a.cfg.SandboxOID != "" && obj.ProjectOID == a.cfg.SandboxOID {
			sandbox++
			continue
		}
		if _, ok := synced[obj.OID]; !ok {
			pendingPush++
		}
	}
	var pendingDelete int
	for _, stone := range stones {
		if stone.Origin == models.OriginLocal {
			pendingDelete++
		}
	}

	a.io.Println()
	a.io.Printf("Cached objects:   %d (%d sandbox)\n", len(objs), sandbox)
	if pendingPush+pendingDelete > 0 {
		a.io.Printf("Pending:          %d to push, %d to delete\n", pendingPush, pendingDelete)
	} else {
		a.io.Println("Pending:          nothing")
	}

	stamps, err := store.ModTimes(ctx, models.DefaultCatalog().LibraryClasses()...)
	if err != nil {
		return err
	}
	var newest time.Time
	for _, at := range stamps {
		if at.After(newest) {
			newest = at
		}
	}
	if !newest.IsZero() {
		a.io.Printf("Library revision: %s\n", newest.Local().Format(time.RFC3339))
	}

	scopes := []models.Scope{models.GlobalScope(), models.LibraryScope()}
	if a.cfg.ProjectOID != "" {
		scopes = append(scopes, models.ProjectScope(a.cfg.ProjectOID))
	}
	for _, scope := range scopes {
		at, err := store.LastSync(ctx, scope)
		if err != nil {
			return err
		}
		if at.IsZero() {
			a.io.Printf("Last sync %s: never\n", scope)
		} else {
			a.io.Printf("Last sync %s: %s\n", scope, at.Local().Format(time.RFC3339))
		}
	}
	return nil
}
