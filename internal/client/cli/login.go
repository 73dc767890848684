package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/client/remote"
)

func (a *App) newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <user-id>",
		Short: "Enroll this device and connect to the repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			passphrase, err := a.readPassphrase()
			if err != nil {
				return err
			}

			authSvc := a.authService(store)
			id, err := authSvc.Login(ctx, args[0], passphrase)
			if err != nil {
				return err
			}
			a.io.Printf("Logged in as %s (node %s)\n", id.UserID, id.NodeID)

			// Try the handshake now so the rejection surfaces here and
			// not on the first sync. An unreachable repository is fine,
			// this client is built for that.
			dialCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
			defer cancel()
			client, err := a.connect(dialCtx, authSvc, id)
			switch {
			case err == nil:
				welcome := client.Welcome()
				_ = client.Close()
				a.io.Printf("Connected, repository knows you as %s\n", welcome.UserOID)
				a.io.Printf("Session token valid for %s\n",
					(time.Duration(welcome.ExpiresIn) * time.Second).String())
			case errors.Is(err, remote.ErrAuthFailed), errors.Is(err, remote.ErrProtocolIncompatible):
				return err
			default:
				a.io.Printf("Repository unreachable (%v)\n", err)
				a.io.Println("Enrollment kept; the first sync will connect.")
			}
			return nil
		},
	}
}
