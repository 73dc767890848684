// Package cli builds the cobra command tree for the repsync client.
// Commands resolve configuration (flags over file over defaults), open
// the local cache and assemble the services they need; long-running
// wiring lives in watch, everything else is one-shot.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/waterbug/repsync/internal/client/auth"
	"github.com/waterbug/repsync/internal/client/config"
	"github.com/waterbug/repsync/internal/client/data"
	"github.com/waterbug/repsync/internal/client/iocli"
	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/internal/client/storage/boltdb"
	"github.com/waterbug/repsync/internal/models"
)

// PassphraseEnv overrides the interactive passphrase prompt.
const PassphraseEnv = "REPSYNC_PASSPHRASE"

// App carries the state shared by every command: resolved config,
// terminal IO and the logger built from the configured level.
type App struct {
	io      iocli.IO
	version string

	cfg            config.Config
	cfgPath        string
	passphraseFile string
	logger         *slog.Logger
}

// New builds the command state. version is stamped by the build.
func New(io iocli.IO, version string) *App {
	return &App{
		io:      io,
		version: version,
		cfg:     config.Default(),
	}
}

// Root assembles the full command tree.
func (a *App) Root() *cobra.Command {
	root := &cobra.Command{
		Use:     "repsync",
		Short:   "Keep a local object cache in sync with a repsync repository",
		Version: a.version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolveConfig(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default ~/.repsync/config.toml)")
	pf.StringVar(&a.cfg.ServerURL, "server", a.cfg.ServerURL, "repository websocket endpoint")
	pf.StringVar(&a.cfg.DBPath, "db", a.cfg.DBPath, "local cache file (default ~/.repsync/repsync.db)")
	pf.StringVar(&a.cfg.ProjectOID, "project", a.cfg.ProjectOID, "active project oid")
	pf.StringVar(&a.cfg.SandboxOID, "sandbox", a.cfg.SandboxOID, "local-only pseudo-project oid")
	pf.IntVar(&a.cfg.ChunkSize, "chunk-size", a.cfg.ChunkSize, "objects per fetch batch")
	pf.DurationVar(&a.cfg.CallTimeout, "call-timeout", a.cfg.CallTimeout, "timeout per RPC")
	pf.DurationVar(&a.cfg.StalenessThreshold, "staleness", a.cfg.StalenessThreshold,
		"outage duration beyond which reconnecting runs a full sync")
	pf.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "debug, info, warn or error")
	pf.StringVar(&a.passphraseFile, "passphrase-file", "", "file containing the passphrase")

	root.AddCommand(
		a.newLoginCmd(),
		a.newLogoutCmd(),
		a.newStatusCmd(),
		a.newSyncCmd(),
		a.newWatchCmd(),
		a.newListCmd(),
		a.newGetCmd(),
		a.newImportCmd(),
		a.newRmCmd(),
		a.newFreezeCmd(),
		a.newThawCmd(),
	)
	return root
}

// resolveConfig overlays the config file onto defaults, keeping any
// value the user set by flag, then validates and builds the logger.
func (a *App) resolveConfig(cmd *cobra.Command) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	path := a.cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path != "" && config.FileExists(path) {
		fc, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := config.ApplyFile(&a.cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLevel(a.cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

// openStore opens the bolt cache, creating its directory on first use.
func (a *App) openStore(ctx context.Context) (*boltdb.Storage, error) {
	if dir := filepath.Dir(a.cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return boltdb.New(ctx, a.cfg.DBPath)
}

func (a *App) authService(store *boltdb.Storage) *auth.Service {
	return auth.NewService(store, store, store, a.logger)
}

// dataService builds the offline authoring layer. Mutations queue for
// the next connected round through revision stamps, so no push sink is
// wired here.
func (a *App) dataService(store *boltdb.Storage, actorID string) *data.Service {
	return data.NewService(store, store, models.DefaultCatalog(), notify.NewBus(), nil,
		a.logger, data.Config{ActorID: actorID, SandboxOID: a.cfg.SandboxOID})
}

// readPassphrase resolves the passphrase: environment, then file, then
// interactive prompt.
func (a *App) readPassphrase() (string, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return pass, nil
	}
	if a.passphraseFile != "" {
		content, err := os.ReadFile(a.passphraseFile)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		pass := strings.TrimSpace(string(content))
		if pass == "" {
			return "", fmt.Errorf("passphrase file is empty")
		}
		return pass, nil
	}
	return a.io.ReadPassword("Passphrase: ")
}

// requireActor returns the logged-in user id for authoring commands.
func requireActor(ctx context.Context, authSvc *auth.Service) (string, error) {
	st, err := authSvc.Status(ctx)
	if err != nil {
		return "", err
	}
	if !st.LoggedIn {
		return "", fmt.Errorf("%w, run 'repsync login' first", auth.ErrNotLoggedIn)
	}
	return st.UserID, nil
}

// connect dials the repository once and persists the rotated session
// token from the welcome frame.
func (a *App) connect(ctx context.Context, authSvc *auth.Service, id *auth.Identity) (*remote.Client, error) {
	token, err := authSvc.Token(ctx, id)
	if err != nil && !errors.Is(err, auth.ErrNotLoggedIn) {
		return nil, err
	}

	client, err := remote.Dial(ctx, remote.Config{
		URL:         a.cfg.ServerURL,
		UserID:      id.UserID,
		NodeID:      id.NodeID,
		Key:         id.Key,
		Token:       token,
		CallTimeout: a.cfg.CallTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}

	if welcome := client.Welcome(); welcome != nil {
		expires := time.Now().Add(time.Duration(welcome.ExpiresIn) * time.Second)
		if err := authSvc.SaveToken(ctx, id, welcome.UserOID, welcome.Token, expires); err != nil {
			a.logger.Warn("failed to persist session token", "error", err)
		}
	}
	return client, nil
}
