// Package server implements the authoritative repository daemon: a sqlite
// object store fronted by a websocket RPC endpoint with pub/sub fan-out.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/waterbug/repsync/internal/crypto"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/internal/server/middleware"
	"github.com/waterbug/repsync/internal/server/storage"
	"github.com/waterbug/repsync/internal/server/storage/sqlite"
	"github.com/waterbug/repsync/internal/server/token"
	"github.com/waterbug/repsync/pkg/api"
)

// Dev-mode enrollment drops new users into this organization so role sync
// and organization channels work without an administrator.
const (
	devOrgOID = "org-dev"
	devOrgID  = "dev"
	devRole   = "engineer"
)

const shutdownTimeout = 10 * time.Second

// Server owns the storage, the session hub and the HTTP listener.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	store    *sqlite.Storage
	users    storage.UserRepository
	objects  storage.ObjectRepository
	tokens   *token.Issuer
	hub      *Hub
	svc      *Service
	upgrader websocket.Upgrader
}

// New opens the database, runs migrations and assembles the server. Call
// Run to start listening and Close to release the database.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("no token secret configured, session tokens will not survive a restart")
	}

	hub := NewHub(logger)
	srv := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		users:   store,
		objects: store,
		tokens:  token.NewIssuer(secret, cfg.TokenTTL),
		hub:     hub,
		svc:     NewService(store, store, models.DefaultCatalog(), hub, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sessions authenticate with a key challenge; browser origin
			// checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if cfg.DevMode {
		if err := srv.seedDevOrg(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed dev organization: %w", err)
		}
	}

	return srv, nil
}

// Handler builds the HTTP surface: the websocket endpoint behind the
// handshake limiter, the health probe, and the logging and recovery
// wrappers around both.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var ws http.Handler = http.HandlerFunc(s.handleWS)
	if s.cfg.HandshakeRate > 0 {
		ws = middleware.RateLimitMiddleware(s.cfg.HandshakeRate, s.cfg.HandshakeWindow, s.logger)(ws)
	}
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", s.handleHealth)

	return middleware.RecoveryMiddleware(s.logger)(
		middleware.LoggingWithSkip(s.logger, []string{"/healthz"})(mux))
}

// Run serves until ctx is canceled or the listener fails, then drains
// sessions and shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errC <- err
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "sessions", s.hub.Count())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	// Shutdown does not reach hijacked websocket connections.
	s.hub.Shutdown()

	return <-errC
}

// Close releases the database. Call after Run has returned.
func (s *Server) Close() error {
	return s.store.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	newSession(s, conn).run(r.Context())
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Version:  s.cfg.Version,
		Sessions: s.hub.Count(),
	})
}

// provision enrolls an unknown user: pins the presented key, creates the
// matching Person object and grants the dev organization role. Dev mode
// only.
func (s *Server) provision(ctx context.Context, hello api.Hello) (*storage.User, error) {
	pub, err := base64.StdEncoding.DecodeString(hello.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	fingerprint, err := crypto.Fingerprint(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	now := time.Now().UTC()
	user := &storage.User{
		OID:       uuid.NewString(),
		UserID:    hello.UserID,
		PublicKey: hello.PublicKey,
		CreatedAt: now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			// Lost a race with a concurrent enrollment of the same user.
			return s.users.GetUser(ctx, hello.UserID)
		}
		return nil, err
	}
	s.logger.Info("key pinned", "user", hello.UserID, "key", fingerprint)

	attrs, err := json.Marshal(map[string]string{"user_id": hello.UserID})
	if err != nil {
		return nil, err
	}
	person := &storage.ObjectRecord{ManagedObject: models.ManagedObject{
		OID:        user.OID,
		ID:         hello.UserID,
		CName:      "Person",
		CreatorID:  hello.UserID,
		ModifierID: hello.UserID,
		ModTime:    now,
		Attrs:      attrs,
	}}
	if err := s.objects.SaveObject(ctx, person); err != nil {
		return nil, err
	}

	return user, s.users.SaveAssignment(ctx, storage.Assignment{
		UserOID: user.OID,
		OrgOID:  devOrgOID,
		Role:    devRole,
	})
}

// seedDevOrg creates the dev organization object once. A tombstoned dev
// organization stays deleted.
func (s *Server) seedDevOrg(ctx context.Context) error {
	if _, err := s.objects.GetObject(ctx, devOrgOID); !errors.Is(err, storage.ErrObjectNotFound) {
		return err
	}

	attrs, err := json.Marshal(map[string]string{"name": "Development"})
	if err != nil {
		return err
	}
	s.logger.Info("seeding dev organization", "oid", devOrgOID)
	return s.objects.SaveObject(ctx, &storage.ObjectRecord{ManagedObject: models.ManagedObject{
		OID:        devOrgOID,
		ID:         devOrgID,
		CName:      "Organization",
		CreatorID:  "repsyncd",
		ModifierID: "repsyncd",
		ModTime:    time.Now().UTC(),
		Attrs:      attrs,
	}})
}
