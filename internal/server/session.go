package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waterbug/repsync/internal/server/storage"
	"github.com/waterbug/repsync/pkg/api"
)

const (
	// handshakeTimeout bounds the whole hello/challenge/welcome exchange.
	handshakeTimeout = 10 * time.Second

	// writeTimeout applies to every frame and control message we send.
	writeTimeout = 10 * time.Second

	// pongWait is how long the connection may stay silent before we give
	// up on it. Clients ping every 25 seconds, so this tolerates two
	// lost pings.
	pongWait = 90 * time.Second

	// sendBuffer is the per-session outbound queue. Events are dropped
	// when it fills; call results block the read loop instead.
	sendBuffer = 64
)

// Session is one authenticated websocket connection. The read loop handles
// call frames serially; results and broadcast events funnel through a single
// writer goroutine so frames never interleave on the wire.
type Session struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger
	actor  Actor

	send      chan *api.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	return &Session{
		srv:    srv,
		conn:   conn,
		logger: srv.logger.With("remote", conn.RemoteAddr().String()),
		send:   make(chan *api.Envelope, sendBuffer),
		done:   make(chan struct{}),
	}
}

// run drives the session to completion: handshake, then the read loop until
// the peer disconnects or the server shuts down.
func (s *Session) run(ctx context.Context) {
	defer func() {
		s.srv.hub.Unregister(s)
		s.shutdown()
		s.logger.Debug("session closed")
	}()

	deadline := time.Now().Add(handshakeTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	_ = s.conn.SetWriteDeadline(deadline)

	user, hello, err := s.authenticate(ctx)
	if err != nil {
		s.logger.Debug("handshake failed", "error", err)
		return
	}

	// Register before the welcome frame goes out, so a broadcast racing
	// the client's first action cannot be missed. Queued frames flush
	// once the write pump starts. Every session hears the public
	// channel; repo.subscribe adds organization channels on top.
	s.srv.hub.Register(s)
	s.srv.hub.Subscribe(s, []string{api.PublicChannel})

	if err := s.welcome(user, hello); err != nil {
		s.logger.Debug("handshake failed", "error", err)
		return
	}
	_ = s.conn.SetWriteDeadline(time.Time{})

	s.logger = s.logger.With("user", s.actor.UserID, "node", s.actor.NodeID)
	s.logger.Info("session established")

	go s.writePump()
	s.readLoop(ctx)
}

// authenticate identifies the peer. A valid token resumes the session
// without a round trip; otherwise the client must sign a fresh nonce with
// the key pinned at enrollment. In dev mode unknown users are enrolled on
// first contact and then challenged like anyone else.
func (s *Session) authenticate(ctx context.Context) (*storage.User, api.Hello, error) {
	hello, err := s.readHello()
	if err != nil {
		return nil, hello, err
	}
	if hello.UserID == "" || hello.NodeID == "" {
		return nil, hello, s.refuse(api.CodeMalformed, "user and node id required")
	}
	if hello.Protocol < s.srv.cfg.MinProtocol {
		return nil, hello, s.refuse(api.CodeVersionIncompatible,
			fmt.Sprintf("protocol %d below minimum %d", hello.Protocol, s.srv.cfg.MinProtocol))
	}

	if hello.Token != "" {
		if claims, verr := s.srv.tokens.Validate(hello.Token); verr == nil && claims.UserID == hello.UserID {
			user, uerr := s.srv.users.GetUser(ctx, hello.UserID)
			if uerr == nil {
				return user, hello, nil
			}
		}
		// Stale or mismatched token. Fall through to the challenge.
	}

	user, err := s.srv.users.GetUser(ctx, hello.UserID)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		if !s.srv.cfg.DevMode {
			return nil, hello, s.refuse(api.CodeAuthFailed, "unknown user")
		}
		user, err = s.srv.provision(ctx, hello)
		if err != nil {
			s.logger.Warn("enrollment rejected", "user", hello.UserID, "error", err)
			return nil, hello, s.refuse(api.CodeAuthFailed, "enrollment rejected")
		}
		s.logger.Info("user enrolled", "user", user.UserID, "oid", user.OID)
	case err != nil:
		s.logger.Error("user lookup failed", "user", hello.UserID, "error", err)
		return nil, hello, s.refuse(api.CodeUnavailable, "internal error")
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, hello, s.refuse(api.CodeUnavailable, "internal error")
	}
	nonceStr := base64.StdEncoding.EncodeToString(nonce)
	if err := s.writeHandshakeFrame(api.FrameChallenge, api.Challenge{Nonce: nonceStr}); err != nil {
		return nil, hello, err
	}

	signed, err := s.readHello()
	if err != nil {
		return nil, signed, err
	}
	if signed.UserID != hello.UserID {
		return nil, signed, s.refuse(api.CodeAuthFailed, "user changed mid handshake")
	}
	pub, err := base64.StdEncoding.DecodeString(user.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		s.logger.Error("stored public key unusable", "user", user.UserID)
		return nil, signed, s.refuse(api.CodeAuthFailed, "authentication failed")
	}
	sig, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil || !ed25519.Verify(ed25519.PublicKey(pub), []byte(nonceStr), sig) {
		return nil, signed, s.refuse(api.CodeAuthFailed, "signature verification failed")
	}

	return user, signed, nil
}

func (s *Session) welcome(user *storage.User, hello api.Hello) error {
	tok, expiresIn, err := s.srv.tokens.Issue(user.UserID, user.OID, hello.NodeID)
	if err != nil {
		s.logger.Error("token issue failed", "user", user.UserID, "error", err)
		return s.refuse(api.CodeUnavailable, "internal error")
	}
	s.actor = Actor{
		UserID:  user.UserID,
		UserOID: user.OID,
		NodeID:  hello.NodeID,
		Admin:   user.Admin,
	}
	return s.writeHandshakeFrame(api.FrameWelcome, api.Welcome{
		UserOID:       user.OID,
		Token:         tok,
		ExpiresIn:     expiresIn,
		MinProtocol:   s.srv.cfg.MinProtocol,
		PublicChannel: api.PublicChannel,
	})
}

func (s *Session) readHello() (api.Hello, error) {
	var env api.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		return api.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if env.Type != api.FrameHello {
		return api.Hello{}, s.refuse(api.CodeMalformed, "expected hello frame")
	}
	var hello api.Hello
	if err := json.Unmarshal(env.Params, &hello); err != nil {
		return api.Hello{}, s.refuse(api.CodeMalformed, "bad hello payload")
	}
	return hello, nil
}

// writeHandshakeFrame writes directly to the connection. Only valid before
// the write pump starts.
func (s *Session) writeHandshakeFrame(frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", frameType, err)
	}
	return s.conn.WriteJSON(&api.Envelope{Type: frameType, Params: raw})
}

// refuse sends an error frame and returns an error describing the refusal.
func (s *Session) refuse(code, message string) error {
	_ = s.conn.WriteJSON(&api.Envelope{
		Type:  api.FrameError,
		Error: &api.Error{Code: code, Message: message},
	})
	return fmt.Errorf("refused: %s", message)
}

func (s *Session) readLoop(ctx context.Context) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		var env api.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				s.logger.Debug("connection lost", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if env.Type != api.FrameCall {
			s.logger.Warn("unexpected frame", "type", env.Type)
			continue
		}
		s.dispatch(ctx, &env)
	}
}

func (s *Session) dispatch(ctx context.Context, env *api.Envelope) {
	result, apiErr := s.srv.svc.Dispatch(ctx, s.actor, s, env.Method, env.Params)
	if apiErr != nil {
		s.enqueue(&api.Envelope{Type: api.FrameError, ID: env.ID, Error: apiErr})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("result marshal failed", "method", env.Method, "error", err)
		s.enqueue(&api.Envelope{
			Type:  api.FrameError,
			ID:    env.ID,
			Error: &api.Error{Code: api.CodeUnavailable, Message: "internal error"},
		})
		return
	}
	s.enqueue(&api.Envelope{Type: api.FrameResult, ID: env.ID, Result: raw})
}

// enqueue queues a call response. Blocks when the buffer is full so results
// are never lost; a dead write pump unblocks it by closing done.
func (s *Session) enqueue(env *api.Envelope) {
	select {
	case s.send <- env:
	case <-s.done:
	}
}

// deliver queues a broadcast event without blocking. Reports false when the
// frame was dropped because the session cannot keep up.
func (s *Session) deliver(env *api.Envelope) bool {
	select {
	case s.send <- env:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) writePump() {
	for {
		select {
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.shutdown()
				return
			}
		case <-s.done:
			return
		}
	}
}

// shutdown closes the connection once, with a best effort going-away frame.
// Safe to call from any goroutine.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = s.conn.Close()
	})
}
