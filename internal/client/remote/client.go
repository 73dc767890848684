package remote

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waterbug/repsync/pkg/api"
)

const (
	// DefaultCallTimeout bounds one RPC round-trip. A server that does
	// not answer within it is reported unavailable.
	DefaultCallTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 25 * time.Second

	// eventBuffer absorbs pub/sub bursts while the engine is inside a
	// call. Overflow drops the notification; the next sync round
	// repairs whatever a dropped event would have delivered.
	eventBuffer = 256
)

// Config carries everything Dial needs to establish a session.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8420/ws.
	URL string

	// UserID and NodeID identify the actor and this installation.
	UserID string
	NodeID string

	// Key signs the server challenge.
	Key ed25519.PrivateKey

	// Token, when set and unexpired, skips the challenge round-trip.
	Token string

	// CallTimeout bounds each RPC. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	Logger *slog.Logger
}

// Client is one established session. It implements Repository. A Client
// never redials; when the connection dies, Done is closed and the owner
// decides whether and how to build a new one.
type Client struct {
	conn        *websocket.Conn
	log         *slog.Logger
	callTimeout time.Duration

	// gorilla permits one concurrent writer
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *api.Envelope
	err     error

	events  chan Event
	welcome *api.Welcome

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, runs the handshake and starts the session goroutines.
// A server below our protocol revision (or us below its minimum) yields
// ErrProtocolIncompatible; a rejected identity yields ErrAuthFailed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, cfg.URL, err)
	}

	c := &Client{
		conn:        conn,
		log:         cfg.Logger,
		callTimeout: cfg.CallTimeout,
		pending:     make(map[uint64]chan *api.Envelope),
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
	}

	welcome, err := c.handshake(ctx, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.welcome = welcome

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// handshake runs hello -> challenge -> hello -> welcome synchronously
// on the fresh connection, before the read loop takes over.
func (c *Client) handshake(ctx context.Context, cfg Config) (*api.Welcome, error) {
	deadline := time.Now().Add(c.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	_ = c.conn.SetWriteDeadline(deadline)
	defer func() {
		_ = c.conn.SetReadDeadline(time.Time{})
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()

	hello := api.Hello{
		UserID:    cfg.UserID,
		NodeID:    cfg.NodeID,
		PublicKey: base64.StdEncoding.EncodeToString(cfg.Key.Public().(ed25519.PublicKey)),
		Protocol:  api.ProtocolVersion,
		Token:     cfg.Token,
	}

	if err := c.sendHello(hello); err != nil {
		return nil, err
	}

	env, err := c.readHandshakeFrame()
	if err != nil {
		return nil, err
	}

	if env.Type == api.FrameChallenge {
		var challenge api.Challenge
		if err := json.Unmarshal(env.Params, &challenge); err != nil {
			return nil, fmt.Errorf("%w: challenge frame: %v", ErrMalformed, err)
		}

		sig := ed25519.Sign(cfg.Key, []byte(challenge.Nonce))
		hello.Signature = base64.StdEncoding.EncodeToString(sig)
		hello.Token = ""
		if err := c.sendHello(hello); err != nil {
			return nil, err
		}

		env, err = c.readHandshakeFrame()
		if err != nil {
			return nil, err
		}
	}

	if env.Type != api.FrameWelcome {
		return nil, fmt.Errorf("%w: expected welcome, got %q", ErrMalformed, env.Type)
	}

	var welcome api.Welcome
	if err := json.Unmarshal(env.Params, &welcome); err != nil {
		return nil, fmt.Errorf("%w: welcome frame: %v", ErrMalformed, err)
	}

	if api.ProtocolVersion < welcome.MinProtocol {
		return nil, fmt.Errorf("%w: server requires protocol >= %d, this build speaks %d",
			ErrProtocolIncompatible, welcome.MinProtocol, api.ProtocolVersion)
	}

	return &welcome, nil
}

func (c *Client) sendHello(hello api.Hello) error {
	params, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("failed to marshal hello: %w", err)
	}
	if err := c.conn.WriteJSON(&api.Envelope{Type: api.FrameHello, Params: params}); err != nil {
		return fmt.Errorf("%w: send hello: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) readHandshakeFrame() (*api.Envelope, error) {
	var env api.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, fmt.Errorf("%w: handshake read: %v", ErrUnavailable, err)
	}
	if env.Type == api.FrameError && env.Error != nil {
		return nil, fmt.Errorf("handshake refused: %w", wireError(env.Error))
	}
	return &env, nil
}

// Welcome returns the session establishment data. Immutable after Dial.
func (c *Client) Welcome() *api.Welcome {
	return c.welcome
}

// Events is the pub/sub stream. Closed when the session dies.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the session is no longer usable.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the session ended. Valid after Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the session down with a normal-closure frame.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	// sole sender on events; closing here keeps consumers' range loops honest
	defer close(c.events)

	for {
		var env api.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.fail(fmt.Errorf("%w: read: %v", ErrClosed, err))
			return
		}

		switch env.Type {
		case api.FrameResult, api.FrameError:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()

			if !ok {
				c.log.Warn("response for unknown call", "id", env.ID)
				continue
			}
			frame := env
			ch <- &frame

		case api.FrameEvent:
			select {
			case c.events <- Event{Topic: env.Topic, Subject: env.Subject, Payload: env.Payload}:
			default:
				c.log.Warn("event buffer full, dropping notification",
					"topic", env.Topic, "subject", env.Subject)
			}

		default:
			c.log.Warn("unexpected frame", "type", env.Type)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("%w: ping: %v", ErrClosed, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// call runs one correlated RPC with the session's timeout.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrClosed)
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal params: %w", method, err)
	}

	ch := make(chan *api.Envelope, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(&api.Envelope{Type: api.FrameCall, ID: id, Method: method, Params: raw}); err != nil {
		c.dropPending(id)
		return fmt.Errorf("%s: %w: %v", method, ErrUnavailable, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case frame := <-ch:
		if frame.Error != nil {
			return fmt.Errorf("%s: %w", method, wireError(frame.Error))
		}
		if result != nil && len(frame.Result) > 0 {
			if err := json.Unmarshal(frame.Result, result); err != nil {
				return fmt.Errorf("%s: %w: %v", method, ErrMalformed, err)
			}
		}
		return nil

	case <-timer.C:
		c.dropPending(id)
		return fmt.Errorf("%s: %w: no response within %s", method, ErrUnavailable, c.callTimeout)

	case <-ctx.Done():
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())

	case <-c.done:
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ErrClosed)
	}
}

func (c *Client) writeFrame(env *api.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// wireError maps protocol error codes onto the package sentinels.
func wireError(e *api.Error) error {
	switch e.Code {
	case api.CodeVersionIncompatible:
		return fmt.Errorf("%w: %s", ErrProtocolIncompatible, e.Message)
	case api.CodeAuthFailed, api.CodeUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthFailed, e.Message)
	case api.CodeMalformed:
		return fmt.Errorf("%w: %s", ErrMalformed, e.Message)
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, e.Error())
	}
}

// SyncObjects classifies an arbitrary stamp map (global scope).
func (c *Client) SyncObjects(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error) {
	var resp api.SyncResponse
	if err := c.call(ctx, api.MethodSyncObjects, api.SyncRequest{Stamps: stamps}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncLibrary classifies the client's library holdings.
func (c *Client) SyncLibrary(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error) {
	var resp api.SyncResponse
	if err := c.call(ctx, api.MethodSyncLibrary, api.SyncRequest{Stamps: stamps}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncProject classifies the client's holdings for one project.
func (c *Client) SyncProject(ctx context.Context, projectOID string, stamps api.TimestampMap) (*api.SyncResponse, error) {
	var resp api.SyncResponse
	req := api.SyncRequest{ProjectOID: projectOID, Stamps: stamps}
	if err := c.call(ctx, api.MethodSyncProject, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForceSync asks for the repair classification.
func (c *Client) ForceSync(ctx context.Context, stamps api.TimestampMap) (*api.ForceSyncResult, error) {
	var resp api.ForceSyncResult
	if err := c.call(ctx, api.MethodForceSync, api.SyncRequest{Stamps: stamps}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetObjects fetches one batch of serialized objects.
func (c *Client) GetObjects(ctx context.Context, oids []string) ([]api.SerializedObject, error) {
	var resp api.GetObjectsResult
	if err := c.call(ctx, api.MethodGetObjects, api.GetObjectsRequest{OIDs: oids}, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// Save pushes authored or modified objects upstream.
func (c *Client) Save(ctx context.Context, objs []api.SerializedObject) (*api.SaveResult, error) {
	var resp api.SaveResult
	if err := c.call(ctx, api.MethodSave, api.SaveRequest{Objects: objs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete tombstones oids in the authoritative repository.
func (c *Client) Delete(ctx context.Context, oids []string) (*api.DeleteResult, error) {
	var resp api.DeleteResult
	if err := c.call(ctx, api.MethodDelete, api.DeleteRequest{OIDs: oids}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Freeze locks oids against modification.
func (c *Client) Freeze(ctx context.Context, oids []string) (*api.FreezeResult, error) {
	var resp api.FreezeResult
	if err := c.call(ctx, api.MethodFreeze, api.FreezeRequest{OIDs: oids}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Thaw unlocks previously frozen oids.
func (c *Client) Thaw(ctx context.Context, oids []string) (*api.FreezeResult, error) {
	var resp api.FreezeResult
	if err := c.call(ctx, api.MethodThaw, api.FreezeRequest{OIDs: oids}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncRoles fetches identity, organizations, assignments and channels.
func (c *Client) SyncRoles(ctx context.Context) (*api.SyncRolesResult, error) {
	var resp api.SyncRolesResult
	if err := c.call(ctx, api.MethodSyncRoles, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe registers the session on pub/sub topics.
func (c *Client) Subscribe(ctx context.Context, topics []string) (*api.SubscribeResult, error) {
	var resp api.SubscribeResult
	if err := c.call(ctx, api.MethodSubscribe, api.SubscribeRequest{Topics: topics}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
