// Package remote is the client side of the wire protocol: one websocket
// session per Client with the challenge-response handshake, correlated
// RPC calls, and the pub/sub event stream. The sync engine talks to the
// Repository interface and never sees frames.
package remote

import (
	"context"
	"errors"

	"github.com/waterbug/repsync/pkg/api"
)

// Sentinel errors for transport outcomes the engine branches on.
var (
	// ErrUnavailable indicates the server did not answer in time or the
	// call failed at the transport level.
	ErrUnavailable = errors.New("server unavailable")

	// ErrProtocolIncompatible indicates the server refused or would
	// refuse this protocol revision. Fatal: reconnecting cannot help.
	ErrProtocolIncompatible = errors.New("protocol version incompatible")

	// ErrAuthFailed indicates the server rejected the identity or the
	// challenge signature.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrMalformed indicates a response that did not decode into the
	// expected shape.
	ErrMalformed = errors.New("malformed server response")

	// ErrClosed indicates the session is closed.
	ErrClosed = errors.New("connection closed")
)

//go:generate moq -out repository_mock.go . Repository

// Repository is the authoritative remote store as the sync engine sees
// it. All methods are synchronous; the implementation bounds each call
// with the configured timeout and returns ErrUnavailable on expiry.
type Repository interface {
	// SyncObjects classifies an arbitrary stamp map against the server
	// (global scope).
	SyncObjects(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error)

	// SyncLibrary classifies the client's library holdings.
	SyncLibrary(ctx context.Context, stamps api.TimestampMap) (*api.SyncResponse, error)

	// SyncProject classifies the client's holdings for one project.
	SyncProject(ctx context.Context, projectOID string, stamps api.TimestampMap) (*api.SyncResponse, error)

	// ForceSync asks for the repair classification: everything that
	// differs at all comes back as newer.
	ForceSync(ctx context.Context, stamps api.TimestampMap) (*api.ForceSyncResult, error)

	// GetObjects fetches one batch of serialized objects.
	GetObjects(ctx context.Context, oids []string) ([]api.SerializedObject, error)

	// Save pushes authored or modified objects upstream.
	Save(ctx context.Context, objs []api.SerializedObject) (*api.SaveResult, error)

	// Delete tombstones oids in the authoritative repository.
	Delete(ctx context.Context, oids []string) (*api.DeleteResult, error)

	// Freeze locks oids against modification.
	Freeze(ctx context.Context, oids []string) (*api.FreezeResult, error)

	// Thaw unlocks previously frozen oids.
	Thaw(ctx context.Context, oids []string) (*api.FreezeResult, error)

	// SyncRoles fetches the actor's identity, organizations, role
	// assignments and entitled channels.
	SyncRoles(ctx context.Context) (*api.SyncRolesResult, error)

	// Subscribe registers the session on pub/sub topics.
	Subscribe(ctx context.Context, topics []string) (*api.SubscribeResult, error)
}

// Event is one pub/sub notification delivered by the session.
type Event struct {
	Topic   string
	Subject string
	Payload []byte
}
