// Package api defines the wire protocol shared by the repsync client and
// server: the frame envelope, RPC method names, pub/sub topics, and the
// request/response DTOs. Everything on the wire is JSON.
package api

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the protocol revision this build speaks. The server
// announces its minimum supported revision in the Welcome frame; clients
// below it are refused at session establishment.
const ProtocolVersion = 3

// Frame types carried in Envelope.Type.
const (
	FrameHello     = "hello"
	FrameChallenge = "challenge"
	FrameWelcome   = "welcome"
	FrameCall      = "call"
	FrameResult    = "result"
	FrameError     = "error"
	FrameEvent     = "event"
)

// RPC method names.
const (
	MethodSyncObjects = "repo.sync_objects"
	MethodSyncLibrary = "repo.sync_library"
	MethodSyncProject = "repo.sync_project"
	MethodForceSync   = "repo.force_sync"
	MethodGetObjects  = "repo.get_objects"
	MethodSave        = "repo.save"
	MethodDelete      = "repo.delete"
	MethodFreeze      = "repo.freeze"
	MethodThaw        = "repo.thaw"
	MethodSyncRoles   = "repo.sync_roles"
	MethodSubscribe   = "repo.subscribe"
)

// Pub/sub topics. Every session may subscribe to the public channel; one
// additional channel exists per organization the actor holds a role in.
const (
	PublicChannel = "repo.channel.public"
	channelPrefix = "repo.channel."
)

// OrgChannel returns the pub/sub topic for an organization.
func OrgChannel(orgOID string) string {
	return channelPrefix + orgOID
}

// Event subjects carried in Envelope.Subject on event frames.
const (
	SubjectNew      = "new"
	SubjectModified = "modified"
	SubjectDeleted  = "deleted"
	SubjectFrozen   = "frozen"
	SubjectThawed   = "thawed"
)

// Error codes carried in Envelope.Error.Code.
const (
	CodeUnavailable         = "unavailable"
	CodeUnauthorized        = "unauthorized"
	CodeMalformed           = "malformed"
	CodeNotFound            = "not_found"
	CodeAuthFailed          = "auth_failed"
	CodeVersionIncompatible = "version_incompatible"
)

// Envelope is the single frame shape exchanged over the websocket. The
// Type field selects which of the remaining fields are meaningful: calls
// carry ID/Method/Params, results carry ID/Result or ID/Error, events
// carry Topic/Subject/Payload, and the handshake frames carry Params only.
type Envelope struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is the wire form of an RPC or handshake failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Error implements the error interface so wire errors can be returned
// directly from transport code.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a wire error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
