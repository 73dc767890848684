package api

import (
	"encoding/json"
	"time"
)

// SyncRequest carries the client's view of a scope: one timestamp per
// cached oid. ProjectOID is set only for project-scoped rounds.
type SyncRequest struct {
	ProjectOID string       `json:"project_oid,omitempty"`
	Stamps     TimestampMap `json:"stamps"`
}

// SyncResponse is the server's classification of a SyncRequest against the
// authoritative repository.
//
// Newer lists oids whose server revision is ahead of the client's (or
// which the client does not hold at all), ordered so that a referencing
// object never precedes its referent. Same lists oids whose stamps match.
// Stale lists oids where the client's stamp is strictly ahead, i.e. the
// client holds unpushed work. Unknown lists oids the server has never
// seen. Deleted lists oids removed from the repository; those tombstones
// are authoritative. Derived carries computed side-channel data keyed by
// oid, opaque to the protocol.
type SyncResponse struct {
	Newer   []string                   `json:"newer"`
	Same    []string                   `json:"same,omitempty"`
	Stale   []string                   `json:"stale,omitempty"`
	Unknown []string                   `json:"unknown,omitempty"`
	Deleted []string                   `json:"deleted,omitempty"`
	Derived map[string]json.RawMessage `json:"derived,omitempty"`
}

// ForceSyncResult is the reduced classification returned by the manual
// repair path: every oid whose stamp differs from the client's (or which
// the client lacks) is Newer; oids the server has never seen are Unknown.
type ForceSyncResult struct {
	Newer   []string `json:"newer"`
	Unknown []string `json:"unknown,omitempty"`
}

// GetObjectsRequest asks for one bounded batch of serialized objects.
type GetObjectsRequest struct {
	OIDs []string `json:"oids"`
}

// GetObjectsResult returns the requested objects in request order. OIDs
// unknown to the server are silently omitted.
type GetObjectsResult struct {
	Objects []SerializedObject `json:"objects"`
}

// SaveRequest pushes locally authored or modified objects upstream.
type SaveRequest struct {
	Objects []SerializedObject `json:"objects"`
}

// SaveResult reports the per-object outcome of a save. New and Modified
// were accepted; Unauthorized were refused by policy (including writes to
// tombstoned oids); NoOwner were refused because a project-scoped object
// arrived without an owning project.
type SaveResult struct {
	New          []string `json:"new,omitempty"`
	Modified     []string `json:"modified,omitempty"`
	Unauthorized []string `json:"unauthorized,omitempty"`
	NoOwner      []string `json:"no_owner,omitempty"`
}

// DeleteRequest removes oids from the authoritative repository.
type DeleteRequest struct {
	OIDs []string `json:"oids"`
}

// DeleteResult acknowledges the oids actually tombstoned.
type DeleteResult struct {
	Deleted []string `json:"deleted,omitempty"`
}

// FreezeRequest asks the server to freeze or thaw oids; the method name
// selects the direction.
type FreezeRequest struct {
	OIDs []string `json:"oids"`
}

// FreezeResult reports which oids changed state. ModTime and ModifierID
// are the server-assigned revision metadata the client must adopt.
type FreezeResult struct {
	OK           []string  `json:"ok,omitempty"`
	Unauthorized []string  `json:"unauthorized,omitempty"`
	ModTime      time.Time `json:"mod_datetime"`
	ModifierID   string    `json:"modifier_id,omitempty"`
}

// RoleAssignment grants one role in one organization to the actor.
type RoleAssignment struct {
	Role   string `json:"role"`
	OrgOID string `json:"org_oid"`
}

// SyncRolesResult answers "who am I and what am I allowed to see": the
// actor's own object, the organizations visible to it, its role
// assignments, and the pub/sub channels it should subscribe to.
type SyncRolesResult struct {
	User          SerializedObject   `json:"user"`
	Organizations []SerializedObject `json:"organizations,omitempty"`
	Assignments   []RoleAssignment   `json:"assignments,omitempty"`
	Channels      []string           `json:"channels"`
}

// SubscribeRequest registers the session on pub/sub topics.
type SubscribeRequest struct {
	Topics []string `json:"topics"`
}

// SubscribeResult acknowledges the topics actually registered.
type SubscribeResult struct {
	Subscribed []string `json:"subscribed,omitempty"`
}
