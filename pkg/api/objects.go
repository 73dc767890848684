package api

import (
	"encoding/json"
	"time"
)

// SerializedObject is the wire form of one managed object. The attribute
// payload is opaque to the sync machinery on both ends; only the identity
// and revision metadata are interpreted.
type SerializedObject struct {
	OID        string          `json:"oid"`
	ID         string          `json:"id,omitempty"`
	CName      string          `json:"cname"`
	ProjectOID string          `json:"project_oid,omitempty"`
	CreatorID  string          `json:"creator_id,omitempty"`
	ModifierID string          `json:"modifier_id,omitempty"`
	ModTime    time.Time       `json:"mod_datetime"`
	Frozen     bool            `json:"frozen,omitempty"`
	Attrs      json.RawMessage `json:"attrs,omitempty"`
}

// TimestampMap maps oid to last-modification time. It is the only artifact
// exchanged to detect divergence between the client cache and the server.
// Times serialize as RFC 3339 with nanoseconds.
type TimestampMap map[string]time.Time
