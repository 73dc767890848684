// Package models holds the domain types shared across the client and
// server: managed objects and their revision metadata, sync scopes, the
// class catalog, and the typed notification events the engine emits.
package models

import (
	"encoding/json"
	"time"
)

// ManagedObject is one locally cached entity under synchronization. OID is
// the globally unique identity shared with the server, assigned once and
// never reused. ModTime is the per-object revision stamp: it strictly
// increases on every local mutation and is the sole signal used to detect
// divergence. Attrs is the class-specific payload; the sync machinery
// never interprets it.
type ManagedObject struct {
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

// TimestampMap maps oid to last-modification time.
type TimestampMap map[string]time.Time

// NewerThan reports whether o carries a strictly newer revision than
// other. Equal stamps are not newer; ties are no-ops for reconciliation.
func (o *ManagedObject) NewerThan(other *ManagedObject) bool {
	return o.ModTime.After(other.ModTime)
}

// Clone returns a deep copy of the object.
func (o *ManagedObject) Clone() *ManagedObject {
	clone := *o
	if o.Attrs != nil {
		clone.Attrs = make(json.RawMessage, len(o.Attrs))
		copy(clone.Attrs, o.Attrs)
	}
	return &clone
}

// Touch stamps a local mutation: ModTime advances to now, or one
// nanosecond past the previous stamp when the wall clock has not moved
// (or has moved backwards), keeping revisions strictly monotonic per
// object. ModifierID records who mutated.
func (o *ManagedObject) Touch(now time.Time, modifierID string) {
	o.ModTime = NextStamp(now, o.ModTime)
	o.ModifierID = modifierID
}

// NextStamp returns the revision stamp for a mutation at wall-clock time
// now of an object last stamped at prev. The result is always strictly
// after prev.
func NextStamp(now, prev time.Time) time.Time {
	now = now.UTC()
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
