package api

import "time"

// ObjectsEvent is the payload of "new" event frames: full serialized
// objects, applied directly by receivers without a fetch round-trip.
type ObjectsEvent struct {
	Objects []SerializedObject `json:"objects"`
}

// ModifiedEvent is the payload of "modified" event frames. It carries only
// revision metadata; receivers holding an older copy fetch the object.
type ModifiedEvent struct {
	OID        string    `json:"oid"`
	ID         string    `json:"id,omitempty"`
	CName      string    `json:"cname,omitempty"`
	ModTime    time.Time `json:"mod_datetime"`
	ModifierID string    `json:"modifier_id,omitempty"`
}

// DeletedEvent is the payload of "deleted" event frames.
type DeletedEvent struct {
	OID   string `json:"oid"`
	CName string `json:"cname,omitempty"`
}

// FreezeEvent is the payload of "frozen" and "thawed" event frames; the
// subject selects the direction. Receivers adopt ModTime and ModifierID
// atomically with the flag change.
type FreezeEvent struct {
	OIDs       []string  `json:"oids"`
	ModTime    time.Time `json:"mod_datetime"`
	ModifierID string    `json:"modifier_id,omitempty"`
}
