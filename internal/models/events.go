package models

// Event is the closed set of notifications the engine emits for
// observers (CLI watch mode, embedding GUIs). Observers type-switch on
// the concrete variants; the engine never signals through strings.
type Event interface {
	event()
}

// SyncStarted marks the beginning of a sync round for a scope.
type SyncStarted struct {
	Scope Scope
}

// SyncProgress reports fetch-pipeline progress within a round: Applied of
// Total objects have been fetched and committed so far.
type SyncProgress struct {
	Scope   Scope
	Applied int
	Total   int
}

// ObjectsSynced marks the completion of a round, with counters for what
// the round changed locally.
type ObjectsSynced struct {
	Scope   Scope
	Fetched int
	Pushed  int
	Deleted int
}

// RemoteNew announces an object that arrived from the repository and was
// not previously cached.
type RemoteNew struct {
	OID      string
	CName    string
	Category Category
}

// RemoteModified announces a cached object updated from the repository.
type RemoteModified struct {
	OID      string
	CName    string
	Category Category
}

// RemoteDeleted announces a cached object removed because the repository
// tombstoned it.
type RemoteDeleted struct {
	OID      string
	CName    string
	Category Category
}

// RemoteFrozen announces objects frozen by the repository.
type RemoteFrozen struct {
	OIDs []string
}

// RemoteThawed announces objects thawed by the repository.
type RemoteThawed struct {
	OIDs []string
}

// PushRejected reports objects the server refused during a push, by
// reason ("unauthorized" or "no_owner"). Rejected objects are not retried
// automatically.
type PushRejected struct {
	OIDs   []string
	Reason string
}

// ConnectionChanged reports a transport state transition.
type ConnectionChanged struct {
	State ConnectionState
}

// CategoryChanged tells observers that objects of one category changed
// locally and dependent views should refresh.
type CategoryChanged struct {
	Category Category
}

func (SyncStarted) event()       {}
func (SyncProgress) event()      {}
func (ObjectsSynced) event()     {}
func (RemoteNew) event()         {}
func (RemoteModified) event()    {}
func (RemoteDeleted) event()     {}
func (RemoteFrozen) event()      {}
func (RemoteThawed) event()      {}
func (PushRejected) event()      {}
func (ConnectionChanged) event() {}
func (CategoryChanged) event()   {}
