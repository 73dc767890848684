package models

import "time"

// ScopeKind selects which slice of the repository a sync round covers.
type ScopeKind int

const (
	// ScopeGlobal covers every synchronized object visible to the actor.
	ScopeGlobal ScopeKind = iota
	// ScopeLibrary covers shared/public objects of library classes.
	ScopeLibrary
	// ScopeProject covers objects private to one project.
	ScopeProject
)

// Scope identifies one sync partition. It is comparable and used as a map
// key for in-flight round tracking.
type Scope struct {
	Kind       ScopeKind
	ProjectOID string
}

// GlobalScope returns the scope covering all synchronized objects.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// LibraryScope returns the shared-library scope.
func LibraryScope() Scope { return Scope{Kind: ScopeLibrary} }

// ProjectScope returns the scope private to one project.
func ProjectScope(projectOID string) Scope {
	return Scope{Kind: ScopeProject, ProjectOID: projectOID}
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeLibrary:
		return "library"
	case ScopeProject:
		return "project:" + s.ProjectOID
	default:
		return "global"
	}
}

// ConnectionState is the transport session state tracked by the
// connection monitor.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Origin records where a mutation came from. Remote-origin mutations are
// never pushed back upstream (loop prevention).
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// SyncSession is the bookkeeping record for one scope's rounds.
type SyncSession struct {
	Scope    Scope
	LastSync time.Time
	Force    bool
}
