// Package sync holds the client engine that keeps the local object
// cache consistent with the authoritative repository: the pure
// reconciliation function, the chunked fetch pipeline, the push
// pipeline, the freeze ledger, the connection monitor, and the
// orchestrating service with its run loop.
package sync

import (
	"time"

	"github.com/waterbug/repsync/pkg/api"
)

// LocalObject is the reconciler's snapshot view of one cached entry.
// Deleted entries come from the tombstone registry; the other fields
// come from the cached row.
type LocalObject struct {
	ModTime time.Time
	Creator string
	Sandbox bool
	Synced  bool
	Deleted bool
}

// Actions is the reconciler verdict: which oids to fetch from the
// server, which to push to it, and which to remove locally. Fetch
// preserves the server's ordering.
type Actions struct {
	Fetch  []string
	Push   []string
	Delete []string
}

// Empty reports whether the round has nothing to do.
func (a Actions) Empty() bool {
	return len(a.Fetch) == 0 && len(a.Push) == 0 && len(a.Delete) == 0
}

// Reconcile turns the server's stamp classification into local actions.
// It is a pure function over the snapshot; all I/O belongs to the
// pipelines that execute the verdict.
//
// Rules, in order of authority:
//   - server_deleted always wins: those oids are removed locally even
//     when the local stamp is newer, and they are never fetched or
//     pushed regardless of any other classification in the response.
//   - newer is fetched in server order; an oid that is both newer and
//     locally deleted is a resurrection and is fetched, not skipped.
//   - stale (local stamp strictly ahead) is pushed, unless the local
//     entry is itself a tombstone; pending deletions travel through the
//     push pipeline, not as object rows.
//   - unknown_to_server is pushed only when this actor created the
//     object and the server has never acknowledged it; otherwise the
//     entry is presumed orphaned and removed, resolving the ambiguity
//     in favor of server authority.
//   - sandbox entries are invisible to reconciliation.
//   - matching stamps (same) are no-ops.
func Reconcile(local map[string]LocalObject, actorID string, resp *api.SyncResponse) Actions {
	var actions Actions
	if resp == nil {
		return actions
	}

	serverDeleted := make(map[string]struct{}, len(resp.Deleted))
	for _, oid := range resp.Deleted {
		serverDeleted[oid] = struct{}{}
	}

	seenFetch := make(map[string]struct{}, len(resp.Newer))
	for _, oid := range resp.Newer {
		if _, dead := serverDeleted[oid]; dead {
			continue
		}
		if lo, ok := local[oid]; ok && lo.Sandbox {
			continue
		}
		if _, dup := seenFetch[oid]; dup {
			continue
		}
		seenFetch[oid] = struct{}{}
		actions.Fetch = append(actions.Fetch, oid)
	}

	for _, oid := range resp.Stale {
		lo, ok := local[oid]
		if !ok || lo.Sandbox || lo.Deleted {
			continue
		}
		if _, dead := serverDeleted[oid]; dead {
			continue
		}
		actions.Push = append(actions.Push, oid)
	}

	for _, oid := range resp.Unknown {
		lo, ok := local[oid]
		if !ok || lo.Sandbox {
			continue
		}
		if _, dead := serverDeleted[oid]; dead {
			continue
		}
		if lo.Deleted {
			// A tombstone for an object the server never saw: nothing
			// to push, nothing to keep.
			actions.Delete = append(actions.Delete, oid)
			continue
		}
		if lo.Creator == actorID && !lo.Synced {
			actions.Push = append(actions.Push, oid)
		} else {
			actions.Delete = append(actions.Delete, oid)
		}
	}

	seenDelete := make(map[string]struct{}, len(resp.Deleted))
	for _, oid := range actions.Delete {
		seenDelete[oid] = struct{}{}
	}
	for _, oid := range resp.Deleted {
		if lo, ok := local[oid]; ok && lo.Sandbox {
			continue
		}
		if _, dup := seenDelete[oid]; dup {
			continue
		}
		seenDelete[oid] = struct{}{}
		actions.Delete = append(actions.Delete, oid)
	}

	return actions
}
