// Package resolver decides which version of a row becomes canonical when a
// local row and an incoming remote row share the same key.
//
// Resolution is total and free of side effects: every pair of inputs yields a
// Decision, and the same inputs always yield the same Decision.
package resolver

import (
	"maps"

	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/rows"
)

// Action tells the caller what to do with the local row
type Action int

const (
	// ActionKeep leaves the local row untouched
	ActionKeep Action = iota

	// ActionWrite replaces the local row with Decision.Row
	ActionWrite

	// ActionDelete replaces the local row with the tombstone in Decision.Row
	ActionDelete
)

// String returns the action name
func (a Action) String() string {
	switch a {
	case ActionWrite:
		return "write"
	case ActionDelete:
		return "delete"
	default:
		return "keep"
	}
}

// Decision is the outcome of resolving one row
type Decision struct {
	Action Action
	Row    *rows.Row
}

// Options tune resolution
type Options struct {
	// PreferRemoteOnTie makes the remote side win when neither origin nor
	// timestamp separates the two rows. Full recovery uses it so that the
	// authoritative peer wins ties.
	PreferRemoteOnTie bool

	// LocalRole is the role of the instance applying the decision. It is
	// stamped as origin on merged rows that combine fields from both sides,
	// so that the result is propagated back to the peer. Under master_wins
	// and slave_wins a winning-origin remote is ordered by timestamp only
	// when LocalRole is the winning role itself.
	LocalRole rows.Role
}

// Resolve reconciles local (nil when absent) with remote (nil when absent)
// under the given strategy.
func Resolve(local, remote *rows.Row, strategy registry.Strategy, opts Options) Decision {
	if remote == nil {
		return keep()
	}
	if local == nil {
		return take(remote)
	}
	if local.SameContent(remote) {
		return keep()
	}

	switch strategy {
	case registry.StrategySlaveWins:
		return resolveByOrigin(local, remote, rows.RoleSlave, opts)
	case registry.StrategyMerge:
		return resolveMerge(local, remote, opts)
	default:
		return resolveByOrigin(local, remote, rows.RoleMaster, opts)
	}
}

// resolveByOrigin lets the row produced by the winning role overwrite the
// other one regardless of timestamps. A winning-origin row sent by a peer
// that is itself the winning role is that peer's current version and always
// replaces a different local copy. Otherwise rows of the same origin are
// ordered by UpdatedAt.
func resolveByOrigin(local, remote *rows.Row, winner rows.Role, opts Options) Decision {
	localWins := local.Origin == winner
	remoteWins := remote.Origin == winner

	switch {
	case remoteWins && (!localWins || opts.LocalRole != winner):
		return take(remote)
	case localWins && !remoteWins:
		return keep()
	}

	if remoteIsNewer(local, remote, opts) {
		return take(remote)
	}
	return keep()
}

// resolveMerge reconciles field by field: every field present on both sides
// takes the value of the row with the more recent UpdatedAt, fields present
// on one side only are kept, and a delete wins only when it is newer.
func resolveMerge(local, remote *rows.Row, opts Options) Decision {
	newerRemote := remoteIsNewer(local, remote, opts)

	switch {
	case remote.Deleted && local.Deleted:
		return keep()
	case remote.Deleted:
		if newerRemote {
			return take(remote)
		}
		return keep()
	case local.Deleted:
		if newerRemote {
			return take(remote)
		}
		return keep()
	}

	older, newer := remote, local
	if newerRemote {
		older, newer = local, remote
	}

	merged := maps.Clone(older.Payload)
	if merged == nil {
		merged = make(map[string]any, len(newer.Payload))
	}
	maps.Copy(merged, newer.Payload)

	result := newer.Clone()
	result.Payload = merged

	if !rows.PayloadEqual(merged, newer.Payload) && opts.LocalRole != "" {
		result.Origin = opts.LocalRole
	}

	if result.SameContent(local) && result.Origin == local.Origin {
		return keep()
	}
	return Decision{Action: ActionWrite, Row: result}
}

// remoteIsNewer reports whether remote should be treated as the more recent
// version. Exact ties go to the local side unless PreferRemoteOnTie is set.
func remoteIsNewer(local, remote *rows.Row, opts Options) bool {
	lt := rows.Timestamp(local.UpdatedAt)
	rt := rows.Timestamp(remote.UpdatedAt)
	if rt.Equal(lt) {
		return opts.PreferRemoteOnTie
	}
	return rt.After(lt)
}

func keep() Decision {
	return Decision{Action: ActionKeep}
}

func take(remote *rows.Row) Decision {
	row := remote.Clone()
	if row.Deleted {
		row.Payload = nil
		return Decision{Action: ActionDelete, Row: row}
	}
	return Decision{Action: ActionWrite, Row: row}
}
