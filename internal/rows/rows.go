// Package rows defines the generic row representation exchanged between peers.
package rows

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Role identifies which kind of instance produced a row
type Role string

const (
	// RoleMaster is the authoritative instance
	RoleMaster Role = "master"

	// RoleSlave is a dependent instance
	RoleSlave Role = "slave"
)

// ParseRole converts a configuration value into a Role
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleMaster, RoleSlave:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q (expected master or slave)", s)
	}
}

// Op is the kind of change carried by a RowChange
type Op string

const (
	// OpInsert creates a row the receiver has never seen
	OpInsert Op = "insert"

	// OpUpdate modifies an existing row
	OpUpdate Op = "update"

	// OpDelete removes a row, leaving a tombstone
	OpDelete Op = "delete"
)

// Row is a business table row as stored locally
type Row struct {
	Table     string         `json:"table"`
	Key       string         `json:"key"`
	Payload   map[string]any `json:"payload,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Deleted   bool           `json:"deleted,omitempty"`
	Origin    Role           `json:"origin"`

	// Seq is the per-table change sequence number assigned by the store
	// that holds the row.
	Seq int64 `json:"seq"`
}

// RowChange is a single row mutation as transferred over the wire.
// Seq is the sender's sequence number and doubles as the cursor.
type RowChange struct {
	Table     string         `json:"table"`
	Key       string         `json:"key"`
	Payload   map[string]any `json:"payload,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Seq       int64          `json:"seq"`
	Origin    Role           `json:"origin"`
	Op        Op             `json:"op"`
}

// Timestamp normalizes t to the precision every backing store can hold
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Clone returns a deep copy of the row
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = maps.Clone(r.Payload)
	return &c
}

// SameContent reports whether two rows carry the same data.
// Origin and Seq are bookkeeping and are not compared.
func (r *Row) SameContent(o *Row) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Deleted != o.Deleted || !Timestamp(r.UpdatedAt).Equal(Timestamp(o.UpdatedAt)) {
		return false
	}
	if r.Deleted {
		return true
	}
	return PayloadEqual(r.Payload, o.Payload)
}

// PayloadEqual compares payloads by their canonical JSON encoding, so that
// values decoded from different sources compare equal.
func PayloadEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// Change converts the row into a RowChange
func (r *Row) Change() RowChange {
	op := OpUpdate
	if r.Deleted {
		op = OpDelete
	}
	return RowChange{
		Table:     r.Table,
		Key:       r.Key,
		Payload:   maps.Clone(r.Payload),
		UpdatedAt: Timestamp(r.UpdatedAt),
		Seq:       r.Seq,
		Origin:    r.Origin,
		Op:        op,
	}
}

// Row converts the change into a Row
func (c RowChange) Row() *Row {
	row := &Row{
		Table:     c.Table,
		Key:       c.Key,
		UpdatedAt: Timestamp(c.UpdatedAt),
		Origin:    c.Origin,
		Seq:       c.Seq,
		Deleted:   c.Op == OpDelete,
	}
	if !row.Deleted {
		row.Payload = maps.Clone(c.Payload)
	}
	return row
}

// Validate checks that a change received from a peer is well formed
func (c RowChange) Validate(table string) error {
	if c.Table != table {
		return fmt.Errorf("change for key %q belongs to table %q, not %q", c.Key, c.Table, table)
	}
	if c.Key == "" {
		return fmt.Errorf("change in table %q has an empty key", table)
	}
	if c.UpdatedAt.IsZero() {
		return fmt.Errorf("change %s/%s has no updatedAt", table, c.Key)
	}
	if _, err := ParseRole(string(c.Origin)); err != nil {
		return fmt.Errorf("change %s/%s: %w", table, c.Key, err)
	}
	switch c.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("change %s/%s has unknown op %q", table, c.Key, c.Op)
	}
	return nil
}

// Changes converts rows into RowChanges
func Changes(rs []*Row) []RowChange {
	changes := make([]RowChange, 0, len(rs))
	for _, r := range rs {
		changes = append(changes, r.Change())
	}
	return changes
}

// MaxSeq returns the highest Seq among the changes, or floor if it is higher
func MaxSeq(changes []RowChange, floor int64) int64 {
	maxSeq := floor
	for _, c := range changes {
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
	}
	return maxSeq
}
