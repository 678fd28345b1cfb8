package status

import (
	"slices"
	"time"
)

// TablePhase represents where a table is in the synchronization state machine
type TablePhase string

const (
	// TablePhaseIdle means no sync work is in progress for the table
	TablePhaseIdle TablePhase = "Idle"

	// TablePhasePulling means changes are being fetched from the peer
	TablePhasePulling TablePhase = "Pulling"

	// TablePhaseApplying means pulled changes are being resolved and written
	TablePhaseApplying TablePhase = "Applying"

	// TablePhasePushing means local changes are being submitted to the peer
	TablePhasePushing TablePhase = "Pushing"

	// TablePhaseError means the last attempt failed
	TablePhaseError TablePhase = "Error"

	// TablePhaseRecovery means a full resync is running for the table
	TablePhaseRecovery TablePhase = "Recovery"
)

// InProgress reports whether the phase belongs to a running cycle or recovery
func (p TablePhase) InProgress() bool {
	switch p {
	case TablePhasePulling, TablePhaseApplying, TablePhasePushing, TablePhaseRecovery:
		return true
	default:
		return false
	}
}

// Direction selects one of a table's two watermarks
type Direction string

const (
	// DirectionPull tracks changes received from the peer
	DirectionPull Direction = "pull"

	// DirectionPush tracks local changes acknowledged by the peer
	DirectionPush Direction = "push"
)

// Watermark is the cursor marking the last synchronized point of one direction
type Watermark struct {
	Cursor    int64      `json:"cursor"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Advance moves the cursor forward. A cursor that is not greater than the
// current one leaves the watermark untouched and returns false.
func (w *Watermark) Advance(cursor int64, at time.Time) bool {
	if cursor <= w.Cursor {
		return false
	}
	w.Cursor = cursor
	w.UpdatedAt = &at
	return true
}

// TableSyncStatus is the durable sync state of one table
type TableSyncStatus struct {
	Table string     `json:"table"`
	Phase TablePhase `json:"phase"`

	Pull Watermark `json:"pull"`
	Push Watermark `json:"push"`

	// LastPullAt and LastPushAt are the times of the last successful phase
	LastPullAt *time.Time `json:"lastPullAt,omitempty"`
	LastPushAt *time.Time `json:"lastPushAt,omitempty"`

	LastAttemptAt       *time.Time `json:"lastAttemptAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	Healthy             bool       `json:"healthy"`
}

// Watermark returns the watermark for a direction
func (s *TableSyncStatus) Watermark(dir Direction) *Watermark {
	if dir == DirectionPush {
		return &s.Push
	}
	return &s.Pull
}

// LastSuccessAt returns the most recent successful pull or push
func (s *TableSyncStatus) LastSuccessAt() *time.Time {
	switch {
	case s.LastPullAt == nil:
		return s.LastPushAt
	case s.LastPushAt == nil:
		return s.LastPullAt
	case s.LastPushAt.After(*s.LastPullAt):
		return s.LastPushAt
	default:
		return s.LastPullAt
	}
}

// MarkFailed records a failed attempt
func (s *TableSyncStatus) MarkFailed(msg string, at time.Time) {
	s.Phase = TablePhaseError
	s.LastAttemptAt = &at
	s.LastError = msg
	s.ConsecutiveFailures++
	s.Healthy = false
}

// MarkSucceeded clears the error state after a successful attempt
func (s *TableSyncStatus) MarkSucceeded(at time.Time) {
	s.Phase = TablePhaseIdle
	s.LastAttemptAt = &at
	s.LastError = ""
	s.ConsecutiveFailures = 0
	s.Healthy = true
}

// Clear resets watermarks and error counters, keeping only the table name
func (s *TableSyncStatus) Clear() {
	*s = *NewTableSyncStatus(s.Table)
}

// Clone returns a deep copy
func (s *TableSyncStatus) Clone() *TableSyncStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.Pull.UpdatedAt = cloneTime(s.Pull.UpdatedAt)
	c.Push.UpdatedAt = cloneTime(s.Push.UpdatedAt)
	c.LastPullAt = cloneTime(s.LastPullAt)
	c.LastPushAt = cloneTime(s.LastPushAt)
	c.LastAttemptAt = cloneTime(s.LastAttemptAt)
	return &c
}

// NewTableSyncStatus returns the state of a table that has never synced
func NewTableSyncStatus(table string) *TableSyncStatus {
	return &TableSyncStatus{
		Table:   table,
		Phase:   TablePhaseIdle,
		Healthy: true,
	}
}

// RecoveryState tracks how far a slave has drifted and when it last healed
type RecoveryState struct {
	LastRecoveryAt  *time.Time `json:"lastRecoveryAt,omitempty"`
	LastAttemptAt   *time.Time `json:"lastAttemptAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	DivergenceScore int        `json:"divergenceScore"`

	// Corrupted is set when a stored row could not be decoded or an
	// operator flagged the store; it forces the next recovery.
	Corrupted bool `json:"corrupted,omitempty"`
}

// CycleMeta is the durable cycle-level state
type CycleMeta struct {
	LastCycleAt *time.Time    `json:"lastCycleAt,omitempty"`
	Cycles      int64         `json:"cycles"`
	Recovery    RecoveryState `json:"recovery"`
}

// Clone returns a deep copy
func (m *CycleMeta) Clone() *CycleMeta {
	if m == nil {
		return nil
	}
	c := *m
	c.LastCycleAt = cloneTime(m.LastCycleAt)
	c.Recovery.LastRecoveryAt = cloneTime(m.Recovery.LastRecoveryAt)
	c.Recovery.LastAttemptAt = cloneTime(m.Recovery.LastAttemptAt)
	return &c
}

// SyncStatus is the read-only snapshot served to the UI and to peers
type SyncStatus struct {
	Tables         []*TableSyncStatus `json:"tables"`
	LastCycleAt    *time.Time         `json:"lastCycleAt,omitempty"`
	Cycles         int64              `json:"cycles"`
	OverallHealthy bool               `json:"overallHealthy"`
	Recovery       RecoveryState      `json:"recovery"`
}

// Table returns the status of the named table, or nil
func (s *SyncStatus) Table(name string) *TableSyncStatus {
	for _, t := range s.Tables {
		if t.Table == name {
			return t
		}
	}
	return nil
}

// NewSyncStatus assembles a snapshot. Tables are kept in the given order.
func NewSyncStatus(tables []*TableSyncStatus, meta *CycleMeta) *SyncStatus {
	snapshot := &SyncStatus{
		Tables:         make([]*TableSyncStatus, 0, len(tables)),
		OverallHealthy: true,
	}
	for _, t := range tables {
		snapshot.Tables = append(snapshot.Tables, t.Clone())
		if !t.Healthy {
			snapshot.OverallHealthy = false
		}
	}
	if meta != nil {
		m := meta.Clone()
		snapshot.LastCycleAt = m.LastCycleAt
		snapshot.Cycles = m.Cycles
		snapshot.Recovery = m.Recovery
		if m.Recovery.Corrupted {
			snapshot.OverallHealthy = false
		}
	}
	return snapshot
}

// TableResult is the outcome of one phase for one table
type TableResult struct {
	Success  bool   `json:"success"`
	Rows     int    `json:"rows"`
	Applied  int    `json:"applied,omitempty"`
	Skipped  int    `json:"skipped,omitempty"`
	Cursor   int64  `json:"cursor"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PhaseResult aggregates one phase over every table attempted in a cycle
type PhaseResult struct {
	Success  bool                   `json:"success"`
	PerTable map[string]TableResult `json:"perTable"`
}

// NewPhaseResult returns an empty, successful phase
func NewPhaseResult() PhaseResult {
	return PhaseResult{Success: true, PerTable: make(map[string]TableResult)}
}

// Record stores a table outcome and folds it into Success
func (p *PhaseResult) Record(table string, r TableResult) {
	if p.PerTable == nil {
		p.PerTable = make(map[string]TableResult)
	}
	p.PerTable[table] = r
	if !r.Success {
		p.Success = false
	}
}

// CycleResult is the structured outcome of one cycle
type CycleResult struct {
	// Running is set when another cycle held the lock; nothing else is filled in.
	Running bool `json:"running,omitempty"`

	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Pull       PhaseResult `json:"pull"`
	Push       PhaseResult `json:"push"`

	// Skipped lists tables not started because the cycle deadline elapsed
	Skipped []string `json:"skipped,omitempty"`
}

// Success reports whether both phases succeeded for every attempted table
func (r *CycleResult) Success() bool {
	return !r.Running && r.Pull.Success && r.Push.Success
}

// FailedTables lists tables that failed in either phase
func (r *CycleResult) FailedTables() []string {
	var failed []string
	seen := make(map[string]bool)
	for _, phase := range []PhaseResult{r.Pull, r.Push} {
		for table, res := range phase.PerTable {
			if !res.Success && !seen[table] {
				seen[table] = true
				failed = append(failed, table)
			}
		}
	}
	slices.Sort(failed)
	return failed
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
