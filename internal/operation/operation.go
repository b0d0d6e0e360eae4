// Package operation defines the locally tracked record of a process launched
// on a remote host, and the outcomes a liveness probe can report for it.
package operation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Status is the last confirmed observation of a remote process.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// ParseStatus maps a persisted status string back to a Status.
// Unrecognised values become StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusRunning:
		return StatusRunning
	case StatusStopped:
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// Terminal reports whether the reconciler will never change the status again.
func (s Status) Terminal() bool { return s == StatusStopped }

// Outcome is the result of a single liveness check.
type Outcome int

const (
	// Indeterminate means the check itself failed (transport, auth, timeout).
	Indeterminate Outcome = iota
	// Alive means the PID exists on the remote host.
	Alive
	// Dead means the PID does not exist on the remote host.
	Dead
)

func (o Outcome) String() string {
	switch o {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "indeterminate"
	}
}

// Record is one remote process launched on behalf of a connection.
type Record struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	PID          int       `json:"pid"`
	Name         string    `json:"name"`
	Command      string    `json:"command,omitempty"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Running is true while the record still claims a live process.
func (r Record) Running() bool { return r.Status == StatusRunning }

// MaxPID is the largest process id any supported host can assign.
const MaxPID = math.MaxInt32

// ValidPID reports whether pid could name a process.
func ValidPID(pid int) bool { return pid > 0 && pid <= MaxPID }

// Validate checks the fields required to persist a record.
func (r Record) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, errors.New("id required"))
	}
	if strings.TrimSpace(r.ConnectionID) == "" {
		errs = append(errs, errors.New("connection_id required"))
	}
	if !ValidPID(r.PID) {
		errs = append(errs, fmt.Errorf("invalid pid %d", r.PID))
	}
	switch r.Status {
	case StatusRunning, StatusStopped, StatusUnknown:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

// SortNewestFirst orders records by StartedAt descending. Ties keep their
// relative order and fall back to ID so the result is deterministic.
func SortNewestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.After(recs[j].StartedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// Summary counts the outcome of one reconciliation pass.
type Summary struct {
	Checked int `json:"checked"`
	Synced  int `json:"synced"`
	Errors  int `json:"errors"`
}
