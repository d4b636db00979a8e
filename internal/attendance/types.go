// Package attendance is the offline-first sync engine. Marks land in a local
// record store and a durable mutation queue; a processor loop delivers the
// queue to the remote record store while a reconciler loop merges remote
// snapshots back in, honoring local removals.
package attendance

import (
	"time"

	"github.com/agentworkforce/attendsync/internal/remote"
)

type Status string

const (
	StatusPresent Status = "P"
	StatusAbsent  Status = "A"
)

func (s Status) Valid() bool {
	return s == StatusPresent || s == StatusAbsent
}

// Record is the best-known view of one student.
type Record struct {
	StudentID     string    `json:"studentId"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Status        Status    `json:"status"`
	LastChangedAt time.Time `json:"lastChangedAt"`
}

// MutationTask is one pending remote write. Tasks are immutable once queued.
type MutationTask struct {
	ID         string         `json:"id"`
	Payload    remote.Payload `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

type MarkInput struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Status    string `json:"status"`
}

// SyncStatus is a point-in-time summary for status displays.
type SyncStatus struct {
	Pending    int    `json:"pending"`
	Busy       bool   `json:"busy"`
	Endpoint   string `json:"endpoint"`
	Records    int    `json:"records"`
	Tombstones int    `json:"tombstones"`
}
