package attendance

import (
	"context"
	"time"

	"github.com/agentworkforce/attendsync/internal/remote"
)

// PollOnce fetches the remote snapshot and merges it into the local store.
// A failed fetch leaves state untouched and returns a *PollFailure.
func (e *Engine) PollOnce(ctx context.Context) error {
	if e.tornDown(ctx) {
		return e.stopCause(ctx)
	}
	e.mu.Lock()
	endpoint := e.endpoint
	e.mu.Unlock()
	if endpoint == "" {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	items, err := e.transport.Snapshot(reqCtx, endpoint)
	cancel()
	if e.tornDown(ctx) {
		return e.stopCause(ctx)
	}
	if err != nil {
		e.metrics.observePoll("failure")
		e.log.Warn("poll failed", "error", err)
		return &PollFailure{Err: err}
	}

	// The store is read only now so marks made during the fetch are kept.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tornDown(ctx) {
		return e.stopCause(ctx)
	}
	current := e.records.List()
	merged := Merge(current, e.tombstones.Set(), items, e.now())
	e.metrics.observePoll("success")
	if sameRecords(current, merged) {
		return nil
	}
	if err := e.records.ReplaceAll(merged); err != nil {
		e.log.Error("install merged snapshot failed", "error", err)
		return err
	}
	e.log.Debug("snapshot merged", "remote_items", len(items), "records", len(merged))
	e.observeStateLocked()
	e.notify()
	return nil
}

// Merge folds a remote snapshot into local records. Remote content wins for
// name, email and status; an existing local entry keeps its lastChangedAt.
// Tombstoned ids and items without an id are skipped. Existing entries keep
// their position and remote-only entries follow in remote order.
//
// A poll that lands before a pending local change is delivered reverts that
// change until the next poll after delivery.
func Merge(local []Record, tombstoned map[string]struct{}, items []remote.Item, now time.Time) []Record {
	out := make([]Record, len(local))
	copy(out, local)
	index := make(map[string]int, len(out)+len(items))
	for i, record := range out {
		index[record.StudentID] = i
	}
	for _, item := range items {
		id := NormalizeID(item.StudentID.String())
		if id == "" {
			continue
		}
		if _, skip := tombstoned[id]; skip {
			continue
		}
		record := Record{
			StudentID: id,
			Name:      NormalizeName(item.Name.String()),
			Email:     NormalizeEmail(item.Email.String()),
			Status:    remoteStatus(item.Status.String()),
		}
		if i, ok := index[id]; ok {
			record.LastChangedAt = out[i].LastChangedAt
			out[i] = record
			continue
		}
		record.LastChangedAt = now
		if !item.Timestamp.IsZero() {
			record.LastChangedAt = item.Timestamp.Time
		}
		index[id] = len(out)
		out = append(out, record)
	}
	return out
}

func sameRecords(a, b []Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].StudentID != b[i].StudentID ||
			a[i].Name != b[i].Name ||
			a[i].Email != b[i].Email ||
			a[i].Status != b[i].Status ||
			!a[i].LastChangedAt.Equal(b[i].LastChangedAt) {
			return false
		}
	}
	return true
}
