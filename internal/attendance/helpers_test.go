package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/attendsync/internal/kvstore"
	"github.com/agentworkforce/attendsync/internal/remote"
)

var (
	testNow      = time.Date(2024, 9, 2, 8, 30, 0, 0, time.UTC)
	testEndpoint = "https://records.example.test/exec"
	errOffline   = errors.New("network unreachable")
)

type fakeTransport struct {
	mu sync.Mutex

	writeErrs []error
	writes    []remote.Payload
	onWrite   func(call int)

	snapshot     []remote.Item
	snapshotErr  error
	snapshots    int
	onSnapshot   func()
	alwaysFailed bool
}

func (f *fakeTransport) Write(ctx context.Context, endpoint string, payload remote.Payload) error {
	f.mu.Lock()
	f.writes = append(f.writes, payload)
	call := len(f.writes)
	var err error
	if f.alwaysFailed {
		err = errOffline
	} else if len(f.writeErrs) > 0 {
		err = f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
	}
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return err
}

func (f *fakeTransport) Snapshot(ctx context.Context, endpoint string) ([]remote.Item, error) {
	f.mu.Lock()
	f.snapshots++
	items, err, hook := f.snapshot, f.snapshotErr, f.onSnapshot
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return items, err
}

func (f *fakeTransport) Writes() []remote.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Payload, len(f.writes))
	copy(out, f.writes)
	return out
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// failingStore wraps a Store and fails Set for keys in failKeys.
type failingStore struct {
	kvstore.Store
	mu       sync.Mutex
	failKeys map[string]bool
}

func (s *failingStore) Set(key string, value []byte) error {
	s.mu.Lock()
	fail := s.failKeys[key]
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Set(key, value)
}

func (s *failingStore) failOn(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKeys = make(map[string]bool, len(keys))
	for _, key := range keys {
		s.failKeys[key] = true
	}
}

type testEngine struct {
	*Engine
	transport *fakeTransport
	sleeper   *recordingSleeper
	store     kvstore.Store
}

func newTestEngine(t *testing.T, store kvstore.Store, transport *fakeTransport) *testEngine {
	t.Helper()
	if store == nil {
		store = kvstore.NewMemoryStore()
	}
	if transport == nil {
		transport = &fakeTransport{}
	}
	sleeper := &recordingSleeper{}
	engine, err := New(store, transport, Options{
		Clock:      ClockFunc(func() time.Time { return testNow }),
		Sleep:      sleeper.Sleep,
		BackoffMin: 5 * time.Second,
		BackoffMax: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return &testEngine{Engine: engine, transport: transport, sleeper: sleeper, store: store}
}

func (te *testEngine) mark(t *testing.T, id, status string) Record {
	t.Helper()
	record, err := te.Mark(MarkInput{StudentID: id, Name: "Student " + id, Email: id + "@school.test", Status: status})
	require.NoError(t, err)
	return record
}

func item(id, name, email, status string) remote.Item {
	return remote.Item{
		StudentID: remote.Text(id),
		Name:      remote.Text(name),
		Email:     remote.Text(email),
		Status:    remote.Text(status),
	}
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.StudentID
	}
	return out
}

func taskIDs(tasks []MutationTask) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
