package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/attendsync/internal/kvstore"
	"github.com/agentworkforce/attendsync/internal/remote"
)

const (
	DefaultNamespace       = "default"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultBackoffMin      = 5 * time.Second
	DefaultBackoffMax      = 30 * time.Second
	DefaultProcessInterval = 2 * time.Second
	DefaultPollInterval    = 15 * time.Second

	keyRecords    = "records"
	keyTombstones = "tombstones"
	keyEndpoint   = "endpoint"
	keyQueue      = "queue"
)

// Transport is the remote record store as seen by the engine.
type Transport interface {
	Write(ctx context.Context, endpoint string, payload remote.Payload) error
	Snapshot(ctx context.Context, endpoint string) ([]remote.Item, error)
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	Namespace       string
	Clock           Clock
	Sleep           SleepFunc
	Logger          *slog.Logger
	Metrics         *Metrics
	RequestTimeout  time.Duration
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	ProcessInterval time.Duration
	PollInterval    time.Duration
	PollJitter      float64
}

func (o Options) withDefaults() Options {
	o.Namespace = strings.TrimSpace(o.Namespace)
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Clock == nil {
		o.Clock = ClockFunc(time.Now)
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
	if o.ProcessInterval <= 0 {
		o.ProcessInterval = DefaultProcessInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	o.PollJitter = clampJitterRatio(o.PollJitter)
	return o
}

// Engine owns the local record store, tombstone set, mutation queue and
// endpoint. One mutex guards all four; network calls and sleeps happen
// outside it.
type Engine struct {
	store     kvstore.Store
	transport Transport
	opts      Options
	log       *slog.Logger
	metrics   *Metrics
	backoff   *backoffWindow

	mu         sync.Mutex
	records    *recordStore
	tombstones *tombstoneSet
	queue      *mutationQueue
	endpoint   string

	busy   atomic.Bool
	closed atomic.Bool
	done   chan struct{}
	wake   chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// New loads persisted state from store. Unreadable blobs degrade to empty
// state with a warning. The engine does not close store.
func New(store kvstore.Store, transport Transport, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("attendance: store is required")
	}
	if transport == nil {
		return nil, errors.New("attendance: transport is required")
	}
	opts = opts.withDefaults()
	if !kvstore.ValidKey(opts.Namespace + "." + keyTombstones) {
		return nil, fmt.Errorf("attendance: invalid namespace %q", opts.Namespace)
	}
	e := &Engine{
		store:     store,
		transport: transport,
		opts:      opts,
		log:       opts.Logger.With("namespace", opts.Namespace),
		metrics:   opts.Metrics,
		backoff:   newBackoffWindow(opts.BackoffMin, opts.BackoffMax),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		subs:      make(map[int]chan struct{}),
	}
	e.load()
	return e, nil
}

func (e *Engine) key(name string) string {
	return e.opts.Namespace + "." + name
}

func (e *Engine) persister(name string) persistFunc {
	key := e.key(name)
	return func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if err := e.store.Set(key, data); err != nil {
			return fmt.Errorf("persist %s: %w", key, err)
		}
		return nil
	}
}

func loadBlob[T any](e *Engine, name string) T {
	var zero T
	key := e.key(name)
	raw, ok, err := e.store.Get(key)
	if err != nil {
		e.log.Warn("state unreadable, starting empty", "key", key, "error", err)
		return zero
	}
	if !ok || len(raw) == 0 {
		return zero
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		e.log.Warn("state corrupt, starting empty", "key", key, "error", err)
		return zero
	}
	return value
}

func (e *Engine) load() {
	tombstoned := normalizeIDs(loadBlob[[]string](e, keyTombstones))
	e.tombstones = newTombstoneSet(tombstoned, e.persister(keyTombstones))

	stored := loadBlob[[]Record](e, keyRecords)
	records := make([]Record, 0, len(stored))
	seen := make(map[string]struct{}, len(stored))
	for _, record := range stored {
		record.StudentID = NormalizeID(record.StudentID)
		if record.StudentID == "" || e.tombstones.Contains(record.StudentID) {
			continue
		}
		if _, dup := seen[record.StudentID]; dup {
			continue
		}
		seen[record.StudentID] = struct{}{}
		if !record.Status.Valid() {
			record.Status = remoteStatus(string(record.Status))
		}
		records = append(records, record)
	}
	e.records = newRecordStore(nil, e.persister(keyRecords))
	if len(records) != len(stored) {
		// An interrupted Remove leaves an id in both blobs. The tombstone wins.
		if err := e.records.ReplaceAll(records); err != nil {
			e.log.Warn("rewrite records after load failed", "error", err)
			e.records.items = records
		}
	} else {
		e.records.items = records
	}

	tasks := loadBlob[[]MutationTask](e, keyQueue)
	e.queue = newMutationQueue(tasks, e.persister(keyQueue))

	endpoint := loadBlob[string](e, keyEndpoint)
	if err := validateEndpoint(endpoint); err != nil {
		e.log.Warn("stored endpoint invalid, ignoring", "endpoint", endpoint, "error", err)
		endpoint = ""
	}
	e.endpoint = endpoint

	e.log.Info("state loaded",
		"records", e.records.Len(),
		"tombstones", e.tombstones.Len(),
		"pending", e.queue.Len(),
		"endpoint_set", e.endpoint != "",
	)
	e.observeStateLocked()
}

// Mark records one student locally and queues the remote write. A previously
// removed id becomes visible again.
func (e *Engine) Mark(in MarkInput) (Record, error) {
	id := NormalizeID(in.StudentID)
	if id == "" {
		return Record{}, &ValidationError{Field: "studentId", Err: ErrMissingIdentifier}
	}
	status, err := ParseStatus(in.Status)
	if err != nil {
		return Record{}, &ValidationError{Field: "status", Err: err}
	}
	record := Record{
		StudentID:     id,
		Name:          NormalizeName(in.Name),
		Email:         NormalizeEmail(in.Email),
		Status:        status,
		LastChangedAt: e.now(),
	}
	task := e.newTask(record)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return Record{}, ErrClosed
	}
	prevRecords := e.records.List()
	wasTombstoned := e.tombstones.Contains(id)

	if err := e.tombstones.Remove(id); err != nil {
		return Record{}, e.actionFailed("mark", err)
	}
	if err := e.records.Upsert(record); err != nil {
		e.rollback(nil, wasTombstoned, id)
		return Record{}, e.actionFailed("mark", err)
	}
	if err := e.queue.Enqueue(task); err != nil {
		e.rollback(prevRecords, wasTombstoned, id)
		return Record{}, e.actionFailed("mark", err)
	}
	e.log.Debug("marked", "student_id", id, "status", status, "task_id", task.ID)
	e.changedLocked(true)
	return record, nil
}

// BulkUpdateStatus changes status in place for every listed id that is
// visible and queues one write per updated record.
func (e *Engine) BulkUpdateStatus(ids []string, status Status) ([]Record, error) {
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Err: fmt.Errorf("%w: %q", ErrInvalidStatus, status)}
	}
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	prevRecords := e.records.List()
	updated, err := e.records.UpdateStatus(ids, status)
	if err != nil {
		return nil, e.actionFailed("bulk update", err)
	}
	if len(updated) == 0 {
		return nil, nil
	}
	tasks := make([]MutationTask, len(updated))
	for i, record := range updated {
		tasks[i] = e.newTask(record)
	}
	if err := e.queue.Enqueue(tasks...); err != nil {
		e.rollback(prevRecords, false, "")
		return nil, e.actionFailed("bulk update", err)
	}
	e.log.Debug("bulk status update", "count", len(updated), "status", status)
	e.changedLocked(true)
	return updated, nil
}

// Remove hides ids locally and tombstones them so polls cannot restore them.
// Nothing is sent to the remote store.
func (e *Engine) Remove(ids []string) error {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	return e.removeLocked(ids)
}

// Clear tombstones every visible id and empties the store. Pending tasks
// stay queued.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	return e.removeLocked(e.records.IDs())
}

func (e *Engine) removeLocked(ids []string) error {
	prevTombstones := e.tombstones.List()
	// Tombstones are written first so a crash between the two writes
	// converges on load.
	if err := e.tombstones.Add(ids); err != nil {
		return e.actionFailed("remove", err)
	}
	if err := e.records.Delete(ids); err != nil {
		if restoreErr := e.tombstones.commit(idSet(prevTombstones)); restoreErr != nil {
			e.log.Error("restore tombstones failed", "error", restoreErr)
		}
		return e.actionFailed("remove", err)
	}
	e.log.Debug("removed", "count", len(ids))
	e.changedLocked(false)
	return nil
}

// SetEndpoint configures the remote record store URL. Empty disables sync.
func (e *Engine) SetEndpoint(raw string) error {
	endpoint := strings.TrimSpace(raw)
	if err := validateEndpoint(endpoint); err != nil {
		return &ValidationError{Field: "endpoint", Err: err}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if endpoint == e.endpoint {
		return nil
	}
	if err := e.persister(keyEndpoint)(endpoint); err != nil {
		return e.actionFailed("set endpoint", err)
	}
	e.endpoint = endpoint
	e.log.Info("endpoint updated", "endpoint_set", endpoint != "")
	e.changedLocked(true)
	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http or https URL", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

func (e *Engine) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

func (e *Engine) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records.List()
}

func (e *Engine) Tombstones() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tombstones.List()
}

func (e *Engine) PendingTasks() []MutationTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Snapshot()
}

// PendingCount is the number of writes not yet acknowledged. Callers use it
// to warn before shutting down with unsynced data.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

func (e *Engine) Busy() bool {
	return e.busy.Load()
}

func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStatus{
		Pending:    e.queue.Len(),
		Busy:       e.busy.Load(),
		Endpoint:   e.endpoint,
		Records:    e.records.Len(),
		Tombstones: e.tombstones.Len(),
	}
}

// Subscribe returns a channel that receives a value after state changes.
// Notifications coalesce. The channel is closed when the engine closes.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.subsMu.Lock()
	if e.closed.Load() {
		e.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(ch)
			}
			e.subsMu.Unlock()
		})
	}
}

func (e *Engine) notify() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Flush wakes the processor loop without waiting for its ticker.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.signalWake()
	return nil
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the processor and reconciler loops until ctx ends or Close is
// called.
func (e *Engine) Run(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.log.Info("sync loops starting",
		"process_interval", e.opts.ProcessInterval,
		"poll_interval", e.opts.PollInterval,
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.runProcessor(gctx) })
	g.Go(func() error { return e.runReconciler(gctx) })
	err := g.Wait()
	e.log.Info("sync loops stopped", "pending", e.PendingCount())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) runProcessor(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.ProcessInterval)
	defer ticker.Stop()
	for {
		if err := e.Drain(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			var delivery *TransientDeliveryError
			if !errors.As(err, &delivery) {
				e.log.Error("processor iteration failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

func (e *Engine) runReconciler(ctx context.Context) error {
	rng := rand.New(rand.NewSource(e.now().UnixNano()))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		_ = e.PollOnce(ctx)
		timer.Reset(jitteredIntervalWithSample(e.opts.PollInterval, e.opts.PollJitter, rng.Float64()))
	}
}

// Close tears the engine down. Later actions return ErrClosed and in-flight
// loop iterations discard their results.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.subsMu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.subsMu.Unlock()
	return nil
}

func (e *Engine) tornDown(ctx context.Context) bool {
	return e.closed.Load() || ctx.Err() != nil
}

func (e *Engine) newTask(record Record) MutationTask {
	return MutationTask{
		ID: uuid.NewString(),
		Payload: remote.Payload{
			StudentID: record.StudentID,
			Name:      record.Name,
			Email:     record.Email,
			Status:    string(record.Status),
		},
		EnqueuedAt: e.now(),
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Clock.Now()
}

func (e *Engine) changedLocked(wake bool) {
	e.observeStateLocked()
	if wake {
		e.signalWake()
	}
	e.notify()
}

func (e *Engine) observeStateLocked() {
	e.metrics.setState(e.queue.Len(), e.records.Len(), e.tombstones.Len())
}

func (e *Engine) actionFailed(action string, err error) error {
	e.log.Error("action failed", "action", action, "error", err)
	return err
}

// rollback restores records (when prev is non-nil) and re-adds a tombstone
// that an aborted mark removed.
func (e *Engine) rollback(prev []Record, retombstone bool, id string) {
	if prev != nil {
		if err := e.records.ReplaceAll(prev); err != nil {
			e.log.Error("restore records failed", "error", err)
		}
	}
	if retombstone {
		if err := e.tombstones.Add([]string{id}); err != nil {
			e.log.Error("restore tombstone failed", "student_id", id, "error", err)
		}
	}
}
