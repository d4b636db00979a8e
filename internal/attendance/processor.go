package attendance

import (
	"context"
	"time"
)

// Attempt reports what one ProcessOnce call did.
type Attempt int

const (
	AttemptSkippedBusy Attempt = iota
	AttemptSkippedNoEndpoint
	AttemptSkippedEmpty
	AttemptDelivered
	AttemptFailed
	AttemptAborted
)

func (a Attempt) String() string {
	switch a {
	case AttemptSkippedBusy:
		return "skipped_busy"
	case AttemptSkippedNoEndpoint:
		return "skipped_no_endpoint"
	case AttemptSkippedEmpty:
		return "skipped_empty"
	case AttemptDelivered:
		return "delivered"
	case AttemptFailed:
		return "failed"
	case AttemptAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ProcessOnce sends the head task once. On failure the task stays at the
// head and the call sleeps a jittered backoff before returning a
// *TransientDeliveryError. Only one call runs at a time; concurrent callers
// get AttemptSkippedBusy.
func (e *Engine) ProcessOnce(ctx context.Context) (Attempt, error) {
	if e.tornDown(ctx) {
		return AttemptAborted, e.stopCause(ctx)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return AttemptSkippedBusy, nil
	}
	e.notify()
	defer func() {
		e.busy.Store(false)
		e.notify()
	}()

	e.mu.Lock()
	endpoint := e.endpoint
	task, ok := e.queue.Head()
	e.mu.Unlock()
	if endpoint == "" {
		return AttemptSkippedNoEndpoint, nil
	}
	if !ok {
		return AttemptSkippedEmpty, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	started := time.Now()
	err := e.transport.Write(reqCtx, endpoint, task.Payload)
	cancel()
	elapsed := time.Since(started)

	if e.tornDown(ctx) {
		e.log.Debug("delivery result discarded after teardown", "task_id", task.ID)
		return AttemptAborted, e.stopCause(ctx)
	}
	if err != nil {
		failure := &TransientDeliveryError{TaskID: task.ID, Err: err}
		delay := e.backoff.Next()
		e.metrics.observeDelivery("failure", elapsed)
		e.log.Warn("delivery failed, backing off",
			"task_id", task.ID,
			"student_id", task.Payload.StudentID,
			"delay", delay,
			"error", err,
		)
		if sleepErr := e.opts.Sleep(ctx, delay); sleepErr != nil {
			return AttemptAborted, sleepErr
		}
		return AttemptFailed, failure
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tornDown(ctx) {
		return AttemptAborted, e.stopCause(ctx)
	}
	acked, ackErr := e.queue.Ack(task.ID)
	if ackErr != nil {
		// The write landed but the ack did not persist. The task will be
		// resent, which the remote upsert absorbs.
		e.log.Error("ack task failed", "task_id", task.ID, "error", ackErr)
		return AttemptFailed, ackErr
	}
	e.metrics.observeDelivery("success", elapsed)
	e.log.Debug("task delivered", "task_id", task.ID, "student_id", task.Payload.StudentID, "acked", acked)
	e.observeStateLocked()
	e.notify()
	return AttemptDelivered, nil
}

// Drain calls ProcessOnce until the queue is empty, an attempt fails or ctx
// ends. The failure, if any, is returned.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		attempt, err := e.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if attempt != AttemptDelivered {
			return nil
		}
	}
}

func (e *Engine) stopCause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}
