package device

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

// TaskState tracks an invocation through the scheduler.
type TaskState int32

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskCompleted
	TaskTimedOut
	TaskFailed
	// TaskCancelled means the controller closed before the task ran.
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskTimedOut:
		return "timed-out"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Task is one queued invocation: the command, its encoded parameters and
// what to do with the outcome.
type Task struct {
	ID       uuid.UUID
	Func     protocol.Descriptor
	Payload  []byte
	Enqueued time.Time

	state     atomic.Int32
	decode    func(resp []byte) error
	onResult  func()
	onTimeout func()
	done      chan struct{}
	err       error
}

func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Done is closed after the task's callbacks have run.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is the invocation error. Only valid once Done is closed.
func (t *Task) Err() error { return t.err }

func (t *Task) finish(state TaskState, err error) {
	t.err = err
	t.state.Store(int32(state))
	close(t.done)
}

// Pending is the caller's handle on a submitted task.
type Pending[R protocol.Result] struct {
	task   *Task
	result R
}

func (p *Pending[R]) Task() *Task { return p.task }

// Wait blocks until the task finishes or ctx is done. After a device
// timeout the zero result is returned along with the error. Giving up on
// ctx does not remove the task from the queue.
func (p *Pending[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-p.task.done:
		return p.result, p.task.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func newTask[P protocol.Parameter, R protocol.Result](fn *protocol.Function[P, R], p P, onResult func(R), onTimeout func()) (*Task, *Pending[R], error) {
	payload := p.Encode(nil)
	if len(payload) > protocol.MaxPayload {
		return nil, nil, fmt.Errorf("device: %s: %w: %d bytes, max %d",
			fn, protocol.ErrPayloadTooLarge, len(payload), protocol.MaxPayload)
	}

	pend := &Pending[R]{result: fn.NewResult()}
	t := &Task{
		ID:        uuid.New(),
		Func:      fn.Descriptor(),
		Payload:   payload,
		onTimeout: onTimeout,
		done:      make(chan struct{}),
	}
	t.decode = func(resp []byte) error {
		r, err := protocol.Decode(fn, resp)
		pend.result = r
		return err
	}
	if onResult != nil {
		t.onResult = func() { onResult(pend.result) }
	}
	pend.task = t
	return t, pend, nil
}
