package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

// schedulerHooks report task outcomes back to the controller.
type schedulerHooks struct {
	timedOut func(t *Task)
	fault    func(t *Task, fe *protocol.FaultError)
}

// scheduler runs queued tasks one at a time, in submission order, on a
// single dispatcher goroutine. Callbacks run on that goroutine too.
type scheduler struct {
	inv   *protocol.Invoker
	queue *taskQueue
	log   zerolog.Logger
	hooks schedulerHooks

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newScheduler(inv *protocol.Invoker, log zerolog.Logger, hooks schedulerHooks) *scheduler {
	return &scheduler{
		inv:   inv,
		queue: newTaskQueue(),
		log:   log.With().Str("component", "scheduler").Logger(),
		hooks: hooks,
		stop:  make(chan struct{}),
	}
}

func (s *scheduler) start() {
	s.wg.Add(1)
	go s.dispatch()
}

func (s *scheduler) submit(t *Task) bool {
	t.Enqueued = time.Now()
	if !s.queue.Enqueue(t) {
		return false
	}
	s.log.Debug().Str("task", t.ID.String()).Str("fn", t.Func.Name).Msg("queued")
	return true
}

func (s *scheduler) dispatch() {
	defer s.wg.Done()
	for {
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			t, ok := s.queue.TryDequeue()
			if !ok {
				break
			}
			s.execute(t)
		}
		select {
		case <-s.stop:
			return
		case <-s.queue.Wait():
		}
	}
}

func (s *scheduler) execute(t *Task) {
	t.state.Store(int32(TaskRunning))
	log := s.log.With().Str("task", t.ID.String()).Str("fn", t.Func.Name).Logger()
	log.Debug().Dur("queued_for", time.Since(t.Enqueued)).Msg("running")

	resp, err := s.inv.Exchange(t.Func, t.Payload)
	if err == nil {
		err = t.decode(resp)
	}

	var fe *protocol.FaultError
	switch {
	case err == nil:
		if t.onResult != nil {
			t.onResult()
		}
		t.finish(TaskCompleted, nil)
	case errors.Is(err, protocol.ErrDeviceTimeout):
		log.Warn().Err(err).Msg("device timed out")
		if t.onTimeout != nil {
			t.onTimeout()
		}
		if s.hooks.timedOut != nil {
			s.hooks.timedOut(t)
		}
		t.finish(TaskTimedOut, err)
	default:
		log.Error().Err(err).Msg("invocation failed")
		if errors.As(err, &fe) && s.hooks.fault != nil {
			s.hooks.fault(t, fe)
		}
		t.finish(TaskFailed, err)
	}
}

// shutdown stops the dispatcher after the running task, if any, and
// cancels everything still queued. Must not be called from a callback.
func (s *scheduler) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		rest := s.queue.Close()
		for _, t := range rest {
			t.finish(TaskCancelled, fmt.Errorf("%s: %w", t.Func, protocol.ErrNotConnected))
		}
		if len(rest) > 0 {
			s.log.Debug().Int("cancelled", len(rest)).Msg("queue drained")
		}
	})
}

// poller calls poll, then idles for the interval, until stopped. Changing
// the interval cuts the current idle wait short; it never interrupts poll.
type poller struct {
	interval atomic.Int64
	wake     chan struct{}
	poll     func(ctx context.Context)
	cancel   context.CancelFunc
	done     chan struct{}
}

func newPoller(interval time.Duration, poll func(ctx context.Context)) *poller {
	p := &poller{
		wake: make(chan struct{}, 1),
		poll: poll,
		done: make(chan struct{}),
	}
	p.interval.Store(int64(interval))
	return p
}

func (p *poller) Interval() time.Duration { return time.Duration(p.interval.Load()) }

func (p *poller) setInterval(d time.Duration) {
	p.interval.Store(int64(d))
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *poller) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	for {
		p.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *poller) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}
