package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

// DefaultPollInterval is how often the sensor is read when not configured.
const DefaultPollInterval = time.Second

var (
	// ErrAlreadyOpen is returned by Open on an open controller.
	ErrAlreadyOpen = errors.New("device: controller already open")
	// ErrReopen is returned by Open after Close. Create a new controller.
	ErrReopen = errors.New("device: controller cannot be reopened")
)

// Config configures a Controller.
type Config struct {
	Port         PortConfig
	PollInterval time.Duration
	Invoker      protocol.InvokerConfig
	Logger       zerolog.Logger
}

type controllerState int

const (
	stateCreated controllerState = iota
	stateOpen
	stateClosed
)

// Controller owns the connection to one sensor. Every command, including
// the periodic sensor reads, goes through a single dispatcher so only one
// frame is ever in flight.
//
// A Controller is single use: once closed it cannot be opened again.
type Controller struct {
	cfg       Config
	open      Opener
	log       zerolog.Logger
	observers observerList

	mu       sync.Mutex
	state    controllerState
	port     protocol.Port
	sched    *scheduler
	poller   *poller
	interval time.Duration
	done     chan struct{}
}

// New returns a closed controller. A nil opener selects OpenSerial.
func New(cfg Config, open Opener) *Controller {
	if open == nil {
		open = OpenSerial
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Invoker.Classify == nil {
		cfg.Invoker.Classify = ClassifySerialError
	}
	return &Controller{
		cfg:      cfg,
		open:     open,
		log:      cfg.Logger.With().Str("component", "controller").Logger(),
		interval: cfg.PollInterval,
		done:     make(chan struct{}),
	}
}

// Open connects to portName (or the configured port when empty) and starts
// the dispatcher and the poller. A failed Open may be retried.
func (c *Controller) Open(portName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return ErrAlreadyOpen
	case stateClosed:
		return ErrReopen
	}

	pc := c.cfg.Port
	if portName != "" {
		pc.Name = portName
	}
	port, err := c.open(pc)
	if err != nil {
		return err
	}

	ic := c.cfg.Invoker
	ic.Logger = c.cfg.Logger
	inv := protocol.NewInvoker(port, ic)

	c.port = port
	c.sched = newScheduler(inv, c.cfg.Logger, schedulerHooks{
		timedOut: func(*Task) { c.observers.deviceTimedOut() },
		fault: func(_ *Task, fe *protocol.FaultError) {
			c.observers.connectionFault(fe.Kind, fe)
		},
	})
	c.poller = newPoller(c.interval, c.pollLoop)
	c.state = stateOpen

	c.sched.start()
	c.poller.start()
	c.log.Info().Str("port", pc.Name).Dur("poll_interval", c.interval).Msg("opened")
	return nil
}

// Close stops polling, lets the running command finish, cancels queued
// commands with ErrNotConnected and releases the port. It blocks until the
// dispatcher has exited, so it must not be called from an observer or a
// task callback.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	c.mu.Unlock()

	c.poller.stop()
	c.sched.shutdown()
	err := c.port.Close()
	close(c.done)
	if err != nil {
		c.log.Warn().Err(err).Msg("closed with error")
		return fmt.Errorf("device: close port: %w", err)
	}
	c.log.Info().Msg("closed")
	return nil
}

func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Done is closed once Close has completed.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) AddObserver(o Observer) ObserverID { return c.observers.add(o) }

// RemoveObserver reports whether id was registered.
func (c *Controller) RemoveObserver(id ObserverID) bool { return c.observers.remove(id) }

// Submit queues fn with parameter p. It fails with ErrNotConnected, without
// queuing anything, unless the controller is open.
func Submit[P protocol.Parameter, R protocol.Result](c *Controller, fn *protocol.Function[P, R], p P) (*Pending[R], error) {
	return submit(c, fn, p, nil, nil)
}

func submit[P protocol.Parameter, R protocol.Result](c *Controller, fn *protocol.Function[P, R], p P, onResult func(R), onTimeout func()) (*Pending[R], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return nil, fmt.Errorf("device: %s: %w", fn, protocol.ErrNotConnected)
	}
	t, pend, err := newTask(fn, p, onResult, onTimeout)
	if err != nil {
		return nil, err
	}
	if !c.sched.submit(t) {
		return nil, fmt.Errorf("device: %s: %w", fn, protocol.ErrNotConnected)
	}
	return pend, nil
}

// SetClock sets the device clock to epoch seconds.
func (c *Controller) SetClock(epoch int32, onTimeout func()) (*Pending[*protocol.VoidResult], error) {
	return submit(c, protocol.SetClock, protocol.Int32(epoch), nil, onTimeout)
}

// SetThreshold sets the device temperature limit.
func (c *Controller) SetThreshold(limit float32, onResult func(), onTimeout func()) (*Pending[*protocol.VoidResult], error) {
	var cb func(*protocol.VoidResult)
	if onResult != nil {
		cb = func(*protocol.VoidResult) { onResult() }
	}
	return submit(c, protocol.SetThreshold, protocol.Float32(limit), cb, onTimeout)
}

// GetThreshold reads the device temperature limit.
func (c *Controller) GetThreshold(onResult func(limit float32), onTimeout func()) (*Pending[*protocol.FloatResult], error) {
	var cb func(*protocol.FloatResult)
	if onResult != nil {
		cb = func(r *protocol.FloatResult) { onResult(r.Value) }
	}
	return submit(c, protocol.GetThreshold, protocol.Void{}, cb, onTimeout)
}

// PollOnce queues a sensor read and waits for it. Observers get a
// SensorUpdate on success.
func (c *Controller) PollOnce(ctx context.Context) (protocol.SensorReading, error) {
	pend, err := submit(c, protocol.ReadSensor, protocol.Void{}, func(r *protocol.SensorReading) {
		c.observers.sensorUpdate(r.Temperature, r.Humidity)
	}, nil)
	if err != nil {
		return protocol.SensorReading{}, err
	}
	r, err := pend.Wait(ctx)
	if r == nil {
		return protocol.SensorReading{}, err
	}
	return *r, err
}

func (c *Controller) pollLoop(ctx context.Context) {
	_, err := c.PollOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, protocol.ErrNotConnected) {
		c.log.Debug().Err(err).Msg("poll failed")
	}
}

// PollInterval returns the current idle time between sensor reads.
func (c *Controller) PollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetPollInterval changes the idle time between sensor reads. The current
// idle wait is cut short; a read already on the wire is not affected.
// Non-positive values restore the default.
func (c *Controller) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
	if c.state == stateOpen {
		c.poller.setInterval(d)
	}
	c.log.Debug().Dur("poll_interval", d).Msg("poll interval changed")
}
