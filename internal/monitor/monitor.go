// Package monitor keeps a sensor connection alive and turns its events into
// readings, overheat alerts and status updates for the rest of the program.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/envmon/internal/device"
	"github.com/shaunagostinho/envmon/internal/protocol"
)

const (
	DefaultTimeoutLimit      = 5
	DefaultClockSyncInterval = time.Minute
	DefaultTempLimit         = 30

	defaultMinBackoff = time.Second
	defaultMaxBackoff = 60 * time.Second
	// connect failures past this count are logged without the attempt budget
	verboseAttempts = 10
)

var (
	errTooManyTimeouts = errors.New("monitor: too many consecutive device timeouts")
	errPortLost        = errors.New("monitor: serial port lost")
	errClosed          = errors.New("monitor: controller closed")
)

// Config configures a Monitor.
type Config struct {
	Port   string
	Device device.Config
	Opener device.Opener
	// TimeoutLimit consecutive timeouts close the connection.
	TimeoutLimit      int
	ClockSyncInterval time.Duration
	// TempLimit is the overheat limit used until the device reports its own.
	TempLimit  float32
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.TimeoutLimit <= 0 {
		c.TimeoutLimit = DefaultTimeoutLimit
	}
	if c.ClockSyncInterval <= 0 {
		c.ClockSyncInterval = DefaultClockSyncInterval
	}
	if c.TempLimit == 0 {
		c.TempLimit = DefaultTempLimit
	}
	if c.Device.PollInterval <= 0 {
		c.Device.PollInterval = device.DefaultPollInterval
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Monitor owns the device controller for the lifetime of the program. A
// controller cannot be reopened, so every reconnect builds a new one.
type Monitor struct {
	cfg     Config
	base    zerolog.Logger
	log     zerolog.Logger
	metrics *Metrics
	hub     hub

	mu         sync.Mutex
	ctrl       *device.Controller
	sess       *session
	threshold  float32
	overheated bool
	last       *Reading
	pollEvery  time.Duration
	clockEvery time.Duration

	clockWake chan struct{}
}

// New returns a monitor. Call Run to connect. A nil metrics records into
// unregistered series.
func New(cfg Config, log zerolog.Logger, metrics *Metrics) *Monitor {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	m := &Monitor{
		cfg:        cfg,
		base:       log,
		log:        log.With().Str("component", "monitor").Logger(),
		metrics:    metrics,
		threshold:  cfg.TempLimit,
		pollEvery:  cfg.Device.PollInterval,
		clockEvery: cfg.ClockSyncInterval,
		clockWake:  make(chan struct{}, 1),
	}
	metrics.Threshold.Set(float64(cfg.TempLimit))
	return m
}

// Run connects, supervises and reconnects with exponential backoff until
// ctx is cancelled. The connection is closed before Run returns.
func (m *Monitor) Run(ctx context.Context) {
	delay := m.cfg.MinBackoff
	attempt := 0

	for ctx.Err() == nil {
		ctrl, sess, err := m.connect()
		if err != nil {
			attempt++
			ev := m.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay)
			if attempt <= verboseAttempts {
				ev = ev.Int("of", verboseAttempts)
			}
			ev.Msg("connect failed")

			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, m.cfg.MaxBackoff)
			continue
		}
		m.log.Info().Str("port", m.cfg.Port).Int("attempt", attempt+1).Msg("connected")
		attempt = 0
		delay = m.cfg.MinBackoff

		reason := m.supervise(ctx, ctrl, sess)
		m.disconnect(ctrl)
		if ctx.Err() != nil {
			return
		}
		m.metrics.Reconnects.Inc()
		m.log.Warn().Err(reason).Dur("retry_in", delay).Msg("connection dropped")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (m *Monitor) connect() (*device.Controller, *session, error) {
	m.mu.Lock()
	dc := m.cfg.Device
	dc.PollInterval = m.pollEvery
	m.mu.Unlock()
	dc.Logger = m.base

	ctrl := device.New(dc, m.cfg.Opener)
	sess := newSession(m, m.cfg.TimeoutLimit)
	ctrl.AddObserver(sess)
	if err := ctrl.Open(m.cfg.Port); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.ctrl = ctrl
	m.sess = sess
	m.mu.Unlock()
	m.metrics.Connected.Set(1)
	m.publishStatus()

	_, err := ctrl.GetThreshold(func(limit float32) {
		sess.resetTimeouts()
		m.setThreshold(limit)
	}, func() {
		m.log.Warn().Msg("reading threshold timed out")
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("reading threshold failed")
	}
	return ctrl, sess, nil
}

func (m *Monitor) supervise(ctx context.Context, ctrl *device.Controller, sess *session) error {
	m.syncClock(ctrl)

	m.mu.Lock()
	every := m.clockEvery
	m.mu.Unlock()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.tripped:
			return sess.reason
		case <-ctrl.Done():
			return errClosed
		case <-m.clockWake:
			m.mu.Lock()
			every = m.clockEvery
			m.mu.Unlock()
			ticker.Reset(every)
			m.syncClock(ctrl)
		case <-ticker.C:
			m.syncClock(ctrl)
		}
	}
}

func (m *Monitor) disconnect(ctrl *device.Controller) {
	m.mu.Lock()
	m.ctrl = nil
	m.sess = nil
	m.mu.Unlock()

	if err := ctrl.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close failed")
	}
	m.metrics.Connected.Set(0)
	m.publishStatus()
}

// syncClock sends the current time plus one second, the moment the frame
// is expected to land.
func (m *Monitor) syncClock(ctrl *device.Controller) {
	epoch := int32(time.Now().Unix() + 1)
	_, err := ctrl.SetClock(epoch, func() {
		m.log.Warn().Msg("clock sync timed out")
	})
	if err != nil {
		m.log.Debug().Err(err).Msg("clock sync not sent")
	}
}

func (m *Monitor) handleReading(temp, humidity float32) {
	r := Reading{Temperature: temp, Humidity: humidity, Time: time.Now()}

	m.mu.Lock()
	m.last = &r
	alert := m.checkOverheat()
	m.mu.Unlock()

	m.metrics.Readings.Inc()
	m.metrics.Temperature.Set(float64(temp))
	m.metrics.Humidity.Set(float64(humidity))
	m.hub.publish(Event{Kind: EventReading, Reading: &r})
	m.publishAlert(alert)
}

// checkOverheat compares the last reading with the limit and returns an
// alert when the overheated state flips. Callers hold m.mu.
func (m *Monitor) checkOverheat() *Alert {
	if m.last == nil {
		return nil
	}
	temp, limit := m.last.Temperature, m.threshold
	switch {
	case temp >= limit && !m.overheated:
		m.overheated = true
	case temp < limit && m.overheated:
		m.overheated = false
	default:
		return nil
	}
	return &Alert{Overheated: m.overheated, Temperature: temp, Humidity: m.last.Humidity, Limit: limit}
}

func (m *Monitor) publishAlert(alert *Alert) {
	if alert == nil {
		return
	}
	if alert.Overheated {
		m.metrics.Alerts.Inc()
		m.metrics.Overheated.Set(1)
		m.log.Warn().Float32("temperature", alert.Temperature).Float32("humidity", alert.Humidity).
			Float32("limit", alert.Limit).Msg("temperature over limit")
	} else {
		m.metrics.Overheated.Set(0)
		m.log.Info().Float32("temperature", alert.Temperature).Float32("limit", alert.Limit).
			Msg("temperature back under limit")
	}
	m.hub.publish(Event{Kind: EventAlert, Alert: alert})
}

// setThreshold caches limit and re-checks the last reading against it.
func (m *Monitor) setThreshold(limit float32) {
	m.mu.Lock()
	m.threshold = limit
	alert := m.checkOverheat()
	m.mu.Unlock()

	m.metrics.Threshold.Set(float64(limit))
	m.publishAlert(alert)
	m.publishStatus()
}

func (m *Monitor) publishStatus() {
	st := m.Status()
	m.hub.publish(Event{Kind: EventStatus, Status: &st})
}

func (m *Monitor) controller() (*device.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctrl == nil {
		return nil, fmt.Errorf("monitor: %w", protocol.ErrNotConnected)
	}
	return m.ctrl, nil
}

// SetThreshold stores limit on the device and, once acknowledged, uses it
// for overheat alerts.
func (m *Monitor) SetThreshold(ctx context.Context, limit float32) error {
	ctrl, err := m.controller()
	if err != nil {
		return err
	}
	pend, err := ctrl.SetThreshold(limit, func() { m.setThreshold(limit) }, nil)
	if err != nil {
		return err
	}
	_, err = pend.Wait(ctx)
	return err
}

// ReadThreshold asks the device for its limit and refreshes the cache.
func (m *Monitor) ReadThreshold(ctx context.Context) (float32, error) {
	ctrl, err := m.controller()
	if err != nil {
		return 0, err
	}
	pend, err := ctrl.GetThreshold(m.setThreshold, nil)
	if err != nil {
		return 0, err
	}
	r, err := pend.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// SyncClock sets the device clock now instead of waiting for the next tick.
// It returns the epoch that was sent.
func (m *Monitor) SyncClock(ctx context.Context) (int32, error) {
	ctrl, err := m.controller()
	if err != nil {
		return 0, err
	}
	epoch := int32(time.Now().Unix() + 1)
	pend, err := ctrl.SetClock(epoch, nil)
	if err != nil {
		return 0, err
	}
	_, err = pend.Wait(ctx)
	return epoch, err
}

// SetPollInterval applies to the current connection and the ones after it.
func (m *Monitor) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = device.DefaultPollInterval
	}
	m.mu.Lock()
	m.pollEvery = d
	ctrl := m.ctrl
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.SetPollInterval(d)
	}
	m.publishStatus()
}

// SetClockSyncInterval restarts the clock sync timer with d, syncing once
// right away.
func (m *Monitor) SetClockSyncInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultClockSyncInterval
	}
	m.mu.Lock()
	m.clockEvery = d
	m.mu.Unlock()
	select {
	case m.clockWake <- struct{}{}:
	default:
	}
	m.publishStatus()
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Connected:           m.ctrl != nil,
		Port:                m.cfg.Port,
		Threshold:           m.threshold,
		Overheated:          m.overheated,
		PollIntervalMs:      m.pollEvery.Milliseconds(),
		ClockSyncIntervalMs: m.clockEvery.Milliseconds(),
	}
	if m.sess != nil {
		st.Timeouts = m.sess.timeouts.Load()
	}
	if m.last != nil {
		last := *m.last
		st.Last = &last
	}
	return st
}

// Subscribe returns a channel of events and a func that ends the
// subscription. Events are dropped when the buffer is full.
func (m *Monitor) Subscribe(buf int) (<-chan Event, func()) {
	return m.hub.subscribe(buf)
}

// session observes one controller. Its callbacks run on that controller's
// dispatcher, so instead of closing the controller they trip a channel the
// supervisor waits on.
type session struct {
	m        *Monitor
	limit    int32
	timeouts atomic.Int32

	tripOnce sync.Once
	tripped  chan struct{}
	reason   error
}

func newSession(m *Monitor, limit int) *session {
	return &session{m: m, limit: int32(limit), tripped: make(chan struct{})}
}

func (s *session) SensorUpdate(temperature, humidity float32) {
	s.resetTimeouts()
	s.m.handleReading(temperature, humidity)
}

func (s *session) DeviceTimedOut() {
	n := s.timeouts.Add(1)
	s.m.metrics.Timeouts.Inc()
	s.m.log.Warn().Int32("consecutive", n).Int32("limit", s.limit).Msg("device timed out")
	if n >= s.limit {
		s.trip(errTooManyTimeouts)
	}
}

// ConnectionFault trips on I/O errors, which mean the port is gone. Line
// errors such as parity are reported and otherwise ignored.
func (s *session) ConnectionFault(kind protocol.FaultKind, err error) {
	s.m.metrics.Faults.WithLabelValues(kind.String()).Inc()
	s.m.log.Error().Err(err).Str("kind", kind.String()).Msg("connection fault")
	s.m.hub.publish(Event{Kind: EventFault, Fault: kind.String()})
	if kind == protocol.FaultIO || kind == protocol.FaultPortClosed {
		s.trip(fmt.Errorf("%w: %v", errPortLost, err))
	}
}

func (s *session) resetTimeouts() { s.timeouts.Store(0) }

func (s *session) trip(reason error) {
	s.tripOnce.Do(func() {
		s.reason = reason
		close(s.tripped)
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
