package device

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

// DemoOptions shapes the simulated sensor's misbehaviour.
type DemoOptions struct {
	// NoiseRate is the probability that a response is preceded by a
	// corrupted fragment the host must resync past.
	NoiseRate float64
	// DropRate is the probability that a request gets no answer at all.
	DropRate float64
	// ReadTimeout mimics the blocking time of an idle serial read.
	ReadTimeout time.Duration
	Seed        int64
}

// DemoPort simulates the temperature/humidity sensor for development and
// testing. It understands the same frames as the real device.
type DemoPort struct {
	opts DemoOptions

	mu        sync.Mutex
	rng       *rand.Rand
	rx        []byte
	t         float64 // virtual time accumulator
	threshold float32
	clock     int32
	clockSet  time.Time
	closed    bool
}

var errDemoClosed = errors.New("demo: port closed")

// NewDemoPort returns a simulated device with a 30°C threshold.
func NewDemoPort(opts DemoOptions) *DemoPort {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DemoPort{
		opts:      opts,
		rng:       rand.New(rand.NewSource(seed)),
		threshold: 30,
	}
}

// OpenDemo is the Opener for the demo driver. The port name is ignored.
func OpenDemo(cfg PortConfig) (protocol.Port, error) {
	return NewDemoPort(DemoOptions{ReadTimeout: cfg.withDefaults().ReadTimeout}), nil
}

func (d *DemoPort) Read(b []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errDemoClosed
	}
	if len(d.rx) == 0 {
		d.mu.Unlock()
		time.Sleep(d.opts.ReadTimeout)
		return 0, nil
	}
	n := copy(b, d.rx)
	d.rx = d.rx[n:]
	d.mu.Unlock()
	return n, nil
}

// Write accepts one complete request frame per call.
func (d *DemoPort) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errDemoClosed
	}
	if len(b) < protocol.HeaderSize {
		return len(b), nil
	}
	h := protocol.ParseHeader(b)
	if int(h.Length) != len(b) {
		return len(b), nil
	}
	if d.opts.DropRate > 0 && d.rng.Float64() < d.opts.DropRate {
		return len(b), nil
	}

	payload, ok := d.handle(h.CommandID, b[protocol.HeaderSize:])
	if !ok {
		return len(b), nil
	}
	if d.opts.NoiseRate > 0 && d.rng.Float64() < d.opts.NoiseRate {
		d.rx = append(d.rx, 0x5A, byte(d.rng.Intn(256)), 0x00, 0xFF, 0xFF, 0xFF)
	}
	frame, _ := protocol.EncodeFrame(h.CommandID, payload)
	d.rx = append(d.rx, frame...)
	return len(b), nil
}

func (d *DemoPort) handle(id byte, params []byte) ([]byte, bool) {
	switch id {
	case protocol.ReadSensor.ID():
		d.t += 1
		temp := 24 + 8*math.Sin(d.t*0.05) + d.rng.Float64()*0.4
		humidity := 0.45 + 0.15*math.Sin(d.t*0.02) + d.rng.Float64()*0.01
		out := protocol.Float32(humidity).Encode(nil)
		return protocol.Float32(temp).Encode(out), true
	case protocol.SetClock.ID():
		if len(params) < 4 {
			return nil, false
		}
		d.clock = int32(binary.BigEndian.Uint32(params))
		d.clockSet = time.Now()
		return nil, true
	case protocol.SetThreshold.ID():
		if len(params) < 4 {
			return nil, false
		}
		d.threshold = math.Float32frombits(binary.BigEndian.Uint32(params))
		return nil, true
	case protocol.GetThreshold.ID():
		return protocol.Float32(d.threshold).Encode(nil), true
	default:
		return nil, false
	}
}

// Threshold returns the limit last set by the host.
func (d *DemoPort) Threshold() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// Clock returns the device time, advanced since the last SetClock.
func (d *DemoPort) Clock() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clockSet.IsZero() {
		return 0
	}
	return d.clock + int32(time.Since(d.clockSet)/time.Second)
}

func (d *DemoPort) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = d.rx[:0]
	return nil
}

func (d *DemoPort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
