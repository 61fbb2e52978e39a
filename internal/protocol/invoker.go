package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Port is the byte stream the invoker talks over. go.bug.st/serial ports
// satisfy it directly; other drivers are adapted in the device package.
type Port interface {
	io.ReadWriter
	// ResetInputBuffer discards everything received but not yet read.
	ResetInputBuffer() error
	Close() error
}

const (
	DefaultResponseTimeout = 600 * time.Millisecond
	DefaultFrameTimeout    = 600 * time.Millisecond
	DefaultPollInterval    = time.Millisecond
	DefaultMaxResync       = 4

	// resyncMarkerLen consecutive 0xFF bytes end a corrupted frame.
	resyncMarkerLen = 3
	resyncMarker    = 0xFF
)

// InvokerConfig tunes the response timing of an Invoker.
type InvokerConfig struct {
	// ResponseTimeout bounds the wait for the first 3 response bytes.
	ResponseTimeout time.Duration
	// FrameTimeout bounds resynchronization plus the payload wait, counted
	// from the moment the first header arrived.
	FrameTimeout time.Duration
	// PollInterval is the sleep between reads that returned no data.
	PollInterval time.Duration
	// MaxResync caps how many corrupted headers are skipped per response.
	MaxResync int
	// Classify maps port errors to fault kinds. Optional.
	Classify FaultClassifier
	Logger   zerolog.Logger
}

func (c InvokerConfig) withDefaults() InvokerConfig {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = DefaultFrameTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxResync <= 0 {
		c.MaxResync = DefaultMaxResync
	}
	return c
}

// Invoker runs request/response exchanges over a Port. Exchanges are
// mutually exclusive: a frame is written and its response consumed before
// another caller may touch the port.
type Invoker struct {
	cfg  InvokerConfig
	log  zerolog.Logger
	port Port

	mu  sync.Mutex
	rx  []byte // bytes read from the port but not consumed yet
	buf []byte
}

// NewInvoker wraps port. The caller keeps ownership of the port.
func NewInvoker(port Port, cfg InvokerConfig) *Invoker {
	cfg = cfg.withDefaults()
	return &Invoker{
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "invoker").Logger(),
		port: port,
		rx:   make([]byte, 0, MaxFrame),
		buf:  make([]byte, 256),
	}
}

// Invoke sends fn with parameter p and decodes the typed result. On error
// the returned result is the zero value for fn.
func Invoke[P Parameter, R Result](inv *Invoker, fn *Function[P, R], p P) (R, error) {
	payload, err := inv.Exchange(fn.Descriptor(), p.Encode(nil))
	if err != nil {
		return fn.NewResult(), err
	}
	return Decode(fn, payload)
}

// Decode fills a fresh result of fn from a response payload.
func Decode[P Parameter, R Result](fn *Function[P, R], payload []byte) (R, error) {
	res := fn.NewResult()
	if len(payload) < res.Size() {
		return res, fmt.Errorf("%w: %s payload has %d bytes, want %d", ErrProtocol, fn, len(payload), res.Size())
	}
	res.Decode(payload)
	return res, nil
}

// Exchange writes one request frame and returns the payload of the response.
func (inv *Invoker) Exchange(desc Descriptor, payload []byte) ([]byte, error) {
	frame, err := EncodeFrame(desc.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc, err)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	// Leftovers from an aborted exchange would be taken as our response.
	inv.discard("pre-write")

	inv.log.Debug().Str("fn", desc.Name).Msgf("tx % X", frame)
	if _, err := inv.port.Write(frame); err != nil {
		return nil, fmt.Errorf("%s: write: %w", desc, fault(inv.cfg.Classify, err))
	}

	resp, err := inv.receive(desc)
	inv.discard("post-read")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc, err)
	}
	return resp, nil
}

// receive reads one response frame. The header must start with a zero
// high length byte; anything else means we are mid-frame and the stream
// is skipped up to the next FF FF FF marker.
func (inv *Invoker) receive(desc Descriptor) ([]byte, error) {
	if err := inv.await(HeaderSize, time.Now().Add(inv.cfg.ResponseTimeout)); err != nil {
		return nil, inv.waitError(err, "header", inv.cfg.ResponseTimeout)
	}
	budget := time.Now().Add(inv.cfg.FrameTimeout)

	header := inv.take(HeaderSize)
	for attempt := 0; header[0] != 0; attempt++ {
		if attempt >= inv.cfg.MaxResync {
			// Matches ErrDeviceTimeout as well as ErrProtocol.
			return nil, fmt.Errorf("%w: %w: no valid header after %d resync attempts",
				ErrDeviceTimeout, ErrProtocol, attempt)
		}
		inv.log.Warn().Str("fn", desc.Name).Int("attempt", attempt+1).
			Msgf("corrupted header % X, resyncing", header)
		if err := inv.skipToMarker(budget); err != nil {
			return nil, inv.waitError(err, "resync marker", inv.cfg.FrameTimeout)
		}
		if err := inv.await(HeaderSize, budget); err != nil {
			return nil, inv.waitError(err, "header after resync", inv.cfg.FrameTimeout)
		}
		header = inv.take(HeaderSize)
	}

	h := ParseHeader(header)
	if h.Length < HeaderSize {
		return nil, fmt.Errorf("%w: frame length %d shorter than header", ErrProtocol, h.Length)
	}
	if h.CommandID != desc.ID {
		inv.log.Warn().Str("fn", desc.Name).Msgf("response command id 0x%02X, expected 0x%02X", h.CommandID, desc.ID)
	}

	n := h.PayloadLen()
	if err := inv.await(n, budget); err != nil {
		return nil, inv.waitError(err, fmt.Sprintf("payload (%d/%d bytes)", len(inv.rx), n), inv.cfg.FrameTimeout)
	}
	payload := inv.take(n)
	inv.log.Debug().Str("fn", desc.Name).Msgf("rx % X % X", header, payload)
	return payload, nil
}

var errWaitExpired = errors.New("wait expired")

// await reads until at least n bytes are buffered or the deadline passes.
func (inv *Invoker) await(n int, deadline time.Time) error {
	for len(inv.rx) < n {
		if !time.Now().Before(deadline) {
			return errWaitExpired
		}
		k, err := inv.port.Read(inv.buf)
		if k > 0 {
			inv.rx = append(inv.rx, inv.buf[:k]...)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fault(inv.cfg.Classify, err)
		}
		time.Sleep(inv.cfg.PollInterval)
	}
	return nil
}

// skipToMarker consumes bytes until resyncMarkerLen consecutive markers
// have been read.
func (inv *Invoker) skipToMarker(deadline time.Time) error {
	run, skipped := 0, 0
	for run < resyncMarkerLen {
		if err := inv.await(1, deadline); err != nil {
			return err
		}
		b := inv.rx[0]
		inv.rx = inv.rx[1:]
		skipped++
		if b == resyncMarker {
			run++
		} else {
			run = 0
		}
	}
	inv.log.Debug().Int("skipped", skipped).Msg("resync marker found")
	return nil
}

func (inv *Invoker) take(n int) []byte {
	out := make([]byte, n)
	copy(out, inv.rx[:n])
	inv.rx = inv.rx[n:]
	return out
}

func (inv *Invoker) discard(stage string) {
	if len(inv.rx) > 0 {
		inv.log.Debug().Str("stage", stage).Msgf("discarding % X", inv.rx)
	}
	inv.rx = inv.rx[:0]
	if err := inv.port.ResetInputBuffer(); err != nil {
		inv.log.Debug().Err(err).Str("stage", stage).Msg("reset input buffer failed")
	}
}

func (inv *Invoker) waitError(err error, what string, budget time.Duration) error {
	if errors.Is(err, errWaitExpired) {
		return fmt.Errorf("%w: no %s within %v", ErrDeviceTimeout, what, budget)
	}
	return err
}
