package device

import (
	"errors"
	"fmt"
	"time"

	tarm "github.com/tarm/serial"
	"go.bug.st/serial"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

// PortConfig describes how to open the sensor link. The device always talks
// 8 data bits, no parity, one stop bit.
type PortConfig struct {
	Name     string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	// ReadTimeout is how long a single Read may block waiting for data.
	// Keep it near the invoker poll interval.
	ReadTimeout time.Duration `yaml:"-" json:"-"`
}

const (
	DefaultBaudRate    = 115200
	defaultReadTimeout = 5 * time.Millisecond
)

func (c PortConfig) withDefaults() PortConfig {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}

// Opener opens a port for the controller.
type Opener func(cfg PortConfig) (protocol.Port, error)

// Driver names accepted by OpenerFor.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
	DriverDemo  = "demo"
)

// OpenerFor returns the opener for a driver name. An empty name selects
// go.bug.st/serial.
func OpenerFor(driver string) (Opener, error) {
	switch driver {
	case "", DriverBugst:
		return OpenSerial, nil
	case DriverTarm:
		return OpenTarm, nil
	case DriverDemo:
		return OpenDemo, nil
	default:
		return nil, fmt.Errorf("device: unknown serial driver %q", driver)
	}
}

// OpenSerial opens cfg.Name with go.bug.st/serial.
func OpenSerial(cfg PortConfig) (protocol.Port, error) {
	cfg = cfg.withDefaults()
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("device: failed to open %s: %w", cfg.Name, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("device: failed to set timeout: %w", err)
	}
	return port, nil
}

// ClassifySerialError maps go.bug.st/serial errors to fault kinds. Neither
// driver reports parity, framing or overrun errors, so only FaultIO and
// FaultPortClosed come out of here.
func ClassifySerialError(err error) protocol.FaultKind {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return protocol.FaultPortClosed
	}
	return protocol.FaultIO
}

// tarmPort adapts github.com/tarm/serial, whose read timeout is fixed at
// open time and whose input flush is called Flush.
type tarmPort struct {
	*tarm.Port
}

func (p tarmPort) ResetInputBuffer() error { return p.Flush() }

// OpenTarm opens cfg.Name with github.com/tarm/serial. On POSIX systems the
// driver rounds read timeouts up to 100ms.
func OpenTarm(cfg PortConfig) (protocol.Port, error) {
	cfg = cfg.withDefaults()
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.Name,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("device: failed to open %s: %w", cfg.Name, err)
	}
	return tarmPort{port}, nil
}
