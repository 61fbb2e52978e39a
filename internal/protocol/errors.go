package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned before anything is written when the
	// encoded parameters do not fit in a frame.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	// ErrDeviceTimeout means the device did not answer within the budget.
	ErrDeviceTimeout = errors.New("protocol: device timeout")
	// ErrProtocol covers malformed or unsynchronized responses. Running out
	// of resync attempts wraps both ErrProtocol and ErrDeviceTimeout.
	ErrProtocol = errors.New("protocol: malformed response")
	// ErrNotConnected is returned for operations on a closed connection.
	ErrNotConnected = errors.New("protocol: not connected")
)

// FaultKind classifies serial-level failures reported by the port.
type FaultKind int

const (
	FaultIO FaultKind = iota
	FaultPortClosed
	FaultParity
	FaultFraming
	FaultOverrun
)

func (k FaultKind) String() string {
	switch k {
	case FaultIO:
		return "io"
	case FaultPortClosed:
		return "port-closed"
	case FaultParity:
		return "parity"
	case FaultFraming:
		return "framing"
	case FaultOverrun:
		return "overrun"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// FaultError wraps an error raised by the underlying port.
type FaultError struct {
	Kind FaultKind
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("protocol: connection fault (%s): %v", e.Kind, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// FaultClassifier maps a raw port error to a FaultKind. Port drivers that
// can distinguish line errors provide one; the default reports FaultIO.
type FaultClassifier func(err error) FaultKind

func fault(classify FaultClassifier, err error) error {
	var fe *FaultError
	if errors.As(err, &fe) {
		return err
	}
	kind := FaultIO
	if classify != nil {
		kind = classify(err)
	}
	return &FaultError{Kind: kind, Err: err}
}
