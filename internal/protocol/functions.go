package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

const (
	// HeaderSize is the length field plus the command id.
	HeaderSize = 3
	// MaxPayload is the largest parameter payload a request frame can carry.
	MaxPayload = 4093
	// MaxFrame bounds a whole frame, header included.
	MaxFrame = HeaderSize + MaxPayload
)

// Descriptor identifies a device command on the wire.
type Descriptor struct {
	ID   byte
	Name string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(0x%02X)", d.Name, d.ID)
}

// Function binds a command id to its parameter and result types. Callers
// hold the package-level Function values; there is no lookup by name.
type Function[P Parameter, R Result] struct {
	desc      Descriptor
	newResult func() R
}

// NewFunction creates a typed command descriptor. newResult must return a
// zero-valued result ready for decoding.
func NewFunction[P Parameter, R Result](id byte, name string, newResult func() R) *Function[P, R] {
	return &Function[P, R]{
		desc:      Descriptor{ID: id, Name: name},
		newResult: newResult,
	}
}

func (f *Function[P, R]) Descriptor() Descriptor { return f.desc }
func (f *Function[P, R]) ID() byte               { return f.desc.ID }
func (f *Function[P, R]) Name() string           { return f.desc.Name }
func (f *Function[P, R]) String() string         { return f.desc.String() }

// NewResult returns the zero result for this function.
func (f *Function[P, R]) NewResult() R { return f.newResult() }

// Registry is the set of commands known to the device. Command ids must be
// unique across it.
type Registry struct {
	mu   sync.RWMutex
	byID map[byte]Descriptor
}

// NewRegistry builds a registry from descs, rejecting duplicate ids.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[byte]Descriptor, len(descs))}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d. Reusing an id already taken by another command is an error.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[d.ID]; ok {
		return fmt.Errorf("protocol: command id 0x%02X of %q already used by %q", d.ID, d.Name, prev.Name)
	}
	r.byID[d.ID] = d
	return nil
}

// Lookup returns the descriptor registered under id.
func (r *Registry) Lookup(id byte) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Descriptors lists the registered commands ordered by id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	ReadSensor = NewFunction[Void, *SensorReading](0x02, "ReadSensor",
		func() *SensorReading { return &SensorReading{} })
	SetClock = NewFunction[Int32, *VoidResult](0x03, "SetClock",
		func() *VoidResult { return &VoidResult{} })
	SetThreshold = NewFunction[Float32, *VoidResult](0x04, "SetThreshold",
		func() *VoidResult { return &VoidResult{} })
	GetThreshold = NewFunction[Void, *FloatResult](0x05, "GetThreshold",
		func() *FloatResult { return &FloatResult{} })
)

// Functions holds every command above. Building it panics on an id clash,
// so a misconfigured table never makes it past program start.
var Functions = mustRegistry(
	ReadSensor.Descriptor(),
	SetClock.Descriptor(),
	SetThreshold.Descriptor(),
	GetThreshold.Descriptor(),
)

func mustRegistry(descs ...Descriptor) *Registry {
	r, err := NewRegistry(descs...)
	if err != nil {
		panic(err)
	}
	return r
}

// EncodeFrame builds a request frame:
//
//	<len_hi> <len_lo> <command id> <payload...>
//
// where the length counts the whole frame.
func EncodeFrame(id byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = binary.BigEndian.AppendUint16(frame, uint16(HeaderSize+len(payload)))
	frame = append(frame, id)
	return append(frame, payload...), nil
}

// Header is the parsed 3 byte frame prefix.
type Header struct {
	Length    uint16
	CommandID byte
}

// ParseHeader decodes b[0:3].
func ParseHeader(b []byte) Header {
	return Header{
		Length:    binary.BigEndian.Uint16(b[0:2]),
		CommandID: b[2],
	}
}

// PayloadLen is the number of bytes following the header.
func (h Header) PayloadLen() int { return int(h.Length) - HeaderSize }
