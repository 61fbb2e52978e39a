package protocol

import (
	"encoding/binary"
	"math"
)

// Parameter is a typed command argument that appends its wire form to dst.
type Parameter interface {
	Encode(dst []byte) []byte
}

// Result is a typed command result. Size reports how many payload bytes
// Decode consumes; the invoker checks the length before calling Decode.
type Result interface {
	Size() int
	Decode(payload []byte)
}

// Void carries no payload.
type Void struct{}

func (Void) Encode(dst []byte) []byte { return dst }

// Int32 is sent as 4 bytes big-endian two's complement.
type Int32 int32

func (v Int32) Encode(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

// Float32 is sent as the big-endian IEEE-754 single precision bit pattern.
type Float32 float32

func (v Float32) Encode(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(v)))
}

// VoidResult is returned by commands that only acknowledge.
type VoidResult struct{}

func (*VoidResult) Size() int        { return 0 }
func (*VoidResult) Decode(_ []byte) {}

// IntResult holds a 4 byte big-endian signed integer.
type IntResult struct {
	Value int32
}

func (*IntResult) Size() int { return 4 }

func (r *IntResult) Decode(payload []byte) {
	r.Value = int32(binary.BigEndian.Uint32(payload))
}

// FloatResult holds a big-endian IEEE-754 float.
type FloatResult struct {
	Value float32
}

func (*FloatResult) Size() int { return 4 }

func (r *FloatResult) Decode(payload []byte) {
	r.Value = readFloat(payload)
}

// SensorReading is the read-sensor response. Humidity arrives as a fraction
// and is scaled to percent on decode.
type SensorReading struct {
	Humidity    float32 `json:"humidity"`
	Temperature float32 `json:"temperature"`
}

func (*SensorReading) Size() int { return 8 }

func (r *SensorReading) Decode(payload []byte) {
	r.Humidity = readFloat(payload[0:4]) * 100
	r.Temperature = readFloat(payload[4:8])
}

func readFloat(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}
