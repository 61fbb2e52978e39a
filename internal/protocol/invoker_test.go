package protocol

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/envmon/internal/protocol/protocoltest"
)

var sensorResponse = []byte{0x00, 0x0B, 0x02, 0x3F, 0x00, 0x00, 0x00, 0x41, 0x20, 0x00, 0x00}

func newTestInvoker(port Port) *Invoker {
	return NewInvoker(port, InvokerConfig{
		ResponseTimeout: 50 * time.Millisecond,
		FrameTimeout:    50 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
}

func TestInvoke_ReadSensor(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(sensorResponse...)
	inv := newTestInvoker(port)

	r, err := Invoke(inv, ReadSensor, Void{})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, r.Humidity, 1e-6)
	assert.InDelta(t, 10.0, r.Temperature, 1e-6)
	assert.Equal(t, [][]byte{{0x00, 0x03, 0x02}}, port.Writes())
}

func TestInvoke_SetThresholdFrame(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(0x00, 0x03, 0x04)
	inv := newTestInvoker(port)

	_, err := Invoke(inv, SetThreshold, Float32(30.5))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x00, 0x07, 0x04, 0x41, 0xF4, 0x00, 0x00}}, port.Writes())
}

func TestInvoke_GetThreshold(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(0x00, 0x07, 0x05, 0x41, 0xF4, 0x00, 0x00)
	inv := newTestInvoker(port)

	r, err := Invoke(inv, GetThreshold, Void{})
	require.NoError(t, err)
	assert.Equal(t, float32(30.5), r.Value)
}

func TestInvoke_TimeoutWithinBudget(t *testing.T) {
	port := protocoltest.New()
	inv := newTestInvoker(port)

	start := time.Now()
	r, err := Invoke(inv, GetThreshold, Void{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceTimeout), "got %v", err)
	assert.False(t, errors.Is(err, ErrProtocol))
	assert.Equal(t, float32(0), r.Value)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestInvoke_PartialHeaderTimesOut(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(0x00, 0x0B)
	inv := newTestInvoker(port)

	_, err := Invoke(inv, ReadSensor, Void{})
	assert.True(t, errors.Is(err, ErrDeviceTimeout), "got %v", err)
}

func TestInvoke_ResyncAfterCorruptedHeader(t *testing.T) {
	reply := []byte{0x01, 0x02, 0x03, 0xAA, 0xFF, 0xFF, 0xFF}
	reply = append(reply, sensorResponse...)

	port := protocoltest.New()
	port.QueueReply(reply...)
	port.SetChunk(2)
	inv := newTestInvoker(port)

	r, err := Invoke(inv, ReadSensor, Void{})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, r.Humidity, 1e-6)
	assert.InDelta(t, 10.0, r.Temperature, 1e-6)
}

func TestInvoke_ResyncNeedsConsecutiveMarkers(t *testing.T) {
	// FF FF 11 does not end the corrupted frame; the marker is the later FF FF FF.
	reply := []byte{0x7E, 0x00, 0x00, 0xFF, 0xFF, 0x11, 0x00, 0xFF, 0xFF, 0xFF}
	reply = append(reply, sensorResponse...)

	port := protocoltest.New()
	port.QueueReply(reply...)
	inv := newTestInvoker(port)

	r, err := Invoke(inv, ReadSensor, Void{})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, r.Temperature, 1e-6)
}

func TestInvoke_ResyncIsBounded(t *testing.T) {
	var reply []byte
	for i := 0; i < 5; i++ {
		reply = append(reply, 0x01, 0x01, 0x01, 0xFF, 0xFF, 0xFF)
	}
	reply = append(reply, sensorResponse...)

	port := protocoltest.New()
	port.QueueReply(reply...)
	inv := NewInvoker(port, InvokerConfig{
		ResponseTimeout: 50 * time.Millisecond,
		MaxResync:       2,
		Logger:          zerolog.Nop(),
	})

	_, err := Invoke(inv, ReadSensor, Void{})
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
	assert.True(t, errors.Is(err, ErrDeviceTimeout), "exhausted resync counts as a timeout")
	assert.Equal(t, 0, port.Pending(), "stray bytes must be flushed")
}

func TestInvoke_ResyncWithoutMarkerTimesOut(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(0x42, 0x42, 0x42, 0x00, 0x01)
	inv := newTestInvoker(port)

	start := time.Now()
	_, err := Invoke(inv, ReadSensor, Void{})
	assert.True(t, errors.Is(err, ErrDeviceTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestInvoke_TruncatedPayloadTimesOut(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(0x00, 0x0B, 0x02, 0x3F, 0x00)
	inv := newTestInvoker(port)

	_, err := Invoke(inv, ReadSensor, Void{})
	assert.True(t, errors.Is(err, ErrDeviceTimeout), "got %v", err)
}

func TestInvoke_ShortPayloadIsProtocolError(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(0x00, 0x07, 0x02, 0x3F, 0x00, 0x00, 0x00)
	inv := newTestInvoker(port)

	r, err := Invoke(inv, ReadSensor, Void{})
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
	assert.Equal(t, SensorReading{}, *r)
}

func TestInvoke_LengthBelowHeaderIsProtocolError(t *testing.T) {
	port := protocoltest.New()
	port.QueueReply(0x00, 0x01, 0x02)
	inv := newTestInvoker(port)

	_, err := Invoke(inv, SetClock, Int32(1))
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
}

func TestInvoke_DiscardsStaleBytes(t *testing.T) {
	port := protocoltest.New()
	// Late answer to an earlier, timed out request.
	port.Inject(0x00, 0x07, 0x05, 0x41, 0xF4, 0x00, 0x00)
	port.QueueReply(append(append([]byte(nil), sensorResponse...), 0xEE, 0xEE)...)
	inv := newTestInvoker(port)

	r, err := Invoke(inv, ReadSensor, Void{})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, r.Temperature, 1e-6)
	assert.Equal(t, 0, port.Pending())
	assert.GreaterOrEqual(t, port.Resets(), 2)
}

type oversized struct{}

func (oversized) Encode(dst []byte) []byte { return append(dst, make([]byte, MaxPayload+1)...) }

func TestExchange_PayloadTooLargeWritesNothing(t *testing.T) {
	port := protocoltest.New()
	inv := newTestInvoker(port)
	fn := NewFunction[oversized, *VoidResult](0x60, "Oversized", func() *VoidResult { return &VoidResult{} })

	_, err := Invoke(inv, fn, oversized{})
	assert.True(t, errors.Is(err, ErrPayloadTooLarge), "got %v", err)
	assert.Empty(t, port.Writes())
}

func TestInvoke_WriteFault(t *testing.T) {
	port := protocoltest.New()
	port.FailWrites(errors.New("device unplugged"))
	inv := newTestInvoker(port)

	_, err := Invoke(inv, SetClock, Int32(1))
	var fe *FaultError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, FaultIO, fe.Kind)
}

func TestInvoke_ReadFaultClassified(t *testing.T) {
	errOverrun := errors.New("overrun")
	port := protocoltest.New()
	port.FailReads(errOverrun)
	inv := NewInvoker(port, InvokerConfig{
		Classify: func(err error) FaultKind {
			if errors.Is(err, errOverrun) {
				return FaultOverrun
			}
			return FaultIO
		},
		Logger: zerolog.Nop(),
	})

	_, err := Invoke(inv, ReadSensor, Void{})
	var fe *FaultError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, FaultOverrun, fe.Kind)
	assert.True(t, errors.Is(err, errOverrun))
}

var echo = NewFunction[Int32, *IntResult](0x7E, "Echo", func() *IntResult { return &IntResult{} })

func TestInvoke_ConcurrentCallersNeverInterleave(t *testing.T) {
	port := protocoltest.New()
	port.SetChunk(1)
	port.SetResponder(func(frame []byte) []byte {
		return append([]byte(nil), frame...)
	})
	inv := newTestInvoker(port)

	const workers, calls = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*calls)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				want := int32(w*1000 + i)
				r, err := Invoke(inv, echo, Int32(want))
				if err != nil {
					errs <- err
					continue
				}
				if r.Value != want {
					errs <- errors.New("response belongs to another caller")
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	writes := port.Writes()
	require.Len(t, writes, workers*calls)
	for _, w := range writes {
		require.Len(t, w, 7)
		assert.Equal(t, []byte{0x00, 0x07, 0x7E}, w[:3])
	}
}
