package device

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

func newDemoInvoker(port *DemoPort) *protocol.Invoker {
	return protocol.NewInvoker(port, protocol.InvokerConfig{
		ResponseTimeout: 50 * time.Millisecond,
		FrameTimeout:    50 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
}

func TestDemoPort_AnswersThroughNoise(t *testing.T) {
	port := NewDemoPort(DemoOptions{NoiseRate: 1, ReadTimeout: time.Millisecond, Seed: 7})
	inv := newDemoInvoker(port)

	for i := 0; i < 5; i++ {
		r, err := protocol.Invoke(inv, protocol.ReadSensor, protocol.Void{})
		require.NoError(t, err)
		assert.InDelta(t, 24, r.Temperature, 9)
		assert.InDelta(t, 45, r.Humidity, 17)
	}
}

func TestDemoPort_ThresholdAndClock(t *testing.T) {
	port := NewDemoPort(DemoOptions{ReadTimeout: time.Millisecond, Seed: 1})
	inv := newDemoInvoker(port)

	r, err := protocol.Invoke(inv, protocol.GetThreshold, protocol.Void{})
	require.NoError(t, err)
	assert.Equal(t, float32(30), r.Value)

	_, err = protocol.Invoke(inv, protocol.SetThreshold, protocol.Float32(35.25))
	require.NoError(t, err)
	assert.Equal(t, float32(35.25), port.Threshold())

	assert.Zero(t, port.Clock())
	_, err = protocol.Invoke(inv, protocol.SetClock, protocol.Int32(1700000000))
	require.NoError(t, err)
	assert.InDelta(t, 1700000000, port.Clock(), 1)
}

func TestDemoPort_DroppedRequestTimesOut(t *testing.T) {
	port := NewDemoPort(DemoOptions{DropRate: 1, ReadTimeout: time.Millisecond, Seed: 1})
	inv := newDemoInvoker(port)

	_, err := protocol.Invoke(inv, protocol.GetThreshold, protocol.Void{})
	assert.True(t, errors.Is(err, protocol.ErrDeviceTimeout), "got %v", err)
}

func TestDemoPort_Closed(t *testing.T) {
	port := NewDemoPort(DemoOptions{})
	require.NoError(t, port.Close())
	_, err := port.Write([]byte{0x00, 0x03, 0x02})
	assert.Error(t, err)
	_, err = port.Read(make([]byte, 8))
	assert.Error(t, err)
}

func TestOpenerFor(t *testing.T) {
	for _, name := range []string{"", DriverBugst, DriverTarm, DriverDemo} {
		open, err := OpenerFor(name)
		require.NoError(t, err, name)
		assert.NotNil(t, open)
	}
	_, err := OpenerFor("usbfs")
	assert.Error(t, err)
}

func TestClassifySerialError(t *testing.T) {
	assert.Equal(t, protocol.FaultIO, ClassifySerialError(errors.New("boom")))
}
