package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctions_CommandIDs(t *testing.T) {
	assert.Equal(t, byte(0x02), ReadSensor.ID())
	assert.Equal(t, byte(0x03), SetClock.ID())
	assert.Equal(t, byte(0x04), SetThreshold.ID())
	assert.Equal(t, byte(0x05), GetThreshold.ID())

	descs := Functions.Descriptors()
	require.Len(t, descs, 4)
	for i, want := range []string{"ReadSensor", "SetClock", "SetThreshold", "GetThreshold"} {
		assert.Equal(t, want, descs[i].Name)
	}

	d, ok := Functions.Lookup(0x04)
	require.True(t, ok)
	assert.Equal(t, SetThreshold.Descriptor(), d)
	_, ok = Functions.Lookup(0x7F)
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicateID(t *testing.T) {
	_, err := NewRegistry(
		Descriptor{ID: 0x02, Name: "ReadSensor"},
		Descriptor{ID: 0x02, Name: "ReadSomethingElse"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x02")

	r, err := NewRegistry(ReadSensor.Descriptor())
	require.NoError(t, err)
	assert.Error(t, r.Register(Descriptor{ID: 0x02, Name: "Other"}))
	assert.NoError(t, r.Register(Descriptor{ID: 0x06, Name: "Other"}))
}

func TestEncodeFrame_Golden(t *testing.T) {
	g := goldie.New(t)

	cases := []struct {
		name    string
		id      byte
		payload []byte
	}{
		{"frame_read_sensor", ReadSensor.ID(), Void{}.Encode(nil)},
		{"frame_set_clock", SetClock.ID(), Int32(1702188000).Encode(nil)},
		{"frame_set_threshold", SetThreshold.ID(), Float32(30.5).Encode(nil)},
		{"frame_get_threshold", GetThreshold.ID(), Void{}.Encode(nil)},
	}
	for _, tc := range cases {
		frame, err := EncodeFrame(tc.id, tc.payload)
		require.NoError(t, err)
		g.Assert(t, tc.name, []byte(fmt.Sprintf("% X", frame)))
	}
}

func TestEncodeFrame_PayloadLimit(t *testing.T) {
	frame, err := EncodeFrame(0x10, make([]byte, MaxPayload))
	require.NoError(t, err)
	assert.Len(t, frame, MaxFrame)
	assert.Equal(t, []byte{0x10, 0x00}, frame[:2])

	_, err = EncodeFrame(0x10, make([]byte, MaxPayload+1))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func TestParseHeader(t *testing.T) {
	h := ParseHeader([]byte{0x00, 0x0B, 0x02})
	assert.Equal(t, uint16(11), h.Length)
	assert.Equal(t, byte(0x02), h.CommandID)
	assert.Equal(t, 8, h.PayloadLen())
}
