package l1events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEDVSDecoder_Format16(t *testing.T) {
	dec, err := NewEDVSDecoder(EDVSFormat16)
	require.NoError(t, err)

	// y=5, x=7 ON at ts 0x0102; y=127, x=0 OFF at 0xfffe
	stream := []byte{0x85, 0x07, 0x01, 0x02, 0xff, 0x80, 0xff, 0xfe}
	events := dec.Decode(stream)

	require.Len(t, events, 2)
	assert.Equal(t, Event{X: 7, Y: 5, Timestamp: 0x0102, Polarity: On}, events[0])
	assert.Equal(t, Event{X: 0, Y: 127, Timestamp: 0xfffe, Polarity: Off}, events[1])
}

func TestEDVSDecoder_PartialEventsCarryOver(t *testing.T) {
	dec, err := NewEDVSDecoder(EDVSFormat32)
	require.NoError(t, err)
	stream := EncodeEDVS(EDVSFormat32, []Event{
		{X: 1, Y: 2, Timestamp: 100, Polarity: On},
		{X: 3, Y: 4, Timestamp: 200, Polarity: Off},
	})

	var got []Event
	for _, b := range stream {
		got = append(got, dec.Decode([]byte{b})...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].Timestamp)
	assert.Equal(t, int64(200), got[1].Timestamp)
	assert.Zero(t, dec.ResyncBytes())
}

func TestEDVSDecoder_TimestampWrap(t *testing.T) {
	dec, err := NewEDVSDecoder(EDVSFormat16)
	require.NoError(t, err)

	events := dec.Decode(EncodeEDVS(EDVSFormat16, []Event{
		{X: 1, Y: 1, Timestamp: 65000, Polarity: On},
		{X: 1, Y: 1, Timestamp: 65535, Polarity: Off},
		{X: 1, Y: 1, Timestamp: 300, Polarity: On}, // wrapped
		{X: 1, Y: 1, Timestamp: 1300, Polarity: Off},
	}))

	require.Len(t, events, 4)
	assert.Equal(t, int64(65000), events[0].Timestamp)
	assert.Equal(t, int64(65535), events[1].Timestamp)
	assert.Equal(t, int64(65536+300), events[2].Timestamp)
	assert.Equal(t, int64(65536+1300), events[3].Timestamp)
}

func TestEDVSDecoder_Resync(t *testing.T) {
	dec, err := NewEDVSDecoder(EDVSFormat24)
	require.NoError(t, err)

	good := EncodeEDVS(EDVSFormat24, []Event{{X: 9, Y: 10, Timestamp: 77, Polarity: On}})
	stream := append([]byte{0x12, 0x34}, good...)
	events := dec.Decode(stream)

	require.Len(t, events, 1)
	assert.Equal(t, uint16(9), events[0].X)
	assert.Equal(t, uint16(10), events[0].Y)
	assert.Equal(t, 2, dec.ResyncBytes())

	dec.Reset()
	assert.Zero(t, dec.ResyncBytes())
}

func TestEDVSDecoder_NoTimestampUsesHostClock(t *testing.T) {
	dec, err := NewEDVSDecoder(EDVSFormatNoTimestamp)
	require.NoError(t, err)
	dec.now = func() int64 { return 42 }

	events := dec.Decode([]byte{0x80, 0x81, 0x81, 0x01})
	require.Len(t, events, 2)
	assert.Equal(t, Event{X: 1, Y: 0, Timestamp: 42, Polarity: Off}, events[0])
	assert.Equal(t, Event{X: 1, Y: 1, Timestamp: 42, Polarity: On}, events[1])
}

func TestEDVSFormat_Validate(t *testing.T) {
	for _, f := range []EDVSFormat{0, 2, 3, 4} {
		assert.NoError(t, f.Validate(), "E%d", f)
	}
	for _, f := range []EDVSFormat{1, 5, -1} {
		assert.Error(t, f.Validate(), "E%d", f)
	}
	_, err := NewEDVSDecoder(1)
	assert.Error(t, err)
	assert.Equal(t, []string{"!E3", "E+"}, EDVSFormat24.Commands())
}
