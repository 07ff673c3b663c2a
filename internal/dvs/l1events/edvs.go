package l1events

import (
	"fmt"
	"time"
)

// EDVSFormat selects the eDVS event output format ("!E<n>" command). The
// number is the count of timestamp bytes appended to each 2-byte address.
type EDVSFormat int

const (
	EDVSFormatNoTimestamp EDVSFormat = 0
	EDVSFormat16          EDVSFormat = 2
	EDVSFormat24          EDVSFormat = 3
	EDVSFormat32          EDVSFormat = 4
)

// Validate reports whether f is a format the decoder understands.
func (f EDVSFormat) Validate() error {
	switch f {
	case EDVSFormatNoTimestamp, EDVSFormat16, EDVSFormat24, EDVSFormat32:
		return nil
	}
	return fmt.Errorf("unsupported eDVS format E%d", int(f))
}

// EventSize is the number of bytes per encoded event.
func (f EDVSFormat) EventSize() int { return 2 + int(f) }

// Commands returns the device commands that select f and start streaming.
func (f EDVSFormat) Commands() []string {
	return []string{fmt.Sprintf("!E%d", int(f)), "E+"}
}

// EDVSDecoder turns an eDVS byte stream into events. Each event is
//
//	1yyyyyyy pxxxxxxx [timestamp, big endian]
//
// where p=1 marks an OFF event. Device timestamps are microseconds that wrap
// at the width of the format; the decoder unwraps them into a monotonic int64.
// A decoder is not safe for concurrent use.
type EDVSDecoder struct {
	format EDVSFormat
	now    func() int64

	pending []byte
	lastRaw uint64
	hasRaw  bool
	offset  int64

	resyncBytes int
}

// NewEDVSDecoder creates a decoder for format. Format E0 carries no
// timestamps, so events are stamped with the host clock on arrival.
func NewEDVSDecoder(format EDVSFormat) (*EDVSDecoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &EDVSDecoder{
		format: format,
		now:    func() int64 { return time.Now().UnixMicro() },
	}, nil
}

// Decode consumes p and returns the events it completes. Trailing bytes of a
// partial event are retained for the next call.
func (d *EDVSDecoder) Decode(p []byte) []Event {
	d.pending = append(d.pending, p...)
	size := d.format.EventSize()

	events := make([]Event, 0, len(d.pending)/size)
	var hostTS int64
	if d.format == EDVSFormatNoTimestamp {
		hostTS = d.now()
	}

	i := 0
	for len(d.pending)-i >= size {
		b0 := d.pending[i]
		if b0&0x80 == 0 {
			// not an address byte; slide forward until the stream realigns
			i++
			d.resyncBytes++
			continue
		}
		b1 := d.pending[i+1]
		ev := Event{
			Y:        uint16(b0 & 0x7f),
			X:        uint16(b1 & 0x7f),
			Polarity: On,
		}
		if b1&0x80 != 0 {
			ev.Polarity = Off
		}

		if d.format == EDVSFormatNoTimestamp {
			ev.Timestamp = hostTS
		} else {
			var raw uint64
			for _, b := range d.pending[i+2 : i+size] {
				raw = raw<<8 | uint64(b)
			}
			ev.Timestamp = d.unwrap(raw)
		}
		events = append(events, ev)
		i += size
	}

	d.pending = append(d.pending[:0], d.pending[i:]...)
	if len(events) > 0 {
		tracef("eDVS decoded %d events, %d bytes pending", len(events), len(d.pending))
	}
	return events
}

func (d *EDVSDecoder) unwrap(raw uint64) int64 {
	if d.hasRaw && raw < d.lastRaw {
		d.offset += int64(1) << (8 * uint(d.format))
	}
	d.lastRaw = raw
	d.hasRaw = true
	return d.offset + int64(raw)
}

// ResyncBytes returns how many bytes have been skipped to realign the stream.
func (d *EDVSDecoder) ResyncBytes() int { return d.resyncBytes }

// Reset discards partial input and timestamp history.
func (d *EDVSDecoder) Reset() {
	d.pending = d.pending[:0]
	d.lastRaw, d.hasRaw, d.offset = 0, false, 0
	d.resyncBytes = 0
}

// EncodeEDVS writes events in the given format. Timestamps are truncated to the
// format width. It is the inverse of EDVSDecoder and is used by replay tooling
// and tests.
func EncodeEDVS(format EDVSFormat, events []Event) []byte {
	size := format.EventSize()
	out := make([]byte, 0, len(events)*size)
	for _, ev := range events {
		b1 := byte(ev.X & 0x7f)
		if ev.Polarity == Off {
			b1 |= 0x80
		}
		out = append(out, 0x80|byte(ev.Y&0x7f), b1)
		for shift := 8 * (int(format) - 1); shift >= 0; shift -= 8 {
			out = append(out, byte(uint64(ev.Timestamp)>>uint(shift)))
		}
	}
	return out
}
