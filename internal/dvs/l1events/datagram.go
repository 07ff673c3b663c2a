package l1events

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DVSB datagram layout (little endian):
//
//	offset 0   magic "DVSB"
//	       4   version (1)
//	       5   camera id length n (1..MaxCameraIDLen)
//	       6   camera id, n bytes
//	     6+n   event count (uint16)
//	     8+n   events, EventRecordSize bytes each:
//	           x uint16, y uint16, timestamp int64 (µs), polarity uint8
const (
	DatagramVersion       = 1
	EventRecordSize       = 13
	MaxCameraIDLen        = 64
	MaxEventsPerDatagram  = 100
	datagramHeaderMinSize = 8
)

var datagramMagic = [4]byte{'D', 'V', 'S', 'B'}

var (
	ErrShortDatagram  = errors.New("datagram too short")
	ErrBadMagic       = errors.New("datagram magic is not DVSB")
	ErrBadVersion     = errors.New("unsupported datagram version")
	ErrBadCameraID    = errors.New("invalid camera id length")
	ErrTruncatedBatch = errors.New("datagram shorter than its event count")
)

// EncodeDatagram encodes up to MaxEventsPerDatagram events for camera.
func EncodeDatagram(camera CameraID, events []Event) ([]byte, error) {
	if len(camera) == 0 || len(camera) > MaxCameraIDLen {
		return nil, fmt.Errorf("%w: %d", ErrBadCameraID, len(camera))
	}
	if len(events) > MaxEventsPerDatagram {
		return nil, fmt.Errorf("too many events for one datagram: %d > %d", len(events), MaxEventsPerDatagram)
	}

	buf := make([]byte, datagramHeaderMinSize+len(camera)+len(events)*EventRecordSize)
	copy(buf[0:4], datagramMagic[:])
	buf[4] = DatagramVersion
	buf[5] = byte(len(camera))
	copy(buf[6:], camera)
	off := 6 + len(camera)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(events)))
	off += 2
	for _, ev := range events {
		binary.LittleEndian.PutUint16(buf[off:], ev.X)
		binary.LittleEndian.PutUint16(buf[off+2:], ev.Y)
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(ev.Timestamp))
		buf[off+12] = byte(ev.Polarity)
		off += EventRecordSize
	}
	return buf, nil
}

// EncodeDatagrams splits events into as many datagrams as needed.
func EncodeDatagrams(camera CameraID, events []Event) ([][]byte, error) {
	var out [][]byte
	for start := 0; start < len(events); start += MaxEventsPerDatagram {
		end := start + MaxEventsPerDatagram
		if end > len(events) {
			end = len(events)
		}
		d, err := EncodeDatagram(camera, events[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DecodeDatagram parses a DVSB datagram. Records with an unknown polarity byte
// are skipped and counted in invalid.
func DecodeDatagram(b []byte) (camera CameraID, events []Event, invalid int, err error) {
	if len(b) < datagramHeaderMinSize {
		return "", nil, 0, ErrShortDatagram
	}
	if [4]byte(b[0:4]) != datagramMagic {
		return "", nil, 0, ErrBadMagic
	}
	if b[4] != DatagramVersion {
		return "", nil, 0, fmt.Errorf("%w: %d", ErrBadVersion, b[4])
	}
	n := int(b[5])
	if n == 0 || n > MaxCameraIDLen {
		return "", nil, 0, fmt.Errorf("%w: %d", ErrBadCameraID, n)
	}
	if len(b) < datagramHeaderMinSize+n {
		return "", nil, 0, ErrShortDatagram
	}
	camera = CameraID(b[6 : 6+n])
	off := 6 + n
	count := int(binary.LittleEndian.Uint16(b[off:]))
	off += 2
	if len(b)-off < count*EventRecordSize {
		return "", nil, 0, fmt.Errorf("%w: want %d events, have %d bytes", ErrTruncatedBatch, count, len(b)-off)
	}

	events = make([]Event, 0, count)
	for i := 0; i < count; i++ {
		rec := b[off : off+EventRecordSize]
		off += EventRecordSize
		if rec[12] > byte(On) {
			invalid++
			continue
		}
		events = append(events, Event{
			X:         binary.LittleEndian.Uint16(rec[0:]),
			Y:         binary.LittleEndian.Uint16(rec[2:]),
			Timestamp: int64(binary.LittleEndian.Uint64(rec[4:])),
			Polarity:  Polarity(rec[12]),
		})
	}
	return camera, events, invalid, nil
}
