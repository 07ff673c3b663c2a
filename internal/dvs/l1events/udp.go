package l1events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// UDPListener receives DVSB datagrams and forwards each batch to a Sink under
// the camera id carried in the datagram.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       *SourceStats

	ready chan net.Addr
}

// UDPListenerConfig contains configuration options for the UDP listener
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       *SourceStats
}

// NewUDPListener creates a new UDP listener with the provided configuration
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	stats := cfg.Stats
	if stats == nil {
		stats = NewSourceStats()
	}
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	rcvBuf := cfg.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = 4 << 20
	}
	return &UDPListener{
		address:     cfg.Address,
		rcvBuf:      rcvBuf,
		logInterval: logInterval,
		stats:       stats,
		ready:       make(chan net.Addr, 1),
	}
}

// Ready yields the bound local address once Start is listening.
func (l *UDPListener) Ready() <-chan net.Addr { return l.ready }

// Start listens until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context, sink Sink) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		opsf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
	}
	diagf("UDP listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)
	select {
	case l.ready <- conn.LocalAddr():
	default:
	}

	lastLog := time.Now()
	buffer := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			diagf("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		// short deadline so cancellation is observed promptly
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buffer)
		if time.Since(lastLog) >= l.logInterval {
			l.stats.LogStats("UDP " + l.address)
			lastLog = time.Now()
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("UDP read: %w", err)
		}
		l.handleDatagram(buffer[:n], sink)
	}
}

func (l *UDPListener) handleDatagram(b []byte, sink Sink) {
	camera, events, invalid, err := DecodeDatagram(b)
	if err != nil {
		l.stats.AddDropped(1)
		tracef("dropping datagram (%d bytes): %v", len(b), err)
		return
	}
	if invalid > 0 {
		l.stats.AddDropped(invalid)
	}
	if len(events) == 0 {
		return
	}
	l.stats.AddBatch(len(b), len(events))
	sink.Ingest(camera, events)
}
