package l1events

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPReplayConfig configures ReplayPCAP.
type PCAPReplayConfig struct {
	Path    string
	UDPPort int
	// Realtime paces delivery by capture timestamps; otherwise packets are
	// replayed as fast as the sink accepts them.
	Realtime bool
	Stats    *SourceStats
}

// ReplayPCAP reads DVSB datagrams addressed to UDPPort from a capture file and
// forwards them to sink. It returns nil at end of file.
func ReplayPCAP(ctx context.Context, cfg PCAPReplayConfig, sink Sink) error {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header %s: %w", cfg.Path, err)
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewSourceStats()
	}

	packetSource := gopacket.NewPacketSource(r, r.LinkType())
	packets := packetSource.Packets()
	packetCount, eventCount := 0, 0
	startTime := time.Now()
	var firstCapture time.Time

	for {
		select {
		case <-ctx.Done():
			diagf("PCAP replay stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		case packet, ok := <-packets:
			if !ok || packet == nil {
				diagf("PCAP replay complete: %d packets, %d events in %v", packetCount, eventCount, time.Since(startTime))
				return nil
			}

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || int(udp.DstPort) != cfg.UDPPort || len(udp.Payload) == 0 {
				continue
			}
			packetCount++

			if cfg.Realtime {
				captured := packet.Metadata().Timestamp
				if firstCapture.IsZero() {
					firstCapture = captured
				}
				wait := captured.Sub(firstCapture) - time.Since(startTime)
				if wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}

			camera, events, invalid, err := DecodeDatagram(udp.Payload)
			if err != nil {
				stats.AddDropped(1)
				tracef("PCAP packet %d: %v", packetCount, err)
				continue
			}
			if invalid > 0 {
				stats.AddDropped(invalid)
			}
			if len(events) == 0 {
				continue
			}
			stats.AddBatch(len(udp.Payload), len(events))
			eventCount += len(events)
			sink.Ingest(camera, events)

			if packetCount%10000 == 0 {
				diagf("PCAP progress: %d packets, %d events", packetCount, eventCount)
			}
		}
	}
}

// PCAPWriter writes DVSB datagrams as Ethernet/IPv4/UDP frames so captures
// can be replayed by ReplayPCAP or inspected with standard tools.
type PCAPWriter struct {
	w       *pcapgo.Writer
	src     net.IP
	dst     net.IP
	srcPort layers.UDPPort
	dstPort layers.UDPPort
	ipID    uint16
}

// NewPCAPWriter writes a pcap file header to w and returns a writer that
// addresses datagrams to dstPort.
func NewPCAPWriter(w io.Writer, dstPort int) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PCAPWriter{
		w:       pw,
		src:     net.IPv4(192, 168, 1, 20).To4(),
		dst:     net.IPv4(192, 168, 1, 10).To4(),
		srcPort: 50000,
		dstPort: layers.UDPPort(dstPort),
	}, nil
}

// WriteDatagram wraps payload in Ethernet/IPv4/UDP headers captured at ts.
func (p *PCAPWriter) WriteDatagram(ts time.Time, payload []byte) error {
	p.ipID++
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x20},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x10},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       p.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.src,
		DstIP:    p.dst,
	}
	udp := &layers.UDP{SrcPort: p.srcPort, DstPort: p.dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return p.w.WritePacket(ci, data)
}

// WriteBatch encodes events for camera and writes one frame per datagram.
func (p *PCAPWriter) WriteBatch(ts time.Time, camera CameraID, events []Event) error {
	datagrams, err := EncodeDatagrams(camera, events)
	if err != nil {
		return err
	}
	for _, d := range datagrams {
		if err := p.WriteDatagram(ts, d); err != nil {
			return err
		}
	}
	return nil
}
