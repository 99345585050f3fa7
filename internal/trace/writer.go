// Package trace records request frames as a pcap capture and reads such
// captures back.
package trace

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"webtraffic-generator/pkg/types"
)

const (
	// DefaultSnapLen captures whole segments.
	DefaultSnapLen = 65535
	// SegmentSize is the TCP payload carried by each captured packet.
	SegmentSize = 1460
	// InitialSeq is the sequence number of the first payload byte of every
	// traced connection.
	InitialSeq = 1
)

// Writer serializes traced request frames as Ethernet/IP/TCP packets into a
// pcap stream. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	closer  io.Closer
	epoch   time.Time
	snaplen uint32
	nextSeq map[uint64]uint32
	packets int
	frames  int
}

// NewWriter writes the pcap file header to w. Frame times are offsets from
// epoch.
func NewWriter(w io.Writer, snaplen uint32, epoch time.Time) (*Writer, error) {
	if snaplen == 0 {
		snaplen = DefaultSnapLen
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{
		w:       pw,
		epoch:   epoch,
		snaplen: snaplen,
		nextSeq: make(map[uint64]uint32),
	}, nil
}

// Create opens filename for writing and returns a Writer over it.
func Create(filename string, snaplen uint32, epoch time.Time) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file %s: %w", filename, err)
	}
	w, err := NewWriter(f, snaplen, epoch)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	log.WithField("file", filename).Info("Tracing request frames to pcap")
	return w, nil
}

// WriteFrame appends one request frame, split into SegmentSize packets.
func (w *Writer) WriteFrame(t types.FrameTrace) error {
	src, err := addrPort(t.Local)
	if err != nil {
		return fmt.Errorf("failed to trace frame: local %w", err)
	}
	dst, err := addrPort(t.Remote)
	if err != nil {
		return fmt.Errorf("failed to trace frame: remote %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seq, ok := w.nextSeq[t.ConnID]
	if !ok {
		seq = InitialSeq
	}
	ts := w.epoch.Add(t.At)

	data := t.Data
	for len(data) > 0 {
		n := len(data)
		if n > SegmentSize {
			n = SegmentSize
		}
		if err := w.writeSegment(src, dst, seq, data[:n], ts); err != nil {
			return err
		}
		seq += uint32(n)
		data = data[n:]
	}
	w.nextSeq[t.ConnID] = seq
	w.frames++
	return nil
}

func (w *Writer) writeSegment(src, dst netip.AddrPort, seq uint32, payload []byte, ts time.Time) error {
	eth := &layers.Ethernet{
		SrcMAC: mac(src.Addr()),
		DstMAC: mac(dst.Addr()),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		Ack:     InitialSeq,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}

	var network gopacket.SerializableLayer
	if src.Addr().Is4() && dst.Addr().Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    src.Addr().AsSlice(),
			DstIP:    dst.Addr().AsSlice(),
		}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      as16(src.Addr()),
			DstIP:      as16(dst.Addr()),
		}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize segment: %w", err)
	}

	pkt := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}
	if uint32(ci.CaptureLength) > w.snaplen {
		ci.CaptureLength = int(w.snaplen)
		pkt = pkt[:w.snaplen]
	}
	if err := w.w.WritePacket(ci, pkt); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	w.packets++
	return nil
}

// Hook returns a client Tx hook that records every frame and logs failures.
func (w *Writer) Hook() func(types.FrameTrace) {
	return func(t types.FrameTrace) {
		if err := w.WriteFrame(t); err != nil {
			log.WithError(err).WithField("conn", t.ConnID).Warn("Failed to trace request frame")
		}
	}
}

// Packets is the number of packets written.
func (w *Writer) Packets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Frames is the number of request frames written.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close closes the underlying file when the writer was made by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	log.WithFields(log.Fields{
		"frames":  w.frames,
		"packets": w.packets,
	}).Info("Pcap trace closed")
	return err
}

func addrPort(a net.Addr) (netip.AddrPort, error) {
	if a == nil {
		return netip.AddrPort{}, fmt.Errorf("address missing")
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("address %q: %w", a.String(), err)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// mac derives a locally administered MAC from the low bytes of an address.
func mac(a netip.Addr) net.HardwareAddr {
	b := a.As16()
	return net.HardwareAddr{0x02, 0x00, b[12], b[13], b[14], b[15]}
}

func as16(a netip.Addr) net.IP {
	b := a.As16()
	return net.IP(b[:])
}
