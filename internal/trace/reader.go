package trace

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/frame"
)

// Request is one request frame found in a capture.
type Request struct {
	Timestamp    time.Time
	SrcIP        net.IP
	DstIP        net.IP
	SrcPort      uint16
	DstPort      uint16
	RequestSize  uint32
	ResponseSize uint32
}

// Result is the outcome of reading a capture.
type Result struct {
	Requests     []Request
	TotalPackets int
	TCPPackets   int
	PayloadBytes uint64
	Invalid      int
}

// TotalRequested sums the response sizes asked for.
func (r *Result) TotalRequested() uint64 {
	var total uint64
	for _, req := range r.Requests {
		total += uint64(req.ResponseSize)
	}
	return total
}

// Inspect reads a capture file written by Writer.
func Inspect(filename string) (*Result, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a pcap stream, returning every request frame whose first
// segment carries a complete header.
func Read(r io.Reader) (*Result, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	linkType := pr.LinkType()
	log.WithField("link_type", linkType.String()).Debug("PCAP link type detected")

	packetSource := gopacket.NewPacketSource(pr, linkType)
	packetSource.DecodeOptions.Lazy = true
	packetSource.DecodeOptions.NoCopy = true

	result := &Result{}
	for packet := range packetSource.Packets() {
		result.TotalPackets++

		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok {
			continue
		}
		result.TCPPackets++
		result.PayloadBytes += uint64(len(tcp.Payload))

		// Only the first segment of a connection starts a frame.
		if tcp.Seq != InitialSeq {
			continue
		}
		h, ok := frame.TryDecodeHeader(tcp.Payload)
		if !ok {
			continue
		}
		if h.RequestSize < frame.HeaderLen {
			log.WithFields(log.Fields{
				"packet":       result.TotalPackets,
				"request_size": h.RequestSize,
			}).Warn("Invalid frame header, skipping")
			result.Invalid++
			continue
		}

		var srcIP, dstIP net.IP
		if ipv4Layer := packet.Layer(layers.LayerTypeIPv4); ipv4Layer != nil {
			ipv4, _ := ipv4Layer.(*layers.IPv4)
			srcIP = ipv4.SrcIP
			dstIP = ipv4.DstIP
		} else if ipv6Layer := packet.Layer(layers.LayerTypeIPv6); ipv6Layer != nil {
			ipv6, _ := ipv6Layer.(*layers.IPv6)
			srcIP = ipv6.SrcIP
			dstIP = ipv6.DstIP
		}

		req := Request{
			Timestamp:    packet.Metadata().Timestamp,
			SrcIP:        append(net.IP(nil), srcIP...),
			DstIP:        append(net.IP(nil), dstIP...),
			SrcPort:      uint16(tcp.SrcPort),
			DstPort:      uint16(tcp.DstPort),
			RequestSize:  h.RequestSize,
			ResponseSize: h.ResponseSize,
		}
		result.Requests = append(result.Requests, req)

		log.WithFields(log.Fields{
			"packet":        result.TotalPackets,
			"src":           fmt.Sprintf("%s:%d", srcIP, tcp.SrcPort),
			"dst":           fmt.Sprintf("%s:%d", dstIP, tcp.DstPort),
			"request_size":  h.RequestSize,
			"response_size": h.ResponseSize,
		}).Debug("Extracted request frame")
	}

	log.WithFields(log.Fields{
		"total_packets": result.TotalPackets,
		"tcp_packets":   result.TCPPackets,
		"requests":      len(result.Requests),
	}).Info("PCAP parsing complete")

	return result, nil
}
