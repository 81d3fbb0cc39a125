// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture adapts a live interface into a stream of
// spa.Candidate values (spec.md §4.1), using gopacket/pcap the way
// the teacher's PCAP replay tooling decodes frames, but against
// pcap.OpenLive instead of a captured file.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/spa"
)

// Config controls how a Source opens its interface.
type Config struct {
	Interface   string
	Promiscuous bool
	SnaplenBytes int
	FilterExpr  string // BPF filter; empty means no filter is set
	Timeout     time.Duration
}

// Source reads candidate packets off one live interface.
type Source struct {
	handle *pcap.Handle
	pkts   chan spa.Candidate
	errs   chan error
}

// Open starts capturing on cfg.Interface. The caller must call Close
// when done.
func Open(cfg Config) (*Source, error) {
	snaplen := cfg.SnaplenBytes
	if snaplen <= 0 {
		snaplen = 1600
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = pcap.BlockForever
	}

	handle, err := pcap.OpenLive(cfg.Interface, int32(snaplen), cfg.Promiscuous, timeout)
	if err != nil {
		return nil, kerrors.Wrapf(err, kerrors.KindCaptureParse, "open interface %s", cfg.Interface)
	}
	if cfg.FilterExpr != "" {
		if err := handle.SetBPFFilter(cfg.FilterExpr); err != nil {
			handle.Close()
			return nil, kerrors.Wrapf(err, kerrors.KindConfigInvalid, "invalid capture filter %q", cfg.FilterExpr)
		}
	}

	return &Source{
		handle: handle,
		pkts:   make(chan spa.Candidate, 64),
		errs:   make(chan error, 1),
	}, nil
}

// Run decodes packets off the handle until ctx is cancelled, sending
// each candidate to the channel returned by Candidates. It is meant to run in its own
// goroutine feeding the single-threaded event loop's select.
func (s *Source) Run(ctx context.Context) {
	packetSource := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	defer close(s.pkts)
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-packetSource.Packets():
			if !ok {
				return
			}
			if c, ok := toCandidate(packet); ok {
				select {
				case s.pkts <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Candidates returns the channel of decoded candidates.
func (s *Source) Candidates() <-chan spa.Candidate { return s.pkts }

// Close releases the underlying pcap handle.
func (s *Source) Close() {
	s.handle.Close()
}

// toCandidate extracts a spa.Candidate from one captured frame,
// reporting ok=false for frames with no application payload — these
// are not knock attempts and are silently discarded (spec.md §4.1
// "Candidate Packet": only payload-bearing UDP/TCP frames qualify).
func toCandidate(packet gopacket.Packet) (spa.Candidate, bool) {
	var srcIP, dstIP []byte
	if ip4 := packet.Layer(layers.LayerTypeIPv4); ip4 != nil {
		l := ip4.(*layers.IPv4)
		srcIP, dstIP = l.SrcIP, l.DstIP
	} else if ip6 := packet.Layer(layers.LayerTypeIPv6); ip6 != nil {
		l := ip6.(*layers.IPv6)
		srcIP, dstIP = l.SrcIP, l.DstIP
	} else {
		return spa.Candidate{}, false
	}

	var proto string
	var srcPort, dstPort int
	var payload []byte

	if tcp := packet.Layer(layers.LayerTypeTCP); tcp != nil {
		l := tcp.(*layers.TCP)
		proto = "tcp"
		srcPort, dstPort = int(l.SrcPort), int(l.DstPort)
		payload = l.Payload
	} else if udp := packet.Layer(layers.LayerTypeUDP); udp != nil {
		l := udp.(*layers.UDP)
		proto = "udp"
		srcPort, dstPort = int(l.SrcPort), int(l.DstPort)
		payload = l.Payload
	} else {
		return spa.Candidate{}, false
	}

	if len(payload) == 0 {
		return spa.Candidate{}, false
	}

	capturedAt := time.Now()
	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		capturedAt = md.Timestamp
	}

	return spa.Candidate{
		SrcIP:      srcIP,
		DstIP:      dstIP,
		SrcPort:    srcPort,
		DstPort:    dstPort,
		Proto:      proto,
		Payload:    append([]byte(nil), payload...),
		CapturedAt: capturedAt,
	}, true
}

// SynthesizeFilter builds a BPF expression matching any of the given
// {proto, port} destinations. The daemon does not call it: when no
// filter is configured, capture runs unfiltered.
func SynthesizeFilter(ports []PortSpec) string {
	if len(ports) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(ports))
	for _, p := range ports {
		clauses = append(clauses, fmt.Sprintf("(%s and dst port %d)", p.Proto, p.Port))
	}
	return strings.Join(clauses, " or ")
}

// PortSpec is one {proto, port} pair used to synthesize a capture filter.
type PortSpec struct {
	Proto string
	Port  int
}
