// Package dnspkt classifies raw packets read from the virtual interface
// and synthesizes DNS answers back into raw packets. Only IPv4/UDP
// queries to port 53 are recognized; everything else is passed through
// untouched by the forwarding loop.
package dnspkt

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
)

const (
	udpHeaderLen  = 8
	dnsPort       = 53
	protocolUDP   = 17
	answerTTL     = 10
	replyIPTTL    = 64
	minIPv4Header = ipv4.HeaderLen
)

// Query is a DNS query parsed out of a raw IPv4/UDP packet, retaining
// enough of the original addressing to synthesize a reply.
type Query struct {
	// Msg is the decoded DNS message. It always carries at least one
	// question.
	Msg *dns.Msg

	header  *ipv4.Header
	srcPort uint16
	dstPort uint16
}

// Name returns the first question name.
func (q *Query) Name() string { return q.Msg.Question[0].Name }

// Qtype returns the first question type.
func (q *Query) Qtype() uint16 { return q.Msg.Question[0].Qtype }

// Parse inspects a raw packet and returns the contained DNS query, or
// ok=false when the packet is not an IPv4 UDP query to port 53. Malformed
// DNS payloads on port 53 also return ok=false so the loop forwards them
// rather than dropping traffic it cannot decode.
func Parse(pkt []byte) (q *Query, ok bool) {
	if len(pkt) < minIPv4Header || pkt[0]>>4 != 4 {
		return nil, false
	}
	hdr, err := ipv4.ParseHeader(pkt)
	if err != nil || hdr.Protocol != protocolUDP {
		return nil, false
	}
	if hdr.Len < minIPv4Header || len(pkt) < hdr.Len+udpHeaderLen {
		return nil, false
	}
	udp := pkt[hdr.Len:]
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	dstPort := binary.BigEndian.Uint16(udp[2:4])
	if dstPort != dnsPort {
		return nil, false
	}
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < udpHeaderLen || len(udp) < udpLen {
		return nil, false
	}
	payload := udp[udpHeaderLen:udpLen]

	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return nil, false
	}
	if msg.Response || len(msg.Question) == 0 {
		return nil, false
	}
	return &Query{Msg: msg, header: hdr, srcPort: srcPort, dstPort: dstPort}, true
}

// NXDomain synthesizes a raw packet answering the query with NXDOMAIN,
// addressed back to the client.
func (q *Query) NXDomain() ([]byte, error) {
	reply := new(dns.Msg)
	reply.SetRcode(q.Msg, dns.RcodeNameError)
	reply.RecursionAvailable = true
	return q.wrap(reply)
}

// Address synthesizes a raw packet answering an A/AAAA query with the
// given address.
func (q *Query) Address(ip net.IP) ([]byte, error) {
	reply := new(dns.Msg)
	reply.SetReply(q.Msg)
	reply.RecursionAvailable = true
	question := q.Msg.Question[0]
	hdr := dns.RR_Header{
		Name:   question.Name,
		Class:  dns.ClassINET,
		Ttl:    answerTTL,
		Rrtype: question.Qtype,
	}
	switch question.Qtype {
	case dns.TypeA:
		if v4 := ip.To4(); v4 != nil {
			reply.Answer = append(reply.Answer, &dns.A{Hdr: hdr, A: v4})
		}
	case dns.TypeAAAA:
		if v4 := ip.To4(); v4 == nil {
			reply.Answer = append(reply.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	default:
		return nil, fmt.Errorf("cannot rewrite query type %d", question.Qtype)
	}
	return q.wrap(reply)
}

// wrap packs a DNS reply and rebuilds the IPv4 and UDP layers with the
// original addressing reversed.
func (q *Query) wrap(reply *dns.Msg) ([]byte, error) {
	payload, err := reply.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack reply: %w", err)
	}

	src := q.header.Dst.To4()
	dst := q.header.Src.To4()
	if src == nil || dst == nil {
		return nil, fmt.Errorf("non-IPv4 addressing in query")
	}

	totalLen := minIPv4Header + udpHeaderLen + len(payload)
	pkt := make([]byte, totalLen)

	// IPv4 header, no options.
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(pkt[4:6], uint16(q.header.ID))
	pkt[8] = replyIPTTL
	pkt[9] = protocolUDP
	copy(pkt[12:16], src)
	copy(pkt[16:20], dst)
	binary.BigEndian.PutUint16(pkt[10:12], ipChecksum(pkt[:minIPv4Header]))

	udp := pkt[minIPv4Header:]
	binary.BigEndian.PutUint16(udp[0:2], q.dstPort)
	binary.BigEndian.PutUint16(udp[2:4], q.srcPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(payload)))
	copy(udp[udpHeaderLen:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(src, dst, udp))

	return pkt, nil
}

// ipChecksum computes the IPv4 header checksum over hdr, treating the
// checksum field itself as zero.
func ipChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	return foldChecksum(sum)
}

// udpChecksum computes the UDP checksum including the IPv4 pseudo
// header. udp must start at the UDP header with its checksum field
// zeroed.
func udpChecksum(src, dst net.IP, udp []byte) uint16 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += protocolUDP
	sum += uint32(len(udp))

	for i := 0; i+1 < len(udp); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(udp[i : i+2]))
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}
	cs := foldChecksum(sum)
	if cs == 0 {
		cs = 0xffff
	}
	return cs
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
