package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/xtxerr/netpulse/internal/records"
)

// IANA protocol numbers for icmp.ParseMessage.
const (
	protoICMP   = 1
	protoICMPv6 = 58
)

var echoPayload = []byte("netpulse")

// ICMPProber sends one ICMP echo request and waits for the matching reply.
//
// It first tries an unprivileged datagram socket (Linux ping sockets,
// net.ipv4.ping_group_range) and falls back to a raw socket, which needs
// CAP_NET_RAW.
type ICMPProber struct {
	stack records.Stack
	id    int
	seq   atomic.Uint32
}

// NewICMPProber creates an ICMP prober for stack.
func NewICMPProber(stack records.Stack) *ICMPProber {
	return &ICMPProber{
		stack: stack,
		id:    os.Getpid() & 0xffff,
	}
}

type icmpSocket struct {
	conn     *icmp.PacketConn
	datagram bool
}

func (p *ICMPProber) listen() (icmpSocket, error) {
	dgram, raw, addr := "udp4", "ip4:icmp", "0.0.0.0"
	if p.stack == records.StackV6 {
		dgram, raw, addr = "udp6", "ip6:ipv6-icmp", "::"
	}

	conn, err := icmp.ListenPacket(dgram, addr)
	if err == nil {
		return icmpSocket{conn: conn, datagram: true}, nil
	}
	conn, rawErr := icmp.ListenPacket(raw, addr)
	if rawErr != nil {
		return icmpSocket{}, fmt.Errorf("open icmp socket: %w", errors.Join(err, rawErr))
	}
	return icmpSocket{conn: conn}, nil
}

// Probe implements Prober.
func (p *ICMPProber) Probe(ctx context.Context, target netip.Addr) (time.Duration, error) {
	sock, err := p.listen()
	if err != nil {
		return 0, err
	}
	defer sock.conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := sock.conn.SetDeadline(deadline); err != nil {
			return 0, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		sock.conn.SetDeadline(time.Now())
	})
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: echoPayload},
	}
	proto := protoICMP
	if p.stack == records.StackV6 {
		msg.Type = ipv6.ICMPTypeEchoRequest
		proto = protoICMPv6
	} else {
		msg.Type = ipv4.ICMPTypeEcho
	}

	// The kernel fills in the ICMPv6 checksum.
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("marshal echo: %w", err)
	}

	var dst net.Addr = &net.IPAddr{IP: target.AsSlice()}
	if sock.datagram {
		dst = &net.UDPAddr{IP: target.AsSlice()}
	}

	start := time.Now()
	if _, err := sock.conn.WriteTo(wb, dst); err != nil {
		return 0, err
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := sock.conn.ReadFrom(rb)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, err
		}

		reply, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}

		switch reply.Type {
		case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
			echo, ok := reply.Body.(*icmp.Echo)
			if !ok || echo.Seq != seq {
				continue
			}
			// Datagram sockets rewrite the identifier, so only raw replies
			// are matched on it.
			if !sock.datagram && echo.ID != p.id {
				continue
			}
			return time.Since(start), nil
		case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable,
			ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
			// A raw socket sees every ICMP error the host receives.
			if !p.quotesEcho(reply.Body, target, seq, !sock.datagram) {
				continue
			}
			return 0, fmt.Errorf("%w: %v", ErrUnreachable, reply.Type)
		}
	}
}

// quotesEcho reports whether the ICMP error body quotes our echo request
// with sequence seq to target. The identifier is compared only with
// checkID set.
func (p *ICMPProber) quotesEcho(body icmp.MessageBody, target netip.Addr, seq int, checkID bool) bool {
	var data []byte
	switch b := body.(type) {
	case *icmp.DstUnreach:
		data = b.Data
	case *icmp.TimeExceeded:
		data = b.Data
	default:
		return false
	}

	var (
		dst    net.IP
		quoted []byte
	)
	proto, echo := protoICMP, icmp.Type(ipv4.ICMPTypeEcho)
	if p.stack == records.StackV6 {
		h, err := ipv6.ParseHeader(data)
		if err != nil || h.NextHeader != protoICMPv6 {
			return false
		}
		dst, quoted = h.Dst, data[ipv6.HeaderLen:]
		proto, echo = protoICMPv6, ipv6.ICMPTypeEchoRequest
	} else {
		h, err := ipv4.ParseHeader(data)
		if err != nil || h.Protocol != protoICMP || h.Len > len(data) {
			return false
		}
		dst, quoted = h.Dst, data[h.Len:]
	}

	addr, ok := netip.AddrFromSlice(dst)
	if !ok || addr.Unmap() != target.Unmap() {
		return false
	}
	msg, err := icmp.ParseMessage(proto, quoted)
	if err != nil || msg.Type != echo {
		return false
	}
	req, ok := msg.Body.(*icmp.Echo)
	if !ok || req.Seq != seq {
		return false
	}
	return !checkID || req.ID == p.id
}
