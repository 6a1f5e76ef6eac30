package probe

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/xtxerr/netpulse/internal/records"
)

// echoRequest marshals the first bytes of an echo request as routers quote
// them.
func echoRequest(t *testing.T, typ icmp.Type, id, seq int) []byte {
	t.Helper()
	b, err := (&icmp.Message{Type: typ, Body: &icmp.Echo{ID: id, Seq: seq, Data: echoPayload}}).Marshal(nil)
	require.NoError(t, err)
	return b[:8]
}

func quoteV4(t *testing.T, dst netip.Addr, proto int, payload []byte) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      1,
		Protocol: proto,
		Src:      net.ParseIP("192.0.2.1").To4(),
		Dst:      dst.AsSlice(),
	}
	b, err := h.Marshal()
	require.NoError(t, err)
	return append(b, payload...)
}

func quoteV6(dst netip.Addr, next int, payload []byte) []byte {
	b := make([]byte, ipv6.HeaderLen)
	b[0] = ipv6.Version << 4
	binary.BigEndian.PutUint16(b[4:6], uint16(len(payload)))
	b[6] = byte(next)
	b[7] = 1
	copy(b[8:24], net.ParseIP("2001:db8::1"))
	d := dst.As16()
	copy(b[24:40], d[:])
	return append(b, payload...)
}

func TestQuotesEchoV4(t *testing.T) {
	p := NewICMPProber(records.StackV4)
	target := netip.MustParseAddr("1.1.1.1")
	ours := echoRequest(t, ipv4.ICMPTypeEcho, p.id, 7)

	tests := []struct {
		name    string
		body    icmp.MessageBody
		checkID bool
		want    bool
	}{
		{"our request unreachable", &icmp.DstUnreach{Data: quoteV4(t, target, protoICMP, ours)}, true, true},
		{"our request ttl exceeded", &icmp.TimeExceeded{Data: quoteV4(t, target, protoICMP, ours)}, true, true},
		{"other destination", &icmp.DstUnreach{Data: quoteV4(t, netip.MustParseAddr("8.8.8.8"), protoICMP, ours)}, true, false},
		{"other sequence", &icmp.DstUnreach{Data: quoteV4(t, target, protoICMP, echoRequest(t, ipv4.ICMPTypeEcho, p.id, 8))}, true, false},
		{"other identifier", &icmp.DstUnreach{Data: quoteV4(t, target, protoICMP, echoRequest(t, ipv4.ICMPTypeEcho, p.id^1, 7))}, true, false},
		{"identifier ignored on datagram sockets", &icmp.DstUnreach{Data: quoteV4(t, target, protoICMP, echoRequest(t, ipv4.ICMPTypeEcho, p.id^1, 7))}, false, true},
		{"unrelated udp flow", &icmp.DstUnreach{Data: quoteV4(t, target, 17, []byte{0, 53, 0, 53, 0, 8, 0, 0})}, true, false},
		{"truncated quote", &icmp.DstUnreach{Data: []byte{0x45, 0}}, true, false},
		{"not an error body", &icmp.Echo{ID: p.id, Seq: 7}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.quotesEcho(tt.body, target, 7, tt.checkID))
		})
	}
}

func TestQuotesEchoV6(t *testing.T) {
	p := NewICMPProber(records.StackV6)
	target := netip.MustParseAddr("2606:4700:4700::1111")
	ours := echoRequest(t, ipv6.ICMPTypeEchoRequest, p.id, 3)

	assert.True(t, p.quotesEcho(&icmp.DstUnreach{Data: quoteV6(target, protoICMPv6, ours)}, target, 3, true))
	assert.True(t, p.quotesEcho(&icmp.TimeExceeded{Data: quoteV6(target, protoICMPv6, ours)}, target, 3, true))
	assert.False(t, p.quotesEcho(&icmp.DstUnreach{Data: quoteV6(netip.MustParseAddr("2001:db8::2"), protoICMPv6, ours)}, target, 3, true))
	assert.False(t, p.quotesEcho(&icmp.DstUnreach{Data: quoteV6(target, protoICMPv6, ours)}, target, 4, true))
	assert.False(t, p.quotesEcho(&icmp.DstUnreach{Data: quoteV6(target, 6, ours)}, target, 3, true))
}
