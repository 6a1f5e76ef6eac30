package records

import (
	"net/netip"
	"testing"
	"time"
)

func TestParseCombination(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Combination
		wantErr bool
	}{
		{name: "http v4", input: "http-v4", want: HTTPv4},
		{name: "http v6", input: "http-v6", want: HTTPv6},
		{name: "icmp v4", input: "icmp-v4", want: ICMPv4},
		{name: "icmp v6 upper case", input: "ICMP-V6", want: ICMPv6},
		{name: "surrounding spaces", input: " http-v4 ", want: HTTPv4},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown kind", input: "dns-v4", wantErr: true},
		{name: "unknown stack", input: "http-v5", wantErr: true},
		{name: "missing stack", input: "http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCombination(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCombination(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseCombination(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCombinationStringRoundTrip(t *testing.T) {
	for _, c := range AllCombinations() {
		got, err := ParseCombination(c.String())
		if err != nil {
			t.Fatalf("ParseCombination(%q): %v", c, err)
		}
		if got != c {
			t.Errorf("round trip of %v gave %v", c, got)
		}
		if !c.Valid() {
			t.Errorf("%v should be valid", c)
		}
	}

	if (Combination{Kind: 9, Stack: StackV4}).Valid() {
		t.Error("unknown kind should not be valid")
	}
}

func TestParseStack(t *testing.T) {
	for _, in := range []string{"v4", "IPv4", "4"} {
		if s, err := ParseStack(in); err != nil || s != StackV4 {
			t.Errorf("ParseStack(%q) = %v, %v", in, s, err)
		}
	}
	for _, in := range []string{"v6", "ipv6", "6"} {
		if s, err := ParseStack(in); err != nil || s != StackV6 {
			t.Errorf("ParseStack(%q) = %v, %v", in, s, err)
		}
	}
	if _, err := ParseStack("v5"); err == nil {
		t.Error("ParseStack(v5) should fail")
	}
}

func TestStackOf(t *testing.T) {
	tests := []struct {
		addr string
		want Stack
	}{
		{"1.1.1.1", StackV4},
		{"::ffff:1.1.1.1", StackV4},
		{"2606:4700:4700::1111", StackV6},
		{"::1", StackV6},
	}
	for _, tt := range tests {
		if got := StackOf(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("StackOf(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestConstructors(t *testing.T) {
	target := netip.MustParseAddr("1.1.1.1")

	ok := Succeeded(HTTPv4, target, 1000, 25*time.Millisecond)
	if !ok.Success || ok.Cause != CauseNone || ok.Latency != 25*time.Millisecond {
		t.Errorf("Succeeded produced %+v", ok)
	}
	if ok.Combination() != HTTPv4 {
		t.Errorf("Combination() = %v, want %v", ok.Combination(), HTTPv4)
	}

	bad := Failed(ICMPv4, target, 2000, CauseTimeout, "deadline exceeded")
	if bad.Success || bad.Cause != CauseTimeout || bad.Latency != 0 {
		t.Errorf("Failed produced %+v", bad)
	}

	// A failure always has a cause.
	unknown := Failed(ICMPv4, target, 2000, CauseNone, "")
	if unknown.Cause != CauseError {
		t.Errorf("Failed with CauseNone gave cause %v, want %v", unknown.Cause, CauseError)
	}
}

func TestSucceededTruncatesLatency(t *testing.T) {
	r := Succeeded(ICMPv4, netip.MustParseAddr("1.1.1.1"), 0, 12_345_678*time.Nanosecond)
	if r.Latency != 12_345*time.Microsecond {
		t.Errorf("Latency = %s, want 12.345ms", r.Latency)
	}
}

func TestTime(t *testing.T) {
	r := Succeeded(HTTPv4, netip.MustParseAddr("1.1.1.1"), 1686429357000, time.Millisecond)
	if got := r.Time().Unix(); got != 1686429357 {
		t.Errorf("Time().Unix() = %d", got)
	}
}
