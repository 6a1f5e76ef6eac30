package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/netpulse/internal/records"
)

var (
	v4 = netip.MustParseAddr("127.0.0.1")
	v6 = netip.MustParseAddr("::1")

	testTargets = map[records.Stack]netip.Addr{
		records.StackV4: v4,
		records.StackV6: v6,
	}
)

func fixed(lat time.Duration, err error) Prober {
	return ProberFunc(func(context.Context, netip.Addr) (time.Duration, error) {
		return lat, err
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want records.Cause
	}{
		{"nil", nil, records.CauseNone},
		{"deadline", context.DeadlineExceeded, records.CauseTimeout},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), records.CauseTimeout},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, records.CauseRefused},
		{"host unreachable", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, records.CauseUnreachable},
		{"net unreachable", syscall.ENETUNREACH, records.CauseUnreachable},
		{"icmp unreachable", fmt.Errorf("%w: type 3", ErrUnreachable), records.CauseUnreachable},
		{"other", errors.New("tls: bad certificate"), records.CauseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExecuteSuccess(t *testing.T) {
	e := NewExecutor(time.Second, testTargets, map[records.Combination]Prober{
		records.HTTPv4: fixed(12*time.Millisecond, nil),
	})

	r := e.Execute(context.Background(), records.HTTPv4, 42)
	assert.True(t, r.Success)
	assert.Equal(t, records.HTTPv4, r.Combination())
	assert.Equal(t, v4, r.Target)
	assert.Equal(t, int64(42), r.TimestampMs)
	assert.Equal(t, 12*time.Millisecond, r.Latency)
}

func TestExecuteFailureIsData(t *testing.T) {
	e := NewExecutor(time.Second, testTargets, map[records.Combination]Prober{
		records.ICMPv6: fixed(0, syscall.ENETUNREACH),
	})

	r := e.Execute(context.Background(), records.ICMPv6, 1)
	assert.False(t, r.Success)
	assert.Equal(t, records.CauseUnreachable, r.Cause)
	assert.Equal(t, v6, r.Target)
	assert.NotEmpty(t, r.Detail)
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// Ignores its context entirely.
	stuck := ProberFunc(func(context.Context, netip.Addr) (time.Duration, error) {
		<-release
		return time.Millisecond, nil
	})
	e := NewExecutor(50*time.Millisecond, testTargets, map[records.Combination]Prober{
		records.ICMPv4: stuck,
	})

	start := time.Now()
	r := e.Execute(context.Background(), records.ICMPv4, 1)
	elapsed := time.Since(start)

	assert.False(t, r.Success)
	assert.Equal(t, records.CauseTimeout, r.Cause)
	assert.Less(t, elapsed, time.Second, "executor must not wait for a stuck prober")
}

func TestExecutePanic(t *testing.T) {
	e := NewExecutor(time.Second, testTargets, map[records.Combination]Prober{
		records.HTTPv6: ProberFunc(func(context.Context, netip.Addr) (time.Duration, error) {
			panic("boom")
		}),
	})

	r := e.Execute(context.Background(), records.HTTPv6, 1)
	assert.False(t, r.Success)
	assert.Equal(t, records.CausePanic, r.Cause)
	assert.Equal(t, "boom", r.Detail)
}

func TestExecuteMissingProberOrTarget(t *testing.T) {
	e := NewExecutor(time.Second, map[records.Stack]netip.Addr{records.StackV4: v4}, map[records.Combination]Prober{
		records.HTTPv6: fixed(time.Millisecond, nil),
	})

	r := e.Execute(context.Background(), records.HTTPv6, 1)
	assert.False(t, r.Success)
	assert.Equal(t, records.CauseError, r.Cause)

	r = e.Execute(context.Background(), records.ICMPv4, 1)
	assert.False(t, r.Success)
	assert.Equal(t, records.CauseError, r.Cause)
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewExecutor(time.Second, testTargets, map[records.Combination]Prober{
		records.HTTPv4: ProberFunc(func(ctx context.Context, _ netip.Addr) (time.Duration, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}),
	})

	r := e.Execute(ctx, records.HTTPv4, 1)
	assert.False(t, r.Success)
}

func serverPort(t *testing.T, s *httptest.Server) int {
	t.Helper()
	_, port, err := net.SplitHostPort(s.Listener.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return n
}

func TestHTTPProberAnyStatusIsReachable(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusMovedPermanently, http.StatusInternalServerError} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			methods := make(chan string, 1)
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				methods <- r.Method
				if status == http.StatusMovedPermanently {
					w.Header().Set("Location", "http://192.0.2.1/")
				}
				w.WriteHeader(status)
			}))
			defer s.Close()

			p := NewHTTPProber("http", records.StackV4)
			p.Port = serverPort(t, s)

			lat, err := p.Probe(context.Background(), v4)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, lat, time.Duration(0))
			assert.Equal(t, http.MethodHead, <-methods)
		})
	}
}

func TestHTTPProberRefused(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	port := serverPort(t, s)
	s.Close()

	p := NewHTTPProber("http", records.StackV4)
	p.Port = port

	_, err := p.Probe(context.Background(), v4)
	require.Error(t, err)
	assert.Equal(t, records.CauseRefused, Classify(err))
}

func TestHTTPProberTimeoutThroughExecutor(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer s.Close()

	p := NewHTTPProber("http", records.StackV4)
	p.Port = serverPort(t, s)
	e := NewExecutor(50*time.Millisecond, testTargets, map[records.Combination]Prober{records.HTTPv4: p})

	r := e.Execute(context.Background(), records.HTTPv4, 1)
	assert.False(t, r.Success)
	assert.Equal(t, records.CauseTimeout, r.Cause)
}

func TestHTTPProberURL(t *testing.T) {
	p := NewHTTPProber("https", records.StackV6)
	assert.Equal(t, "https://[2606:4700:4700::1111]/", p.url(netip.MustParseAddr("2606:4700:4700::1111")))
	assert.Equal(t, "https://1.1.1.1/", p.url(netip.MustParseAddr("1.1.1.1")))

	p.Port = 8080
	assert.Equal(t, "https://[::1]:8080/", p.url(v6))
}

func TestDefaultProbers(t *testing.T) {
	probers := DefaultProbers("http")
	for _, c := range records.AllCombinations() {
		assert.NotNil(t, probers[c], "no prober for %s", c)
	}
}
