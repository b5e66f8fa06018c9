package rib

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name          string
		kind          ErrorKind
		everSucceeded bool
		isDeregister  bool
		want          Disposition
	}{
		{"resolve failed before any success retries", ResolveFailed, false, false, DispositionRetry},
		{"resolve failed after a success is fatal", ResolveFailed, true, false, DispositionFatal},
		{"send failed retries", SendFailed, false, false, DispositionRetry},
		{"send failed transient retries", SendFailedTransient, true, false, DispositionRetry},
		{"reply timeout retries", ReplyTimedOut, false, false, DispositionRetry},
		{"no finder is always fatal", NoFinder, true, false, DispositionFatal},
		{"command failed on register is fatal", CommandFailed, false, false, DispositionFatal},
		{"command failed on deregister is rejected", CommandFailed, false, true, DispositionRejected},
		{"internal error on deregister is rejected", InternalError, true, true, DispositionRejected},
		{"bad args is rejected", BadArgs, false, false, DispositionRejected},
		{"no such method is rejected", NoSuchMethod, false, false, DispositionRejected},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.kind, c.everSucceeded, c.isDeregister)
			if got != c.want {
				t.Fatalf("Classify(%v, %v, %v) = %v, want %v", c.kind, c.everSucceeded, c.isDeregister, got, c.want)
			}
		})
	}
}

// fakeClient scripts a sequence of ErrorKind responses per call, used to
// drive the InformQueue's retry loop without a real RIB process.
type fakeClient struct {
	addResults []ErrorKind
	calls      int
}

func (f *fakeClient) AddIGPTable(ctx context.Context, proto string, unicast, multicast bool) ErrorKind {
	return OK
}
func (f *fakeClient) DeleteIGPTable(ctx context.Context, proto string, unicast, multicast bool) ErrorKind {
	return OK
}
func (f *fakeClient) AddRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[bgpaddr.V4], nh bgpaddr.V4, metric uint32, unicast, multicast bool, tags []string) ErrorKind {
	kind := f.addResults[f.calls]
	f.calls++
	return kind
}
func (f *fakeClient) AddInterfaceRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[bgpaddr.V4], nh bgpaddr.V4, ifname, vifname string, metric uint32, unicast, multicast bool, tags []string) ErrorKind {
	return OK
}
func (f *fakeClient) ReplaceRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[bgpaddr.V4], nh bgpaddr.V4, metric uint32, unicast, multicast bool, tags []string) ErrorKind {
	return OK
}
func (f *fakeClient) DeleteRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[bgpaddr.V4], unicast, multicast bool) ErrorKind {
	return OK
}
func (f *fakeClient) RegisterInterest(ctx context.Context, nh bgpaddr.V4) (RegisterResponse[bgpaddr.V4], ErrorKind) {
	return RegisterResponse[bgpaddr.V4]{}, OK
}
func (f *fakeClient) DeregisterInterest(ctx context.Context, base bgpaddr.PrefixNet[bgpaddr.V4]) ErrorKind {
	return OK
}

func net24(s string) bgpaddr.PrefixNet[bgpaddr.V4] {
	return bgpaddr.NewPrefixNet(netip.MustParsePrefix(s), bgpaddr.NewV4)
}

func TestInformQueueRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{addResults: []ErrorKind{SendFailedTransient, OK}}
	clock := clockwork.NewFakeClock()
	q := NewInformQueue[bgpaddr.V4](client, clock, bgpaddr.IPv4, zap.NewNop())

	req := &EgressRequest[bgpaddr.V4]{Kind: EgressAdd, Proto: "bgp", Net: net24("10.0.0.0/24")}
	q.Enqueue(context.Background(), req)

	if q.Len() != 1 {
		t.Fatalf("expected request still pending after transient failure, got len %d", q.Len())
	}
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	if q.Len() != 0 {
		t.Fatalf("expected request drained after retry succeeded, got len %d", q.Len())
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 calls (1 failed + 1 retry), got %d", client.calls)
	}
}

func TestInformQueueDropsOnCommandFailed(t *testing.T) {
	client := &fakeClient{addResults: []ErrorKind{CommandFailed}}
	clock := clockwork.NewFakeClock()
	q := NewInformQueue[bgpaddr.V4](client, clock, bgpaddr.IPv4, zap.NewNop())

	q.Enqueue(context.Background(), &EgressRequest[bgpaddr.V4]{Kind: EgressAdd, Proto: "bgp", Net: net24("10.0.0.0/24")})

	if q.Len() != 0 {
		t.Fatalf("expected rejected request dropped, got len %d", q.Len())
	}
}

func TestInformQueueFatalOnNoFinder(t *testing.T) {
	client := &fakeClient{addResults: []ErrorKind{NoFinder}}
	clock := clockwork.NewFakeClock()
	q := NewInformQueue[bgpaddr.V4](client, clock, bgpaddr.IPv4, zap.NewNop())

	var fatalReason string
	q.OnFatal = func(reason string) { fatalReason = reason }

	q.Enqueue(context.Background(), &EgressRequest[bgpaddr.V4]{Kind: EgressAdd, Proto: "bgp", Net: net24("10.0.0.0/24")})

	if fatalReason == "" {
		t.Fatal("expected OnFatal to be invoked on NO_FINDER")
	}
	if q.Len() != 1 {
		t.Fatal("expected the failed request to remain queued at the head after a fatal error")
	}
}

func TestInformQueueCancelSkipsIgnoredEntry(t *testing.T) {
	client := &fakeClient{addResults: []ErrorKind{SendFailedTransient, OK, OK}}
	clock := clockwork.NewFakeClock()
	q := NewInformQueue[bgpaddr.V4](client, clock, bgpaddr.IPv4, zap.NewNop())

	q.Enqueue(context.Background(), &EgressRequest[bgpaddr.V4]{Kind: EgressAdd, Proto: "bgp", Net: net24("10.0.0.0/24")})
	second := &EgressRequest[bgpaddr.V4]{Kind: EgressAdd, Proto: "bgp", Net: net24("10.0.1.0/24")}
	q.Enqueue(context.Background(), second)

	q.Cancel(func(r *EgressRequest[bgpaddr.V4]) bool { return r.Net.Equal(net24("10.0.1.0/24")) })

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	if !second.Ignored {
		t.Fatal("expected the queued (not in-flight) entry to be marked ignored")
	}
	if q.Len() != 0 {
		t.Fatalf("expected ignored entry dropped without a send, got len %d", q.Len())
	}
}

