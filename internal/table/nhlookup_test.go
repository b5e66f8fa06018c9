package table

import (
	"context"
	"net/netip"
	"testing"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/attrs"
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/nhres"
	"github.com/route-beacon/ribd/internal/rib"
	"github.com/route-beacon/ribd/internal/route"
)

type fakeRIBClient struct {
	responses []rib.RegisterResponse[bgpaddr.V4]
	calls     int
}

func (c *fakeRIBClient) AddIGPTable(context.Context, string, bool, bool) rib.ErrorKind { return rib.OK }
func (c *fakeRIBClient) DeleteIGPTable(context.Context, string, bool, bool) rib.ErrorKind {
	return rib.OK
}
func (c *fakeRIBClient) AddRoute(context.Context, string, bgpaddr.PrefixNet[bgpaddr.V4], bgpaddr.V4, uint32, bool, bool, []string) rib.ErrorKind {
	return rib.OK
}
func (c *fakeRIBClient) AddInterfaceRoute(context.Context, string, bgpaddr.PrefixNet[bgpaddr.V4], bgpaddr.V4, string, string, uint32, bool, bool, []string) rib.ErrorKind {
	return rib.OK
}
func (c *fakeRIBClient) ReplaceRoute(context.Context, string, bgpaddr.PrefixNet[bgpaddr.V4], bgpaddr.V4, uint32, bool, bool, []string) rib.ErrorKind {
	return rib.OK
}
func (c *fakeRIBClient) DeleteRoute(context.Context, string, bgpaddr.PrefixNet[bgpaddr.V4], bool, bool) rib.ErrorKind {
	return rib.OK
}
func (c *fakeRIBClient) RegisterInterest(_ context.Context, nh bgpaddr.V4) (rib.RegisterResponse[bgpaddr.V4], rib.ErrorKind) {
	resp := c.responses[c.calls]
	c.calls++
	return resp, rib.OK
}
func (c *fakeRIBClient) DeregisterInterest(context.Context, bgpaddr.PrefixNet[bgpaddr.V4]) rib.ErrorKind {
	return rib.OK
}

func nhaddr(s string) bgpaddr.V4 { return bgpaddr.NewV4(netip.MustParseAddr(s)) }

func TestNhLookupTableForwardsImmediatelyWhenResolvable(t *testing.T) {
	client := &fakeRIBClient{responses: []rib.RegisterResponse[bgpaddr.V4]{
		{Resolves: true, Base: nhaddr("10.0.0.0"), PrefixLen: 24, RealPrefixLen: 24, ActualNextHop: nhaddr("10.0.0.1"), Metric: 1},
	}}
	resolver := nhres.NewResolver[bgpaddr.V4](client, clockwork.NewFakeClock(), bgpaddr.IPv4, bgpaddr.NewV4, zap.NewNop())
	nh := NewNhLookupTable[bgpaddr.V4]("nhlookup", resolver, bgpaddr.NewV4)
	next := &recordingNode{}
	nh.SetNext(next)

	peer := &route.PeerHandler{Name: "peerA"}
	rt := route.NewSubnetRoute[bgpaddr.V4](net24("198.51.100.0/24"), &attrs.PathAttributes{NextHop: netip.MustParseAddr("10.0.0.1")}, peer, 1)

	status := nh.AddRoute(route.NewAddMessage[bgpaddr.V4](rt, peer, 1))
	if status != route.StatusUsed {
		t.Fatalf("expected the route forwarded once nexthop resolves, got %v", status)
	}
	if nh.QueuedCount() != 0 {
		t.Fatalf("expected nothing queued, got %d", nh.QueuedCount())
	}
}

func TestNhLookupTableQueuesUntilNextHopChanged(t *testing.T) {
	client := &fakeRIBClient{responses: []rib.RegisterResponse[bgpaddr.V4]{
		{Resolves: false, Base: nhaddr("10.0.0.0"), PrefixLen: 24, RealPrefixLen: 24},
	}}
	resolver := nhres.NewResolver[bgpaddr.V4](client, clockwork.NewFakeClock(), bgpaddr.IPv4, bgpaddr.NewV4, zap.NewNop())
	nh := NewNhLookupTable[bgpaddr.V4]("nhlookup", resolver, bgpaddr.NewV4)
	next := &recordingNode{}
	nh.SetNext(next)

	peer := &route.PeerHandler{Name: "peerA"}
	rt := route.NewSubnetRoute[bgpaddr.V4](net24("198.51.100.0/24"), &attrs.PathAttributes{NextHop: netip.MustParseAddr("10.0.0.1")}, peer, 1)

	status := nh.AddRoute(route.NewAddMessage[bgpaddr.V4](rt, peer, 1))
	if status != route.StatusUnused {
		t.Fatalf("expected the route held back while unresolvable, got %v", status)
	}
	if nh.QueuedCount() != 1 {
		t.Fatalf("expected 1 queued entry, got %d", nh.QueuedCount())
	}

	resolver.NotifyChanged(net24("10.0.0.0/24"), true, 5)

	if nh.QueuedCount() != 0 {
		t.Fatalf("expected the queue to drain once the nexthop resolved, got %d", nh.QueuedCount())
	}
}

func TestNhLookupTableDeleteDropsQueuedRouteWithoutForwarding(t *testing.T) {
	client := &fakeRIBClient{responses: []rib.RegisterResponse[bgpaddr.V4]{
		{Resolves: false, Base: nhaddr("10.0.0.0"), PrefixLen: 24, RealPrefixLen: 24},
	}}
	resolver := nhres.NewResolver[bgpaddr.V4](client, clockwork.NewFakeClock(), bgpaddr.IPv4, bgpaddr.NewV4, zap.NewNop())
	nh := NewNhLookupTable[bgpaddr.V4]("nhlookup", resolver, bgpaddr.NewV4)
	next := &recordingNode{}
	nh.SetNext(next)

	peer := &route.PeerHandler{Name: "peerA"}
	rt := route.NewSubnetRoute[bgpaddr.V4](net24("198.51.100.0/24"), &attrs.PathAttributes{NextHop: netip.MustParseAddr("10.0.0.1")}, peer, 1)

	nh.AddRoute(route.NewAddMessage[bgpaddr.V4](rt, peer, 1))
	nh.DeleteRoute(route.NewDeleteMessage[bgpaddr.V4](rt, peer, 1))

	if nh.QueuedCount() != 0 {
		t.Fatalf("expected the delete to drop the queued entry, got %d", nh.QueuedCount())
	}
}
