package table

import (
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

type recordingNode struct {
	Downstream[bgpaddr.V4]
	used   []bool
	routes []*route.SubnetRoute[bgpaddr.V4]
}

func (r *recordingNode) Name() string { return "recording" }
func (r *recordingNode) AddRoute(msg *route.InternalMessage[bgpaddr.V4]) route.UseStatus {
	return route.StatusUsed
}
func (r *recordingNode) ReplaceRoute(msg *route.InternalMessage[bgpaddr.V4]) route.UseStatus {
	return route.StatusUsed
}
func (r *recordingNode) DeleteRoute(msg *route.InternalMessage[bgpaddr.V4]) {}
func (r *recordingNode) Push(peer *route.PeerHandler, genID route.GenID)   {}
func (r *recordingNode) RouteUsed(rt *route.SubnetRoute[bgpaddr.V4], inUse bool) {
	r.used = append(r.used, inUse)
	r.routes = append(r.routes, rt)
}
func (r *recordingNode) Lookup(net bgpaddr.PrefixNet[bgpaddr.V4]) (*route.SubnetRoute[bgpaddr.V4], bool) {
	var zero *route.SubnetRoute[bgpaddr.V4]
	return zero, false
}

func net24(s string) bgpaddr.PrefixNet[bgpaddr.V4] {
	return bgpaddr.NewPrefixNet(netip.MustParsePrefix(s), bgpaddr.NewV4)
}

func noIGP(_ *route.PeerHandler) (uint32, bool) { return 0, false }

func TestDecisionPrefersHigherLocalPref(t *testing.T) {
	d := NewDecision[bgpaddr.V4](bgpaddr.IPv4, noIGP, nil, bgpaddr.NewV4)
	fanout := &recordingNode{}
	d.Next = fanout

	peerA := &route.PeerHandler{Name: "peerA"}
	peerB := &route.PeerHandler{Name: "peerB"}
	parentA, parentB := &recordingNode{}, &recordingNode{}
	d.AddParent("peerA", parentA)
	d.AddParent("peerB", parentB)

	lpLow, lpHigh := uint32(50), uint32(200)
	rA := route.NewSubnetRoute[bgpaddr.V4](net24("10.0.0.0/24"), &attrs.PathAttributes{LocalPref: &lpLow}, peerA, 1)
	rB := route.NewSubnetRoute[bgpaddr.V4](net24("10.0.0.0/24"), &attrs.PathAttributes{LocalPref: &lpHigh}, peerB, 1)

	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rA, peerA, 1))
	status := d.AddRoute(route.NewAddMessage[bgpaddr.V4](rB, peerB, 1))

	if status != route.StatusUsed {
		t.Fatalf("expected winner change status, got %v", status)
	}
	winner, ok := d.Lookup(net24("10.0.0.0/24"))
	if !ok || winner != rB {
		t.Fatalf("expected peerB's higher local-pref route to win")
	}
	if !rB.IsWinner() || rA.IsWinner() {
		t.Fatal("expected winner flags to reflect the new winner")
	}
	if len(parentB.used) != 1 || !parentB.used[0] {
		t.Fatalf("expected peerB's parent notified in-use, got %v", parentB.used)
	}
}

func TestDecisionPrefersShorterASPath(t *testing.T) {
	d := NewDecision[bgpaddr.V4](bgpaddr.IPv4, noIGP, nil, bgpaddr.NewV4)
	d.Next = &recordingNode{}
	peerA := &route.PeerHandler{Name: "peerA"}
	peerB := &route.PeerHandler{Name: "peerB"}
	d.AddParent("peerA", &recordingNode{})
	d.AddParent("peerB", &recordingNode{})

	long := &attrs.PathAttributes{ASPath: []attrs.ASPathSegment{{Type: attrs.ASSequence, ASNs: []uint32{1, 2, 3}}}}
	short := &attrs.PathAttributes{ASPath: []attrs.ASPathSegment{{Type: attrs.ASSequence, ASNs: []uint32{1}}}}

	rA := route.NewSubnetRoute[bgpaddr.V4](net24("10.1.0.0/24"), long, peerA, 1)
	rB := route.NewSubnetRoute[bgpaddr.V4](net24("10.1.0.0/24"), short, peerB, 1)

	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rA, peerA, 1))
	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rB, peerB, 1))

	winner, _ := d.Lookup(net24("10.1.0.0/24"))
	if winner != rB {
		t.Fatal("expected the shorter AS_PATH to win")
	}
}

func TestDecisionPrefersEBGPOverIBGP(t *testing.T) {
	d := NewDecision[bgpaddr.V4](bgpaddr.IPv4, noIGP, nil, bgpaddr.NewV4)
	d.Next = &recordingNode{}
	peerEBGP := &route.PeerHandler{Name: "ebgp", IsInternal: false}
	peerIBGP := &route.PeerHandler{Name: "ibgp", IsInternal: true}
	d.AddParent("ebgp", &recordingNode{})
	d.AddParent("ibgp", &recordingNode{})

	rI := route.NewSubnetRoute[bgpaddr.V4](net24("172.16.0.0/24"), &attrs.PathAttributes{}, peerIBGP, 1)
	rE := route.NewSubnetRoute[bgpaddr.V4](net24("172.16.0.0/24"), &attrs.PathAttributes{}, peerEBGP, 1)

	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rI, peerIBGP, 1))
	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rE, peerEBGP, 1))

	winner, _ := d.Lookup(net24("172.16.0.0/24"))
	if winner != rE {
		t.Fatal("expected the eBGP route to beat the equally-good iBGP route")
	}
}

func TestDecisionDeleteWinnerFallsBackToAlternative(t *testing.T) {
	d := NewDecision[bgpaddr.V4](bgpaddr.IPv4, noIGP, nil, bgpaddr.NewV4)
	fanout := &recordingNode{}
	d.Next = fanout
	peerA := &route.PeerHandler{Name: "peerA"}
	peerB := &route.PeerHandler{Name: "peerB"}
	d.AddParent("peerA", &recordingNode{})
	d.AddParent("peerB", &recordingNode{})

	lpHigh, lpLow := uint32(200), uint32(50)
	rA := route.NewSubnetRoute[bgpaddr.V4](net24("192.0.2.0/24"), &attrs.PathAttributes{LocalPref: &lpHigh}, peerA, 1)
	rB := route.NewSubnetRoute[bgpaddr.V4](net24("192.0.2.0/24"), &attrs.PathAttributes{LocalPref: &lpLow}, peerB, 1)

	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rA, peerA, 1))
	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rB, peerB, 1))

	d.DeleteRoute(route.NewDeleteMessage[bgpaddr.V4](rA, peerA, 1))

	winner, ok := d.Lookup(net24("192.0.2.0/24"))
	if !ok || winner != rB {
		t.Fatal("expected peerB's route to become the new winner after peerA's withdrawal")
	}
}

func TestDecisionMEDOnlyComparedForSameNeighborAS(t *testing.T) {
	d := NewDecision[bgpaddr.V4](bgpaddr.IPv4, noIGP, nil, bgpaddr.NewV4)
	d.Next = &recordingNode{}
	peerA := &route.PeerHandler{Name: "peerA"}
	peerB := &route.PeerHandler{Name: "peerB"}
	d.AddParent("peerA", &recordingNode{})
	d.AddParent("peerB", &recordingNode{})

	medHighButDifferentNeighbor := uint32(500)
	medLowSameNeighbor := uint32(10)

	pathA := &attrs.PathAttributes{
		ASPath: []attrs.ASPathSegment{{Type: attrs.ASSequence, ASNs: []uint32{100}}},
		MED:    &medHighButDifferentNeighbor,
	}
	pathB := &attrs.PathAttributes{
		ASPath: []attrs.ASPathSegment{{Type: attrs.ASSequence, ASNs: []uint32{200}}},
		MED:    &medLowSameNeighbor,
	}

	rA := route.NewSubnetRoute[bgpaddr.V4](net24("203.0.113.0/24"), pathA, peerA, 1)
	rB := route.NewSubnetRoute[bgpaddr.V4](net24("203.0.113.0/24"), pathB, peerB, 1)

	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rA, peerA, 1))
	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rB, peerB, 1))

	// Neighbor AS differs (100 vs 200), so MED must not decide; AS_PATH
	// length (both 1) and LOCAL_PREF (both default) also tie, as do the
	// eBGP/iBGP, IGP-distance and router-id steps, so the peer-name step
	// picks rA ("peerA" < "peerB") despite its "worse" MED.
	winner, _ := d.Lookup(net24("203.0.113.0/24"))
	if winner != rA {
		t.Fatalf("expected MED to be ignored across differing neighbor AS, kept first winner")
	}
}

// TestDecisionRecomputesOnNextHopChanged exercises the igp_nexthop_changed
// upcall: a resolver notification for a nexthop Decision has alternatives
// keyed on must re-run the per-net decision without waiting for another
// add/replace/delete, and the cascade must judge the non-triggering
// alternative by its own cached distance rather than a live resolver query.
func TestDecisionRecomputesOnNextHopChanged(t *testing.T) {
	client := &fakeRIBClient{responses: []rib.RegisterResponse[bgpaddr.V4]{
		{Resolves: true, Base: nhaddr("10.0.0.0"), PrefixLen: 24, RealPrefixLen: 24, ActualNextHop: nhaddr("10.0.0.1"), Metric: 1},
	}}
	resolver := nhres.NewResolver[bgpaddr.V4](client, clockwork.NewFakeClock(), bgpaddr.IPv4, bgpaddr.NewV4, zap.NewNop())

	distA, distB := uint32(1), uint32(10)
	igpDistance := func(p *route.PeerHandler) (uint32, bool) { return p.IGPDistance() }
	peerA := &route.PeerHandler{Name: "peerA", IGPDistance: func() (uint32, bool) { return distA, true }}
	peerB := &route.PeerHandler{Name: "peerB", IGPDistance: func() (uint32, bool) { return distB, true }}

	d := NewDecision[bgpaddr.V4](bgpaddr.IPv4, igpDistance, resolver, bgpaddr.NewV4)
	d.Next = &recordingNode{}
	d.AddParent("peerA", &recordingNode{})
	d.AddParent("peerB", &recordingNode{})

	nh := netip.MustParseAddr("10.0.0.1")
	rA := route.NewSubnetRoute[bgpaddr.V4](net24("198.51.100.0/24"), &attrs.PathAttributes{NextHop: nh}, peerA, 1)
	rB := route.NewSubnetRoute[bgpaddr.V4](net24("198.51.100.0/24"), &attrs.PathAttributes{NextHop: nh}, peerB, 1)

	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rA, peerA, 1))
	d.AddRoute(route.NewAddMessage[bgpaddr.V4](rB, peerB, 1))

	winner, _ := d.Lookup(net24("198.51.100.0/24"))
	if winner != rA {
		t.Fatalf("expected peerA's lower IGP distance to win initially")
	}

	// The resolver learns the shared nexthop's distance changed without
	// either route being re-added; both peerA's and peerB's decisionWatcher
	// are registered against it, so recompute runs for the net and picks up
	// peerB's now-lower distance.
	distB = 0
	resolver.NotifyChanged(net24("10.0.0.0/24"), true, 0)

	winner, _ = d.Lookup(net24("198.51.100.0/24"))
	if winner != rB {
		t.Fatal("expected the igp_nexthop_changed upcall to re-run the decision and pick peerB's now-lower distance")
	}
}
