package table

import (
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/route"
)

// EgressSink is what a RibOut table delivers accepted routes to: either a
// peer's outbound update stream or the local RIB. Kept as a narrow
// interface so internal/rib's RIB client and a peer-handler adapter can
// both implement it without RibOut depending on either concretely.
type EgressSink[A bgpaddr.Addr] interface {
	Advertise(r *route.SubnetRoute[A])
	Withdraw(r *route.SubnetRoute[A])
}

// RibOut is the terminal table of an egress chain: the table of record for
// what has actually been advertised downstream, used to compute withdrawals
// on peer-down and to answer dump requests.
type RibOut[A bgpaddr.Addr] struct {
	Upstream[A]
	name   string
	sink   EgressSink[A]
	routes map[string]*route.SubnetRoute[A]
}

func NewRibOut[A bgpaddr.Addr](name string, sink EgressSink[A]) *RibOut[A] {
	return &RibOut[A]{name: name, sink: sink, routes: make(map[string]*route.SubnetRoute[A])}
}

func (t *RibOut[A]) Name() string { return t.name }

func (t *RibOut[A]) AddRoute(msg *route.InternalMessage[A]) route.UseStatus {
	t.routes[msg.Route.Net().String()] = msg.Route
	t.sink.Advertise(msg.Route)
	return route.StatusUsed
}

func (t *RibOut[A]) ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus {
	t.routes[msg.Route.Net().String()] = msg.Route
	t.sink.Advertise(msg.Route)
	return route.StatusUsed
}

func (t *RibOut[A]) DeleteRoute(msg *route.InternalMessage[A]) {
	key := msg.Route.Net().String()
	if r, ok := t.routes[key]; ok {
		delete(t.routes, key)
		t.sink.Withdraw(r)
	}
}

func (t *RibOut[A]) Push(peer *route.PeerHandler, genID route.GenID) {}

func (t *RibOut[A]) RouteUsed(r *route.SubnetRoute[A], inUse bool) {
	if t.Parent != nil {
		t.Parent.RouteUsed(r, inUse)
	}
}

func (t *RibOut[A]) Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool) {
	r, ok := t.routes[net.String()]
	return r, ok
}

// WithdrawAll tears down every route this table has advertised, used on
// peer-down.
func (t *RibOut[A]) WithdrawAll() {
	for k, r := range t.routes {
		delete(t.routes, k)
		t.sink.Withdraw(r)
	}
}

func (t *RibOut[A]) AllRoutes(yield func(*route.SubnetRoute[A]) bool) {
	for _, r := range t.routes {
		if !yield(r) {
			return
		}
	}
}
