package table

import (
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
	"github.com/route-beacon/ribd/internal/route"
)

// RibIn is the head of a per-peer ingress chain: the table of record for
// everything a peer has currently advertised. It has no ingress
// backpressure — the spec places the only backpressure point at Fanout's
// egress side.
type RibIn[A bgpaddr.Addr] struct {
	Downstream[A]
	name   string
	family bgpaddr.Family
	peer   *route.PeerHandler
	genID  route.GenID

	routes map[string]*route.SubnetRoute[A]
}

func NewRibIn[A bgpaddr.Addr](name string, family bgpaddr.Family, peer *route.PeerHandler) *RibIn[A] {
	return &RibIn[A]{
		name:   name,
		family: family,
		peer:   peer,
		routes: make(map[string]*route.SubnetRoute[A]),
	}
}

func (t *RibIn[A]) Name() string { return t.name }

func (t *RibIn[A]) AddRoute(msg *route.InternalMessage[A]) route.UseStatus {
	key := msg.Route.Net().String()
	t.routes[key] = msg.Route
	t.genID = msg.GenID
	metrics.RouteAddsTotal.WithLabelValues(t.family.String(), t.name).Inc()
	if t.Next == nil {
		return route.StatusUnused
	}
	return t.Next.AddRoute(msg)
}

func (t *RibIn[A]) ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus {
	key := msg.Route.Net().String()
	t.routes[key] = msg.Route
	if t.Next == nil {
		return route.StatusUnused
	}
	return t.Next.ReplaceRoute(msg)
}

func (t *RibIn[A]) DeleteRoute(msg *route.InternalMessage[A]) {
	key := msg.Route.Net().String()
	delete(t.routes, key)
	metrics.RouteDeletesTotal.WithLabelValues(t.family.String(), t.name).Inc()
	if t.Next != nil {
		t.Next.DeleteRoute(msg)
	}
}

func (t *RibIn[A]) Push(peer *route.PeerHandler, genID route.GenID) {
	if t.Next != nil {
		t.Next.Push(peer, genID)
	}
}

// RouteUsed is invoked (ultimately by Decision, via the chain of tables in
// between) to tell RibIn whether this route is the one currently installed.
// RibIn just records it on the shared SubnetRoute; it never discards a
// route on RouteUsed(false) since a withdrawn-from-use route can still be
// re-selected later without the peer re-advertising it.
func (t *RibIn[A]) RouteUsed(r *route.SubnetRoute[A], inUse bool) {
	r.SetInUseByParent(inUse)
}

func (t *RibIn[A]) Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool) {
	r, ok := t.routes[net.String()]
	return r, ok
}

// PeeringWentDown does nothing itself; the caller (plumbing) is responsible for walking t.routes and issuing DeleteRoute for each,
// matching the original's "went_down doesn't itself withdraw routes, a
// separate delete_peering pass does" sequencing.
func (t *RibIn[A]) PeeringWentDown() {
}

func (t *RibIn[A]) RouteCount() int { return len(t.routes) }

func (t *RibIn[A]) AllRoutes(yield func(*route.SubnetRoute[A]) bool) {
	for _, r := range t.routes {
		if !yield(r) {
			return
		}
	}
}

func (t *RibIn[A]) Peer() *route.PeerHandler { return t.peer }
func (t *RibIn[A]) GenID() route.GenID       { return t.genID }
