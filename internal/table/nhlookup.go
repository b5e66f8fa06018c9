package table

import (
	"context"
	"net/netip"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/nhres"
	"github.com/route-beacon/ribd/internal/route"
)

// nhlookupEntry is one route held back because its NEXT_HOP hasn't resolved
// yet. add is what gets forwarded downstream once the nexthop resolves; a
// replace whose new route isn't resolvable yet has already had its old
// route retracted downstream by the time this entry is queued.
type nhlookupEntry[A bgpaddr.Addr] struct {
	nexthop A
	add     *route.InternalMessage[A]
}

// NhLookupTable holds a route until its NEXT_HOP resolves against the IGP,
// forwarding it downstream only once the resolver confirms reachability,
// and re-evaluating queued routes when the resolver reports a covering
// range changed. Grounded on
// original_source/trunk/xorp/bgp/route_table_nhlookup.hh's NhLookupTable,
// collapsed from its by-net/by-nexthop RefTrie pair to plain maps.
type NhLookupTable[A bgpaddr.Addr] struct {
	Downstream[A]
	name     string
	resolver *nhres.Resolver[A]
	wrap     func(netip.Addr) A

	queueByNet map[string]*nhlookupEntry[A]
}

func NewNhLookupTable[A bgpaddr.Addr](name string, resolver *nhres.Resolver[A], wrap func(netip.Addr) A) *NhLookupTable[A] {
	return &NhLookupTable[A]{
		name:       name,
		resolver:   resolver,
		wrap:       wrap,
		queueByNet: make(map[string]*nhlookupEntry[A]),
	}
}

func (t *NhLookupTable[A]) Name() string { return t.name }

func (t *NhLookupTable[A]) nexthopOf(msg *route.InternalMessage[A]) A {
	return t.wrap(msg.Route.Attributes().NextHop)
}

func (t *NhLookupTable[A]) AddRoute(msg *route.InternalMessage[A]) route.UseStatus {
	nh := t.nexthopOf(msg)
	t.resolver.Register(context.Background(), nh, msg.Route.Net(), t)
	if resolvable, _, ok := t.resolver.Lookup(nh); !ok || !resolvable {
		t.enqueue(msg.Route.Net().String(), nh, msg)
		return route.StatusUnused
	}
	if t.Next == nil {
		return route.StatusUnused
	}
	return t.Next.AddRoute(msg)
}

func (t *NhLookupTable[A]) ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus {
	nh := t.nexthopOf(msg)
	key := msg.Route.Net().String()
	t.resolver.Register(context.Background(), nh, msg.Route.Net(), t)
	if resolvable, _, ok := t.resolver.Lookup(nh); !ok || !resolvable {
		t.enqueue(key, nh, msg)
		if t.Next != nil && msg.PrevRoute != nil {
			t.Next.DeleteRoute(route.NewDeleteMessage[A](msg.PrevRoute, msg.Peer, msg.GenID))
		}
		return route.StatusUnused
	}
	t.removeFromQueue(key)
	if t.Next == nil {
		return route.StatusUnused
	}
	return t.Next.ReplaceRoute(msg)
}

func (t *NhLookupTable[A]) DeleteRoute(msg *route.InternalMessage[A]) {
	key := msg.Route.Net().String()
	if _, queued := t.queueByNet[key]; queued {
		t.removeFromQueue(key)
		return
	}
	t.resolver.Deregister(context.Background(), t.nexthopOf(msg), msg.Route.Net(), t)
	if t.Next != nil {
		t.Next.DeleteRoute(msg)
	}
}

func (t *NhLookupTable[A]) Push(peer *route.PeerHandler, genID route.GenID) {
	if t.Next != nil {
		t.Next.Push(peer, genID)
	}
}

// RouteUsed is a no-op: Cache talks to its Parent directly,
// bypassing whatever filter/lookup stages sit in between, so this table
// never needs to relay it.
func (t *NhLookupTable[A]) RouteUsed(r *route.SubnetRoute[A], inUse bool) {}

func (t *NhLookupTable[A]) Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool) {
	if t.Next == nil {
		var zero *route.SubnetRoute[A]
		return zero, false
	}
	return t.Next.Lookup(net)
}

// NextHopChanged implements nhres.Requester. The resolver reports the RIB's
// actual next-hop rather than necessarily the address originally
// registered (recursive resolution may differ), so rather than trust an
// index keyed by the original address, every still-queued entry is
// re-checked against the resolver's current cache; queues are expected to
// stay small (bounded by routes genuinely waiting on IGP convergence).
func (t *NhLookupTable[A]) NextHopChanged(_ A) {
	for key := range t.queueByNet {
		t.reevaluate(key)
	}
}

func (t *NhLookupTable[A]) reevaluate(key string) {
	e, ok := t.queueByNet[key]
	if !ok {
		return
	}
	resolvable, _, known := t.resolver.Lookup(e.nexthop)
	if !known || !resolvable {
		return
	}
	t.removeFromQueue(key)
	if t.Next != nil {
		t.Next.AddRoute(e.add)
	}
}

func (t *NhLookupTable[A]) enqueue(key string, nh A, add *route.InternalMessage[A]) {
	t.queueByNet[key] = &nhlookupEntry[A]{nexthop: nh, add: add}
}

func (t *NhLookupTable[A]) removeFromQueue(key string) {
	delete(t.queueByNet, key)
}

func (t *NhLookupTable[A]) QueuedCount() int { return len(t.queueByNet) }

var _ Node[bgpaddr.V4] = (*NhLookupTable[bgpaddr.V4])(nil)
var _ nhres.Requester[bgpaddr.V4] = (*NhLookupTable[bgpaddr.V4])(nil)
