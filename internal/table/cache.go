package table

import (
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/route"
)

// Cache sits between a filter bank and Decision (or between Decision and a
// RibOut filter bank on egress). It keeps a by-net copy of every route that
// has passed through, so Lookup and dump operations don't need to re-walk
// the whole ingress chain, and it is the relay point for RouteUsed
// notifications traveling back up to the table that owns the route.
type Cache[A bgpaddr.Addr] struct {
	Downstream[A]
	Upstream[A]
	name   string
	routes map[string]*route.SubnetRoute[A]
}

func NewCache[A bgpaddr.Addr](name string) *Cache[A] {
	return &Cache[A]{name: name, routes: make(map[string]*route.SubnetRoute[A])}
}

func (t *Cache[A]) Name() string { return t.name }

func (t *Cache[A]) AddRoute(msg *route.InternalMessage[A]) route.UseStatus {
	t.routes[msg.Route.Net().String()] = msg.Route
	if t.Next == nil {
		return route.StatusUnused
	}
	return t.Next.AddRoute(msg)
}

func (t *Cache[A]) ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus {
	t.routes[msg.Route.Net().String()] = msg.Route
	if t.Next == nil {
		return route.StatusUnused
	}
	return t.Next.ReplaceRoute(msg)
}

func (t *Cache[A]) DeleteRoute(msg *route.InternalMessage[A]) {
	delete(t.routes, msg.Route.Net().String())
	if t.Next != nil {
		t.Next.DeleteRoute(msg)
	}
}

func (t *Cache[A]) Push(peer *route.PeerHandler, genID route.GenID) {
	if t.Next != nil {
		t.Next.Push(peer, genID)
	}
}

// RouteUsed relays the notification further up the chain, toward the RibIn
// that actually owns the SubnetRoute.
func (t *Cache[A]) RouteUsed(r *route.SubnetRoute[A], inUse bool) {
	if t.Parent != nil {
		t.Parent.RouteUsed(r, inUse)
	}
}

func (t *Cache[A]) Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool) {
	r, ok := t.routes[net.String()]
	return r, ok
}

func (t *Cache[A]) AllRoutes(yield func(*route.SubnetRoute[A]) bool) {
	for _, r := range t.routes {
		if !yield(r) {
			return
		}
	}
}
