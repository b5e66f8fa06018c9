// Package table implements the per-family route processing graph: RibIn,
// filters, Cache, Decision, Fanout, RibOut, and the dump iterator used to
// replay best routes to a newly-up peer.
package table

import (
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/route"
)

// Node is the contract every table in the graph implements. add/replace/
// delete move a route downstream from a parent to this node; RouteUsed
// moves the opposite direction, from a child back up to the table that owns
// the SubnetRoute, reporting whether the child (ultimately Decision) is
// still using it. Push marks the end of a logically-batched set of changes,
// mirroring the original's "per-peer changes come in a batch terminated by
// a push" contract; the tables in this package act on AddRoute/DeleteRoute
// as they arrive and pass Push along (RibOut ignores it).
type Node[A bgpaddr.Addr] interface {
	Name() string
	AddRoute(msg *route.InternalMessage[A]) route.UseStatus
	ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus
	DeleteRoute(msg *route.InternalMessage[A])
	Push(peer *route.PeerHandler, genID route.GenID)
	RouteUsed(r *route.SubnetRoute[A], inUse bool)
	Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool)
}

// Downstream is embedded by tables that have exactly one child, which is
// every table except Fanout (which has many).
type Downstream[A bgpaddr.Addr] struct {
	Next Node[A]
}

func (d *Downstream[A]) SetNext(n Node[A]) { d.Next = n }

// Upstream is embedded by tables that need to notify a parent of route_used
// changes (Cache, and chains feeding Decision).
type Upstream[A bgpaddr.Addr] struct {
	Parent Node[A]
}

func (u *Upstream[A]) SetParent(n Node[A]) { u.Parent = n }
