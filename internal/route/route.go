// Package route holds the pipeline's core data types: the shared,
// refcounted SubnetRoute, the InternalMessage envelope that carries a route
// between pipeline nodes, and the PeerHandler/gen_id identifiers used to
// track which session a route came from.
package route

import (
	"sync/atomic"

	"github.com/route-beacon/ribd/internal/attrs"
	"github.com/route-beacon/ribd/internal/bgpaddr"
)

// GenID identifies one incarnation of a peering session. A peer that goes
// down and comes back up gets a new GenID; routes tagged with a stale GenID
// are recognized as belonging to a session that no longer exists.
type GenID uint64

// PeerHandler identifies the originating or destination peer session for a
// route. It is intentionally small: peer session management (the BGP FSM,
// wire codec) lives outside this pipeline.
type PeerHandler struct {
	Name       string
	RouterID   [4]byte
	RemoteAS   uint32
	IsInternal bool // true for an iBGP peer, used by the decision eBGP-over-iBGP step
	IGPDistance func() (uint32, bool) // resolves IGP distance to RouterID, for the decision cascade
}

// UseStatus is the outcome recorded for a route by the table that currently
// owns it, distinguishing "newly selected," "newly deselected," "filtered
// out," and "nothing changed" rather than conflating the last two.
type UseStatus uint8

const (
	StatusUnused UseStatus = iota
	StatusUsed
	StatusFiltered
	StatusNoChange
)

func (s UseStatus) String() string {
	switch s {
	case StatusUsed:
		return "used"
	case StatusFiltered:
		return "filtered"
	case StatusNoChange:
		return "no_change"
	default:
		return "unused"
	}
}

// SubnetRoute is shared by reference across every table that holds it
// (RibIn, Cache, Decision, RibOut, Fanout's queued messages). Its network
// and attributes are immutable after construction; only the cache-state
// fields below may be mutated, and only by the table that currently owns
// the route, via the setters.
type SubnetRoute[A bgpaddr.Addr] struct {
	net   bgpaddr.PrefixNet[A]
	attrs *attrs.PathAttributes
	peer  *PeerHandler
	genID GenID

	refcount atomic.Int32

	// cache state, mutated only via the setters below
	igpDistance   uint32
	igpResolved   bool
	winner        bool
	filtered      bool
	inUseByParent bool
}

// NewSubnetRoute constructs a route with refcount 1.
func NewSubnetRoute[A bgpaddr.Addr](net bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, peer *PeerHandler, genID GenID) *SubnetRoute[A] {
	r := &SubnetRoute[A]{net: net, attrs: pa, peer: peer, genID: genID}
	r.refcount.Store(1)
	return r
}

func (r *SubnetRoute[A]) Net() bgpaddr.PrefixNet[A]     { return r.net }
func (r *SubnetRoute[A]) Attributes() *attrs.PathAttributes { return r.attrs }
func (r *SubnetRoute[A]) Peer() *PeerHandler            { return r.peer }
func (r *SubnetRoute[A]) GenID() GenID                  { return r.genID }

func (r *SubnetRoute[A]) IGPDistance() (uint32, bool) { return r.igpDistance, r.igpResolved }
func (r *SubnetRoute[A]) IsWinner() bool              { return r.winner }
func (r *SubnetRoute[A]) IsFiltered() bool            { return r.filtered }
func (r *SubnetRoute[A]) InUseByParent() bool         { return r.inUseByParent }

// SetWinner marks this route as decision's current best path for its net,
// recording the resolved IGP distance used to pick it. Only Decision calls
// this.
func (r *SubnetRoute[A]) SetWinner(igpDistance uint32) {
	r.winner = true
	r.igpDistance = igpDistance
	r.igpResolved = true
}

// SetIGPDistance caches the nexthop-resolver's last answer for this route
// without touching winner status, so the tie-break cascade can read an
// alternative's own cached (resolvable, metric) instead of re-querying the
// resolver for routes that aren't part of the event being decided.
func (r *SubnetRoute[A]) SetIGPDistance(igpDistance uint32, resolved bool) {
	r.igpDistance = igpDistance
	r.igpResolved = resolved
}

// SetNotWinner clears winner status, e.g. when a better alternative appears.
func (r *SubnetRoute[A]) SetNotWinner() {
	r.winner = false
}

// SetFiltered records that a Filter node rejected this route. A filtered
// route is held (for dump/withdraw bookkeeping) but never propagated.
func (r *SubnetRoute[A]) SetFiltered(filtered bool) {
	r.filtered = filtered
}

// SetInUseByParent tracks Cache's refcount-like bit for whether the parent
// table still considers this route live, distinct from the atomic refcount
// (which tracks how many InternalMessages reference the value).
func (r *SubnetRoute[A]) SetInUseByParent(v bool) {
	r.inUseByParent = v
}

func (r *SubnetRoute[A]) Ref() *SubnetRoute[A] {
	r.refcount.Add(1)
	return r
}

// Unref decrements the refcount and reports whether it reached zero (the
// caller, not this type, is responsible for any cleanup since a
// zero-refcount SubnetRoute simply becomes garbage to the Go runtime).
func (r *SubnetRoute[A]) Unref() bool {
	return r.refcount.Add(-1) == 0
}

func (r *SubnetRoute[A]) RefCount() int32 { return r.refcount.Load() }

// MessageType distinguishes the four operations a table sends downstream,
// mirroring add_route/replace_route/delete_route/push.
type MessageType uint8

const (
	MsgAdd MessageType = iota
	MsgReplace
	MsgDelete
	MsgPush
)

// InternalMessage is the unit of flow between pipeline nodes: a route plus
// enough context (previous version, originating peer, gen_id) for a node to
// decide how to react.
type InternalMessage[A bgpaddr.Addr] struct {
	Type GenMessageType
	Route *SubnetRoute[A]
	// PrevRoute is set for MsgReplace: the route instance being replaced, so
	// a filter that needs to diff old/new attributes can do so without a
	// second lookup.
	PrevRoute *SubnetRoute[A]
	Peer      *PeerHandler
	GenID     GenID
	// There is no family field: both families run independent pipelines
	// and never exchange InternalMessages across the boundary.
}

// GenMessageType aliases MessageType so InternalMessage's Type field name
// doesn't collide with the package-level MessageType docs above.
type GenMessageType = MessageType

func NewAddMessage[A bgpaddr.Addr](r *SubnetRoute[A], peer *PeerHandler, genID GenID) *InternalMessage[A] {
	return &InternalMessage[A]{Type: MsgAdd, Route: r, Peer: peer, GenID: genID}
}

func NewReplaceMessage[A bgpaddr.Addr](newR, oldR *SubnetRoute[A], peer *PeerHandler, genID GenID) *InternalMessage[A] {
	return &InternalMessage[A]{Type: MsgReplace, Route: newR, PrevRoute: oldR, Peer: peer, GenID: genID}
}

func NewDeleteMessage[A bgpaddr.Addr](r *SubnetRoute[A], peer *PeerHandler, genID GenID) *InternalMessage[A] {
	return &InternalMessage[A]{Type: MsgDelete, Route: r, Peer: peer, GenID: genID}
}

func NewPushMessage[A bgpaddr.Addr](peer *PeerHandler, genID GenID) *InternalMessage[A] {
	return &InternalMessage[A]{Type: MsgPush, Peer: peer, GenID: genID}
}
