package table

import (
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
	"github.com/route-beacon/ribd/internal/route"
)

// fanoutOp is a tagged-variant queued message: Fanout only ever needs to
// replay add/replace/delete/push, so a closed set beats a dynamic dispatch.
type fanoutOp uint8

const (
	opAdd fanoutOp = iota
	opReplace
	opDelete
	opPush
)

type queuedMessage[A bgpaddr.Addr] struct {
	op    fanoutOp
	msg   *route.InternalMessage[A]
	peer  *route.PeerHandler
	genID route.GenID
}

// branch is one egress fan-out destination (a peer's egress chain, or the
// local RIB). It is the only point in the pipeline with backpressure: while
// the downstream reports OutputBusy, or anything is already queued, Fanout
// queues messages instead of delivering them, and each GetNextMessage
// releases one. The branch reports itself busy from the time maxQueue
// messages are queued until the queue is empty again; maxQueue is not a
// cap, and messages keep being queued past it.
type branch[A bgpaddr.Addr] struct {
	name     string
	next     Node[A]
	maxQueue int
	queue    []queuedMessage[A]
	busy     bool
	family   bgpaddr.Family
}

// outputBusy lets a downstream node (typically an egress transport wrapper)
// signal it cannot accept a direct delivery right now, the trigger for
// Fanout to start queuing instead of sending straight through.
type outputBusy interface {
	OutputBusy() bool
}

func (b *branch[A]) downstreamBusy() bool {
	if ob, ok := b.next.(outputBusy); ok {
		return ob.OutputBusy()
	}
	return false
}

func (b *branch[A]) enqueueOrSend(qm queuedMessage[A]) {
	if !b.busy && len(b.queue) == 0 && !b.downstreamBusy() {
		b.deliver(qm)
		return
	}
	b.queue = append(b.queue, qm)
	if len(b.queue) >= b.maxQueue {
		b.busy = true
	}
	metrics.FanoutQueueDepth.WithLabelValues(b.family.String(), b.name).Set(float64(len(b.queue)))
}

func (b *branch[A]) deliver(qm queuedMessage[A]) {
	switch qm.op {
	case opAdd:
		b.next.AddRoute(qm.msg)
	case opReplace:
		b.next.ReplaceRoute(qm.msg)
	case opDelete:
		b.next.DeleteRoute(qm.msg)
	case opPush:
		b.next.Push(qm.peer, qm.genID)
	}
}

// GetNextMessage is called by the branch's consumer (the egress transport)
// once it is ready for more, implementing the pull half of the busy/
// get_next_message protocol. It returns false once the queue is drained,
// at which point the branch is no longer busy.
func (b *branch[A]) GetNextMessage() bool {
	if len(b.queue) == 0 {
		b.busy = false
		return false
	}
	qm := b.queue[0]
	b.queue = b.queue[1:]
	b.deliver(qm)
	metrics.FanoutQueueDepth.WithLabelValues(b.family.String(), b.name).Set(float64(len(b.queue)))
	if len(b.queue) == 0 {
		b.busy = false
	}
	return true
}

func (b *branch[A]) IsBusy() bool { return b.busy }

// Fanout is the single node between Decision and every egress chain. It has
// no upstream parent of its own to notify (Decision never asks whether its
// winner is "in use"; it always is, by definition, once selected).
type Fanout[A bgpaddr.Addr] struct {
	family   bgpaddr.Family
	branches map[string]*branch[A]
}

func NewFanout[A bgpaddr.Addr](family bgpaddr.Family) *Fanout[A] {
	return &Fanout[A]{family: family, branches: make(map[string]*branch[A])}
}

func (t *Fanout[A]) Name() string { return "fanout" }

// AddBranch registers an egress destination with its queue bound.
func (t *Fanout[A]) AddBranch(name string, next Node[A], maxQueue int) {
	t.branches[name] = &branch[A]{name: name, next: next, maxQueue: maxQueue, family: t.family}
}

func (t *Fanout[A]) RemoveBranch(name string) { delete(t.branches, name) }

func (t *Fanout[A]) Branch(name string) (*branch[A], bool) {
	b, ok := t.branches[name]
	return b, ok
}

func (t *Fanout[A]) AddRoute(msg *route.InternalMessage[A]) route.UseStatus {
	for _, b := range t.branches {
		b.enqueueOrSend(queuedMessage[A]{op: opAdd, msg: msg})
	}
	return route.StatusUsed
}

func (t *Fanout[A]) ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus {
	for _, b := range t.branches {
		b.enqueueOrSend(queuedMessage[A]{op: opReplace, msg: msg})
	}
	return route.StatusUsed
}

func (t *Fanout[A]) DeleteRoute(msg *route.InternalMessage[A]) {
	for _, b := range t.branches {
		b.enqueueOrSend(queuedMessage[A]{op: opDelete, msg: msg})
	}
}

func (t *Fanout[A]) Push(peer *route.PeerHandler, genID route.GenID) {
	for _, b := range t.branches {
		b.enqueueOrSend(queuedMessage[A]{op: opPush, peer: peer, genID: genID})
	}
}

func (t *Fanout[A]) RouteUsed(r *route.SubnetRoute[A], inUse bool) {}

func (t *Fanout[A]) Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool) {
	var zero *route.SubnetRoute[A]
	return zero, false
}
