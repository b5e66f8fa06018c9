package table

import (
	"sort"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/route"
)

// peerDumpState tracks one peer's involvement in an in-progress dump:
// whether routes_dumped, the last net handed out, and the gen_id the dump
// started against (so a peering flap invalidates only the affected state).
type peerDumpState struct {
	peer            *route.PeerHandler
	genID           route.GenID
	routesDumped    int
	lastNet         string
	deleteComplete  bool
}

// DumpIterator replays every winning route to a peer that just came up,
// coping with peers going down or coming up again while the replay is
// still in progress. It walks Decision's winners in a fixed net order so
// "last_net" is a stable resume point.
type DumpIterator[A bgpaddr.Addr] struct {
	target *route.PeerHandler
	genID  route.GenID
	valid  bool

	nets    []string // sorted snapshot of nets to dump, taken at start
	winners map[string]*route.SubnetRoute[A]
	pos     int

	downedPeers []peerDumpState
	newPeers    []peerDumpState
	dumpedPeers []peerDumpState
}

// NewDumpIterator snapshots the current winner set for target. The
// snapshot is taken eagerly (unlike the original's lazy re-walk) because
// this pipeline's Decision already holds winners in a plain map; taking the
// snapshot up front keeps iteration order stable even if Decision's map
// itself mutates mid-dump.
func NewDumpIterator[A bgpaddr.Addr](target *route.PeerHandler, genID route.GenID, winners map[string]*route.SubnetRoute[A]) *DumpIterator[A] {
	nets := make([]string, 0, len(winners))
	snapshot := make(map[string]*route.SubnetRoute[A], len(winners))
	for k, v := range winners {
		nets = append(nets, k)
		snapshot[k] = v
	}
	sort.Strings(nets)
	return &DumpIterator[A]{
		target:  target,
		genID:   genID,
		valid:   true,
		nets:    nets,
		winners: snapshot,
	}
}

// IsValid reports whether the dump can still be usefully continued: it
// becomes invalid once the peer it targets has gone down and had its
// delete-complete processed.
func (d *DumpIterator[A]) IsValid() bool { return d.valid }

// Next returns the next route to replay, or (nil, false) once the dump is
// exhausted.
func (d *DumpIterator[A]) Next() (*route.SubnetRoute[A], bool) {
	if !d.valid {
		return nil, false
	}
	for d.pos < len(d.nets) {
		key := d.nets[d.pos]
		d.pos++
		if r, ok := d.winners[key]; ok {
			return r, true
		}
	}
	return nil, false
}

func (d *DumpIterator[A]) Done() bool { return d.pos >= len(d.nets) }

// PeeringWentDown records that one of the peers this dump cares about went
// down. If it is the dump's own target, the dump stays valid and Next keeps
// handing out routes (a flap that resolves before delete_complete should
// not lose replay progress) until PeeringDownComplete for the same
// generation invalidates it.
func (d *DumpIterator[A]) PeeringWentDown(peer *route.PeerHandler, genID route.GenID) {
	d.downedPeers = append(d.downedPeers, peerDumpState{peer: peer, genID: genID})
}

// PeeringDownComplete finalizes a prior PeeringWentDown. If it matches the
// dump's own target and generation, the dump becomes invalid: per the
// spec's ordering guarantee, no peering_came_up for the same gen_id can
// follow, so there is nothing left worth replaying to it.
func (d *DumpIterator[A]) PeeringDownComplete(peer *route.PeerHandler, genID route.GenID) {
	for i, ds := range d.downedPeers {
		if ds.peer == peer && ds.genID == genID {
			d.downedPeers[i].deleteComplete = true
			if peer == d.target && genID == d.genID {
				d.valid = false
			}
			return
		}
	}
}

// PeeringCameUp records a peer that came up while this dump was still in
// flight; plumbing is expected to start an independent DumpIterator for it
// once this one (or any other in-flight dump) completes, rather than
// folding it into the current replay.
func (d *DumpIterator[A]) PeeringCameUp(peer *route.PeerHandler, genID route.GenID) {
	d.newPeers = append(d.newPeers, peerDumpState{peer: peer, genID: genID})
}

func (d *DumpIterator[A]) PendingNewPeers() []*route.PeerHandler {
	out := make([]*route.PeerHandler, 0, len(d.newPeers))
	for _, ds := range d.newPeers {
		out = append(out, ds.peer)
	}
	return out
}

func (d *DumpIterator[A]) Target() *route.PeerHandler { return d.target }
func (d *DumpIterator[A]) GenID() route.GenID         { return d.genID }
