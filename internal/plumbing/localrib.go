package plumbing

import (
	"context"
	"net/netip"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/rib"
	"github.com/route-beacon/ribd/internal/route"
	"github.com/route-beacon/ribd/internal/table"
)

// localRIBSink adapts the shared inform_rib queue to table.EgressSink, so
// Fanout's local-RIB branch can be wired up the same way a peer's branch
// is, rather than the local RIB being a special case in the graph.
// Grounded on the original's RibIpcHandler sitting behind the ipc RibOut
// table named in plumbing.hh's _ipc_rib_out_table.
type localRIBSink[A bgpaddr.Addr] struct {
	ctx       context.Context
	queue     *rib.InformQueue[A]
	proto     string
	unicast   bool
	multicast bool
	wrap      func(netip.Addr) A
}

func (s *localRIBSink[A]) Advertise(r *route.SubnetRoute[A]) {
	s.queue.Enqueue(s.ctx, &rib.EgressRequest[A]{
		Kind:      rib.EgressAdd,
		Proto:     s.proto,
		Net:       r.Net(),
		NextHop:   s.wrap(r.Attributes().NextHop),
		Unicast:   s.unicast,
		Multicast: s.multicast,
	})
}

func (s *localRIBSink[A]) Withdraw(r *route.SubnetRoute[A]) {
	s.queue.Enqueue(s.ctx, &rib.EgressRequest[A]{
		Kind:      rib.EgressDelete,
		Proto:     s.proto,
		Net:       r.Net(),
		Unicast:   s.unicast,
		Multicast: s.multicast,
	})
}

var _ table.EgressSink[bgpaddr.V4] = (*localRIBSink[bgpaddr.V4])(nil)

// AddLocalRIBBranch adds a Fanout branch delivering winning routes to the
// local RIB via the shared inform_rib queue, the egress chain toward the
// local RIB that sits alongside every peer's egress chain in plumbing.hh.
// Unlike a peer's egress chain, this branch has no FilterTable or Cache in
// front of its RibOut: route-map style egress policy (AS prepend, MED,
// LOCAL_PREF strip) only makes sense between BGP speakers, and RibOut
// already de-duplicates on its own routes map.
func (p *Plumbing[A]) AddLocalRIBBranch(ctx context.Context, proto string, unicast, multicast bool, wrap func(netip.Addr) A, maxQueue int) {
	sink := &localRIBSink[A]{ctx: ctx, queue: p.inform, proto: proto, unicast: unicast, multicast: multicast, wrap: wrap}
	ribOut := table.NewRibOut[A]("local-rib", sink)
	p.fanout.AddBranch("local-rib", ribOut, maxQueue)
}
