package main

import (
	"context"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/fib2mrib"
	"github.com/route-beacon/ribd/internal/rib"
)

// mribSink delivers fib2mrib's accepted routes to the local RIB's multicast
// table through the same inform_rib queue a BGP pipeline's local-RIB branch
// uses, so both sources of local-RIB writes share one retry/serialization
// point per spec.md §4.9.
type mribSink[A bgpaddr.Addr] struct {
	queue *rib.InformQueue[A]
	proto string
}

func (s *mribSink[A]) Offer(ctx context.Context, net bgpaddr.PrefixNet[A], nh A, ifname, vifname string, metric uint32, tags []string, replace bool) {
	kind := rib.EgressAdd
	if replace {
		kind = rib.EgressReplace
	}
	s.queue.Enqueue(ctx, &rib.EgressRequest[A]{
		Kind:      kind,
		Proto:     s.proto,
		Net:       net,
		NextHop:   nh,
		Ifname:    ifname,
		Vifname:   vifname,
		Metric:    metric,
		Multicast: true,
		Tags:      tags,
	})
}

func (s *mribSink[A]) Withdraw(ctx context.Context, net bgpaddr.PrefixNet[A], ifname, vifname string) {
	s.queue.Enqueue(ctx, &rib.EgressRequest[A]{
		Kind:      rib.EgressDelete,
		Proto:     s.proto,
		Net:       net,
		Ifname:    ifname,
		Vifname:   vifname,
		Multicast: true,
	})
}

var _ fib2mrib.Sink[bgpaddr.V4] = (*mribSink[bgpaddr.V4])(nil)
var _ fib2mrib.Sink[bgpaddr.V6] = (*mribSink[bgpaddr.V6])(nil)
