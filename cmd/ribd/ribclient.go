package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/ifmgr"
	"github.com/route-beacon/ribd/internal/rib"
)

// localRIBClient stands in for the out-of-scope RIB process RPC surface
// (spec.md §1's Non-goals exclude process supervision and the peer/RIB wire
// transport). It resolves next hops against the interface tree this process
// already maintains for fib2mrib rather than reaching a remote FEA/RIB, and
// treats every programming call as a logged, always-successful no-op. A
// production deployment replaces this with a client that actually talks to
// the RIB over whatever RPC transport it exposes.
type localRIBClient[A bgpaddr.Addr] struct {
	tree   ifmgr.Tree[A]
	logger *zap.Logger
}

func newLocalRIBClient[A bgpaddr.Addr](tree ifmgr.Tree[A], logger *zap.Logger) *localRIBClient[A] {
	return &localRIBClient[A]{tree: tree, logger: logger}
}

func (c *localRIBClient[A]) AddIGPTable(ctx context.Context, proto string, unicast, multicast bool) rib.ErrorKind {
	c.logger.Debug("rib: add_igp_table", zap.String("proto", proto))
	return rib.OK
}

func (c *localRIBClient[A]) DeleteIGPTable(ctx context.Context, proto string, unicast, multicast bool) rib.ErrorKind {
	c.logger.Debug("rib: delete_igp_table", zap.String("proto", proto))
	return rib.OK
}

func (c *localRIBClient[A]) AddRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], nh A, metric uint32, unicast, multicast bool, tags []string) rib.ErrorKind {
	c.logger.Debug("rib: add_route", zap.String("proto", proto), zap.Stringer("net", net), zap.Stringer("nexthop", nh))
	return rib.OK
}

func (c *localRIBClient[A]) AddInterfaceRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], nh A, ifname, vifname string, metric uint32, unicast, multicast bool, tags []string) rib.ErrorKind {
	c.logger.Debug("rib: add_interface_route", zap.String("proto", proto), zap.Stringer("net", net), zap.String("ifname", ifname))
	return rib.OK
}

func (c *localRIBClient[A]) ReplaceRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], nh A, metric uint32, unicast, multicast bool, tags []string) rib.ErrorKind {
	c.logger.Debug("rib: replace_route", zap.String("proto", proto), zap.Stringer("net", net))
	return rib.OK
}

func (c *localRIBClient[A]) DeleteRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], unicast, multicast bool) rib.ErrorKind {
	c.logger.Debug("rib: delete_route", zap.String("proto", proto), zap.Stringer("net", net))
	return rib.OK
}

// RegisterInterest resolves nh against the local interface tree: a nexthop
// configured on (or covered by) a known vif resolves with metric 0, mapping
// XORP's IGP-distance RIB lookup onto "directly reachable via a known
// interface" for this pipeline's simplified local topology.
func (c *localRIBClient[A]) RegisterInterest(ctx context.Context, nh A) (rib.RegisterResponse[A], rib.ErrorKind) {
	ifname, _, ok := c.tree.FindInterfaceVif(nh)
	if !ok {
		return rib.RegisterResponse[A]{Resolves: false, Base: nh, PrefixLen: nh.BitLen(), RealPrefixLen: nh.BitLen()}, rib.OK
	}
	c.logger.Debug("rib: register_interest resolved", zap.Stringer("nexthop", nh), zap.String("ifname", ifname))
	return rib.RegisterResponse[A]{
		Resolves:      true,
		Base:          nh,
		PrefixLen:     nh.BitLen(),
		RealPrefixLen: nh.BitLen(),
		ActualNextHop: nh,
		Metric:        0,
	}, rib.OK
}

func (c *localRIBClient[A]) DeregisterInterest(ctx context.Context, base bgpaddr.PrefixNet[A]) rib.ErrorKind {
	c.logger.Debug("rib: deregister_interest", zap.Stringer("base", base))
	return rib.OK
}

var _ rib.Client[bgpaddr.V4] = (*localRIBClient[bgpaddr.V4])(nil)
var _ rib.Client[bgpaddr.V6] = (*localRIBClient[bgpaddr.V6])(nil)
