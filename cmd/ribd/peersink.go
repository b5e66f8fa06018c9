package main

import (
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
	"github.com/route-beacon/ribd/internal/route"
	"github.com/route-beacon/ribd/internal/table"
)

// peerSessionSink stands in for the outbound BGP session writer (the peer
// wire codec/session, out of scope per spec.md §1's Non-goals): it records
// that RibOut considered a route advertised or withdrawn toward a peer
// without owning an actual TCP/BMP session. A production deployment
// replaces this with whatever writes UPDATE messages out to the peer.
type peerSessionSink[A bgpaddr.Addr] struct {
	peerName string
	family   bgpaddr.Family
	logger   *zap.Logger
}

func (s *peerSessionSink[A]) Advertise(r *route.SubnetRoute[A]) {
	metrics.RouteAddsTotal.WithLabelValues(s.family.String(), "peer."+s.peerName+".out").Inc()
	s.logger.Debug("peer session: advertise", zap.String("peer", s.peerName), zap.Stringer("net", r.Net()))
}

func (s *peerSessionSink[A]) Withdraw(r *route.SubnetRoute[A]) {
	metrics.RouteDeletesTotal.WithLabelValues(s.family.String(), "peer."+s.peerName+".out").Inc()
	s.logger.Debug("peer session: withdraw", zap.String("peer", s.peerName), zap.Stringer("net", r.Net()))
}

var _ table.EgressSink[bgpaddr.V4] = (*peerSessionSink[bgpaddr.V4])(nil)
