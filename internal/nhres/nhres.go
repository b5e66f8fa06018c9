// Package nhres resolves BGP next-hop addresses against the local RIB's IGP
// view, caching the result so repeated routes to the same next-hop don't
// each cost a round trip, and keeping that cache correct as the IGP's
// covering ranges change underneath it (spec.md §4.5, grounded on the XORP
// NextHopResolver/NextHopCache pair).
package nhres

import (
	"context"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
	"github.com/route-beacon/ribd/internal/rib"
)

// Requester is anything that wants to learn about a next-hop's resolvability
// changing after the fact. Its implementers in this pipeline are the table
// package's NhLookupTable and Decision's per-alternative watchers; the
// interface keeps nhres from depending on the table package.
type Requester[A bgpaddr.Addr] interface {
	NextHopChanged(nexthop A)
}

// entry is one cached resolution: a covering range (base/prefixLen, the
// range over which the RIB's answer is valid) plus the narrower
// real_prefix the RIB actually holds a route for, and the set of
// requesters currently registered against any nexthop inside the range.
type entry[A bgpaddr.Addr] struct {
	base          bgpaddr.PrefixNet[A]
	realPrefix    bgpaddr.PrefixNet[A]
	resolvable    bool
	metric        uint32
	actualNextHop A
	// valid is set when the entry is installed from a RIB reply and cleared
	// by NotifyInvalid; Lookup answers ok=false for an entry that is not
	// valid. Entries are only created when a reply lands, so no entry exists
	// while a request is still in flight.
	valid bool

	// requesters maps a requester to the set of nets it registered interest
	// in, so Deregister can tell when a requester has no remaining interest
	// in this entry at all.
	requesters map[Requester[A]]map[string]bool
}

func (e *entry[A]) requesterCount() int { return len(e.requesters) }

// pendingRequest is one in-flight or queued RIB register/deregister call.
// Only one is ever in flight at a time (spec.md §4.5's single-in-flight
// rule); further Register calls for the same nexthop before the reply lands
// are folded into the existing entry rather than issuing a second RPC
// (the "reregister" merge rule).
type pendingRequest[A bgpaddr.Addr] struct {
	deregister bool
	nexthop    A
	net        bgpaddr.PrefixNet[A]
	requester  Requester[A]
}

// Resolver is the per-family next-hop resolver: one instance serves every
// RibIn/Decision node for a family, since IGP reachability is shared across
// peers.
type Resolver[A bgpaddr.Addr] struct {
	client rib.Client[A]
	clock  clockwork.Clock
	logger *zap.Logger
	family bgpaddr.Family
	// wrap reconstructs an A from a netip.Addr, needed to build the
	// PrefixNet covering ranges the RIB reports back as a bare base address
	// plus a length.
	wrap func(netip.Addr) A

	// byPrefix indexes entries by covering range, for longest-prefix-match
	// lookups keyed by a bare next-hop address.
	byPrefix []*entry[A]
	// byRealPrefix indexes entries by the RIB's real (narrower) prefix, for
	// exact-match lookups when a RIB notification reports a change against
	// a specific real_prefix.
	byRealPrefix map[string]*entry[A]

	pending        []*pendingRequest[A]
	everSucceeded  bool
}

func NewResolver[A bgpaddr.Addr](client rib.Client[A], clock clockwork.Clock, family bgpaddr.Family, wrap func(netip.Addr) A, logger *zap.Logger) *Resolver[A] {
	return &Resolver[A]{
		client:       client,
		clock:        clock,
		logger:       logger,
		family:       family,
		wrap:         wrap,
		byRealPrefix: make(map[string]*entry[A]),
	}
}

// findCovering returns the cache entry whose covering range contains addr,
// by longest match, or nil if none is cached yet.
func (r *Resolver[A]) findCovering(addr A) *entry[A] {
	host := bgpaddr.HostPrefix(addr)
	var best *entry[A]
	for _, e := range r.byPrefix {
		if !e.base.Contains(host) {
			continue
		}
		if best == nil || e.base.Bits() > best.base.Bits() {
			best = e
		}
	}
	return best
}

// Lookup is the synchronous half of the contract: it answers from cache
// without talking to the RIB, returning ok=false if nothing is cached yet
// for this next-hop (the caller is expected to have called Register first).
func (r *Resolver[A]) Lookup(nexthop A) (resolvable bool, metric uint32, ok bool) {
	e := r.findCovering(nexthop)
	if e == nil || !e.valid {
		return false, 0, false
	}
	return e.resolvable, e.metric, true
}

// Register asks the resolver to track nexthop's resolvability on behalf of
// requester for net, synchronously answering from cache when possible and
// issuing (or merging into) a RIB register_interest call otherwise.
func (r *Resolver[A]) Register(ctx context.Context, nexthop A, net bgpaddr.PrefixNet[A], requester Requester[A]) {
	if e := r.findCovering(nexthop); e != nil {
		r.addRequester(e, net, requester)
		metrics.NextHopResolutionsTotal.WithLabelValues(r.family.String(), "cached").Inc()
		return
	}

	// Reregister merge: when a request for the same nexthop is already
	// pending, this one is queued behind it without starting a drain of its
	// own, and the earlier request's reply folds it into the installed entry
	// (see drainHead's onOK) instead of sending a second RPC.
	r.pending = append(r.pending, &pendingRequest[A]{nexthop: nexthop, net: net, requester: requester})
	if len(r.pending) == 1 {
		r.drainHead(ctx)
	}
}

// Deregister withdraws requester's interest in nexthop. If no requester
// remains interested in the entry's covering range, a deregister_interest
// call is queued toward the RIB.
func (r *Resolver[A]) Deregister(ctx context.Context, nexthop A, net bgpaddr.PrefixNet[A], requester Requester[A]) {
	e := r.findCovering(nexthop)
	if e == nil {
		return
	}
	nets, ok := e.requesters[requester]
	if !ok {
		return
	}
	delete(nets, net.String())
	if len(nets) == 0 {
		delete(e.requesters, requester)
	}
	if e.requesterCount() > 0 {
		return
	}

	r.removeEntry(e)
	r.pending = append(r.pending, &pendingRequest[A]{deregister: true, net: e.base})
	if len(r.pending) == 1 {
		r.drainHead(ctx)
	}
}

func (r *Resolver[A]) addRequester(e *entry[A], net bgpaddr.PrefixNet[A], requester Requester[A]) {
	if e.requesters[requester] == nil {
		e.requesters[requester] = make(map[string]bool)
	}
	e.requesters[requester][net.String()] = true
}

func (r *Resolver[A]) removeEntry(e *entry[A]) {
	delete(r.byRealPrefix, e.realPrefix.String())
	kept := r.byPrefix[:0]
	for _, c := range r.byPrefix {
		if c != e {
			kept = append(kept, c)
		}
	}
	r.byPrefix = kept
}

// drainHead sends the head of the pending queue, classifying the result and
// either advancing, retrying after 1s, or treating it as fatal, mirroring
// the inform_rib queue's shape since both share the same RIB error
// taxonomy (spec.md §4.5/§7).
func (r *Resolver[A]) drainHead(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	req := r.pending[0]

	if req.deregister {
		kind := r.client.DeregisterInterest(ctx, req.net)
		r.handleDisposition(ctx, kind, true, func() {})
		return
	}

	resp, kind := r.client.RegisterInterest(ctx, req.nexthop)
	r.handleDisposition(ctx, kind, false, func() {
		r.everSucceeded = true
		e := r.installEntry(resp)
		r.addRequester(e, req.net, req.requester)
		metrics.NextHopResolutionsTotal.WithLabelValues(r.family.String(), outcomeLabel(resp.Resolves)).Inc()

		// Fold in any other queued requests for the same nexthop that were
		// merged in by Register while this one was in flight, so they don't
		// each trigger their own redundant RPC.
		rest := r.pending[1:]
		kept := rest[:0]
		for _, w := range rest {
			if !w.deregister && w.nexthop == req.nexthop {
				r.addRequester(e, w.net, w.requester)
				continue
			}
			kept = append(kept, w)
		}
		r.pending = append([]*pendingRequest[A]{req}, kept...)
	})
}

func outcomeLabel(resolves bool) string {
	if resolves {
		return "resolved"
	}
	return "unresolved"
}

func (r *Resolver[A]) installEntry(resp rib.RegisterResponse[A]) *entry[A] {
	base := bgpaddr.PrefixAt(resp.Base, resp.PrefixLen, r.wrap)
	realPrefix := bgpaddr.PrefixAt(resp.Base, resp.RealPrefixLen, r.wrap)
	e := &entry[A]{
		base:          base,
		realPrefix:    realPrefix,
		resolvable:    resp.Resolves,
		metric:        resp.Metric,
		actualNextHop: resp.ActualNextHop,
		valid:         true,
		requesters:    make(map[Requester[A]]map[string]bool),
	}
	r.byPrefix = append(r.byPrefix, e)
	r.byRealPrefix[realPrefix.String()] = e
	return e
}

func (r *Resolver[A]) handleDisposition(ctx context.Context, kind rib.ErrorKind, isDeregister bool, onOK func()) {
	if kind == rib.OK {
		onOK()
		r.pending = r.pending[1:]
		r.drainHead(ctx)
		return
	}
	switch rib.Classify(kind, r.everSucceeded, isDeregister) {
	case rib.DispositionRetry:
		metrics.RibRequestRetriesTotal.WithLabelValues(r.family.String(), "nhres").Inc()
		r.logger.Warn("nhres: transient RIB failure, retrying in 1s", zap.Stringer("kind", kind))
		r.clock.AfterFunc(time.Second, func() { r.drainHead(ctx) })
	case rib.DispositionRejected:
		r.logger.Warn("nhres: RIB rejected request, dropping", zap.Stringer("kind", kind))
		r.pending = r.pending[1:]
		r.drainHead(ctx)
	default:
		r.logger.Error("nhres: fatal RIB failure", zap.Stringer("kind", kind))
		r.pending = r.pending[1:]
		r.drainHead(ctx)
	}
}

// NotifyChanged is called when the RIB reports rib_client_route_info_changed
// for a real_prefix this resolver holds an entry for: the covering range,
// resolvability, or metric may have changed, so every registered requester
// must be told to re-evaluate.
func (r *Resolver[A]) NotifyChanged(realPrefix bgpaddr.PrefixNet[A], resolvable bool, metric uint32) {
	e, ok := r.byRealPrefix[realPrefix.String()]
	if !ok {
		return
	}
	e.resolvable = resolvable
	e.metric = metric
	r.notifyAll(e)
}

// NotifyInvalid is called when the RIB reports rib_client_route_info_invalid:
// the entry's real_prefix no longer has a concrete answer and must be
// re-resolved on next use.
func (r *Resolver[A]) NotifyInvalid(prefix bgpaddr.PrefixNet[A]) {
	e, ok := r.byRealPrefix[prefix.String()]
	if !ok {
		return
	}
	e.valid = false
	r.notifyAll(e)
}

func (r *Resolver[A]) notifyAll(e *entry[A]) {
	for req := range e.requesters {
		req.NextHopChanged(e.actualNextHop)
	}
}
