// Package fib2mrib mirrors kernel forwarding-table changes into the
// multicast routing information base, applying IMPORT/EXPORT_SOURCEMATCH
// policy filtering along the way (spec.md §4.10, grounded on the XORP
// Fib2mribNode/Fib2mribVarRW pair named in
// original_source/trunk/xorp/fib2mrib).
package fib2mrib

import (
	"context"

	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/ifmgr"
	"github.com/route-beacon/ribd/internal/metrics"
	"github.com/route-beacon/ribd/internal/policy/varrw"
)

type RouteType uint8

const (
	RouteAdd RouteType = iota
	RouteReplace
	RouteDelete
)

// Fte is the forwarding-table entry the kernel FIB observer reports,
// per spec.md §3.
type Fte[A bgpaddr.Addr] struct {
	Net            bgpaddr.PrefixNet[A]
	NextHop        A
	Ifname         string
	Vifname        string
	Metric         uint32
	AdminDistance  uint32
	ProtocolOrigin string
	XorpInstalled  bool
	IsDeleted      bool
	IsUnresolved   bool
}

// Route is the redistributor's stored representation: an Fte enriched with
// redistribution bookkeeping.
type Route[A bgpaddr.Addr] struct {
	Fte[A]
	Type             RouteType
	Filtered         bool
	AcceptedByNexthop bool
	PolicyTags       []string
}

func (r *Route[A]) offerable() bool { return r.AcceptedByNexthop && !r.Filtered }

// varHandle adapts a Route to the varrw.VarRW contract so a policy filter
// can inspect and rewrite it in place.
type varHandle[A bgpaddr.Addr] struct {
	route *Route[A]
}

func (h *varHandle[A]) Network() bgpaddr.PrefixNet[A]     { return h.route.Net }
func (h *varHandle[A]) SetNetwork(n bgpaddr.PrefixNet[A]) { h.route.Net = n }
func (h *varHandle[A]) NextHop() A                        { return h.route.NextHop }
func (h *varHandle[A]) SetNextHop(a A)                    { h.route.NextHop = a }
func (h *varHandle[A]) Metric() uint32                    { return h.route.Metric }
func (h *varHandle[A]) SetMetric(m uint32)                { h.route.Metric = m }
func (h *varHandle[A]) PolicyTags() []string              { return h.route.PolicyTags }
func (h *varHandle[A]) SetPolicyTags(t []string)          { h.route.PolicyTags = t }

var _ varrw.VarRW[bgpaddr.V4] = (*varHandle[bgpaddr.V4])(nil)

// Sink is where accepted routes are offered downstream: the local RIB's
// multicast table.
type Sink[A bgpaddr.Addr] interface {
	Offer(ctx context.Context, net bgpaddr.PrefixNet[A], nh A, ifname, vifname string, metric uint32, tags []string, replace bool)
	Withdraw(ctx context.Context, net bgpaddr.PrefixNet[A], ifname, vifname string)
}

// key identifies one stored route within the net-keyed multimap: the same
// net may have multiple entries differing in ifname/vifname (IPv6
// link-local prefixes that exist per interface).
type key struct {
	net     string
	ifname  string
	vifname string
}

// Redistributor is the FIB->MRIB node for one address family.
type Redistributor[A bgpaddr.Addr] struct {
	family   bgpaddr.Family
	tree     ifmgr.Tree[A]
	policy   map[string]varrw.Filter[A]
	sink     Sink[A]
	logger   *zap.Logger
	proto    string

	routes map[key]*Route[A]
}

func NewRedistributor[A bgpaddr.Addr](family bgpaddr.Family, tree ifmgr.Tree[A], policy map[string]varrw.Filter[A], sink Sink[A], proto string, logger *zap.Logger) *Redistributor[A] {
	return &Redistributor[A]{
		family: family,
		tree:   tree,
		policy: policy,
		sink:   sink,
		proto:  proto,
		logger: logger,
		routes: make(map[key]*Route[A]),
	}
}

func keyOf[A bgpaddr.Addr](net bgpaddr.PrefixNet[A], ifname, vifname string) key {
	return key{net: net.String(), ifname: ifname, vifname: vifname}
}

// AddRoute handles a kernel FIB add_route callback. An add for a net already
// stored under the same (ifname, vifname) is treated as a replace: some
// platforms silently remove all routes through a deleted interface address
// without generating delete events, so a subsequent add must be able to
// recover without the redistributor believing it already holds a now-stale
// entry.
func (r *Redistributor[A]) AddRoute(ctx context.Context, fte Fte[A]) {
	r.enrich(&fte)
	k := keyOf[A](fte.Net, fte.Ifname, fte.Vifname)
	typ := RouteAdd
	if _, exists := r.routes[k]; exists {
		typ = RouteReplace
	}
	route := &Route[A]{Fte: fte, Type: typ}
	r.applyPolicy(route)
	r.routes[k] = route
	r.push(ctx, route, typ == RouteReplace)
}

func (r *Redistributor[A]) ReplaceRoute(ctx context.Context, fte Fte[A]) {
	r.enrich(&fte)
	k := keyOf[A](fte.Net, fte.Ifname, fte.Vifname)
	route := &Route[A]{Fte: fte, Type: RouteReplace}
	r.applyPolicy(route)
	_, existed := r.routes[k]
	r.routes[k] = route
	r.push(ctx, route, existed)
}

func (r *Redistributor[A]) DeleteRoute(ctx context.Context, net bgpaddr.PrefixNet[A], ifname, vifname string) {
	k := keyOf[A](net, ifname, vifname)
	route, ok := r.routes[k]
	if !ok {
		return
	}
	delete(r.routes, k)
	if route.offerable() {
		r.sink.Withdraw(ctx, net, ifname, vifname)
	}
}

// enrich implements update_route(iftree, route): it sets ifname/vifname
// from the interface tree, overwriting any the FIB notification carried,
// using FindInterfaceVif on the nexthop or, for a zero nexthop that it does
// not match, IsDirectlyConnected on the route's net. The nexthop itself is
// never changed; a zero nexthop on a directly-connected subnet stays zero
// and is not replaced by the vif's local address.
func (r *Redistributor[A]) enrich(fte *Fte[A]) {
	if r.tree == nil {
		return
	}
	if r.tree.IsMyAddr(fte.NextHop) {
		if ifname, vifname, ok := r.tree.FindInterfaceVif(fte.NextHop); ok {
			fte.Ifname, fte.Vifname = ifname, vifname
		}
		return
	}
	if ifname, vifname, ok := r.tree.FindInterfaceVif(fte.NextHop); ok {
		fte.Ifname, fte.Vifname = ifname, vifname
		return
	}
	if fte.NextHop.IsZero() {
		if ifname, vifname, ok := r.tree.IsDirectlyConnected(fte.Net); ok {
			fte.Ifname, fte.Vifname = ifname, vifname
		}
	}
}

// applyPolicy runs IMPORT (may reject) then EXPORT_SOURCEMATCH (tagging
// only, never rejects) via the VarRW contract.
func (r *Redistributor[A]) applyPolicy(route *Route[A]) {
	handle := &varHandle[A]{route: route}

	route.AcceptedByNexthop = true
	route.Filtered = false

	if f, ok := r.policy["IMPORT"]; ok {
		accepted, err := f.RunFilter(handle)
		if err != nil {
			r.logger.Error("fib2mrib: IMPORT policy error", zap.Error(err))
			route.Filtered = true
		} else if !accepted {
			route.Filtered = true
		}
	}

	if f, ok := r.policy["EXPORT_SOURCEMATCH"]; ok {
		if _, err := f.RunFilter(handle); err != nil {
			r.logger.Error("fib2mrib: EXPORT_SOURCEMATCH policy error", zap.Error(err))
		}
	}
}

func (r *Redistributor[A]) push(ctx context.Context, route *Route[A], replace bool) {
	metrics.Fib2mribRoutesTotal.WithLabelValues(r.family.String(), r.proto).Set(float64(len(r.routes)))
	if !route.offerable() {
		metrics.Fib2mribRejectedTotal.WithLabelValues(r.family.String(), "policy").Inc()
		return
	}
	r.sink.Offer(ctx, route.Net, route.NextHop, route.Ifname, route.Vifname, route.Metric, route.PolicyTags, replace)
}

// InterfaceTreeChanged re-runs enrich and policy for every stored route,
// emitting add/delete/delete+add to the downstream RIB for whatever changed
// (spec.md §4.10's interface-tree event handling). Acceptance is decided by
// policy alone, so an interface or vif going down does not by itself
// withdraw a route; and enrich only overwrites (ifname, vifname) when the
// tree yields a match, so a route whose vif is gone keeps its old names.
func (r *Redistributor[A]) InterfaceTreeChanged(ctx context.Context) {
	for _, route := range r.routes {
		wasOfferable := route.offerable()
		prevIfname, prevVifname := route.Ifname, route.Vifname

		r.enrich(&route.Fte)
		r.applyPolicy(route)

		nowOfferable := route.offerable()
		switch {
		case wasOfferable && !nowOfferable:
			r.sink.Withdraw(ctx, route.Net, prevIfname, prevVifname)
		case !wasOfferable && nowOfferable:
			r.sink.Offer(ctx, route.Net, route.NextHop, route.Ifname, route.Vifname, route.Metric, route.PolicyTags, false)
		case wasOfferable && nowOfferable && (prevIfname != route.Ifname || prevVifname != route.Vifname):
			r.sink.Withdraw(ctx, route.Net, prevIfname, prevVifname)
			r.sink.Offer(ctx, route.Net, route.NextHop, route.Ifname, route.Vifname, route.Metric, route.PolicyTags, false)
		}
	}
	metrics.Fib2mribRoutesTotal.WithLabelValues(r.family.String(), r.proto).Set(float64(len(r.routes)))
}

func (r *Redistributor[A]) RouteCount() int { return len(r.routes) }

func (r *Redistributor[A]) AllRoutes(yield func(*Route[A]) bool) {
	for _, route := range r.routes {
		if !yield(route) {
			return
		}
	}
}
