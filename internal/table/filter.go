package table

import (
	"github.com/route-beacon/ribd/internal/attrs"
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/route"
)

// RouteFilter is one stage of a filter bank. It may reject a route outright,
// or accept it with a possibly-rewritten attribute set. A filter that does
// not modify attributes returns the input pointer unchanged; one that does
// must Clone() first, since PathAttributes is otherwise treated as
// immutable once attached to a SubnetRoute.
type RouteFilter[A bgpaddr.Addr] interface {
	Name() string
	Filter(net bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, peer *route.PeerHandler) (accept bool, out *attrs.PathAttributes)
}

// FilterTable runs an ordered bank of filters over every route flowing
// through it. A route rejected by any filter is marked filtered on the
// shared SubnetRoute and not forwarded.
type FilterTable[A bgpaddr.Addr] struct {
	Downstream[A]
	name    string
	filters []RouteFilter[A]
	genID   route.GenID
}

func NewFilterTable[A bgpaddr.Addr](name string, filters ...RouteFilter[A]) *FilterTable[A] {
	return &FilterTable[A]{name: name, filters: filters}
}

func (t *FilterTable[A]) Name() string { return t.name }

func (t *FilterTable[A]) apply(msg *route.InternalMessage[A]) (*route.InternalMessage[A], bool) {
	pa := msg.Route.Attributes()
	for _, f := range t.filters {
		accept, out := f.Filter(msg.Route.Net(), pa, msg.Peer)
		if !accept {
			msg.Route.SetFiltered(true)
			return msg, false
		}
		pa = out
	}
	if pa == msg.Route.Attributes() {
		return msg, true
	}
	rewritten := route.NewSubnetRoute[A](msg.Route.Net(), pa, msg.Route.Peer(), msg.Route.GenID())
	out := *msg
	out.Route = rewritten
	return &out, true
}

func (t *FilterTable[A]) AddRoute(msg *route.InternalMessage[A]) route.UseStatus {
	t.genID = msg.GenID
	out, ok := t.apply(msg)
	if !ok || t.Next == nil {
		return route.StatusFiltered
	}
	return t.Next.AddRoute(out)
}

func (t *FilterTable[A]) ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus {
	out, ok := t.apply(msg)
	if !ok {
		if t.Next != nil && msg.PrevRoute != nil {
			t.Next.DeleteRoute(route.NewDeleteMessage[A](msg.PrevRoute, msg.Peer, msg.GenID))
		}
		return route.StatusFiltered
	}
	if t.Next == nil {
		return route.StatusFiltered
	}
	return t.Next.ReplaceRoute(out)
}

func (t *FilterTable[A]) DeleteRoute(msg *route.InternalMessage[A]) {
	if t.Next != nil {
		t.Next.DeleteRoute(msg)
	}
}

func (t *FilterTable[A]) Push(peer *route.PeerHandler, genID route.GenID) {
	if t.Next != nil {
		t.Next.Push(peer, genID)
	}
}

func (t *FilterTable[A]) RouteUsed(r *route.SubnetRoute[A], inUse bool) {}

func (t *FilterTable[A]) Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool) {
	if t.Next == nil {
		var zero *route.SubnetRoute[A]
		return zero, false
	}
	return t.Next.Lookup(net)
}

// SimpleASFilter rejects any route whose AS_PATH already contains the
// configured AS number, the base AS-path loop check.
type SimpleASFilter[A bgpaddr.Addr] struct {
	AS uint32
}

func (f *SimpleASFilter[A]) Name() string { return "simple_as_filter" }

func (f *SimpleASFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	for _, seg := range pa.ASPath {
		for _, asn := range seg.ASNs {
			if asn == f.AS {
				return false, pa
			}
		}
	}
	return true, pa
}

// ASPrependFilter prepends the local AS to the front of the AS_PATH's first
// AS_SEQUENCE segment (creating one if the path is empty), used on egress
// toward eBGP peers.
type ASPrependFilter[A bgpaddr.Addr] struct {
	AS    uint32
	Count int
}

func (f *ASPrependFilter[A]) Name() string { return "as_prepend_filter" }

func (f *ASPrependFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	if f.Count <= 0 {
		return true, pa
	}
	out := pa.Clone()
	prepend := make([]uint32, f.Count)
	for i := range prepend {
		prepend[i] = f.AS
	}
	if len(out.ASPath) > 0 && out.ASPath[0].Type == attrs.ASSequence {
		out.ASPath[0].ASNs = append(append([]uint32(nil), prepend...), out.ASPath[0].ASNs...)
	} else {
		out.ASPath = append([]attrs.ASPathSegment{{Type: attrs.ASSequence, ASNs: prepend}}, out.ASPath...)
	}
	return true, out
}

// NexthopRewriteFilter rewrites NEXT_HOP to the given address, used on
// egress toward eBGP peers (next-hop-self) or when readvertising a route
// whose original next-hop is not reachable by the destination peer.
type NexthopRewriteFilter[A bgpaddr.Addr] struct {
	NewNextHop func() (attrs.PathAttributes, bool)
	Rewrite    func(pa *attrs.PathAttributes)
}

func (f *NexthopRewriteFilter[A]) Name() string { return "nexthop_rewrite_filter" }

func (f *NexthopRewriteFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	if f.Rewrite == nil {
		return true, pa
	}
	out := pa.Clone()
	f.Rewrite(out)
	return true, out
}

// IBGPLoopFilter enforces the iBGP split-horizon rule: a route learned from
// one iBGP peer is never re-advertised to another iBGP peer.
type IBGPLoopFilter[A bgpaddr.Addr] struct {
	DestIsInternal func() bool
}

func (f *IBGPLoopFilter[A]) Name() string { return "ibgp_loop_filter" }

func (f *IBGPLoopFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, peer *route.PeerHandler) (bool, *attrs.PathAttributes) {
	if peer != nil && peer.IsInternal && f.DestIsInternal != nil && f.DestIsInternal() {
		return false, pa
	}
	return true, pa
}

// LocalPrefInsertionFilter sets LOCAL_PREF on ingress from an eBGP peer
// (LOCAL_PREF is never carried over eBGP and must be assigned locally), and
// strips it before advertising to an eBGP peer.
type LocalPrefInsertionFilter[A bgpaddr.Addr] struct {
	DefaultLocalPref uint32
	Direction        FilterDirection
	SourceIsInternal func() bool
}

type FilterDirection uint8

const (
	DirectionIngress FilterDirection = iota
	DirectionEgress
)

func (f *LocalPrefInsertionFilter[A]) Name() string { return "local_pref_insertion_filter" }

func (f *LocalPrefInsertionFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	internal := f.SourceIsInternal != nil && f.SourceIsInternal()
	out := pa
	switch f.Direction {
	case DirectionIngress:
		if !internal && pa.LocalPref == nil {
			out = pa.Clone()
			lp := f.DefaultLocalPref
			out.LocalPref = &lp
		}
	case DirectionEgress:
		if !internal && pa.LocalPref != nil {
			out = pa.Clone()
			out.LocalPref = nil
		}
	}
	return true, out
}

// LocalPrefRemoveFilter unconditionally strips LOCAL_PREF, used on an egress
// chain toward an eBGP peer where LocalPrefInsertionFilter's direction-aware
// egress behavior isn't wanted (e.g. a redistribution source with no
// meaningful SourceIsInternal check).
type LocalPrefRemoveFilter[A bgpaddr.Addr] struct{}

func (f *LocalPrefRemoveFilter[A]) Name() string { return "local_pref_remove_filter" }

func (f *LocalPrefRemoveFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	if pa.LocalPref == nil {
		return true, pa
	}
	out := pa.Clone()
	out.LocalPref = nil
	return true, out
}

// MedInsertFilter sets MED to a fixed value on egress, overwriting whatever
// MED (if any) the route already carries.
type MedInsertFilter[A bgpaddr.Addr] struct {
	MED uint32
}

func (f *MedInsertFilter[A]) Name() string { return "med_insert_filter" }

func (f *MedInsertFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	out := pa.Clone()
	med := f.MED
	out.MED = &med
	return true, out
}

// MedRemoveFilter strips MED, used before advertising to a peer in a
// different AS that should not see an internally-meaningful MED value.
type MedRemoveFilter[A bgpaddr.Addr] struct{}

func (f *MedRemoveFilter[A]) Name() string { return "med_remove_filter" }

func (f *MedRemoveFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	if pa.MED == nil {
		return true, pa
	}
	out := pa.Clone()
	out.MED = nil
	return true, out
}

// UnknownAttrFilter enforces RFC 4271's handling of attributes this
// implementation doesn't interpret: a non-transitive unknown attribute is
// dropped outright, a transitive one is kept but marked partial so further
// hops know it passed through a speaker that didn't recognize it.
type UnknownAttrFilter[A bgpaddr.Addr] struct{}

func (f *UnknownAttrFilter[A]) Name() string { return "unknown_attr_filter" }

func (f *UnknownAttrFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, _ *route.PeerHandler) (bool, *attrs.PathAttributes) {
	needsRewrite := false
	for _, u := range pa.Unknown {
		if !u.Transitive || !u.Partial {
			needsRewrite = true
			break
		}
	}
	if !needsRewrite {
		return true, pa
	}
	out := pa.Clone()
	kept := out.Unknown[:0]
	for _, u := range out.Unknown {
		if !u.Transitive {
			continue
		}
		u.Partial = true
		kept = append(kept, u)
	}
	out.Unknown = kept
	return true, out
}

// OriginateRouteFilter prepends the local AS to AS_PATH only for routes
// whose origin peer is an iBGP session: a route learned over eBGP already
// carries the upstream AS at the head of its path, but an iBGP-origin route
// (one this speaker itself injected, or relayed from another iBGP speaker
// without an eBGP hop in between) needs the local AS added before it is
// sent to an eBGP peer.
type OriginateRouteFilter[A bgpaddr.Addr] struct {
	AS uint32
}

func (f *OriginateRouteFilter[A]) Name() string { return "originate_route_filter" }

func (f *OriginateRouteFilter[A]) Filter(_ bgpaddr.PrefixNet[A], pa *attrs.PathAttributes, peer *route.PeerHandler) (bool, *attrs.PathAttributes) {
	if peer == nil || !peer.IsInternal {
		return true, pa
	}
	out := pa.Clone()
	if len(out.ASPath) > 0 && out.ASPath[0].Type == attrs.ASSequence {
		out.ASPath[0].ASNs = append([]uint32{f.AS}, out.ASPath[0].ASNs...)
	} else {
		out.ASPath = append([]attrs.ASPathSegment{{Type: attrs.ASSequence, ASNs: []uint32{f.AS}}}, out.ASPath...)
	}
	return true, out
}
