// Package attrs holds the in-memory, pipeline-mutable representation of a
// BGP path attribute set. Unlike internal/bgp's wire decoder (which renders
// attributes to strings for downstream storage), this type keeps attributes
// structured so filters, the decision tie-breaker, and policy can inspect
// and rewrite individual fields.
package attrs

import (
	"hash/fnv"
	"net/netip"
	"sort"
	"strconv"
)

type Origin uint8

const (
	OriginIGP Origin = iota
	OriginEGP
	OriginIncomplete
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "IGP"
	case OriginEGP:
		return "EGP"
	default:
		return "INCOMPLETE"
	}
}

type ASSegmentType uint8

const (
	ASSequence ASSegmentType = iota
	ASSet
)

// ASPathSegment is one segment (AS_SEQUENCE or AS_SET) of an AS_PATH.
type ASPathSegment struct {
	Type ASSegmentType
	ASNs []uint32
}

// UnknownAttr preserves an attribute this implementation does not interpret,
// so it can still be relayed transitively, matching the wire-level
// transitive/optional flags semantics BGP requires of unrecognized
// attributes.
type UnknownAttr struct {
	TypeCode    uint8
	Transitive  bool
	Partial     bool
	Value       []byte
}

// Aggregator records the AGGREGATOR attribute: the AS and router-id of the
// speaker that performed route aggregation.
type Aggregator struct {
	AS       uint32
	RouterID netip.Addr
}

// PathAttributes is the mutable set of path attributes carried alongside a
// route through the pipeline. Per the data model, it is never mutated once
// attached to a shared SubnetRoute; a filter producing a modified attribute
// set clones first.
type PathAttributes struct {
	Origin           Origin
	ASPath           []ASPathSegment
	NextHop          netip.Addr
	MED              *uint32
	LocalPref        *uint32
	AtomicAggregate  bool
	Aggregator       *Aggregator
	Communities      []uint32
	ExtCommunities   [][8]byte
	LargeCommunities [][3]uint32
	Unknown          []UnknownAttr
}

// Clone returns a deep copy so a filter can mutate the result without
// affecting the attribute set other routes still reference.
func (p *PathAttributes) Clone() *PathAttributes {
	if p == nil {
		return nil
	}
	c := *p
	c.ASPath = make([]ASPathSegment, len(p.ASPath))
	for i, seg := range p.ASPath {
		c.ASPath[i] = ASPathSegment{Type: seg.Type, ASNs: append([]uint32(nil), seg.ASNs...)}
	}
	if p.MED != nil {
		v := *p.MED
		c.MED = &v
	}
	if p.LocalPref != nil {
		v := *p.LocalPref
		c.LocalPref = &v
	}
	if p.Aggregator != nil {
		a := *p.Aggregator
		c.Aggregator = &a
	}
	c.Communities = append([]uint32(nil), p.Communities...)
	c.ExtCommunities = append([][8]byte(nil), p.ExtCommunities...)
	c.LargeCommunities = append([][3]uint32(nil), p.LargeCommunities...)
	c.Unknown = append([]UnknownAttr(nil), p.Unknown...)
	return &c
}

// ASPathLength is the tie-breaker length: AS_SET segments count as one hop
// regardless of membership size, AS_SEQUENCE segments count each ASN.
func (p *PathAttributes) ASPathLength() int {
	n := 0
	for _, seg := range p.ASPath {
		if seg.Type == ASSet {
			n++
		} else {
			n += len(seg.ASNs)
		}
	}
	return n
}

// medInvalidSentinel is the sentinel AS used for an empty AS_PATH when
// comparing neighbor AS for the MED tie-break step. This reproduces the
// original's behavior for the empty-path case rather than special-casing it
// (see the decision tie-break Open Question).
const medInvalidSentinel = ^uint32(0)

// NeighborAS returns the AS adjacent to the local speaker: the first ASN of
// the leftmost segment, or the sentinel AS if the path is empty or begins
// with an AS_SET.
func (p *PathAttributes) NeighborAS() uint32 {
	if len(p.ASPath) == 0 || len(p.ASPath[0].ASNs) == 0 {
		return medInvalidSentinel
	}
	if p.ASPath[0].Type == ASSet {
		return medInvalidSentinel
	}
	return p.ASPath[0].ASNs[0]
}

// EffectiveMED returns the value used in MED comparison: the MED attribute
// if present, 0 otherwise (missing MED is treated as the best possible
// value, per RFC 4271 9.1.2.2).
func (p *PathAttributes) EffectiveMED() uint32 {
	if p.MED == nil {
		return 0
	}
	return *p.MED
}

// Equal reports structural equality, ignoring the wire order attributes
// were received in: communities/extended/large-community sets are compared
// as sets, not sequences, matching the "equal regardless of attribute
// order" invariant.
func (p *PathAttributes) Equal(o *PathAttributes) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	if p.Origin != o.Origin || p.NextHop != o.NextHop || p.AtomicAggregate != o.AtomicAggregate {
		return false
	}
	if !equalUint32Ptr(p.MED, o.MED) || !equalUint32Ptr(p.LocalPref, o.LocalPref) {
		return false
	}
	if !equalAggregator(p.Aggregator, o.Aggregator) {
		return false
	}
	if !equalASPath(p.ASPath, o.ASPath) {
		return false
	}
	if !equalUint32Set(p.Communities, o.Communities) {
		return false
	}
	if !equalExtCommunitySet(p.ExtCommunities, o.ExtCommunities) {
		return false
	}
	if !equalLargeCommunitySet(p.LargeCommunities, o.LargeCommunities) {
		return false
	}
	return true
}

// Hash returns a digest over the attribute set's content, order-independent
// for the same fields Equal treats as sets, so two differently-ordered but
// otherwise identical attribute lists hash the same and can share storage.
func (p *PathAttributes) Hash() uint64 {
	h := fnv.New64a()
	write := func(s string) { h.Write([]byte(s)); h.Write([]byte{0}) }

	write(strconv.Itoa(int(p.Origin)))
	write(p.NextHop.String())
	write(strconv.FormatBool(p.AtomicAggregate))
	if p.MED != nil {
		write("med:" + strconv.FormatUint(uint64(*p.MED), 10))
	}
	if p.LocalPref != nil {
		write("lp:" + strconv.FormatUint(uint64(*p.LocalPref), 10))
	}
	if p.Aggregator != nil {
		write("agg:" + strconv.FormatUint(uint64(p.Aggregator.AS), 10) + "/" + p.Aggregator.RouterID.String())
	}
	for _, seg := range p.ASPath {
		write("seg:" + strconv.Itoa(int(seg.Type)))
		for _, asn := range seg.ASNs {
			write(strconv.FormatUint(uint64(asn), 10))
		}
	}
	writeUint32Set(write, p.Communities)

	extSorted := append([][8]byte(nil), p.ExtCommunities...)
	sort.Slice(extSorted, func(i, j int) bool { return string(extSorted[i][:]) < string(extSorted[j][:]) })
	for _, c := range extSorted {
		write("ec:" + string(c[:]))
	}

	lcSorted := append([][3]uint32(nil), p.LargeCommunities...)
	sort.Slice(lcSorted, func(i, j int) bool { return lessLargeCommunity(lcSorted[i], lcSorted[j]) })
	for _, c := range lcSorted {
		write("lc:" + strconv.FormatUint(uint64(c[0]), 10) + "," + strconv.FormatUint(uint64(c[1]), 10) + "," + strconv.FormatUint(uint64(c[2]), 10))
	}
	return h.Sum64()
}

func writeUint32Set(write func(string), s []uint32) {
	sorted := append([]uint32(nil), s...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, v := range sorted {
		write("c:" + strconv.FormatUint(uint64(v), 10))
	}
}

func equalUint32Ptr(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalAggregator(a, b *Aggregator) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AS == b.AS && a.RouterID == b.RouterID
}

func equalASPath(a, b []ASPathSegment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || len(a[i].ASNs) != len(b[i].ASNs) {
			return false
		}
		for j := range a[i].ASNs {
			if a[i].ASNs[j] != b[i].ASNs[j] {
				return false
			}
		}
	}
	return true
}

func equalUint32Set(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := append([]uint32(nil), a...), append([]uint32(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func equalExtCommunitySet(a, b [][8]byte) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := append([][8]byte(nil), a...), append([][8]byte(nil), b...)
	sort.Slice(as, func(i, j int) bool { return string(as[i][:]) < string(as[j][:]) })
	sort.Slice(bs, func(i, j int) bool { return string(bs[i][:]) < string(bs[j][:]) })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func lessLargeCommunity(x, y [3]uint32) bool {
	if x[0] != y[0] {
		return x[0] < y[0]
	}
	if x[1] != y[1] {
		return x[1] < y[1]
	}
	return x[2] < y[2]
}

func equalLargeCommunitySet(a, b [][3]uint32) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := append([][3]uint32(nil), a...), append([][3]uint32(nil), b...)
	sort.Slice(as, func(i, j int) bool { return lessLargeCommunity(as[i], as[j]) })
	sort.Slice(bs, func(i, j int) bool { return lessLargeCommunity(bs[i], bs[j]) })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
