// Package bgpaddr provides the address-family capability used to
// instantiate the route pipeline generically over IPv4 and IPv6, instead of
// duplicating the pipeline once per family.
package bgpaddr

import (
	"fmt"
	"net/netip"
)

// Addr is the capability set the route pipeline needs from an address
// family's prefix type. IPv4 and IPv6 each implement it over net/netip.
type Addr interface {
	comparable
	fmt.Stringer
	IsZero() bool
	BitLen() int
	Netip() netip.Addr
}

// Family identifies which of the two independently-instantiated pipelines a
// value belongs to.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv4 {
		return "ipv4"
	}
	return "ipv6"
}

// ParseFamily maps the config-file family names onto Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "ipv4":
		return IPv4, nil
	case "ipv6":
		return IPv6, nil
	default:
		return 0, fmt.Errorf("bgpaddr: unsupported family %q", s)
	}
}

// V4 wraps a netip.Addr known to be an IPv4 address.
type V4 struct{ a netip.Addr }

func NewV4(a netip.Addr) V4 {
	if a.Is4In6() {
		a = a.Unmap()
	}
	return V4{a}
}

func (v V4) IsZero() bool     { return !v.a.IsValid() }
func (v V4) BitLen() int      { return 32 }
func (v V4) String() string   { return v.a.String() }
func (v V4) Unwrap() netip.Addr { return v.a }
func (v V4) Netip() netip.Addr  { return v.a }

// V6 wraps a netip.Addr known to be an IPv6 address.
type V6 struct{ a netip.Addr }

func NewV6(a netip.Addr) V6 { return V6{a} }

func (v V6) IsZero() bool     { return !v.a.IsValid() }
func (v V6) BitLen() int      { return 128 }
func (v V6) String() string   { return v.a.String() }
func (v V6) Unwrap() netip.Addr { return v.a }
func (v V6) Netip() netip.Addr  { return v.a }

var (
	_ = PrefixNet[V4]{}
	_ = PrefixNet[V6]{}
)

// PrefixNet is a generic network prefix over an address family. It mirrors
// the spec's PrefixNet<A>: a masked address plus a prefix length, with
// mask-application and containment queries needed by the pipeline and the
// next-hop resolver's tries.
type PrefixNet[A Addr] struct {
	prefix netip.Prefix
	addr   A
}

// NewPrefixNet builds a PrefixNet from a netip.Prefix, masking it to its
// canonical network address the way the original's PrefixNet constructor
// does (a prefix is always stored already masked).
func NewPrefixNet[A Addr](p netip.Prefix, wrap func(netip.Addr) A) PrefixNet[A] {
	masked := p.Masked()
	return PrefixNet[A]{prefix: masked, addr: wrap(masked.Addr())}
}

func (p PrefixNet[A]) Addr() A             { return p.addr }
func (p PrefixNet[A]) Bits() int           { return p.prefix.Bits() }
func (p PrefixNet[A]) NetipPrefix() netip.Prefix { return p.prefix }
func (p PrefixNet[A]) String() string      { return p.prefix.String() }
func (p PrefixNet[A]) IsZero() bool        { return !p.prefix.IsValid() }

// Contains reports whether other is inside p (p is p's prefix_of(other)).
func (p PrefixNet[A]) Contains(other PrefixNet[A]) bool {
	return p.prefix.Bits() <= other.prefix.Bits() && p.prefix.Contains(other.prefix.Addr())
}

// Equal reports exact equality of network and length.
func (p PrefixNet[A]) Equal(o PrefixNet[A]) bool {
	return p.prefix == o.prefix
}

// HostPrefix builds a /BitLen PrefixNet from a single address, used by the
// next-hop resolver to test whether a bare nexthop address falls under a
// covering cache entry's range.
func HostPrefix[A Addr](addr A) PrefixNet[A] {
	p := netip.PrefixFrom(addr.Netip(), addr.BitLen())
	return PrefixNet[A]{prefix: p, addr: addr}
}

// PrefixAt builds a PrefixNet of the given length over addr's network,
// masking it to that length. Used to materialize a RIB-reported covering
// range (base_addr/prefix_len) from a bare address and length.
func PrefixAt[A Addr](addr A, bits int, wrap func(netip.Addr) A) PrefixNet[A] {
	return NewPrefixNet(netip.PrefixFrom(addr.Netip(), bits), wrap)
}
