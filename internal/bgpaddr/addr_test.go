package bgpaddr

import (
	"net/netip"
	"testing"
)

func TestPrefixNetContains(t *testing.T) {
	super := NewPrefixNet(netip.MustParsePrefix("10.0.0.0/8"), NewV4)
	sub := NewPrefixNet(netip.MustParsePrefix("10.1.2.0/24"), NewV4)
	if !super.Contains(sub) {
		t.Fatal("expected 10.0.0.0/8 to contain 10.1.2.0/24")
	}
	if sub.Contains(super) {
		t.Fatal("did not expect the more specific prefix to contain the less specific one")
	}
}

func TestPrefixNetMasksOnConstruction(t *testing.T) {
	p := NewPrefixNet(netip.MustParsePrefix("10.1.2.3/24"), NewV4)
	if p.String() != "10.1.2.0/24" {
		t.Fatalf("expected masked network, got %s", p.String())
	}
}

func TestPrefixNetEqual(t *testing.T) {
	a := NewPrefixNet(netip.MustParsePrefix("192.168.0.0/16"), NewV4)
	b := NewPrefixNet(netip.MustParsePrefix("192.168.0.0/16"), NewV4)
	c := NewPrefixNet(netip.MustParsePrefix("192.168.0.0/17"), NewV4)
	if !a.Equal(b) {
		t.Fatal("expected equal prefixes to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("did not expect different-length prefixes to compare equal")
	}
}

func TestParseFamily(t *testing.T) {
	if f, err := ParseFamily("ipv4"); err != nil || f != IPv4 {
		t.Fatalf("unexpected result for ipv4: %v, %v", f, err)
	}
	if f, err := ParseFamily("ipv6"); err != nil || f != IPv6 {
		t.Fatalf("unexpected result for ipv6: %v, %v", f, err)
	}
	if _, err := ParseFamily("ipv5"); err == nil {
		t.Fatal("expected error for unsupported family")
	}
}
