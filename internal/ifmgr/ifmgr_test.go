package ifmgr

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/ribd/internal/bgpaddr"
)

func prefix(s string) bgpaddr.PrefixNet[bgpaddr.V4] {
	return bgpaddr.NewPrefixNet(netip.MustParsePrefix(s), bgpaddr.NewV4)
}

func addr(s string) bgpaddr.V4 { return bgpaddr.NewV4(netip.MustParseAddr(s)) }

func vifAddr(host string, net string) VifAddress[bgpaddr.V4] {
	return VifAddress[bgpaddr.V4]{Host: addr(host), Net: prefix(net)}
}

func buildTree() *MutableTree[bgpaddr.V4] {
	tree := NewMutableTree[bgpaddr.V4]()
	tree.SetInterface(&Interface[bgpaddr.V4]{
		Name: "eth0",
		Vifs: []*Vif[bgpaddr.V4]{
			{
				Name:      "eth0",
				Enabled:   true,
				Addresses: []VifAddress[bgpaddr.V4]{vifAddr("192.0.2.1", "192.0.2.0/24")},
			},
		},
	})
	tree.SetInterface(&Interface[bgpaddr.V4]{
		Name: "eth1",
		Vifs: []*Vif[bgpaddr.V4]{
			{Name: "eth1", Enabled: false, Addresses: []VifAddress[bgpaddr.V4]{vifAddr("203.0.113.1", "203.0.113.0/24")}},
		},
	})
	return tree
}

func TestFindInterfaceVifMatchesWithinAddressRange(t *testing.T) {
	tree := buildTree()
	ifname, vifname, ok := tree.FindInterfaceVif(addr("192.0.2.250"))
	if !ok || ifname != "eth0" || vifname != "eth0" {
		t.Fatalf("expected eth0/eth0 match, got %s/%s ok=%v", ifname, vifname, ok)
	}
}

func TestFindInterfaceVifSkipsDisabledVif(t *testing.T) {
	tree := buildTree()
	_, _, ok := tree.FindInterfaceVif(addr("203.0.113.250"))
	if ok {
		t.Fatal("expected a disabled vif's address range not to match")
	}
}

func TestIsMyAddr(t *testing.T) {
	tree := buildTree()
	if !tree.IsMyAddr(addr("192.0.2.1")) {
		t.Fatal("expected the configured address itself to be recognized as local")
	}
	if tree.IsMyAddr(addr("192.0.2.2")) {
		t.Fatal("expected a different address in the same subnet not to be local")
	}
}

func TestIsDirectlyConnected(t *testing.T) {
	tree := buildTree()
	ifname, vifname, ok := tree.IsDirectlyConnected(prefix("192.0.2.0/24"))
	if !ok || ifname != "eth0" || vifname != "eth0" {
		t.Fatalf("expected eth0/eth0 for a directly connected subnet, got %s/%s ok=%v", ifname, vifname, ok)
	}
	if _, _, ok := tree.IsDirectlyConnected(prefix("10.0.0.0/24")); ok {
		t.Fatal("expected an unrelated subnet not to be directly connected")
	}
}

func TestRemoveInterface(t *testing.T) {
	tree := buildTree()
	tree.RemoveInterface("eth0")
	if tree.IsMyAddr(addr("192.0.2.1")) {
		t.Fatal("expected a removed interface's addresses to no longer match")
	}
}
