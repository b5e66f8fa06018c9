package fib2mrib

import (
	"context"
	"net/netip"
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/ifmgr"
	"github.com/route-beacon/ribd/internal/policy/varrw"
)

type offer struct {
	net     bgpaddr.PrefixNet[bgpaddr.V4]
	nh      bgpaddr.V4
	ifname  string
	vifname string
	replace bool
}

type withdrawal struct {
	net     bgpaddr.PrefixNet[bgpaddr.V4]
	ifname  string
	vifname string
}

type recordingSink struct {
	offers      []offer
	withdrawals []withdrawal
}

func (s *recordingSink) Offer(ctx context.Context, net bgpaddr.PrefixNet[bgpaddr.V4], nh bgpaddr.V4, ifname, vifname string, metric uint32, tags []string, replace bool) {
	s.offers = append(s.offers, offer{net, nh, ifname, vifname, replace})
}

func (s *recordingSink) Withdraw(ctx context.Context, net bgpaddr.PrefixNet[bgpaddr.V4], ifname, vifname string) {
	s.withdrawals = append(s.withdrawals, withdrawal{net, ifname, vifname})
}

func net24(s string) bgpaddr.PrefixNet[bgpaddr.V4] {
	return bgpaddr.NewPrefixNet(netip.MustParsePrefix(s), bgpaddr.NewV4)
}

func addr(s string) bgpaddr.V4 { return bgpaddr.NewV4(netip.MustParseAddr(s)) }

func acceptAll[A bgpaddr.Addr]() varrw.Filter[A] {
	return &varrw.FuncFilter[A]{Name: "IMPORT", Fn: func(rw varrw.VarRW[A]) (bool, error) { return true, nil }}
}

func denyAll[A bgpaddr.Addr]() varrw.Filter[A] {
	return &varrw.FuncFilter[A]{Name: "IMPORT", Fn: func(rw varrw.VarRW[A]) (bool, error) { return false, nil }}
}

func TestAddRouteOffersAcceptedRoute(t *testing.T) {
	sink := &recordingSink{}
	policy := map[string]varrw.Filter[bgpaddr.V4]{"IMPORT": acceptAll[bgpaddr.V4]()}
	r := NewRedistributor[bgpaddr.V4](bgpaddr.IPv4, nil, policy, sink, "static", zap.NewNop())

	r.AddRoute(context.Background(), Fte[bgpaddr.V4]{
		Net: net24("198.51.100.0/24"), NextHop: addr("10.0.0.1"), Ifname: "eth0", Vifname: "eth0", Metric: 1,
	})

	if len(sink.offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(sink.offers))
	}
	if sink.offers[0].replace {
		t.Fatal("expected the first add not to be treated as a replace")
	}
	if r.RouteCount() != 1 {
		t.Fatalf("expected 1 stored route, got %d", r.RouteCount())
	}
}

func TestAddRouteRejectedByImportPolicyIsNotOffered(t *testing.T) {
	sink := &recordingSink{}
	policy := map[string]varrw.Filter[bgpaddr.V4]{"IMPORT": denyAll[bgpaddr.V4]()}
	r := NewRedistributor[bgpaddr.V4](bgpaddr.IPv4, nil, policy, sink, "static", zap.NewNop())

	r.AddRoute(context.Background(), Fte[bgpaddr.V4]{Net: net24("198.51.100.0/24"), NextHop: addr("10.0.0.1")})

	if len(sink.offers) != 0 {
		t.Fatalf("expected a policy-rejected route not to be offered, got %d offers", len(sink.offers))
	}
	if r.RouteCount() != 1 {
		t.Fatal("expected the route still tracked internally despite rejection")
	}
}

func TestAddRouteOnExistingKeyIsTreatedAsReplace(t *testing.T) {
	sink := &recordingSink{}
	policy := map[string]varrw.Filter[bgpaddr.V4]{"IMPORT": acceptAll[bgpaddr.V4]()}
	r := NewRedistributor[bgpaddr.V4](bgpaddr.IPv4, nil, policy, sink, "static", zap.NewNop())

	fte := Fte[bgpaddr.V4]{Net: net24("198.51.100.0/24"), NextHop: addr("10.0.0.1"), Ifname: "eth0", Vifname: "eth0"}
	r.AddRoute(context.Background(), fte)
	r.AddRoute(context.Background(), fte)

	if len(sink.offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(sink.offers))
	}
	if sink.offers[0].replace {
		t.Fatal("expected the first add not flagged as replace")
	}
	if !sink.offers[1].replace {
		t.Fatal("expected the kernel-silently-deleted-address case to surface as a replace")
	}
	if r.RouteCount() != 1 {
		t.Fatalf("expected still 1 stored route for the same key, got %d", r.RouteCount())
	}
}

func TestDeleteRouteWithdrawsOfferedRoute(t *testing.T) {
	sink := &recordingSink{}
	policy := map[string]varrw.Filter[bgpaddr.V4]{"IMPORT": acceptAll[bgpaddr.V4]()}
	r := NewRedistributor[bgpaddr.V4](bgpaddr.IPv4, nil, policy, sink, "static", zap.NewNop())

	net := net24("198.51.100.0/24")
	r.AddRoute(context.Background(), Fte[bgpaddr.V4]{Net: net, NextHop: addr("10.0.0.1"), Ifname: "eth0", Vifname: "eth0"})
	r.DeleteRoute(context.Background(), net, "eth0", "eth0")

	if len(sink.withdrawals) != 1 {
		t.Fatalf("expected 1 withdrawal, got %d", len(sink.withdrawals))
	}
	if r.RouteCount() != 0 {
		t.Fatal("expected the route removed from storage")
	}
}

func TestDeleteRouteOfUnfilteredRejectDoesNotWithdraw(t *testing.T) {
	sink := &recordingSink{}
	policy := map[string]varrw.Filter[bgpaddr.V4]{"IMPORT": denyAll[bgpaddr.V4]()}
	r := NewRedistributor[bgpaddr.V4](bgpaddr.IPv4, nil, policy, sink, "static", zap.NewNop())

	net := net24("198.51.100.0/24")
	r.AddRoute(context.Background(), Fte[bgpaddr.V4]{Net: net, NextHop: addr("10.0.0.1")})
	r.DeleteRoute(context.Background(), net, "", "")

	if len(sink.withdrawals) != 0 {
		t.Fatal("expected no withdrawal for a route that was never offered")
	}
}

func TestInterfaceTreeChangedEnrichesAndReevaluates(t *testing.T) {
	sink := &recordingSink{}
	tree := ifmgr.NewMutableTree[bgpaddr.V4]()
	policy := map[string]varrw.Filter[bgpaddr.V4]{"IMPORT": acceptAll[bgpaddr.V4]()}
	r := NewRedistributor[bgpaddr.V4](bgpaddr.IPv4, tree, policy, sink, "static", zap.NewNop())

	net := net24("198.51.100.0/24")
	r.AddRoute(context.Background(), Fte[bgpaddr.V4]{Net: net, NextHop: addr("10.0.0.1")})
	if sink.offers[0].ifname != "" {
		t.Fatal("expected no interface resolved yet")
	}

	tree.SetInterface(&ifmgr.Interface[bgpaddr.V4]{
		Name: "eth0",
		Vifs: []*ifmgr.Vif[bgpaddr.V4]{
			{Name: "eth0", Enabled: true, Addresses: []ifmgr.VifAddress[bgpaddr.V4]{
				{Host: addr("10.0.0.1"), Net: net24("10.0.0.0/24")},
			}},
		},
	})
	r.InterfaceTreeChanged(context.Background())

	if len(sink.offers) != 2 {
		t.Fatalf("expected a re-offer once the interface resolved, got %d offers", len(sink.offers))
	}
	if sink.offers[1].ifname != "eth0" {
		t.Fatalf("expected the re-offer to carry the newly resolved interface, got %q", sink.offers[1].ifname)
	}
}
