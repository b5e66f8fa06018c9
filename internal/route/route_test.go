package route

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/ribd/internal/attrs"
	"github.com/route-beacon/ribd/internal/bgpaddr"
)

func testNet() bgpaddr.PrefixNet[bgpaddr.V4] {
	return bgpaddr.NewPrefixNet(netip.MustParsePrefix("10.0.0.0/24"), bgpaddr.NewV4)
}

func TestSubnetRouteRefcount(t *testing.T) {
	r := NewSubnetRoute[bgpaddr.V4](testNet(), &attrs.PathAttributes{}, &PeerHandler{Name: "p1"}, 1)
	if r.RefCount() != 1 {
		t.Fatalf("expected initial refcount 1, got %d", r.RefCount())
	}
	r.Ref()
	if r.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after Ref, got %d", r.RefCount())
	}
	if r.Unref() {
		t.Fatal("did not expect Unref to report zero with refcount still 1")
	}
	if !r.Unref() {
		t.Fatal("expected Unref to report zero when refcount reaches 0")
	}
}

func TestSubnetRouteWinnerState(t *testing.T) {
	r := NewSubnetRoute[bgpaddr.V4](testNet(), &attrs.PathAttributes{}, &PeerHandler{Name: "p1"}, 1)
	if r.IsWinner() {
		t.Fatal("new route should not start as winner")
	}
	r.SetWinner(10)
	if !r.IsWinner() {
		t.Fatal("expected route to be winner after SetWinner")
	}
	dist, ok := r.IGPDistance()
	if !ok || dist != 10 {
		t.Fatalf("expected resolved igp distance 10, got %d, %v", dist, ok)
	}
	r.SetNotWinner()
	if r.IsWinner() {
		t.Fatal("expected route to no longer be winner")
	}
}

func TestNewMessageConstructors(t *testing.T) {
	r := NewSubnetRoute[bgpaddr.V4](testNet(), &attrs.PathAttributes{}, &PeerHandler{Name: "p1"}, 1)
	peer := &PeerHandler{Name: "p1"}

	add := NewAddMessage[bgpaddr.V4](r, peer, 1)
	if add.Type != MsgAdd || add.Route != r {
		t.Fatal("unexpected add message shape")
	}

	del := NewDeleteMessage[bgpaddr.V4](r, peer, 1)
	if del.Type != MsgDelete {
		t.Fatal("unexpected delete message type")
	}

	push := NewPushMessage[bgpaddr.V4](peer, 1)
	if push.Type != MsgPush || push.Route != nil {
		t.Fatal("unexpected push message shape")
	}
}
