package kafka

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/route"
	"github.com/route-beacon/ribd/internal/table"
)

type recordingNode struct {
	table.Downstream[bgpaddr.V4]
	adds, replaces, deletes, pushes int
}

func (n *recordingNode) Name() string { return "recording" }
func (n *recordingNode) AddRoute(msg *route.InternalMessage[bgpaddr.V4]) route.UseStatus {
	n.adds++
	return route.StatusUsed
}
func (n *recordingNode) ReplaceRoute(msg *route.InternalMessage[bgpaddr.V4]) route.UseStatus {
	n.replaces++
	return route.StatusUsed
}
func (n *recordingNode) DeleteRoute(msg *route.InternalMessage[bgpaddr.V4]) { n.deletes++ }
func (n *recordingNode) Push(peer *route.PeerHandler, genID route.GenID)    { n.pushes++ }
func (n *recordingNode) RouteUsed(r *route.SubnetRoute[bgpaddr.V4], inUse bool) {}
func (n *recordingNode) Lookup(net bgpaddr.PrefixNet[bgpaddr.V4]) (*route.SubnetRoute[bgpaddr.V4], bool) {
	var zero *route.SubnetRoute[bgpaddr.V4]
	return zero, false
}

func net24(s string) bgpaddr.PrefixNet[bgpaddr.V4] {
	return bgpaddr.NewPrefixNet(netip.MustParsePrefix(s), bgpaddr.NewV4)
}

func TestDispatchRoutesDecodedMessageByKind(t *testing.T) {
	entry := &recordingNode{}
	peer := &route.PeerHandler{Name: "peerA"}
	rt := route.NewSubnetRoute[bgpaddr.V4](net24("10.0.0.0/24"), nil, peer, 1)

	decode := func(topic string, key, value []byte) (*route.InternalMessage[bgpaddr.V4], route.MessageType, error) {
		switch string(value) {
		case "add":
			return route.NewAddMessage[bgpaddr.V4](rt, peer, 1), route.MsgAdd, nil
		case "delete":
			return route.NewDeleteMessage[bgpaddr.V4](rt, peer, 1), route.MsgDelete, nil
		case "push":
			return route.NewPushMessage[bgpaddr.V4](peer, 1), route.MsgPush, nil
		default:
			return nil, 0, errors.New("unrecognized value")
		}
	}

	c := &Consumer[bgpaddr.V4]{decode: decode, entry: entry, family: bgpaddr.IPv4, logger: zap.NewNop()}

	c.dispatch(&kgo.Record{Topic: "routes", Value: []byte("add")})
	c.dispatch(&kgo.Record{Topic: "routes", Value: []byte("delete")})
	c.dispatch(&kgo.Record{Topic: "routes", Value: []byte("push")})

	if entry.adds != 1 || entry.deletes != 1 || entry.pushes != 1 {
		t.Fatalf("expected 1 of each dispatch kind, got adds=%d deletes=%d pushes=%d", entry.adds, entry.deletes, entry.pushes)
	}
}

func TestDispatchSkipsOnDecodeError(t *testing.T) {
	entry := &recordingNode{}
	decode := func(topic string, key, value []byte) (*route.InternalMessage[bgpaddr.V4], route.MessageType, error) {
		return nil, 0, errors.New("bad payload")
	}
	c := &Consumer[bgpaddr.V4]{decode: decode, entry: entry, family: bgpaddr.IPv4, logger: zap.NewNop()}

	c.dispatch(&kgo.Record{Topic: "routes", Value: []byte("garbage")})

	if entry.adds+entry.replaces+entry.deletes+entry.pushes != 0 {
		t.Fatal("expected no dispatch to the entry node when decoding fails")
	}
}

func TestKindLabel(t *testing.T) {
	cases := map[route.MessageType]string{
		route.MsgAdd:     "add",
		route.MsgReplace: "replace",
		route.MsgDelete:  "delete",
		route.MsgPush:    "push",
	}
	for kind, want := range cases {
		if got := kindLabel(kind); got != want {
			t.Errorf("kindLabel(%v) = %q, want %q", kind, got, want)
		}
	}
}
