package main

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/attrs"
	"github.com/route-beacon/ribd/internal/bgp"
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/route"
	"github.com/route-beacon/ribd/internal/transport/kafka"
)

// peerSource resolves the route.PeerHandler and current GenID for a decoded
// record, keeping the decoder itself free of any peering-lifecycle state.
type peerSource interface {
	peerHandler(name string) (*route.PeerHandler, bool)
	genIDFor(name string) route.GenID
}

// newDecoder adapts internal/bgp's wire-decoded bgp.RouteEvent (the wire
// codec is out of scope; bgp.RouteEvent is the flat, JSON-friendly envelope
// it already produces) into the route.InternalMessage the ingress chain
// consumes. One Kafka record carries exactly one route event, keyed by the
// originating peer's name, matching kafka.Consumer's one-entry-node-per-
// (peer, family) wiring.
func newDecoder[A bgpaddr.Addr](peers peerSource, wrap func(netip.Addr) A, logger *zap.Logger) kafka.Decoder[A] {
	return func(topic string, key, value []byte) (*route.InternalMessage[A], route.MessageType, error) {
		var ev bgp.RouteEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return nil, 0, fmt.Errorf("decode: unmarshal route event: %w", err)
		}

		peerName := string(key)
		if peerName == "" {
			return nil, 0, fmt.Errorf("decode: record on topic %s has no peer key", topic)
		}
		peer, ok := peers.peerHandler(peerName)
		if !ok {
			return nil, 0, fmt.Errorf("decode: unknown peer %q", peerName)
		}
		genID := peers.genIDFor(peerName)

		prefix, err := netip.ParsePrefix(ev.Prefix)
		if err != nil {
			return nil, 0, fmt.Errorf("decode: parsing prefix %q: %w", ev.Prefix, err)
		}
		net := bgpaddr.NewPrefixNet(prefix, wrap)

		switch ev.Action {
		case "D":
			r := route.NewSubnetRoute[A](net, nil, peer, genID)
			return route.NewDeleteMessage[A](r, peer, genID), route.MsgDelete, nil
		case "A":
			pa, err := decodeAttributes(ev, wrap)
			if err != nil {
				return nil, 0, fmt.Errorf("decode: attributes for %s: %w", ev.Prefix, err)
			}
			r := route.NewSubnetRoute[A](net, pa, peer, genID)
			return route.NewAddMessage[A](r, peer, genID), route.MsgAdd, nil
		default:
			return nil, 0, fmt.Errorf("decode: unrecognized action %q", ev.Action)
		}
	}
}

func decodeAttributes[A bgpaddr.Addr](ev bgp.RouteEvent, wrap func(netip.Addr) A) (*attrs.PathAttributes, error) {
	nh, err := netip.ParseAddr(ev.Nexthop)
	if err != nil {
		return nil, fmt.Errorf("parsing nexthop %q: %w", ev.Nexthop, err)
	}

	pa := &attrs.PathAttributes{
		Origin:    decodeOrigin(ev.Origin),
		ASPath:    decodeASPath(ev.ASPath),
		NextHop:   wrap(nh).Netip(),
		MED:       ev.MED,
		LocalPref: ev.LocalPref,
	}

	for _, c := range ev.CommStd {
		if v, err := parseStandardCommunity(c); err == nil {
			pa.Communities = append(pa.Communities, v)
		}
	}

	return pa, nil
}

func decodeOrigin(s string) attrs.Origin {
	switch s {
	case "EGP":
		return attrs.OriginEGP
	case "INCOMPLETE":
		return attrs.OriginIncomplete
	default:
		return attrs.OriginIGP
	}
}

// decodeASPath parses the wire decoder's flattened AS_PATH text: whitespace-
// separated AS_SEQUENCE ASNs, with an AS_SET segment written as a single
// "{asn,asn,...}" token, matching internal/bgp/attributes.go's rendering.
func decodeASPath(s string) []attrs.ASPathSegment {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var segs []attrs.ASPathSegment
	var seq []uint32
	flushSeq := func() {
		if len(seq) > 0 {
			segs = append(segs, attrs.ASPathSegment{Type: attrs.ASSequence, ASNs: seq})
			seq = nil
		}
	}

	for _, tok := range strings.Fields(s) {
		if strings.HasPrefix(tok, "{") && strings.HasSuffix(tok, "}") {
			flushSeq()
			inner := strings.Trim(tok, "{}")
			var set []uint32
			for _, part := range strings.Split(inner, ",") {
				if part == "" {
					continue
				}
				if asn, err := strconv.ParseUint(part, 10, 32); err == nil {
					set = append(set, uint32(asn))
				}
			}
			if len(set) > 0 {
				segs = append(segs, attrs.ASPathSegment{Type: attrs.ASSet, ASNs: set})
			}
			continue
		}
		if asn, err := strconv.ParseUint(tok, 10, 32); err == nil {
			seq = append(seq, uint32(asn))
		}
	}
	flushSeq()
	return segs
}

// parseStandardCommunity parses the wire decoder's "ASN:VALUE" rendering of
// a standard (32-bit) BGP community into its packed form.
func parseStandardCommunity(s string) (uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed community %q", s)
	}
	asn, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed community asn %q: %w", s, err)
	}
	val, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed community value %q: %w", s, err)
	}
	return uint32(asn)<<16 | uint32(val), nil
}
