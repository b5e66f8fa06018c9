package attrs

import (
	"net/netip"
	"testing"
)

func sample() *PathAttributes {
	med := uint32(10)
	lp := uint32(100)
	return &PathAttributes{
		Origin:    OriginIGP,
		ASPath:    []ASPathSegment{{Type: ASSequence, ASNs: []uint32{65001, 65002}}},
		NextHop:   netip.MustParseAddr("10.0.0.1"),
		MED:       &med,
		LocalPref: &lp,
		Communities: []uint32{100, 200},
	}
}

func TestEqualIgnoresCommunityOrder(t *testing.T) {
	a := sample()
	b := a.Clone()
	b.Communities = []uint32{200, 100}
	if !a.Equal(b) {
		t.Fatal("expected attribute sets to be equal regardless of community order")
	}
}

func TestEqualDetectsDifference(t *testing.T) {
	a := sample()
	b := a.Clone()
	*b.MED = 99
	if a.Equal(b) {
		t.Fatal("expected different MED to break equality")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := sample()
	b := a.Clone()
	b.Communities[0] = 999
	if a.Communities[0] == 999 {
		t.Fatal("mutating the clone's communities mutated the original")
	}
	*b.MED = 5
	if *a.MED == 5 {
		t.Fatal("mutating the clone's MED pointer mutated the original")
	}
}

func TestASPathLengthCountsSetAsOneHop(t *testing.T) {
	p := &PathAttributes{ASPath: []ASPathSegment{
		{Type: ASSequence, ASNs: []uint32{1, 2, 3}},
		{Type: ASSet, ASNs: []uint32{4, 5}},
	}}
	if got := p.ASPathLength(); got != 4 {
		t.Fatalf("expected length 4 (3 sequence + 1 for the set), got %d", got)
	}
}

func TestNeighborASSentinelForEmptyPath(t *testing.T) {
	p := &PathAttributes{}
	if p.NeighborAS() != medInvalidSentinel {
		t.Fatal("expected sentinel AS for empty AS_PATH")
	}
}

func TestEffectiveMEDDefaultsToZero(t *testing.T) {
	p := &PathAttributes{}
	if p.EffectiveMED() != 0 {
		t.Fatal("expected missing MED to compare as 0")
	}
}
