package table

import (
	"context"
	"net/netip"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
	"github.com/route-beacon/ribd/internal/nhres"
	"github.com/route-beacon/ribd/internal/route"
)

// Decision is the single node, per address family, that picks the best
// route for each net among every peer's advertisement and forwards exactly
// that winner downstream to Fanout. It is also where IGP distance
// resolution via the next-hop resolver is consulted.
type Decision[A bgpaddr.Addr] struct {
	Downstream[A]
	family bgpaddr.Family

	// parents maps a peer name to the Node whose RouteUsed should be called
	// when that peer's route gains or loses winner status — the table
	// directly upstream of Decision in that peer's ingress chain.
	parents map[string]Node[A]

	// alternatives[net][peerName] holds every candidate currently
	// advertised for net.
	alternatives map[string]map[string]*route.SubnetRoute[A]
	winners      map[string]*route.SubnetRoute[A]

	// watchers[net][peerName] is the resolver Requester registered on
	// behalf of that alternative. Decision can't register itself as the
	// shared Requester for every alternative it holds: nhres dedups
	// interest per (requester, net) pair, and a single Decision instance
	// spans every peer for the family, so two peers advertising the same
	// net would otherwise collide on one registration and deregistering
	// either peer's route would drop interest the other peer's route still
	// needs. Giving each tracked alternative its own watcher keeps their
	// resolver bookkeeping independent.
	watchers map[string]map[string]*decisionWatcher[A]

	igpDistance func(peer *route.PeerHandler) (uint32, bool)
	resolver    *nhres.Resolver[A]
	wrap        func(netip.Addr) A
}

func NewDecision[A bgpaddr.Addr](family bgpaddr.Family, igpDistance func(peer *route.PeerHandler) (uint32, bool), resolver *nhres.Resolver[A], wrap func(netip.Addr) A) *Decision[A] {
	return &Decision[A]{
		family:       family,
		parents:      make(map[string]Node[A]),
		alternatives: make(map[string]map[string]*route.SubnetRoute[A]),
		winners:      make(map[string]*route.SubnetRoute[A]),
		watchers:     make(map[string]map[string]*decisionWatcher[A]),
		igpDistance:  igpDistance,
		resolver:     resolver,
		wrap:         wrap,
	}
}

// decisionWatcher is the nhres.Requester identity registered for one
// net/peer alternative; see the watchers field doc for why Decision itself
// can't be that shared Requester. NextHopChanged re-reads the resolver's
// current answer for the one alternative this watcher was registered for,
// caches it on that route, and re-runs decision for the net — the
// igp_nexthop_changed upcall of spec.md §4.6.
type decisionWatcher[A bgpaddr.Addr] struct {
	d        *Decision[A]
	key      string
	peerName string
}

func (w *decisionWatcher[A]) NextHopChanged(_ A) {
	if alts := w.d.alternatives[w.key]; alts != nil {
		if r, ok := alts[w.peerName]; ok {
			w.d.refreshIGPDistance(r)
		}
	}
	w.d.recompute(w.key, nil)
}

func (t *Decision[A]) Name() string { return "decision" }

func (t *Decision[A]) AddParent(peerName string, parent Node[A]) {
	t.parents[peerName] = parent
}

func (t *Decision[A]) RemoveParent(peerName string) {
	delete(t.parents, peerName)
}

// Winners returns a shallow copy of the current best-route set, keyed by
// net string. Used by plumbing to seed a DumpIterator for a peer that just
// came up.
func (t *Decision[A]) Winners() map[string]*route.SubnetRoute[A] {
	out := make(map[string]*route.SubnetRoute[A], len(t.winners))
	for k, v := range t.winners {
		out[k] = v
	}
	return out
}

func (t *Decision[A]) AddRoute(msg *route.InternalMessage[A]) route.UseStatus {
	return t.upsert(msg.Route, msg.Peer)
}

func (t *Decision[A]) ReplaceRoute(msg *route.InternalMessage[A]) route.UseStatus {
	if msg.PrevRoute != nil {
		t.remove(msg.PrevRoute, msg.Peer, false)
	}
	return t.upsert(msg.Route, msg.Peer)
}

func (t *Decision[A]) DeleteRoute(msg *route.InternalMessage[A]) {
	t.remove(msg.Route, msg.Peer, true)
}

func (t *Decision[A]) Push(peer *route.PeerHandler, genID route.GenID) {
	if t.Next != nil {
		t.Next.Push(peer, genID)
	}
}

// RouteUsed is never called on Decision itself: nothing sits downstream of
// it except Fanout, which has no route of its own to report use of.
func (t *Decision[A]) RouteUsed(r *route.SubnetRoute[A], inUse bool) {}

func (t *Decision[A]) Lookup(net bgpaddr.PrefixNet[A]) (*route.SubnetRoute[A], bool) {
	r, ok := t.winners[net.String()]
	return r, ok
}

func (t *Decision[A]) upsert(r *route.SubnetRoute[A], peer *route.PeerHandler) route.UseStatus {
	key := r.Net().String()
	alts, ok := t.alternatives[key]
	if !ok {
		alts = make(map[string]*route.SubnetRoute[A])
		t.alternatives[key] = alts
	}
	if prev, had := alts[peer.Name]; had {
		t.untrackNexthop(key, peer.Name, prev)
	}
	alts[peer.Name] = r
	t.trackNexthop(key, peer.Name, r)

	// The alternative arriving with this add/replace is the one the event
	// being decided is actually about, so it gets a fresh resolver read;
	// every other alternative's cached (resolvable, metric) — from its own
	// last refresh — is what the cascade in wins() reads, per the
	// cached-state hazard (spec.md §4.6).
	t.refreshIGPDistance(r)

	return t.recompute(key, peer)
}

func (t *Decision[A]) remove(r *route.SubnetRoute[A], peer *route.PeerHandler, forward bool) route.UseStatus {
	key := r.Net().String()
	alts := t.alternatives[key]
	if alts != nil {
		if prev, had := alts[peer.Name]; had {
			t.untrackNexthop(key, peer.Name, prev)
		}
		delete(alts, peer.Name)
		if len(alts) == 0 {
			delete(t.alternatives, key)
		}
	}

	oldWinner := t.winners[key]
	newWinner := t.findWinner(key)

	if oldWinner == nil {
		return route.StatusNoChange
	}

	if newWinner == nil {
		delete(t.winners, key)
		oldWinner.SetNotWinner()
		t.notifyOwner(oldWinner, false)
		if forward && t.Next != nil {
			t.Next.DeleteRoute(route.NewDeleteMessage[A](oldWinner, peer, r.GenID()))
		}
		metrics.DecisionWinnerChangesTotal.WithLabelValues(t.family.String()).Inc()
		return route.StatusUnused
	}

	if newWinner == oldWinner {
		return route.StatusNoChange
	}

	t.installWinner(key, oldWinner, newWinner, forward)
	return route.StatusUsed
}

func (t *Decision[A]) recompute(key string, triggeringPeer *route.PeerHandler) route.UseStatus {
	oldWinner := t.winners[key]
	newWinner := t.findWinner(key)

	if newWinner == oldWinner {
		return route.StatusNoChange
	}

	t.installWinner(key, oldWinner, newWinner, true)
	if newWinner == nil {
		return route.StatusUnused
	}
	return route.StatusUsed
}

func (t *Decision[A]) installWinner(key string, oldWinner, newWinner *route.SubnetRoute[A], forward bool) {
	if oldWinner != nil {
		oldWinner.SetNotWinner()
		t.notifyOwner(oldWinner, false)
	}

	if newWinner == nil {
		delete(t.winners, key)
		return
	}

	dist, _ := t.igpDistance(newWinner.Peer())
	newWinner.SetWinner(dist)
	t.winners[key] = newWinner
	t.notifyOwner(newWinner, true)

	metrics.DecisionWinnerChangesTotal.WithLabelValues(t.family.String()).Inc()

	if !forward || t.Next == nil {
		return
	}
	switch {
	case oldWinner == nil:
		t.Next.AddRoute(route.NewAddMessage[A](newWinner, newWinner.Peer(), newWinner.GenID()))
	case oldWinner.Peer() != newWinner.Peer():
		// A winner replacement that also changes origin peer is sent as a
		// delete of the old winner followed by an add of the new one,
		// rather than a replace: a downstream egress chain keyed on
		// origin-peer bookkeeping (e.g. per-peer withdrawal on peer-down)
		// would otherwise never see the old winner's peer leave its table.
		t.Next.DeleteRoute(route.NewDeleteMessage[A](oldWinner, oldWinner.Peer(), oldWinner.GenID()))
		t.Next.AddRoute(route.NewAddMessage[A](newWinner, newWinner.Peer(), newWinner.GenID()))
	default:
		t.Next.ReplaceRoute(route.NewReplaceMessage[A](newWinner, oldWinner, newWinner.Peer(), newWinner.GenID()))
	}
}

func (t *Decision[A]) notifyOwner(r *route.SubnetRoute[A], inUse bool) {
	if p, ok := t.parents[r.Peer().Name]; ok {
		p.RouteUsed(r, inUse)
	}
}

func (t *Decision[A]) nexthopOf(r *route.SubnetRoute[A]) A {
	return t.wrap(r.Attributes().NextHop)
}

// refreshIGPDistance synchronously asks the resolver for r's current
// nexthop distance and caches the answer on r itself, the write side of the
// cached-state hazard guard in wins().
func (t *Decision[A]) refreshIGPDistance(r *route.SubnetRoute[A]) {
	dist, ok := t.igpDistance(r.Peer())
	r.SetIGPDistance(dist, ok)
}

// trackNexthop registers a watcher with the resolver so Decision learns of
// the igp_nexthop_changed upcall (spec.md §4.6) for this net/peer
// alternative's nexthop.
func (t *Decision[A]) trackNexthop(key, peerName string, r *route.SubnetRoute[A]) {
	if t.resolver == nil {
		return
	}
	byPeer, ok := t.watchers[key]
	if !ok {
		byPeer = make(map[string]*decisionWatcher[A])
		t.watchers[key] = byPeer
	}
	w := &decisionWatcher[A]{d: t, key: key, peerName: peerName}
	byPeer[peerName] = w
	t.resolver.Register(context.Background(), t.nexthopOf(r), r.Net(), w)
}

// untrackNexthop undoes trackNexthop for the alternative being replaced or
// withdrawn.
func (t *Decision[A]) untrackNexthop(key, peerName string, r *route.SubnetRoute[A]) {
	if t.resolver == nil {
		return
	}
	byPeer := t.watchers[key]
	if byPeer == nil {
		return
	}
	w, ok := byPeer[peerName]
	if !ok {
		return
	}
	delete(byPeer, peerName)
	if len(byPeer) == 0 {
		delete(t.watchers, key)
	}
	t.resolver.Deregister(context.Background(), t.nexthopOf(r), r.Net(), w)
}

// findWinner runs the 9-step tie-break cascade over every alternative for a
// net and returns the single winner, or nil if there are none.
func (t *Decision[A]) findWinner(key string) *route.SubnetRoute[A] {
	alts := t.alternatives[key]
	var best *route.SubnetRoute[A]
	for _, candidate := range alts {
		if best == nil {
			best = candidate
			continue
		}
		if t.wins(candidate, best) {
			best = candidate
		}
	}
	return best
}

// wins reports whether a beats b under the 9-step cascade. Ties at every
// step fall through to the next; the final step (first match) keeps the
// existing winner b, matching the original's stability preference.
func (t *Decision[A]) wins(a, b *route.SubnetRoute[A]) bool {
	// 1. LOCAL_PREF: higher wins.
	if aLP, bLP := effectiveLocalPref(a), effectiveLocalPref(b); aLP != bLP {
		return aLP > bLP
	}

	// 2. AS_PATH length: shorter wins.
	if d := a.Attributes().ASPathLength() - b.Attributes().ASPathLength(); d != 0 {
		return d < 0
	}

	// 3. ORIGIN: IGP < EGP < INCOMPLETE, lower wins.
	if a.Attributes().Origin != b.Attributes().Origin {
		return a.Attributes().Origin < b.Attributes().Origin
	}

	// 4. MED: only compared when both routes share the same neighbor AS
	// (including the empty-AS-path sentinel, preserved as-is per the
	// documented Open Question).
	if a.Attributes().NeighborAS() == b.Attributes().NeighborAS() {
		if med := a.Attributes().EffectiveMED(); med != b.Attributes().EffectiveMED() {
			return med < b.Attributes().EffectiveMED()
		}
	}

	// 5. eBGP over iBGP.
	if a.Peer().IsInternal != b.Peer().IsInternal {
		return !a.Peer().IsInternal
	}

	// 6. IGP distance to next-hop: lower wins. An unresolved distance loses
	// to a resolved one; if neither resolves, fall through. Reads each
	// candidate's own cached (resolvable, metric) rather than re-querying
	// the resolver here: an alternative that isn't the one whose add/
	// replace/delete triggered this decision keeps whatever answer it was
	// last evaluated (or advertised) with, per the cached-state hazard
	// (spec.md §4.6) — the live resolver state may have moved on since.
	aDist, aOK := a.IGPDistance()
	bDist, bOK := b.IGPDistance()
	if aOK != bOK {
		return aOK
	}
	if aOK && bOK && aDist != bDist {
		return aDist < bDist
	}

	// 7. Router ID: lower wins.
	if a.Peer().RouterID != b.Peer().RouterID {
		return lessBytes(a.Peer().RouterID[:], b.Peer().RouterID[:])
	}

	// 8. Neighbor (peer) address: lower wins. Peer name stands in for the
	// peer's transport address, which this pipeline does not itself own.
	if a.Peer().Name != b.Peer().Name {
		return a.Peer().Name < b.Peer().Name
	}

	// 9. First match: keep the existing winner for stability.
	return false
}

func effectiveLocalPref[A bgpaddr.Addr](r *route.SubnetRoute[A]) uint32 {
	if lp := r.Attributes().LocalPref; lp != nil {
		return *lp
	}
	// Absent LOCAL_PREF is treated as 0, not the conventional default of
	// 100: a route an eBGP peer's filter failed to assign a local
	// preference to should never outrank one that was.
	return 0
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
