/*
Package rib implements the routing information bases of the speaker:
per-peer Adj-RIB-In tables, the Loc-RIB of selected best paths, and per-peer
Adj-RIB-Out tables. A Rib is owned by the speaker supervisor and mutated only
from its serialized event loop; every mutation returns the per-peer
advertisement deltas it produced.
*/
package rib

import (
	"net/netip"
	"sort"

	"github.com/juju/loggo"

	"github.com/stiltzkin10/bgp-ai-agent/internal/packet"
)

// DefaultLocalPref is assigned to routes that carried no LOCAL_PREF and to
// locally originated networks.
const DefaultLocalPref uint32 = 100

// Route is one path for one prefix. Peer is the provenance: the address of
// the neighbor the route was learned from, or the zero Addr for locally
// originated networks.
type Route struct {
	Prefix       netip.Prefix
	NextHop      netip.Addr
	ASPath       []uint16
	Origin       packet.Origin
	LocalPref    uint32
	MED          uint32
	Peer         netip.Addr
	PeerRouterID netip.Addr
}

// IsLocal reports whether the route is locally originated.
func (r *Route) IsLocal() bool {
	return !r.Peer.IsValid()
}

// Clone returns a deep copy.
func (r *Route) Clone() *Route {
	c := *r
	c.ASPath = append([]uint16(nil), r.ASPath...)
	return &c
}

// Equal reports full equality, provenance included.
func (r *Route) Equal(other *Route) bool {
	if r.Prefix != other.Prefix || r.NextHop != other.NextHop ||
		r.Origin != other.Origin || r.LocalPref != other.LocalPref ||
		r.MED != other.MED || r.Peer != other.Peer {
		return false
	}
	if len(r.ASPath) != len(other.ASPath) {
		return false
	}
	for i := range r.ASPath {
		if r.ASPath[i] != other.ASPath[i] {
			return false
		}
	}
	return true
}

// better reports whether a is preferred over b. The order is total and
// independent of arrival order: highest LOCAL_PREF, then shortest AS path,
// then lowest ORIGIN, then lowest MED, then lowest originating router ID,
// with the peer address as a stability fallback.
func better(a, b *Route) bool {
	if a.LocalPref != b.LocalPref {
		return a.LocalPref > b.LocalPref
	}
	if len(a.ASPath) != len(b.ASPath) {
		return len(a.ASPath) < len(b.ASPath)
	}
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	if a.MED != b.MED {
		return a.MED < b.MED
	}
	if c := a.PeerRouterID.Compare(b.PeerRouterID); c != 0 {
		return c < 0
	}
	return a.Peer.Compare(b.Peer) < 0
}

// Delta is the outbound change for one peer produced by a RIB mutation.
type Delta struct {
	Peer      netip.Addr
	Advertise []*Route
	Withdraw  []netip.Prefix
}

// OutEntry pairs a destination peer with one route currently advertised to it.
type OutEntry struct {
	Peer  netip.Addr
	Route *Route
}

// Rib holds the three route tables. The zero Addr keys the synthetic
// Adj-RIB-In holding locally originated networks.
type Rib struct {
	localAS      uint16
	routerID     netip.Addr
	adjRibIn     map[netip.Addr]map[netip.Prefix]*Route
	locRib       map[netip.Prefix]*Route
	adjRibOut    map[netip.Addr]map[netip.Prefix]*Route
	peerRouterID map[netip.Addr]netip.Addr
}

// New builds a Rib and injects the locally originated networks as synthetic
// Adj-RIB-In entries with local provenance and an AS path holding only the
// local AS.
func New(localAS uint16, routerID netip.Addr, networks []netip.Prefix) *Rib {
	r := &Rib{
		localAS:      localAS,
		routerID:     routerID,
		adjRibIn:     make(map[netip.Addr]map[netip.Prefix]*Route),
		locRib:       make(map[netip.Prefix]*Route),
		adjRibOut:    make(map[netip.Addr]map[netip.Prefix]*Route),
		peerRouterID: make(map[netip.Addr]netip.Addr),
	}
	local := make(map[netip.Prefix]*Route, len(networks))
	for _, prefix := range networks {
		route := &Route{
			Prefix:       prefix,
			NextHop:      routerID,
			ASPath:       []uint16{localAS},
			Origin:       packet.OriginIGP,
			LocalPref:    DefaultLocalPref,
			Peer:         netip.Addr{},
			PeerRouterID: routerID,
		}
		local[prefix] = route
		r.locRib[prefix] = route
	}
	r.adjRibIn[netip.Addr{}] = local
	return r
}

// PeerUp registers an Established peer and returns the initial advertisement
// covering the current Loc-RIB, split horizon applied.
func (r *Rib) PeerUp(peer, peerRouterID netip.Addr) Delta {
	r.peerRouterID[peer] = peerRouterID
	if _, ok := r.adjRibIn[peer]; !ok {
		r.adjRibIn[peer] = make(map[netip.Prefix]*Route)
	}
	out := make(map[netip.Prefix]*Route)
	r.adjRibOut[peer] = out
	delta := Delta{Peer: peer}
	for prefix, best := range r.locRib {
		if best.Peer == peer {
			continue
		}
		sent := r.exportRoute(best)
		out[prefix] = sent
		delta.Advertise = append(delta.Advertise, sent.Clone())
	}
	sortRoutes(delta.Advertise)
	return delta
}

// PeerDown withdraws every route learned from peer, recomputes the affected
// prefixes and drops the peer's tables. The returned deltas cover the
// remaining peers.
func (r *Rib) PeerDown(peer netip.Addr) []Delta {
	affected := make([]netip.Prefix, 0, len(r.adjRibIn[peer]))
	for prefix := range r.adjRibIn[peer] {
		affected = append(affected, prefix)
	}
	delete(r.adjRibIn, peer)
	delete(r.adjRibOut, peer)
	delete(r.peerRouterID, peer)
	return r.recompute(affected)
}

// ProcessUpdate absorbs one UPDATE from peer into its Adj-RIB-In and returns
// the advertisement deltas caused by any best path changes.
func (r *Rib) ProcessUpdate(peer netip.Addr, msg *packet.Update) []Delta {
	table, ok := r.adjRibIn[peer]
	if !ok {
		table = make(map[netip.Prefix]*Route)
		r.adjRibIn[peer] = table
	}
	affected := make([]netip.Prefix, 0, len(msg.Withdrawn)+len(msg.NLRI))
	for _, prefix := range msg.Withdrawn {
		if _, ok := table[prefix]; ok {
			delete(table, prefix)
			affected = append(affected, prefix)
		}
	}
	for _, prefix := range msg.NLRI {
		route := &Route{
			Prefix:       prefix,
			NextHop:      msg.Attrs.NextHop,
			ASPath:       append([]uint16(nil), msg.Attrs.ASPath...),
			Origin:       msg.Attrs.Origin,
			LocalPref:    DefaultLocalPref,
			Peer:         peer,
			PeerRouterID: r.peerRouterID[peer],
		}
		if msg.Attrs.LocalPref != nil {
			route.LocalPref = *msg.Attrs.LocalPref
		}
		if msg.Attrs.MED != nil {
			route.MED = *msg.Attrs.MED
		}
		if existing, ok := table[prefix]; ok && existing.Equal(route) {
			continue
		}
		table[prefix] = route
		affected = append(affected, prefix)
	}
	return r.recompute(affected)
}

// recompute runs best path selection for the given prefixes and derives the
// Adj-RIB-Out deltas for every registered peer.
func (r *Rib) recompute(prefixes []netip.Prefix) []Delta {
	deltas := make(map[netip.Addr]*Delta)
	for _, prefix := range dedupe(prefixes) {
		best := r.selectBest(prefix)
		previous := r.locRib[prefix]
		switch {
		case best == nil && previous == nil:
			continue
		case best != nil && previous != nil && best.Equal(previous):
			// Unchanged best path: idempotent redelivery produces nothing.
			continue
		case best == nil:
			delete(r.locRib, prefix)
			loggo.GetLogger("").Debugf("loc-rib: removed %s", prefix)
		default:
			r.locRib[prefix] = best
			loggo.GetLogger("").Debugf("loc-rib: %s via %s (peer %s)", prefix, best.NextHop, provenance(best))
		}
		for peer, out := range r.adjRibOut {
			var desired *Route
			if best != nil && best.Peer != peer {
				desired = r.exportRoute(best)
			}
			current, had := out[prefix]
			switch {
			case desired == nil && !had:
				continue
			case desired == nil:
				delete(out, prefix)
				d := deltaFor(deltas, peer)
				d.Withdraw = append(d.Withdraw, prefix)
			case had && current.Equal(desired):
				continue
			default:
				out[prefix] = desired
				d := deltaFor(deltas, peer)
				d.Advertise = append(d.Advertise, desired.Clone())
			}
		}
	}
	result := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		sortRoutes(d.Advertise)
		sortPrefixes(d.Withdraw)
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Peer.Compare(result[j].Peer) < 0 })
	return result
}

// selectBest returns the preferred candidate for prefix over every Adj-RIB-In
// table, or nil when no candidate remains.
func (r *Rib) selectBest(prefix netip.Prefix) *Route {
	var best *Route
	for _, table := range r.adjRibIn {
		candidate, ok := table[prefix]
		if !ok {
			continue
		}
		if best == nil || better(candidate, best) {
			best = candidate
		}
	}
	return best
}

// exportRoute derives the as-sent form of a best path: local AS prepended to
// the AS path and next hop rewritten to the local router ID. Locally
// originated routes already carry the local AS.
func (r *Rib) exportRoute(best *Route) *Route {
	sent := best.Clone()
	sent.NextHop = r.routerID
	sent.LocalPref = 0
	if !best.IsLocal() {
		sent.ASPath = append([]uint16{r.localAS}, best.ASPath...)
	}
	return sent
}

// RoutesIn returns copies of the Adj-RIB-In entries learned from neighbors,
// optionally restricted to one peer. Locally originated entries are excluded;
// they are visible through RoutesOut and the configuration.
func (r *Rib) RoutesIn(peer *netip.Addr) []*Route {
	var routes []*Route
	for source, table := range r.adjRibIn {
		if !source.IsValid() {
			continue
		}
		if peer != nil && source != *peer {
			continue
		}
		for _, route := range table {
			routes = append(routes, route.Clone())
		}
	}
	sortRoutes(routes)
	return routes
}

// RoutesOut returns copies of every Adj-RIB-Out entry, optionally restricted
// to one peer.
func (r *Rib) RoutesOut(peer *netip.Addr) []OutEntry {
	var entries []OutEntry
	for destination, table := range r.adjRibOut {
		if peer != nil && destination != *peer {
			continue
		}
		for _, route := range table {
			entries = append(entries, OutEntry{Peer: destination, Route: route.Clone()})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].Peer.Compare(entries[j].Peer); c != 0 {
			return c < 0
		}
		return lessPrefix(entries[i].Route.Prefix, entries[j].Route.Prefix)
	})
	return entries
}

// LocRib returns a copy of the selected best paths.
func (r *Rib) LocRib() []*Route {
	routes := make([]*Route, 0, len(r.locRib))
	for _, route := range r.locRib {
		routes = append(routes, route.Clone())
	}
	sortRoutes(routes)
	return routes
}

func deltaFor(deltas map[netip.Addr]*Delta, peer netip.Addr) *Delta {
	d, ok := deltas[peer]
	if !ok {
		d = &Delta{Peer: peer}
		deltas[peer] = d
	}
	return d
}

func provenance(route *Route) string {
	if route.IsLocal() {
		return "local"
	}
	return route.Peer.String()
}

func dedupe(prefixes []netip.Prefix) []netip.Prefix {
	seen := make(map[netip.Prefix]bool, len(prefixes))
	out := prefixes[:0]
	for _, prefix := range prefixes {
		if !seen[prefix] {
			seen[prefix] = true
			out = append(out, prefix)
		}
	}
	return out
}

func lessPrefix(a, b netip.Prefix) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Bits() < b.Bits()
}

func sortRoutes(routes []*Route) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Prefix != routes[j].Prefix {
			return lessPrefix(routes[i].Prefix, routes[j].Prefix)
		}
		return routes[i].Peer.Compare(routes[j].Peer) < 0
	})
}

func sortPrefixes(prefixes []netip.Prefix) {
	sort.Slice(prefixes, func(i, j int) bool { return lessPrefix(prefixes[i], prefixes[j]) })
}
