// Package peertable implements the in-memory peer table: sliding-window
// health samples, popularity accounting via an approximate-membership
// filter, cached inventories, and the two ranking views (rarest-peer and
// availability) the crawler, fetcher and RPC surface need.
package peertable

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/bloomfilter/v2"
	"github.com/samber/lo"

	"github.com/blockstack/atlas/pkg/bitfield"
	"github.com/blockstack/atlas/pkg/config"
	"github.com/blockstack/atlas/pkg/rankbucket"
)

// popularityClamp caps the score a slot can reach in the popularity rank
// bucket. The bucket's slot pool itself is sized to twice the neighbor target
// (I7); a peer created while every slot is taken gets no slot, and is then
// not returned by RarestFirst.
const popularityClamp = 1 << 16

// sample is one (timestamp, responded?) health observation.
type sample struct {
	at        time.Time
	responded bool
}

// Record is one peer's volatile state. See spec §3 "Peer record".
type Record struct {
	HostPort string

	mu      sync.Mutex
	samples []sample

	popularity int
	popFilter  *bloomfilter.Filter

	inventory            bitfield.Bitfield
	inventoryLastBlock   int64
	inventoryLastRefresh time.Time
	hasRefreshed         bool

	lastAttempt time.Time

	blacklisted bool
}

func newRecord(hostport string) *Record {
	filter, _ := bloomfilter.NewOptimal(1000, 0.01)

	return &Record{
		HostPort:   hostport,
		popularity: 1, // I6: popularity >= 1 always, primed at creation.
		popFilter:  filter,
	}
}

func hashKey(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Table is the peer table. All mutation paths acquire the single exclusive
// lock described in §4.3; reads copy out under the same lock.
type Table struct {
	mu    sync.Mutex
	peers map[string]*Record

	// slot/freeSlots implement the stable-index allocator the popularity
	// rank bucket needs: each live peer owns a slot in [0, popBucket's n),
	// freed and reused on eviction.
	slot      map[string]int
	freeSlots []int
	nextSlot  int

	popBucket *rankbucket.Bucket
}

// New returns an empty peer table sized for up to 2*numNeighbors peers (I7).
func New(numNeighbors int) *Table {
	cap := 2 * numNeighbors
	if cap <= 0 {
		cap = 2
	}

	return &Table{
		peers:     make(map[string]*Record),
		slot:      make(map[string]int),
		popBucket: rankbucket.NewBucket(cap, popularityClamp),
	}
}

// Ensure returns the record for hostport, creating it (primed per I5/I6) if
// absent. created reports whether a new record was created.
func (t *Table) Ensure(hostport string) (rec *Record, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.peers[hostport]; ok {
		return r, false
	}

	r := newRecord(hostport)
	t.peers[hostport] = r

	// Score-0 slots are exactly the unallocated or freed ones (every tracked
	// peer is primed to 1), so an empty bucket 0 means the pool is exhausted.
	if len(t.popBucket.Bucket(0)) > 0 {
		slot := t.allocSlot()
		t.slot[hostport] = slot
		t.popBucket.Move(slot, 1)
	}

	return r, true
}

// Get returns the record for hostport, if present.
func (t *Table) Get(hostport string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.peers[hostport]
	return r, ok
}

// Len returns the number of tracked peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.peers)
}

// AllHostPorts returns a snapshot of every tracked peer's host:port.
func (t *Table) AllHostPorts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.peers))
	for hostport := range t.peers {
		out = append(out, hostport)
	}

	return out
}

// Evict removes hostport from the table unless it is blacklisted (I5).
// Reports whether the peer was actually removed.
func (t *Table) Evict(hostport string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.peers[hostport]
	if !ok {
		return false
	}

	r.mu.Lock()
	blacklisted := r.blacklisted
	r.mu.Unlock()
	if blacklisted {
		return false
	}

	delete(t.peers, hostport)
	if slot, ok := t.slot[hostport]; ok {
		t.popBucket.Move(slot, -popularityClamp)
		t.freeSlots = append(t.freeSlots, slot)
		delete(t.slot, hostport)
	}

	return true
}

func (t *Table) allocSlot() int {
	if n := len(t.freeSlots); n > 0 {
		s := t.freeSlots[n-1]
		t.freeSlots = t.freeSlots[:n-1]
		return s
	}

	s := t.nextSlot
	t.nextSlot++
	return s
}

// RecordAttempt applies the health update rule for one RPC attempt against
// hostport: prune samples older than the peer lifetime window, append the
// new sample, and skip accounting entirely for blacklisted peers.
func (t *Table) RecordAttempt(hostport string, responded bool, now time.Time) {
	rec, _ := t.Ensure(hostport)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.blacklisted {
		return
	}

	rec.pruneSamples(now)
	rec.samples = append(rec.samples, sample{at: now, responded: responded})
	rec.lastAttempt = now
}

func (r *Record) pruneSamples(now time.Time) {
	window := config.Load().PeerLifetime
	cutoff := now.Add(-window)

	kept := r.samples[:0]
	for _, s := range r.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	r.samples = kept
}

// Health returns responded/total over the retained sample window, or 0 if
// the window is empty.
func (r *Record) Health() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		return 0
	}

	responded := 0
	for _, s := range r.samples {
		if s.responded {
			responded++
		}
	}

	return float64(responded) / float64(len(r.samples))
}

// Live reports whether the peer's health exceeds the configured minimum.
func (r *Record) Live() bool {
	return r.Health() > config.Load().MinPeerHealth
}

// Blacklisted reports the peer's pinned status.
func (r *Record) Blacklisted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blacklisted
}

// SetBlacklisted pins or unpins the peer record.
func (r *Record) SetBlacklisted(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklisted = v
}

// Inventory returns a copy of the peer's last known inventory vector.
func (r *Record) Inventory() bitfield.Bitfield {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inventory.Clone()
}

// SetInventoryWindow merges a freshly-fetched inventory window starting at
// bit offset lo, and records that a refresh touched up to block height
// throughBlock. Only the health checker calls this (§5's "single peer's
// inventory refresh is serialized").
func (r *Record) SetInventoryWindow(lo int, window bitfield.Bitfield, throughBlock int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	need := lo + window.Len() - 1
	if need >= 0 {
		r.inventory = r.inventory.Grow(need)
	}
	for i := 0; i < window.Len(); i++ {
		if window.Has(i) {
			r.inventory.Set(lo + i)
		} else {
			r.inventory.Clear(lo + i)
		}
	}

	r.inventoryLastBlock = throughBlock
	r.inventoryLastRefresh = now
	r.hasRefreshed = true
}

// NeedsPing reports whether it has been longer than interval since the last
// RPC attempt of any kind against this peer (atlas_peer_ping, §4.5's
// enrichment: keep a health sample flowing even when inventory is fresh).
func (r *Record) NeedsPing(now time.Time, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastAttempt.IsZero() {
		return true
	}
	return r.lastAttempt.Add(interval).Before(now)
}

// InventoryStale reports whether the peer needs a refresh: never refreshed,
// or the ping window has elapsed since the last one.
func (r *Record) InventoryStale(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasRefreshed {
		return true
	}

	return r.inventoryLastRefresh.Add(config.Load().PeerPingInterval).Before(now)
}

// ClearBit clears a single bit of the peer's cached inventory: the penalty
// applied when a peer advertises a hash it fails to deliver.
func (r *Record) ClearBit(bit int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bit < r.inventory.Len() {
		r.inventory.Clear(bit)
	}
}

// ReportNeighbor applies popularity accounting for an edge "referrer claims
// hostport as a neighbor": if referrer hasn't already counted toward
// hostport's popularity (per the approximate-membership filter), bump it.
func (t *Table) ReportNeighbor(referrer, hostport string) {
	if referrer == hostport {
		return
	}

	t.Ensure(referrer)
	rec, _ := t.Ensure(hostport)

	rec.mu.Lock()
	key := hashKey(referrer)
	alreadyCounted := rec.popFilter.Contains(key)
	if !alreadyCounted {
		rec.popFilter.Add(key)
		rec.popularity++
	}
	rec.mu.Unlock()

	if alreadyCounted {
		return
	}

	t.mu.Lock()
	if slot, ok := t.slot[hostport]; ok {
		t.popBucket.Move(slot, 1)
	}
	t.mu.Unlock()
}

// Popularity returns the peer's current popularity counter.
func (r *Record) Popularity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popularity
}

// RarestFirst returns up to limit live peers' host:port, sorted ascending by
// popularity, via the popularity rank bucket's O(1) bucket scan.
func (t *Table) RarestFirst(limit int) []string {
	t.mu.Lock()
	slotToHost := make(map[int]string, len(t.slot))
	for host, s := range t.slot {
		slotToHost[s] = host
	}
	t.mu.Unlock()

	// Rank every slot: score-0 slots are unallocated or freed and sort first,
	// and some tracked peers are not live, so both are filtered out below.
	idle := len(t.popBucket.Bucket(0))
	candidates := t.popBucket.RankAscending(idle + len(slotToHost))

	var out []string
	for _, slot := range candidates {
		if len(out) >= limit {
			break
		}

		host, ok := slotToHost[slot]
		if !ok {
			continue
		}
		rec, ok := t.Get(host)
		if !ok || !rec.Live() {
			continue
		}
		out = append(out, host)
	}

	return out
}

// availabilityEntry pairs a peer with how many zonefiles it holds that the
// local node lacks.
type availabilityEntry struct {
	hostport string
	diff     int
}

// AvailabilityRank returns non-blacklisted peers whose health is at least
// MinPeerHealth (inclusive, unlike Live), sorted descending by
// diff_count(local, peer.inventory): how many zonefiles each peer has that
// local lacks. Diff counts are unbounded by the slot count, which keeps
// growing, so this ranking is a plain sort rather than a rankbucket scan
// (see DESIGN.md).
func (t *Table) AvailabilityRank(local bitfield.Bitfield) []string {
	t.mu.Lock()
	records := make([]*Record, 0, len(t.peers))
	for _, r := range t.peers {
		records = append(records, r)
	}
	t.mu.Unlock()

	minHealth := config.Load().MinPeerHealth

	entries := lo.FilterMap(records, func(r *Record, _ int) (availabilityEntry, bool) {
		if r.Blacklisted() || r.Health() < minHealth {
			return availabilityEntry{}, false
		}
		diff := bitfield.DiffCount(local, r.Inventory())
		return availabilityEntry{hostport: r.HostPort, diff: diff}, true
	})

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].diff > entries[j].diff
	})

	return lo.Map(entries, func(e availabilityEntry, _ int) string { return e.hostport })
}

// TrimBottomOf evicts the n lowest-availability non-blacklisted peers from
// ranking (the crawler's eviction step).
func (t *Table) TrimBottomOf(ranking []string, n int) []string {
	if n <= 0 || len(ranking) == 0 {
		return nil
	}

	start := len(ranking) - n
	if start < 0 {
		start = 0
	}

	var evicted []string
	for _, host := range ranking[start:] {
		if t.Evict(host) {
			evicted = append(evicted, host)
		}
	}

	return evicted
}

// NormalizeHostPort strips a URL scheme and, if no port is present, appends
// the default RPC port. Generalizes the original implementation's
// url_to_host_port (see SPEC_FULL.md "Supplemented features").
func NormalizeHostPort(raw string, defaultPort string) string {
	s := raw
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = s[:idx]
	}

	if !strings.Contains(s, ":") {
		s = s + ":" + defaultPort
	}

	return s
}
