// Package fetcher implements the zonefile fetcher worker (§4.6): rarest-first
// pull of missing zonefiles, batched per peer.
package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/blockstack/atlas/internal/peertable"
	"github.com/blockstack/atlas/internal/rpcclient"
	"github.com/blockstack/atlas/internal/store"
	"github.com/blockstack/atlas/pkg/config"
	rankheap "github.com/blockstack/atlas/pkg/heap"
)

// StorageBackend is the pluggable content cache zonefile bytes are written
// through; out of Atlas's scope to define, only to consume (§6).
type StorageBackend interface {
	IsCached(hash string) bool
	Store(ctx context.Context, data []byte, requiredDrivers []string, cache bool) (bool, error)
	IsValidZonefile(data []byte, hash string) bool
}

// Fetcher runs one pass per Step call. A pass covers every missing hash that
// some known peer holds (up to the first 4096 missing slots), dispatched in
// rarest-first order; it does not stop after the rarest hash.
type Fetcher struct {
	Store   *store.AtlasDB
	Table   *peertable.Table
	RPC     *rpcclient.Client
	Backend StorageBackend
	Log     *slog.Logger
}

// New returns a Fetcher wired to the shared store, peer table and RPC
// client.
func New(s *store.AtlasDB, table *peertable.Table, rpc *rpcclient.Client, backend StorageBackend, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}

	return &Fetcher{Store: s, Table: table, RPC: rpc, Backend: backend, Log: log.With("component", "fetcher")}
}

// Run loops Step until ctx is cancelled, sleeping briefly after any pass
// that fetched nothing (§4.6 step 9).
func (f *Fetcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetched, err := f.Step(ctx)
		if err != nil {
			var fatal *store.FatalStoreError
			if errors.As(err, &fatal) {
				return fatal
			}
			f.Log.Debug("step.error", "err", err)
		}

		if fetched == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
}

type rarityEntry struct {
	hash       string
	bitIndexes []int
	peers      []string
}

// Step performs one rarest-first fetch pass, returning the number of
// zonefiles successfully stored.
func (f *Fetcher) Step(ctx context.Context) (int, error) {
	missing, err := f.Store.Missing(0, 4096)
	if err != nil {
		return 0, store.NewFatalStoreError("missing", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	byHash := make(map[string][]int)
	for _, slot := range missing {
		byHash[slot.Hash] = append(byHash[slot.Hash], slot.BitIndex())
	}

	allPeers := f.Table.AllHostPorts()

	var entries []rarityEntry
	for hash, bits := range byHash {
		var holders []string
		for _, hostport := range allPeers {
			rec, ok := f.Table.Get(hostport)
			if !ok {
				continue
			}
			if hasAllBits(rec.Inventory(), bits) {
				holders = append(holders, hostport)
			}
		}
		if len(holders) == 0 {
			continue
		}
		entries = append(entries, rarityEntry{hash: hash, bitIndexes: bits, peers: holders})
	}

	// Rarest-first dispatch order: a min-heap keyed by replica count, so the
	// hash held by the fewest peers is always dequeued next.
	pq := rankheap.NewPriorityQueue(func(a, b rarityEntry) bool { return len(a.peers) < len(b.peers) })
	pq.EnqueueAll(entries)

	fetchedTotal := 0
	outstanding := make(map[string]bool, len(entries))
	for _, e := range entries {
		outstanding[e.hash] = true
	}

	for {
		e, ok := pq.Dequeue()
		if !ok {
			break
		}
		if !outstanding[e.hash] {
			continue
		}

		ranked := rankByHealth(f.Table, e.peers)
		for _, hostport := range ranked {
			if !outstanding[e.hash] {
				break
			}

			batch := f.batchFor(hostport, entries, outstanding)
			if len(batch) == 0 {
				continue
			}

			n, err := f.fetchBatch(ctx, hostport, batch, outstanding)
			fetchedTotal += n
			if err != nil {
				return fetchedTotal, err
			}
		}
	}

	return fetchedTotal, nil
}

func hasAllBits(inv interface{ Has(int) bool }, bits []int) bool {
	for _, b := range bits {
		if !inv.Has(b) {
			return false
		}
	}
	return true
}

func rankByHealth(table *peertable.Table, candidates []string) []string {
	type scored struct {
		hostport string
		health   float64
	}

	scoredPeers := make([]scored, 0, len(candidates))
	for _, hostport := range candidates {
		rec, ok := table.Get(hostport)
		if !ok {
			continue
		}
		scoredPeers = append(scoredPeers, scored{hostport: hostport, health: rec.Health()})
	}

	sort.SliceStable(scoredPeers, func(i, j int) bool { return scoredPeers[i].health > scoredPeers[j].health })

	out := make([]string, len(scoredPeers))
	for i, s := range scoredPeers {
		out[i] = s.hostport
	}
	return out
}

// batchFor collects every still-outstanding hash that hostport claims to
// hold, co-scheduling the request per §4.6 step 5. The claim is read from
// the peer's current inventory, so bits cleared as a liar penalty earlier in
// the same pass are not asked for again.
func (f *Fetcher) batchFor(hostport string, entries []rarityEntry, outstanding map[string]bool) []string {
	rec, ok := f.Table.Get(hostport)
	if !ok {
		return nil
	}
	inv := rec.Inventory()

	var batch []string
	for _, e := range entries {
		if !outstanding[e.hash] || !hasAllBits(inv, e.bitIndexes) {
			continue
		}
		for _, h := range e.peers {
			if h == hostport {
				batch = append(batch, e.hash)
				break
			}
		}
	}
	return batch
}

func (f *Fetcher) fetchBatch(ctx context.Context, hostport string, batch []string, outstanding map[string]bool) (int, error) {
	cfg := config.Load()

	delivered, err := f.RPC.GetZonefiles(ctx, hostport, batch, cfg.ZonefileTimeout)
	anyValid := false

	if err == nil {
		for _, hash := range batch {
			bytes, ok := delivered[hash]
			if !ok {
				continue // peer did not return this one; handled in the penalty loop below
			}
			if !f.Backend.IsValidZonefile(bytes, hash) {
				continue
			}

			stored, storeErr := f.Backend.Store(ctx, bytes, nil, true)
			if storeErr != nil || !stored {
				f.Log.Warn("storage.write_failed", "hash", hash, "err", storeErr)
				continue
			}

			if _, err := f.Store.SetPresent(hash, true); err != nil {
				return 0, store.NewFatalStoreError("set_present", err)
			}

			delete(outstanding, hash)
			anyValid = true
		}

		// Penalize the peer for any batch entry it failed to deliver:
		// clear its cached inventory bit so it is not asked again until a
		// refresh re-sets it (§4.6 step 7).
		for _, hash := range batch {
			if _, ok := delivered[hash]; ok {
				continue
			}
			if rec, ok := f.Table.Get(hostport); ok {
				slots, slotErr := f.Store.SlotsOf(hash)
				if slotErr != nil {
					return 0, store.NewFatalStoreError("slots_of", slotErr)
				}
				for _, bit := range slots {
					rec.ClearBit(bit)
				}
			}
		}
	}

	f.Table.RecordAttempt(hostport, anyValid, time.Now())

	count := 0
	for _, hash := range batch {
		if !outstanding[hash] {
			count++
		}
	}
	return count, nil
}
