// Package engine bundles the store, peer table, queues, RPC client and the
// four background workers into a single value a host process can embed, per
// the re-architecture direction of spec §9 ("Global mutable state").
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockstack/atlas/internal/peertable"
	"github.com/blockstack/atlas/internal/queue"
	"github.com/blockstack/atlas/internal/rpcclient"
	"github.com/blockstack/atlas/internal/store"
	"github.com/blockstack/atlas/internal/workers/crawler"
	"github.com/blockstack/atlas/internal/workers/fetcher"
	"github.com/blockstack/atlas/internal/workers/health"
	"github.com/blockstack/atlas/internal/workers/pusher"
	"github.com/blockstack/atlas/pkg/config"
	"github.com/blockstack/atlas/pkg/retry"
)

// Indexer is the blockchain indexer collaborator (§6): the authoritative
// ordered list of (block_height, zonefile_hash) commitments.
type Indexer interface {
	LastBlock(ctx context.Context) (int64, error)
	HashesAt(ctx context.Context, height int64) ([]string, error)
}

// StorageBackend is the pluggable zonefile content cache (§6).
type StorageBackend interface {
	IsCached(hash string) bool
	Store(ctx context.Context, data []byte, requiredDrivers []string, cache bool) (bool, error)
	IsValidZonefile(data []byte, hash string) bool
}

// Config bundles the engine's construction-time parameters that spec §6
// says are passed in programmatically rather than read from environment.
type Config struct {
	DBPath         string
	MyHostPort     string
	GenesisHeight  int64
	BootstrapPeers []string
	Blacklist      []string
	Indexer        Indexer
	Backend        StorageBackend
	Log            *slog.Logger
}

// AtlasEngine owns every piece of shared mutable state and supervises the
// four background workers.
type AtlasEngine struct {
	cfg Config
	log *slog.Logger

	store  *store.AtlasDB
	table  *peertable.Table
	intake *queue.Intake
	push   *queue.Push
	rpc    *rpcclient.Client

	crawler *crawler.Crawler
	health  *health.Checker
	fetcher *fetcher.Fetcher
	pusher  *pusher.Pusher
}

// New constructs an AtlasEngine: opens AtlasDB, seeds the peer table with
// bootstrap and blacklist peers, and wires the four workers.
func New(cfg Config) (*AtlasEngine, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	config.Init()

	db, err := store.Open(cfg.DBPath, cfg.Log.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("open atlasdb: %w", err)
	}

	atlasCfg := config.Load()
	table := peertable.New(atlasCfg.NumNeighbors)
	intake := queue.NewIntake(atlasCfg.NumNeighbors)
	push := queue.NewPush(atlasCfg.MaxQueuedZonefiles)
	rpc := rpcclient.New(cfg.Log.With("component", "rpc"))

	for _, seed := range cfg.BootstrapPeers {
		table.Ensure(peertable.NormalizeHostPort(seed, "6270"))
	}
	for _, b := range cfg.Blacklist {
		hostport := peertable.NormalizeHostPort(b, "6270")
		rec, _ := table.Ensure(hostport)
		rec.SetBlacklisted(true)
	}

	e := &AtlasEngine{
		cfg:    cfg,
		log:    cfg.Log,
		store:  db,
		table:  table,
		intake: intake,
		push:   push,
		rpc:    rpc,
	}

	e.crawler = crawler.New(table, intake, rpc, cfg.MyHostPort, db.LocalInventory, cfg.Log)
	e.health = health.New(table, cfg.Indexer, rpc, cfg.Log)
	e.fetcher = fetcher.New(db, table, rpc, cfg.Backend, cfg.Log)
	e.pusher = pusher.New(push, table, db, rpc, cfg.Log)

	return e, nil
}

// Close releases the underlying store handle.
func (e *AtlasEngine) Close() error { return e.store.Close() }

// Ingest pulls every committed hash from genesis through the indexer's
// current tip and appends one row per hash, resuming from max(block_height)
// + 1 on restart (§4.2's "Ingest" semantics).
func (e *AtlasEngine) Ingest(ctx context.Context) error {
	tip, err := e.cfg.Indexer.LastBlock(ctx)
	if err != nil {
		return fmt.Errorf("ingest: read tip: %w", err)
	}

	start := e.cfg.GenesisHeight
	if max, err := e.store.MaxBlockHeight(); err == nil && max >= 0 {
		start = max + 1
	}

	for height := start; height <= tip; height++ {
		var hashes []string
		err := retry.Do(ctx, func(ctx context.Context) error {
			h, err := e.cfg.Indexer.HashesAt(ctx, height)
			hashes = h
			return err
		}, retry.WithLinearBackoff(3, 500*time.Millisecond)...)
		if err != nil {
			return fmt.Errorf("ingest: hashes at %d: %w", height, err)
		}

		for _, hash := range hashes {
			present := e.cfg.Backend.IsCached(hash)
			if _, err := e.store.Add(hash, present, height); err != nil {
				return store.NewFatalStoreError("add", err)
			}
		}
	}

	return nil
}

// PutZonefile accepts a client-submitted zonefile for outward gossip. The
// caller must have already verified bytes match a known slot; Atlas rejects
// nothing further here, per §4.7.
func (e *AtlasEngine) PutZonefile(hash string, bytes []byte) bool {
	return e.push.Enqueue(queue.ZonefileItem{Hash: hash, Bytes: bytes})
}

// LocalInventory returns the current local inventory bit-vector.
func (e *AtlasEngine) LocalInventory() []byte {
	return e.store.LocalInventory().Bytes()
}

// Run starts the four background workers and blocks until one exits or ctx
// is cancelled, mirroring the teacher's peer.Manager.Run supervision shape.
func (e *AtlasEngine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.crawler.Run(gctx) })
	g.Go(func() error { return e.health.Run(gctx) })
	g.Go(func() error { return e.fetcher.Run(gctx) })
	g.Go(func() error { return e.pusher.Run(gctx) })

	return g.Wait()
}
