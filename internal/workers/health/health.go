// Package health implements the health checker worker (§4.5): refreshes
// stale peer inventories in fixed-size block windows and drives liveness
// scoring.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/blockstack/atlas/internal/peertable"
	"github.com/blockstack/atlas/internal/rpcclient"
	"github.com/blockstack/atlas/pkg/bitfield"
	"github.com/blockstack/atlas/pkg/config"
)

// Indexer is the narrow collaborator the health checker needs: the current
// chain tip, to bound inventory refresh windows.
type Indexer interface {
	LastBlock(ctx context.Context) (int64, error)
}

// Checker runs one bounded pass per Step call: at most one peer refreshed
// per pass, serialized (never interleaved with itself for the same peer).
type Checker struct {
	Table   *peertable.Table
	Indexer Indexer
	RPC     *rpcclient.Client
	Log     *slog.Logger
}

// New returns a Checker wired to the shared peer table and RPC client.
func New(table *peertable.Table, indexer Indexer, rpc *rpcclient.Client, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}

	return &Checker{Table: table, Indexer: indexer, RPC: rpc, Log: log.With("component", "health")}
}

// Run loops Step until ctx is cancelled, sleeping briefly whenever a pass
// found no stale peer (§4.5 step 5).
func (c *Checker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		refreshed, err := c.Step(ctx)
		if err != nil {
			c.Log.Debug("step.error", "err", err)
		}

		if !refreshed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// Step scans the peer table for one stale peer and refreshes its inventory.
// If no peer's inventory is stale, it instead looks for a peer that hasn't
// had any RPC attempt in a while and pings it, so health samples keep
// flowing for peers whose inventory happens to still be fresh
// (atlas_peer_ping, SPEC_FULL.md "Supplemented features"). Reports whether a
// peer was touched either way.
func (c *Checker) Step(ctx context.Context) (bool, error) {
	now := time.Now()

	var target string
	for _, hostport := range c.Table.AllHostPorts() {
		rec, ok := c.Table.Get(hostport)
		if !ok {
			continue
		}
		if rec.InventoryStale(now) {
			target = hostport
			break
		}
	}
	if target != "" {
		return true, c.refresh(ctx, target, now)
	}

	for _, hostport := range c.Table.AllHostPorts() {
		rec, ok := c.Table.Get(hostport)
		if !ok {
			continue
		}
		if rec.Blacklisted() {
			continue
		}
		// Ping cadence runs at half the inventory-refresh interval, so a
		// health sample keeps flowing in between full refreshes rather than
		// only landing when InventoryStale finally trips too.
		if rec.NeedsPing(now, config.Load().PeerPingInterval/2) {
			return true, c.ping(ctx, hostport, now)
		}
	}

	return false, nil
}

func (c *Checker) ping(ctx context.Context, hostport string, now time.Time) error {
	err := c.RPC.Ping(ctx, hostport, config.Load().PingTimeout)
	c.Table.RecordAttempt(hostport, err == nil, now)
	return err
}

func (c *Checker) refresh(ctx context.Context, hostport string, now time.Time) error {
	tip, err := c.Indexer.LastBlock(ctx)
	if err != nil {
		c.Table.RecordAttempt(hostport, false, now)
		return err
	}

	cfg := config.Load()
	window := int64(cfg.InventoryWindowBlocks)

	var full bitfield.Bitfield
	var lastGood int64 = -1
	anySucceeded := false

	for lo := int64(0); lo <= tip; lo += window {
		hi := lo + window - 1
		if hi > tip {
			hi = tip
		}

		encoded, err := c.RPC.GetZonefileInventory(ctx, hostport, lo, hi, cfg.NeighborTimeout)
		if err != nil {
			c.Table.RecordAttempt(hostport, false, time.Now())
			break
		}

		chunk, err := bitfield.DecodeBase64(encoded)
		if err != nil {
			c.Log.Warn("inventory.malformed", "peer", hostport, "err", err)
			c.Table.RecordAttempt(hostport, false, time.Now())
			break
		}
		c.Table.RecordAttempt(hostport, true, time.Now())

		full = append(full, chunk...)
		lastGood = hi
		anySucceeded = true
	}

	if !anySucceeded {
		return nil
	}

	rec, ok := c.Table.Get(hostport)
	if !ok {
		return nil
	}

	rec.SetInventoryWindow(0, full, lastGood, now)

	return nil
}
