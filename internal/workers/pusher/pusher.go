// Package pusher implements the zonefile pusher worker (§4.7): drains the
// push queue, delivering each item to peers still lacking it.
package pusher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blockstack/atlas/internal/peertable"
	"github.com/blockstack/atlas/internal/queue"
	"github.com/blockstack/atlas/internal/rpcclient"
	"github.com/blockstack/atlas/internal/store"
	"github.com/blockstack/atlas/pkg/config"
)

// Pusher runs one bounded pass per Step call: one push item dequeued and
// delivered per pass (§5).
type Pusher struct {
	Queue *queue.Push
	Table *peertable.Table
	Store *store.AtlasDB
	RPC   *rpcclient.Client
	Log   *slog.Logger
}

// New returns a Pusher wired to the shared push queue, peer table and store.
func New(q *queue.Push, table *peertable.Table, s *store.AtlasDB, rpc *rpcclient.Client, log *slog.Logger) *Pusher {
	if log == nil {
		log = slog.Default()
	}

	return &Pusher{Queue: q, Table: table, Store: s, RPC: rpc, Log: log.With("component", "pusher")}
}

// Run loops Step until ctx is cancelled.
func (p *Pusher) Run(ctx context.Context) error {
	done := ctx.Done()
	for {
		if err := p.Step(ctx, done); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var fatal *store.FatalStoreError
			if errors.As(err, &fatal) {
				return fatal
			}
			p.Log.Debug("step.error", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Step dequeues one item and delivers it to every peer whose cached
// inventory does not yet have it. If the queue is empty it blocks until an
// item arrives or done is closed; there is no shorter timeout. It returns
// only an error, not the number of peers the item was sent to.
func (p *Pusher) Step(ctx context.Context, done <-chan struct{}) error {
	item, ok := p.Queue.Dequeue(done)
	if !ok {
		return nil
	}

	slots, err := p.Store.SlotsOf(item.Hash)
	if err != nil {
		return store.NewFatalStoreError("slots_of", err)
	}

	needing := p.needingPeers(slots)
	if len(needing) == 0 {
		return nil
	}

	cfg := config.Load()
	for _, hostport := range needing {
		err := p.RPC.PutZonefiles(ctx, hostport, map[string][]byte{item.Hash: item.Bytes}, cfg.ZonefileTimeout)
		p.Table.RecordAttempt(hostport, err == nil, time.Now())
	}

	return nil
}

func (p *Pusher) needingPeers(slots []int) []string {
	var out []string
	for _, hostport := range p.Table.AllHostPorts() {
		rec, ok := p.Table.Get(hostport)
		if !ok {
			continue
		}

		inv := rec.Inventory()
		hasAll := true
		for _, bit := range slots {
			if !inv.Has(bit) {
				hasAll = false
				break
			}
		}
		if !hasAll {
			out = append(out, hostport)
		}
	}

	return out
}
