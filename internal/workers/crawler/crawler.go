// Package crawler implements the peer crawler worker (§4.4): random-walk
// peer discovery that keeps the peer table near its neighbor target.
package crawler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/blockstack/atlas/internal/peertable"
	"github.com/blockstack/atlas/internal/queue"
	"github.com/blockstack/atlas/internal/rpcclient"
	"github.com/blockstack/atlas/pkg/bitfield"
	"github.com/blockstack/atlas/pkg/config"
)

// Crawler runs one bounded pass per Step call, per §5's "bounded work per
// pass" rule (one peer crawled per pass).
type Crawler struct {
	Table          *peertable.Table
	Intake         *queue.Intake
	RPC            *rpcclient.Client
	MyHostPort     string
	LocalInventory func() bitfield.Bitfield
	Log            *slog.Logger

	rng *rand.Rand
}

// New returns a Crawler wired to the shared peer table, intake queue and RPC
// client. localInventory supplies the local inventory used for availability
// ranking during eviction (§4.3).
func New(table *peertable.Table, intake *queue.Intake, rpc *rpcclient.Client, myHostPort string, localInventory func() bitfield.Bitfield, log *slog.Logger) *Crawler {
	if log == nil {
		log = slog.Default()
	}

	return &Crawler{
		Table:          table,
		Intake:         intake,
		RPC:            rpc,
		MyHostPort:     myHostPort,
		LocalInventory: localInventory,
		Log:            log.With("component", "crawler"),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run loops Step until ctx is cancelled, sleeping briefly between passes.
func (c *Crawler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Step(ctx); err != nil {
			c.Log.Debug("step.error", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// Step performs one crawl pass: drain the intake queue, pick one candidate
// peer to ask for its neighbors, apply popularity accounting to whatever it
// reports, and trim the table if it has grown past its cap.
func (c *Crawler) Step(ctx context.Context) error {
	drained := c.Intake.Drain()
	c.rng.Shuffle(len(drained), func(i, j int) { drained[i], drained[j] = drained[j], drained[i] })
	for _, hostport := range drained {
		if hostport == c.MyHostPort {
			continue
		}
		c.Table.Ensure(hostport)
	}

	candidate, ok := c.pickCandidate()
	if !ok {
		return nil
	}

	cfg := config.Load()
	neighbors, err := c.RPC.GetAtlasPeers(ctx, candidate, c.MyHostPort, cfg.NeighborTimeout)
	c.Table.RecordAttempt(candidate, err == nil, time.Now())
	if err != nil {
		return err
	}

	for _, n := range neighbors {
		n = peertable.NormalizeHostPort(n, "6270")
		if n == c.MyHostPort {
			continue
		}
		c.Table.ReportNeighbor(candidate, n)
		c.Intake.Offer(n)
	}

	c.evictOverflow()

	return nil
}

func (c *Crawler) pickCandidate() (string, bool) {
	var candidates []string
	for _, hostport := range c.Table.AllHostPorts() {
		if hostport != c.MyHostPort {
			candidates = append(candidates, hostport)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	return candidates[c.rng.Intn(len(candidates))], true
}

// evictOverflow trims the bottom of the availability ranking down to the
// neighbor cap (I7: table size bounded at 2x neighbor target).
func (c *Crawler) evictOverflow() {
	cfg := config.Load()
	cap := 2 * cfg.NumNeighbors

	n := c.Table.Len()
	if n <= cap {
		return
	}

	ranking := c.Table.AvailabilityRank(c.LocalInventory())
	c.Table.TrimBottomOf(ranking, n-cap)
}
