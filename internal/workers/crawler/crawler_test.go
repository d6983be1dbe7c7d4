package crawler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blockstack/atlas/internal/peertable"
	"github.com/blockstack/atlas/internal/queue"
	"github.com/blockstack/atlas/internal/rpcclient"
	"github.com/blockstack/atlas/pkg/bitfield"
	"github.com/blockstack/atlas/pkg/config"
)

func TestStepNoCandidatesIsNoop(t *testing.T) {
	config.Init()

	table := peertable.New(10)
	intake := queue.NewIntake(10)
	rpc := rpcclient.New(nil)

	c := New(table, intake, rpc, "me:1", func() bitfield.Bitfield { return nil }, nil)

	if err := c.Step(context.Background()); err != nil {
		t.Fatalf("Step() with no candidates error = %v", err)
	}
}

func TestStepDrainsIntakeAndReportsNeighbors(t *testing.T) {
	config.Init()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": true, "peers": []string{"n1:1", "n2:1"}})
	}))
	defer srv.Close()
	hostport := strings.TrimPrefix(srv.URL, "http://")

	table := peertable.New(10)
	intake := queue.NewIntake(10)
	intake.Offer(hostport)
	rpc := rpcclient.New(nil)

	c := New(table, intake, rpc, "me:1", func() bitfield.Bitfield { return nil }, nil)

	if err := c.Step(context.Background()); err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	if _, ok := table.Get("n1:1"); !ok {
		t.Fatalf("expected n1:1 to be reported and tracked")
	}
	if intake.Len() == 0 {
		t.Fatalf("expected discovered neighbors to be re-offered to the intake queue")
	}

	rec, _ := table.Get(hostport)
	if rec.Health() != 1 {
		t.Fatalf("successful get_atlas_peers call should record a positive health sample")
	}
}

func TestRunExitsOnCancel(t *testing.T) {
	config.Init()

	table := peertable.New(10)
	intake := queue.NewIntake(10)
	rpc := rpcclient.New(nil)

	c := New(table, intake, rpc, "me:1", func() bitfield.Bitfield { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Run() should return ctx.Err() on cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not exit promptly after cancellation")
	}
}
