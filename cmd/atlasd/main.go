// Command atlasd is a minimal embedding example, not a product CLI: Atlas
// exposes no interface of its own (§6). A real naming-server host process
// wires an AtlasEngine the way this file does, supplying its own indexer
// and storage-backend implementations.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockstack/atlas/internal/engine"
	"github.com/blockstack/atlas/pkg/logging"
)

func main() {
	setupLogger()

	e, err := engine.New(engine.Config{
		DBPath:         "atlas.db",
		MyHostPort:     "127.0.0.1:6270",
		GenesisHeight:  0,
		BootstrapPeers: nil,
		Blacklist:      nil,
		Indexer:        noopIndexer{},
		Backend:        noopBackend{},
	})
	if err != nil {
		slog.Error("failed to initialize atlas engine", "error", err)
		os.Exit(1)
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Ingest(ctx); err != nil {
		slog.Error("ingest failed", "error", err)
		os.Exit(1)
	}

	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("atlas engine exited", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

// noopIndexer and noopBackend stand in for the real blockchain indexer and
// storage driver a host process would supply; Atlas defines no concrete
// implementation of either (§6).
type noopIndexer struct{}

func (noopIndexer) LastBlock(ctx context.Context) (int64, error) { return 0, nil }
func (noopIndexer) HashesAt(ctx context.Context, height int64) ([]string, error) {
	return nil, nil
}

type noopBackend struct{}

func (noopBackend) IsCached(hash string) bool { return false }
func (noopBackend) Store(ctx context.Context, data []byte, requiredDrivers []string, cache bool) (bool, error) {
	return true, nil
}
func (noopBackend) IsValidZonefile(data []byte, hash string) bool { return true }
