package config

import (
	"os"
	"strconv"
	"time"
)

// Config defines behavior and resource limits for an Atlas engine instance.
//
// Bootstrap peer URLs and blacklist URLs are deliberately NOT part of this
// struct: the spec passes those in programmatically to the engine
// constructor, not through environment variables.
type Config struct {
	// PeerLifetime is the width of the sliding window used to retain
	// request/response health samples for a peer. Samples older than
	// now-PeerLifetime are pruned on every update.
	PeerLifetime time.Duration

	// PeerPingInterval is how long a peer's inventory stays fresh before the
	// health checker refreshes it. A peer with a fresh inventory but no RPC
	// attempt for half this interval gets a lightweight ping instead.
	PeerPingInterval time.Duration

	// MinPeerHealth is the health score (in [0,1]) above which a peer is
	// considered live (Record.Live, used by RarestFirst). AvailabilityRank
	// keeps peers at or above it. The fetcher and pusher do not filter on it.
	MinPeerHealth float64

	// NumNeighbors is the soft cap on the peer table and the truncation
	// length for neighbor-list RPC responses. BLOCKSTACK_ATLAS_MAX_NEIGHBORS
	// is an alias for the same value.
	NumNeighbors int

	// MaxQueuedZonefiles bounds the push queue; additional zonefiles are
	// dropped once the queue is at capacity.
	MaxQueuedZonefiles int

	// InventoryWindowBlocks is the fixed-size block range used when
	// refreshing a peer's inventory in windowed get_zonefile_inventory
	// calls.
	InventoryWindowBlocks int

	// PingTimeout, NeighborTimeout and ZonefileTimeout bound the respective
	// RPC calls made by internal/rpcclient.
	PingTimeout     time.Duration
	NeighborTimeout time.Duration
	ZonefileTimeout time.Duration
}

// defaultConfig returns the spec's documented defaults, each overridable by
// its corresponding BLOCKSTACK_ATLAS_* environment variable.
func defaultConfig() Config {
	return Config{
		PeerLifetime:          envDuration("BLOCKSTACK_ATLAS_PEER_LIFETIME", 3600*time.Second),
		PeerPingInterval:      envDuration("BLOCKSTACK_ATLAS_PEER_PING_INTERVAL", 60*time.Second),
		MinPeerHealth:         envFloat("BLOCKSTACK_ATLAS_MIN_PEER_HEALTH", 0.5),
		NumNeighbors:          envNeighbors(80),
		MaxQueuedZonefiles:    1000,
		InventoryWindowBlocks: 10000,
		PingTimeout:           3 * time.Second,
		NeighborTimeout:       10 * time.Second,
		ZonefileTimeout:       60 * time.Second,
	}
}

// envNeighbors resolves BLOCKSTACK_ATLAS_NUM_NEIGHBORS, falling back to its
// alias BLOCKSTACK_ATLAS_MAX_NEIGHBORS, then def.
func envNeighbors(def int) int {
	if v, ok := lookupInt("BLOCKSTACK_ATLAS_NUM_NEIGHBORS"); ok {
		return v
	}
	if v, ok := lookupInt("BLOCKSTACK_ATLAS_MAX_NEIGHBORS"); ok {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, ok := lookupInt(name); ok {
		return time.Duration(v) * time.Second
	}
	return def
}

func envFloat(name string, def float64) float64 {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}

	return v
}

func lookupInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}

	return v, true
}
