package config

import "sync/atomic"

var cfg atomic.Value

func Init() {
	c := defaultConfig()
	sanitize(&c)
	cfg.Store(&c)
}

// Load returns the current config (treat as read-only).
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	sanitize(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	sanitize(&next)
	cfg.Store(&next)
	return &next
}

// sanitize clamps fields the peer table and health accounting depend on
// structurally: NumNeighbors sizes the table's popularity rank bucket (§4.3),
// which needs a capacity of at least 1, and MinPeerHealth gates liveness
// against a [0,1] health score, so a value outside that range would make
// every peer permanently live or permanently dead.
func sanitize(c *Config) {
	if c.NumNeighbors < 1 {
		c.NumNeighbors = 1
	}
	if c.MinPeerHealth < 0 {
		c.MinPeerHealth = 0
	}
	if c.MinPeerHealth > 1 {
		c.MinPeerHealth = 1
	}
}
