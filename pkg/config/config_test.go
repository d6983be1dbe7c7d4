package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	c := defaultConfig()

	if c.PeerLifetime != 3600*time.Second {
		t.Fatalf("PeerLifetime = %v, want 3600s", c.PeerLifetime)
	}
	if c.MinPeerHealth != 0.5 {
		t.Fatalf("MinPeerHealth = %v, want 0.5", c.MinPeerHealth)
	}
	if c.NumNeighbors != 80 {
		t.Fatalf("NumNeighbors = %d, want 80", c.NumNeighbors)
	}
}

func TestNumNeighborsAlias(t *testing.T) {
	t.Setenv("BLOCKSTACK_ATLAS_MAX_NEIGHBORS", "40")

	c := defaultConfig()
	if c.NumNeighbors != 40 {
		t.Fatalf("NumNeighbors = %d, want 40 via MAX_NEIGHBORS alias", c.NumNeighbors)
	}
}

func TestNumNeighborsPrefersPrimary(t *testing.T) {
	t.Setenv("BLOCKSTACK_ATLAS_NUM_NEIGHBORS", "20")
	t.Setenv("BLOCKSTACK_ATLAS_MAX_NEIGHBORS", "40")

	c := defaultConfig()
	if c.NumNeighbors != 20 {
		t.Fatalf("NumNeighbors = %d, want 20 (primary var takes precedence)", c.NumNeighbors)
	}
}

func TestLoadUpdateSwap(t *testing.T) {
	Init()

	Update(func(c *Config) { c.NumNeighbors = 5 })
	if got := Load().NumNeighbors; got != 5 {
		t.Fatalf("NumNeighbors after Update = %d, want 5", got)
	}

	Swap(Config{NumNeighbors: 99})
	if got := Load().NumNeighbors; got != 99 {
		t.Fatalf("NumNeighbors after Swap = %d, want 99", got)
	}
}
