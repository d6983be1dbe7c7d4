// Package store implements AtlasDB, the durable table of committed zonefile
// slots and the in-memory local inventory derived from it.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blockstack/atlas/pkg/bitfield"
)

// Slot is one committed (block_height, zonefile_hash) row. InvIndex is the
// 1-based storage index; BitIndex (InvIndex-1) is the 0-based position the
// hash occupies in any inventory vector.
type Slot struct {
	InvIndex    int64
	Hash        string
	Present     bool
	BlockHeight int64
}

// BitIndex returns the slot's 0-based position in the inventory bit-vector.
func (s Slot) BitIndex() int { return int(s.InvIndex - 1) }

// FatalStoreError wraps any AtlasDB error. The store is the correctness
// anchor (I4); callers must treat every error it returns as fatal, log it
// with a stack trace, and exit rather than continue on a possibly-violated
// invariant.
type FatalStoreError struct {
	Op  string
	Err error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("fatal atlasdb error during %s: %v", e.Op, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }

// NewFatalStoreError wraps err with a captured stack trace (via
// github.com/pkg/errors), so the top-level run loop can log exactly where the
// store broke, per §7's "fatal; log with stack and exit the process".
func NewFatalStoreError(op string, err error) *FatalStoreError {
	return &FatalStoreError{Op: op, Err: errors.WithStack(err)}
}

const schema = `
CREATE TABLE IF NOT EXISTS zonefiles (
	inv_index     INTEGER PRIMARY KEY AUTOINCREMENT,
	zonefile_hash TEXT NOT NULL,
	present       INTEGER NOT NULL,
	block_height  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_zonefiles_hash ON zonefiles(zonefile_hash);
CREATE INDEX IF NOT EXISTS idx_zonefiles_block ON zonefiles(block_height);
`

// AtlasDB is the durable store plus the in-memory local inventory it feeds.
// SQL statements are serialized by the single open connection (ingest and
// the fetcher's SetPresent are the writers); the mutex guards only the
// in-memory inventory, which each write updates right after its SQL
// statement so it stays in lockstep with every present mutation (I4).
type AtlasDB struct {
	db  *sql.DB
	log *slog.Logger

	mu  sync.Mutex
	inv bitfield.Bitfield
}

// Open opens (creating if needed) the SQLite-backed AtlasDB at path and
// rebuilds the local inventory from the stored rows.
func Open(path string, log *slog.Logger) (*AtlasDB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open atlasdb: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping atlasdb: %w", err)
	}

	// SQLite permits one writer; a single open connection keeps every
	// statement serialized through the driver instead of racing on locks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init atlasdb schema: %w", err)
	}

	adb := &AtlasDB{db: db, log: log}
	if err := adb.rebuildInventory(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild local inventory: %w", err)
	}

	return adb, nil
}

// Close releases the underlying database handle.
func (a *AtlasDB) Close() error { return a.db.Close() }

func (a *AtlasDB) rebuildInventory() error {
	rows, err := a.db.Query(`SELECT inv_index, present FROM zonefiles ORDER BY inv_index ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var inv bitfield.Bitfield
	for rows.Next() {
		var invIndex int64
		var present int
		if err := rows.Scan(&invIndex, &present); err != nil {
			return err
		}

		bit := int(invIndex - 1)
		inv = inv.Grow(bit)
		if present != 0 {
			inv.Set(bit)
		}
	}

	a.mu.Lock()
	a.inv = inv
	a.mu.Unlock()

	return rows.Err()
}

// LocalInventory returns a copy of the current local inventory bit-vector.
func (a *AtlasDB) LocalInventory() bitfield.Bitfield {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.inv.Clone()
}

// Add appends one committed slot and updates the in-memory local inventory
// in lockstep. Called only by the ingest path.
func (a *AtlasDB) Add(hash string, present bool, blockHeight int64) (Slot, error) {
	presentInt := 0
	if present {
		presentInt = 1
	}

	res, err := a.db.Exec(
		`INSERT INTO zonefiles (zonefile_hash, present, block_height) VALUES (?, ?, ?)`,
		hash, presentInt, blockHeight,
	)
	if err != nil {
		return Slot{}, fmt.Errorf("add slot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Slot{}, fmt.Errorf("add slot: %w", err)
	}

	slot := Slot{InvIndex: id, Hash: hash, Present: present, BlockHeight: blockHeight}

	a.mu.Lock()
	a.inv = a.inv.Grow(slot.BitIndex())
	if present {
		a.inv.Set(slot.BitIndex())
	}
	a.mu.Unlock()

	return slot, nil
}

// SetPresent updates every row sharing hash and returns the prior aggregate
// state (true iff any row was already present). Every affected bit is
// updated in the in-memory inventory before the call returns, preserving I4.
func (a *AtlasDB) SetPresent(hash string, present bool) (wasPresent bool, err error) {
	rows, err := a.db.Query(`SELECT inv_index, present FROM zonefiles WHERE zonefile_hash = ?`, hash)
	if err != nil {
		return false, fmt.Errorf("set_present lookup: %w", err)
	}

	var indexes []int64
	for rows.Next() {
		var invIndex int64
		var p int
		if err := rows.Scan(&invIndex, &p); err != nil {
			rows.Close()
			return false, fmt.Errorf("set_present scan: %w", err)
		}
		if p != 0 {
			wasPresent = true
		}
		indexes = append(indexes, invIndex)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("set_present lookup: %w", err)
	}

	presentInt := 0
	if present {
		presentInt = 1
	}
	if _, err := a.db.Exec(`UPDATE zonefiles SET present = ? WHERE zonefile_hash = ?`, presentInt, hash); err != nil {
		return wasPresent, fmt.Errorf("set_present update: %w", err)
	}

	a.mu.Lock()
	for _, idx := range indexes {
		bit := int(idx - 1)
		a.inv = a.inv.Grow(bit)
		if present {
			a.inv.Set(bit)
		} else {
			a.inv.Clear(bit)
		}
	}
	a.mu.Unlock()

	return wasPresent, nil
}

// SlotsOf returns the 0-based bit indexes of every row sharing hash.
func (a *AtlasDB) SlotsOf(hash string) ([]int, error) {
	rows, err := a.db.Query(`SELECT inv_index FROM zonefiles WHERE zonefile_hash = ?`, hash)
	if err != nil {
		return nil, fmt.Errorf("slots_of: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var invIndex int64
		if err := rows.Scan(&invIndex); err != nil {
			return nil, fmt.Errorf("slots_of: %w", err)
		}
		out = append(out, int(invIndex-1))
	}

	return out, rows.Err()
}

// Range returns the ordered rows committed within [blockLo, blockHi].
func (a *AtlasDB) Range(blockLo, blockHi int64) ([]Slot, error) {
	rows, err := a.db.Query(
		`SELECT inv_index, zonefile_hash, present, block_height FROM zonefiles
		 WHERE block_height >= ? AND block_height <= ? ORDER BY inv_index ASC`,
		blockLo, blockHi,
	)
	if err != nil {
		return nil, fmt.Errorf("range: %w", err)
	}
	defer rows.Close()

	return scanSlots(rows)
}

// Missing returns rows with present=false, paginated as OFFSET offset LIMIT
// count (the intended semantics; see DESIGN.md on the source ambiguity this
// resolves).
func (a *AtlasDB) Missing(offset, count int) ([]Slot, error) {
	rows, err := a.db.Query(
		`SELECT inv_index, zonefile_hash, present, block_height FROM zonefiles
		 WHERE present = 0 ORDER BY inv_index ASC LIMIT ? OFFSET ?`,
		count, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("missing: %w", err)
	}
	defer rows.Close()

	return scanSlots(rows)
}

// MaxBlockHeight returns the highest block_height committed so far, or -1 if
// the store is empty. Used by the ingest path to resume from max+1.
func (a *AtlasDB) MaxBlockHeight() (int64, error) {
	var height sql.NullInt64
	if err := a.db.QueryRow(`SELECT MAX(block_height) FROM zonefiles`).Scan(&height); err != nil {
		return -1, fmt.Errorf("max block height: %w", err)
	}
	if !height.Valid {
		return -1, nil
	}
	return height.Int64, nil
}

func scanSlots(rows *sql.Rows) ([]Slot, error) {
	var out []Slot
	for rows.Next() {
		var s Slot
		var present int
		if err := rows.Scan(&s.InvIndex, &s.Hash, &present, &s.BlockHeight); err != nil {
			return nil, err
		}
		s.Present = present != 0
		out = append(out, s)
	}

	return out, rows.Err()
}
