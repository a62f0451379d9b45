// Package statecache caches the node graphs of historical versions so they
// are not re-extracted on every lookup.
package statecache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"tdvc/internal/state"
	"tdvc/internal/util"
)

// FileName is the cache database name inside the tracker directory.
const FileName = "statecache.db"

// Cache maps a version id to the state extracted from that version.
// Versions are immutable, so entries never go stale.
type Cache struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

const schema = `
CREATE TABLE IF NOT EXISTS version_state (
	id TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	data BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Open opens or creates the cache database in dir.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying cache schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Cache{db: db, enc: enc, dec: dec}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	c.dec.Close()
	c.enc.Close()
	return c.db.Close()
}

// Get returns the cached state for id. ok is false on a miss. An entry whose
// content no longer matches its digest is dropped and reported as a miss.
func (c *Cache) Get(id string) (*state.State, bool, error) {
	var digest string
	var data []byte
	err := c.db.QueryRow("SELECT digest, data FROM version_state WHERE id = ?", id).Scan(&digest, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying cache: %w", err)
	}

	s, err := c.decode(data)
	if err == nil {
		var got string
		if got, err = s.Digest(); err == nil && got == digest {
			return s, true, nil
		}
	}
	if err := c.Remove(id); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (c *Cache) decode(data []byte) (*state.State, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing cached state: %w", err)
	}
	return state.Unmarshal(raw)
}

// Put stores the state extracted for id.
func (c *Cache) Put(id string, s *state.State) error {
	raw, err := util.CanonicalJSON(s)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	digest, err := s.Digest()
	if err != nil {
		return fmt.Errorf("hashing state: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO version_state (id, digest, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, digest, c.enc.EncodeAll(raw, nil), util.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// Remove drops the entry for id.
func (c *Cache) Remove(id string) error {
	if _, err := c.db.Exec("DELETE FROM version_state WHERE id = ?", id); err != nil {
		return fmt.Errorf("removing cache entry: %w", err)
	}
	return nil
}
