// Package cache persists the asset tree between process lifetimes so a
// restart only rebuilds what changed while the process was down.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/metrics"
)

// formatVersion is bumped whenever the snapshot layout changes.
const formatVersion = 1

var (
	// ErrNotFound is returned by Load when no snapshot exists.
	ErrNotFound = errors.New("cache: snapshot not found")
	// ErrCorrupt is returned by Load when the snapshot cannot be used.
	ErrCorrupt = errors.New("cache: snapshot corrupt")
)

// Identity derives the cache identity from the cache-relevant part of the
// build configuration. Two configs with equal identity share a snapshot.
func Identity(v any) (string, error) {
	// encoding/json sorts map keys, which makes the encoding canonical for
	// the plain structs and maps a config is made of.
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cache identity: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}

// Cache stores one JSON snapshot per identity under dir.
type Cache struct {
	dir      string
	identity string

	seqMu sync.Mutex
	seq   uint64

	// writeMu serializes snapshot writes; written is the sequence of the
	// snapshot currently on disk.
	writeMu sync.Mutex
	written uint64

	wg sync.WaitGroup
}

// New creates a cache rooted at dir.
func New(dir, identity string) *Cache {
	return &Cache{dir: dir, identity: identity}
}

// Path returns the snapshot file path.
func (c *Cache) Path() string {
	return filepath.Join(c.dir, c.identity+".json")
}

// Exists reports whether a snapshot file exists for this identity.
func (c *Cache) Exists() bool {
	_, err := os.Stat(c.Path())
	return err == nil
}

// Load reads the snapshot for this identity.
func (c *Cache) Load() (*Snapshot, error) {
	data, err := os.ReadFile(c.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Version != formatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, snap.Version, formatVersion)
	}
	if snap.Identity != c.identity {
		return nil, fmt.Errorf("%w: identity mismatch", ErrCorrupt)
	}
	return &snap, nil
}

// Save captures tree synchronously and writes it in the background. Writes
// are serialized and an older snapshot never replaces a newer one. Failures
// are logged and counted; the next build still runs.
func (c *Cache) Save(tree *asset.Tree) {
	snap := Capture(tree)
	snap.Version = formatVersion
	snap.Identity = c.identity
	data, err := json.Marshal(snap)
	if err != nil {
		logging.Warn("cache encode failed", logging.Err(err))
		metrics.RecordCacheSave(false)
		return
	}

	c.seqMu.Lock()
	c.seq++
	seq := c.seq
	c.seqMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		if seq < c.written {
			return
		}
		if err := c.write(data); err != nil {
			logging.Warn("cache save failed", logging.Path(c.Path()), logging.Err(err))
			metrics.RecordCacheSave(false)
			return
		}
		c.written = seq
		metrics.RecordCacheSave(true)
	}()
}

// write stores data atomically (temp file then rename).
func (c *Cache) write(data []byte) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	f, err := os.CreateTemp(c.dir, c.identity+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close snapshot: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, c.Path()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Wait blocks until every pending save has been written.
func (c *Cache) Wait() {
	c.wg.Wait()
}
