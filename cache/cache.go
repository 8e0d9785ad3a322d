// Package cache stores serialized artifacts on disk so a module is compiled
// once per target and feature set.
//
// Entries are keyed by the xxhash of the module bytes together with the
// engine's target tag, enabled features and the artifact format version.
// The compiler is not part of the key: every backend produces code with
// identical behavior, so any entry serves any engine with the same tag.
package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/artifact"
	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/metrics"
)

const ext = ".wasmobj"

// Key identifies a cache entry.
type Key uint64

func (k Key) String() string { return fmt.Sprintf("%016x", uint64(k)) }

// KeyFor computes the key of module when compiled by e.
func KeyFor(e *engine.Engine, module []byte) Key {
	h := xxhash.New()
	h.Write(module)
	var tail [6]byte
	binary.LittleEndian.PutUint32(tail[:4], e.Features().Bits())
	binary.LittleEndian.PutUint16(tail[4:], artifact.FormatVersion)
	h.Write(tail[:])
	h.WriteString(e.Target().Tag())
	return Key(h.Sum64())
}

// Cache is a directory of serialized artifacts. It is safe for concurrent
// use, including by several processes sharing the directory.
type Cache struct {
	dir string
}

// DefaultDir returns the per-user cache directory.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Load("locate user cache directory", err)
	}
	return filepath.Join(base, "wasm-engine"), nil
}

// New opens the cache in dir, creating it if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Load("create cache directory", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) path(k Key) string {
	return filepath.Join(c.dir, k.String()+ext)
}

// Load returns the cached artifact for module, or false on a miss. Entries
// that no longer deserialize are removed and reported as misses.
func (c *Cache) Load(e *engine.Engine, module []byte) (*artifact.Artifact, bool, error) {
	k := KeyFor(e, module)
	data, err := os.ReadFile(c.path(k))
	if err != nil {
		if os.IsNotExist(err) {
			metrics.ObserveCacheLookup(false)
			return nil, false, nil
		}
		return nil, false, errors.Load("read cache entry "+k.String(), err)
	}
	art, err := e.Deserialize(data)
	if err != nil {
		if !errors.IsDeserialize(err) {
			return nil, false, err
		}
		Logger().Warn("dropping unusable cache entry", zap.Stringer("key", k), zap.Error(err))
		if rmErr := os.Remove(c.path(k)); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, false, errors.Load("remove cache entry "+k.String(), rmErr)
		}
		metrics.ObserveCacheLookup(false)
		return nil, false, nil
	}
	metrics.ObserveCacheLookup(true)
	Logger().Debug("cache hit", zap.Stringer("key", k))
	return art, true, nil
}

// Store writes art as the entry for module. The write is atomic.
func (c *Cache) Store(e *engine.Engine, module []byte, art *artifact.Artifact) error {
	k := KeyFor(e, module)
	data, err := art.Serialize()
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(c.path(k), data, 0o644); err != nil {
		return errors.Load("write cache entry "+k.String(), err)
	}
	Logger().Debug("cache store", zap.Stringer("key", k), zap.Int("bytes", len(data)))
	return nil
}

// Compile returns the cached artifact for module or compiles and caches it.
// A failed cache write is logged and does not fail the compile.
func (c *Cache) Compile(ctx context.Context, e *engine.Engine, module []byte) (*artifact.Artifact, error) {
	art, ok, err := c.Load(e, module)
	if err != nil {
		return nil, err
	}
	if ok {
		return art, nil
	}
	art, err = e.Compile(ctx, module)
	if err != nil {
		return nil, err
	}
	if err := c.Store(e, module, art); err != nil {
		Logger().Warn("cache store failed", zap.Error(err))
	}
	return art, nil
}

// Len returns the number of entries.
func (c *Cache) Len() (int, error) {
	entries, err := c.entries()
	return len(entries), err
}

// Clear removes every entry. Other files in the directory are left alone.
func (c *Cache) Clear() error {
	entries, err := c.entries()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range entries {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Load("clear cache", errors.Join(errs...))
	}
	Logger().Debug("cache cleared", zap.Int("entries", len(entries)))
	return nil
}

func (c *Cache) entries() ([]string, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Load("list cache directory", err)
	}
	var out []string
	for _, de := range dirEntries {
		if !de.IsDir() && strings.HasSuffix(de.Name(), ext) {
			out = append(out, de.Name())
		}
	}
	return out, nil
}
