package nestjar

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSuffix marks root archive entries that are nested archives.
	DefaultSuffix = ".jar"

	defaultMaxConcurrentLoads = 64

	// defaultTierShards is the number of shards per cache tier. Concurrent
	// resolutions of different keys almost always land on distinct shards.
	defaultTierShards = 64
)

// Hooks are optional instrumentation callbacks. They run synchronously on the
// goroutine that performed the work, exactly once per completed operation.
type Hooks struct {
	// OnScan runs after a root archive's directory has been scanned.
	OnScan func(root string)
	// OnStrategy runs after a nested archive's access strategy has been constructed.
	OnStrategy func(root, nested string, kind Kind)
	// OnExtract runs after a compressed nested archive has been extracted.
	OnExtract func(root, nested string)
}

// Options configures an Engine. The zero value is usable.
type Options struct {
	// Suffix selects nested archives among root entries (default ".jar").
	Suffix string

	// SpillThreshold is the uncompressed size above which an extracted nested
	// archive is buffered in a temp file under SpillDir instead of memory.
	// Zero or negative keeps every extraction in memory.
	SpillThreshold int64
	SpillDir       string

	// MaxConcurrentLoads bounds concurrent root scans and extractions (default 64).
	MaxConcurrentLoads int

	// EntryCacheMaxBytes enables an LRU cache of inflated deflated entries.
	EntryCacheMaxBytes int64

	Logger  *slog.Logger
	Metrics *Metrics
	Hooks   Hooks
}

// Engine resolves addresses to connections over nested archives.
//
// It owns three cache tiers: root path to scanned root archive, (root, nested)
// to access strategy, and address to connection. Each value is built at most once
// per key regardless of how many goroutines ask for it concurrently; failed builds
// publish nothing, so a later call retries. Cached values live until Close.
//
// An Engine is safe for concurrent use.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	cache   *EntryContentCache
	loadSem *semaphore.Weighted

	roots    *tier[*rootArchive]
	archives *tier[Archive]
	conns    *tier[*Connection]
}

// rootArchive is a scanned root archive and its open file. The file is shared by
// all Direct-Access reads; every read goes through ReadAt, so no cursor is shared.
type rootArchive struct {
	path string
	file *os.File
	dir  *RootDirectory
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) *Engine {
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if opts.MaxConcurrentLoads <= 0 {
		opts.MaxConcurrentLoads = defaultMaxConcurrentLoads
	}

	return &Engine{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cache:    NewEntryContentCache(opts.EntryCacheMaxBytes, opts.Metrics),
		loadSem:  semaphore.NewWeighted(int64(opts.MaxConcurrentLoads)),
		roots:    newTier[*rootArchive](),
		archives: newTier[Archive](),
		conns:    newTier[*Connection](),
	}
}

// Suffix returns the nested archive suffix in effect.
func (e *Engine) Suffix() string {
	return e.opts.Suffix
}

// ResolveString parses s with ParseAddress and resolves it.
func (e *Engine) ResolveString(s string) (*Connection, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return nil, err
	}
	return e.Resolve(addr)
}

// Resolve returns the connection for addr. Equal addresses always yield the same
// *Connection. The root archive is scanned on first use; the nested archive's
// strategy is constructed on first use of any address inside it.
//
// Errors: ErrAddress (including ErrNotNestedArchive) for invalid addresses,
// ErrNotFound for an unknown nested archive, ErrIO or ErrFormat for unreadable
// or malformed root archives.
func (e *Engine) Resolve(addr Address) (*Connection, error) {
	addr, err := NewAddress(addr.Root, addr.Nested, addr.Entry)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(addr.Nested, e.opts.Suffix) {
		return nil, fmt.Errorf("%w: %q lacks suffix %q", ErrNotNestedArchive, addr.Nested, e.opts.Suffix)
	}

	return e.conns.getOrBuild(addr.Key(), func() (*Connection, error) {
		archive, err := e.archive(addr)
		if err != nil {
			return nil, err
		}
		e.metrics.IncConnections()
		return &Connection{addr: addr, archive: archive}, nil
	})
}

// ScanRoot returns the directory of the root archive at path, scanning it on
// first use. Classpath expansion uses this to discover nested archive names.
func (e *Engine) ScanRoot(path string) (*RootDirectory, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: root %q is not an absolute path", ErrAddress, path)
	}
	root, err := e.root(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return root.dir, nil
}

// OpenRootEntry opens an entry stored directly in the root archive at path, such
// as its manifest. The root is scanned on first use and its cached directory is
// reused afterwards.
func (e *Engine) OpenRootEntry(path, name string) (io.ReadCloser, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: root %q is not an absolute path", ErrAddress, path)
	}
	root, err := e.root(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	d := root.dir.Entries.Lookup(name)
	if d == nil {
		return nil, fmt.Errorf("%w: entry %q in %s", ErrNotFound, name, path)
	}
	return archiveRange{src: root.file, size: root.dir.Size}.openEntry(d, nil, "")
}

// Close closes every root archive file and releases extraction buffers. The
// Engine must not be used afterwards.
func (e *Engine) Close() error {
	var errs []error
	e.archives.each(func(a Archive) {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	e.roots.each(func(r *rootArchive) {
		if err := r.file.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (e *Engine) root(path string) (*rootArchive, error) {
	return e.roots.getOrBuild(path, func() (*rootArchive, error) {
		if err := e.loadSem.Acquire(context.Background(), 1); err != nil {
			return nil, fmt.Errorf("acquire load semaphore: %w", err)
		}
		defer e.loadSem.Release(1)

		start := time.Now()
		root, err := e.scan(path)
		e.metrics.ObserveScan(time.Since(start).Seconds(), err)
		if err != nil {
			if e.logger != nil {
				e.logger.Debug("Root archive scan failed", "root", path, "error", err)
			}
			return nil, err
		}

		if e.logger != nil {
			e.logger.Debug("Scanned root archive",
				"root", path,
				"entries", root.dir.Entries.Len(),
				"nested_archives", len(root.dir.order),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
		if e.opts.Hooks.OnScan != nil {
			e.opts.Hooks.OnScan(path)
		}
		return root, nil
	})
}

func (e *Engine) scan(path string) (*rootArchive, error) {
	//nolint:gosec // G304: root paths are the archives this process was configured to load
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("open root archive", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ioError("stat root archive", err)
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: root archive %s is not a regular file", ErrIO, path)
	}

	dir, err := ScanRoot(f, fi.Size(), e.opts.Suffix)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return &rootArchive{path: path, file: f, dir: dir}, nil
}

func (e *Engine) archive(addr Address) (Archive, error) {
	return e.archives.getOrBuild(addr.archiveKey(), func() (Archive, error) {
		root, err := e.root(addr.Root)
		if err != nil {
			return nil, err
		}
		n := root.dir.Nested(addr.Nested)
		if n == nil {
			return nil, fmt.Errorf("%w: nested archive %q in %s", ErrNotFound, addr.Nested, addr.Root)
		}

		var a Archive
		if n.Compressed() {
			a = &extractedArchive{
				key:            addr.archiveKey(),
				root:           addr.Root,
				nested:         n,
				src:            root.file,
				spillThreshold: e.opts.SpillThreshold,
				spillDir:       e.opts.SpillDir,
				loadSem:        e.loadSem,
				cache:          e.cache,
				metrics:        e.metrics,
				logger:         e.logger,
				onExtract:      e.opts.Hooks.OnExtract,
			}
		} else {
			a, err = newDirectArchive(addr.archiveKey(), root.file, n, e.cache)
			if err != nil {
				return nil, err
			}
		}

		e.metrics.IncStrategy(a.Kind())
		if e.logger != nil {
			e.logger.Debug("Opened nested archive", "root", addr.Root, "nested", addr.Nested, "kind", a.Kind().String())
		}
		if e.opts.Hooks.OnStrategy != nil {
			e.opts.Hooks.OnStrategy(addr.Root, addr.Nested, a.Kind())
		}
		return a, nil
	})
}

// tier is a sharded construct-at-most-once map. Reads take only a shard read
// lock; construction runs outside any lock, deduplicated per key by singleflight.
type tier[V any] struct {
	shards []tierShard[V]
}

type tierShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
	group singleflight.Group
}

func newTier[V any]() *tier[V] {
	shards := make([]tierShard[V], defaultTierShards)
	for i := range shards {
		shards[i].items = make(map[string]V)
	}
	return &tier[V]{shards: shards}
}

// shardFor returns the shard for key using FNV-1a hashing.
func (t *tier[V]) shardFor(key string) *tierShard[V] {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key)) // fnv hash.Write never returns an error
	return &t.shards[h.Sum64()%uint64(len(t.shards))]
}

func (s *tierShard[V]) lookup(key string) (V, bool) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// getOrBuild returns the value for key, calling build at most once across all
// concurrent callers. The value is published only after build succeeds.
func (t *tier[V]) getOrBuild(key string, build func() (V, error)) (V, error) {
	shard := t.shardFor(key)
	if v, ok := shard.lookup(key); ok {
		return v, nil
	}

	val, err, _ := shard.group.Do(key, func() (interface{}, error) {
		// Re-check inside singleflight (a previous flight may have completed).
		if v, ok := shard.lookup(key); ok {
			return v, nil
		}
		v, err := build()
		if err != nil {
			return nil, err
		}
		shard.mu.Lock()
		shard.items[key] = v
		shard.mu.Unlock()
		return v, nil
	})

	var zero V
	if err != nil {
		return zero, err
	}
	v, ok := val.(V)
	if !ok {
		return zero, errors.New("nestjar: unexpected singleflight result type")
	}
	return v, nil
}

// each calls fn for every published value.
func (t *tier[V]) each(fn func(V)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		values := make([]V, 0, len(s.items))
		for _, v := range s.items {
			values = append(values, v)
		}
		s.mu.RUnlock()
		for _, v := range values {
			fn(v)
		}
	}
}
