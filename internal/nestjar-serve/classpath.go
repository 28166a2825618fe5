package nestjarserve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nestjar-serve/internal/nestjar"
)

const manifestName = "META-INF/MANIFEST.MF"

// ClassPathSnapshot is an immutable view of the expanded class path.
type ClassPathSnapshot struct {
	// Elements is the expanded class path in order: every configured element
	// followed by the nested archives found inside it.
	Elements []string

	// Roots are the expanded root archives keyed by base name.
	Roots map[string]ClassPathRoot

	// Order lists root base names in class path order.
	Order []string

	Skipped []SkippedElement
}

// ClassPathRoot is one root archive whose nested archives were expanded.
type ClassPathRoot struct {
	Name   string
	Path   string
	Forced bool

	// Nested holds one address per nested archive, in archive order. Entry is empty.
	Nested []nestjar.Address

	// Directory is the scan result the nested list was taken from.
	Directory *nestjar.RootDirectory
}

// SkippedElement is a class path element that is listed but not expanded.
type SkippedElement struct {
	Path   string
	Reason string
}

// ClassPath expands configured class path elements into nested archive addresses.
//
// The request hot path MUST consult the in-memory snapshot and MUST NOT rescan disk.
// Refreshes only ever add what previously failed; roots already scanned are served
// from the engine's caches.
type ClassPath struct {
	cfg     Config
	engine  *nestjar.Engine
	logger  *slog.Logger
	metrics *Metrics

	snap atomic.Value // stores ClassPathSnapshot

	// refreshMu serializes refreshes so a slow one never overlaps the next tick.
	refreshMu sync.Mutex
}

// NewClassPath expands the configured class path once. Unreadable or malformed
// elements are logged and skipped; only a base-name collision between two root
// archives is fatal.
func NewClassPath(cfg Config, engine *nestjar.Engine, logger *slog.Logger, metrics *Metrics) (*ClassPath, error) {
	cp := &ClassPath{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
	}

	if logger != nil {
		logger.Debug("Expanding class path", "elements", len(cfg.ClassPath), "forced_elements", len(cfg.ForceClassPath))
	}
	snap, err := buildClassPathSnapshot(cfg, engine, logger)
	if err != nil {
		return nil, err
	}
	cp.snap.Store(snap)
	cp.updateResourceMetrics(snap)

	return cp, nil
}

// Start refreshes the snapshot every ClassPathRefreshInterval until ctx is done.
// A zero interval disables refreshing.
func (cp *ClassPath) Start(ctx context.Context) {
	if cp == nil || cp.cfg.ClassPathRefreshInterval <= 0 {
		return
	}

	t := time.NewTicker(cp.cfg.ClassPathRefreshInterval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				cp.refreshOnce()
			}
		}
	}()
}

// Snapshot returns the current snapshot.
func (cp *ClassPath) Snapshot() ClassPathSnapshot {
	if cp == nil {
		return ClassPathSnapshot{Roots: make(map[string]ClassPathRoot)}
	}
	val := cp.snap.Load()
	if val == nil {
		return ClassPathSnapshot{Roots: make(map[string]ClassPathRoot)}
	}
	snap, ok := val.(ClassPathSnapshot)
	if !ok {
		panic("class path: invalid type in atomic.Value")
	}
	return snap
}

// LookupRoot returns the expanded root archive with the given base name.
func (cp *ClassPath) LookupRoot(name string) (ClassPathRoot, bool) {
	root, ok := cp.Snapshot().Roots[name]
	return root, ok
}

func (cp *ClassPath) refreshOnce() {
	cp.refreshMu.Lock()
	defer cp.refreshMu.Unlock()

	snap, err := buildClassPathSnapshot(cp.cfg, cp.engine, cp.logger)
	if err != nil {
		cp.metrics.IncClassPathRefreshFailures()
		if cp.logger != nil {
			cp.logger.Error("Class path refresh failed", "error", err)
		}
		return
	}
	cp.snap.Store(snap)
	cp.updateResourceMetrics(snap)
}

func (cp *ClassPath) updateResourceMetrics(snap ClassPathSnapshot) {
	if cp.metrics == nil {
		return
	}
	nested := 0
	for _, r := range snap.Roots {
		nested += len(r.Nested)
	}
	cp.metrics.SetClassPath(len(snap.Roots), nested, len(snap.Skipped))
}

func buildClassPathSnapshot(cfg Config, engine *nestjar.Engine, logger *slog.Logger) (ClassPathSnapshot, error) {
	snap := ClassPathSnapshot{Roots: make(map[string]ClassPathRoot)}

	expand := func(elems []string, force bool) error {
		for _, elem := range elems {
			root, listed, err := expandElement(elem, cfg.ArchiveSuffix, force, engine)
			snap.Elements = append(snap.Elements, listed...)
			if err != nil {
				snap.Skipped = append(snap.Skipped, SkippedElement{Path: elem, Reason: err.Error()})
				if logger != nil {
					logger.Warn("Unable to process class path element", "element", elem, "error", err)
				}
				continue
			}
			if root == nil {
				continue
			}
			if prev, ok := snap.Roots[root.Name]; ok {
				if prev.Path == root.Path {
					if logger != nil {
						logger.Debug("Class path element already expanded", "element", elem)
					}
					continue
				}
				return fmt.Errorf("class path root collision for %q: %q and %q", root.Name, prev.Path, root.Path)
			}
			snap.Roots[root.Name] = *root
			snap.Order = append(snap.Order, root.Name)
			if logger != nil {
				logger.Debug("Expanded class path element", "element", elem, "nested_archives", len(root.Nested), "forced", force)
			}
		}
		return nil
	}

	if err := expand(cfg.ClassPath, false); err != nil {
		return ClassPathSnapshot{}, err
	}
	if err := expand(cfg.ForceClassPath, true); err != nil {
		return ClassPathSnapshot{}, err
	}
	return snap, nil
}

// errAgentArchive marks a root archive whose manifest declares an agent.
var errAgentArchive = errors.New("manifest declares Premain-Class; add it to NESTJAR_FORCE_CLASS_PATH to expand")

// expandElement lists one class path element and, for a suffixed regular file,
// its nested archives. It returns a nil root for elements that are not expanded.
// listed always carries the element itself, even when err is non-nil.
func expandElement(elem, suffix string, force bool, engine *nestjar.Engine) (root *ClassPathRoot, listed []string, err error) {
	path, err := filepath.Abs(elem)
	if err != nil {
		return nil, []string{elem}, fmt.Errorf("resolve path: %w", err)
	}
	listed = []string{"file:" + path}

	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() || !strings.HasSuffix(fi.Name(), suffix) {
		return nil, listed, nil //nolint:nilerr // missing and non-archive elements are listed as-is
	}

	dir, err := engine.ScanRoot(path)
	if err != nil {
		return nil, listed, err
	}

	if !force {
		agent, err := hasPremainClass(engine, path)
		if err != nil {
			return nil, listed, err
		}
		if agent {
			return nil, listed, errAgentArchive
		}
	}

	root = &ClassPathRoot{Name: filepath.Base(path), Path: path, Forced: force, Directory: dir}
	for _, name := range dir.NestedNames() {
		addr, err := nestjar.NewAddress(path, name, "")
		if err != nil {
			return nil, listed, err
		}
		root.Nested = append(root.Nested, addr)
		listed = append(listed, addr.ArchiveURL())
	}
	return root, listed, nil
}

// hasPremainClass reports whether the archive's manifest main section carries a
// Premain-Class attribute. The manifest is read through the engine's cached scan.
func hasPremainClass(engine *nestjar.Engine, path string) (bool, error) {
	f, err := engine.OpenRootEntry(path, manifestName)
	if err != nil {
		if errors.Is(err, nestjar.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	return manifestMainAttribute(f, "Premain-Class")
}

// manifestMainAttribute scans the main section of a manifest (up to the first
// blank line) for a header. Continuation lines start with a single space.
func manifestMainAttribute(r io.Reader, name string) (bool, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, " ") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) && strings.TrimSpace(value) != "" {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	return false, nil
}
