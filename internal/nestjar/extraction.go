package nestjar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"
)

var errArchiveClosed = fmt.Errorf("%w: nested archive closed", ErrIO)

const maxPreallocation = 64 << 20

// extractedArchive serves a compressed nested archive. Nothing is read until the
// first Open, Entries or Entry call, which inflates the whole nested archive into
// memory (or a spill file above spillThreshold) and indexes that buffer. A failed
// extraction is not remembered; the next call tries again.
type extractedArchive struct {
	key    string
	root   string
	nested *NestedArchive
	src    io.ReaderAt

	spillThreshold int64
	spillDir       string
	loadSem        *semaphore.Weighted
	cache          *EntryContentCache
	metrics        *Metrics
	logger         *slog.Logger
	onExtract      func(root, nested string)

	mu     sync.Mutex
	closed bool
	state  atomic.Pointer[extractedState]
}

type extractedState struct {
	r       archiveRange
	entries *EntryTable
	spill   *os.File // nil when held in memory
}

func (a *extractedArchive) Kind() Kind                   { return KindExtracted }
func (a *extractedArchive) Name() string                 { return a.nested.Name }
func (a *extractedArchive) Descriptor() *EntryDescriptor { return a.nested.Descriptor }
func (a *extractedArchive) Extracted() bool              { return a.state.Load() != nil }

func (a *extractedArchive) Open(name string) (io.ReadCloser, error) {
	s, err := a.load()
	if err != nil {
		return nil, err
	}
	d, err := lookupEntry(s.entries, a.nested.Name, name)
	if err != nil {
		return nil, err
	}
	return s.r.openEntry(d, a.cache, a.key)
}

func (a *extractedArchive) Entries() ([]string, error) {
	s, err := a.load()
	if err != nil {
		return nil, err
	}
	return s.entries.Names(), nil
}

func (a *extractedArchive) Entry(name string) (*EntryDescriptor, error) {
	s, err := a.load()
	if err != nil {
		return nil, err
	}
	return lookupEntry(s.entries, a.nested.Name, name)
}

// Close releases the extraction buffer and removes any spill file.
func (a *extractedArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	s := a.state.Swap(nil)
	if s == nil || s.spill == nil {
		return nil
	}
	err := s.spill.Close()
	if rmErr := os.Remove(s.spill.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	//nolint:wrapcheck // close/remove errors of a private temp file carry their own path
	return err
}

func (a *extractedArchive) load() (*extractedState, error) {
	if s := a.state.Load(); s != nil {
		return s, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.state.Load(); s != nil {
		return s, nil
	}
	if a.closed {
		return nil, errArchiveClosed
	}

	if err := a.loadSem.Acquire(context.Background(), 1); err != nil {
		return nil, fmt.Errorf("acquire load semaphore: %w", err)
	}
	s, err := a.extract()
	a.loadSem.Release(1)

	a.metrics.ObserveExtraction(int64(a.nested.Descriptor.UncompressedSize), err) //nolint:gosec // bounded in extract
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("Nested archive extraction failed", "root", a.root, "nested", a.nested.Name, "error", err)
		}
		return nil, err
	}

	a.state.Store(s)
	if a.logger != nil {
		a.logger.Debug("Extracted nested archive",
			"root", a.root,
			"nested", a.nested.Name,
			"size", humanize.IBytes(a.nested.Descriptor.UncompressedSize),
			"spilled", s.spill != nil,
			"entries", s.entries.Len(),
		)
	}
	if a.onExtract != nil {
		a.onExtract(a.root, a.nested.Name)
	}
	return s, nil
}

func (a *extractedArchive) extract() (*extractedState, error) {
	d := a.nested.Descriptor
	if d.Method != Deflated {
		return nil, formatErrorf("nested archive %q: unsupported compression %s", a.nested.Name, d.Method)
	}
	if d.UncompressedSize > math.MaxInt64 {
		return nil, formatErrorf("nested archive %q: size %d overflows", a.nested.Name, d.UncompressedSize)
	}
	size := int64(d.UncompressedSize)

	section := io.NewSectionReader(a.src, a.nested.DataOffset, int64(d.CompressedSize)) //nolint:gosec // bounded by the root scan
	rc := &checksumReader{r: newInflater(section), desc: d, hash: crc32.NewIEEE()}
	defer func() { _ = rc.Close() }()

	var (
		src   io.ReaderAt
		spill *os.File
	)
	if a.spillThreshold > 0 && size > a.spillThreshold {
		f, err := os.CreateTemp(a.spillDir, "nestjar-*.spill")
		if err != nil {
			return nil, ioError("create spill file", err)
		}
		if _, err := io.Copy(f, rc); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, extractError(a.nested.Name, err)
		}
		src, spill = f, f
	} else {
		// The declared size is untrusted until the checksum passes.
		buf := bytes.NewBuffer(make([]byte, 0, min(size, maxPreallocation)))
		if _, err := buf.ReadFrom(rc); err != nil {
			return nil, extractError(a.nested.Name, err)
		}
		src = bytes.NewReader(buf.Bytes())
	}

	entries, err := ReadDirectory(src, 0, size)
	if err != nil {
		if spill != nil {
			_ = spill.Close()
			_ = os.Remove(spill.Name())
		}
		return nil, fmt.Errorf("nested archive %q: %w", a.nested.Name, err)
	}
	return &extractedState{
		r:       archiveRange{src: src, base: 0, size: size},
		entries: entries,
		spill:   spill,
	}, nil
}

func extractError(name string, err error) error {
	if errors.Is(err, ErrFormat) || errors.Is(err, ErrIO) {
		return fmt.Errorf("extract nested archive %q: %w", name, err)
	}
	return ioError("extract nested archive "+name, err)
}

var _ Archive = (*extractedArchive)(nil)
