package nestjar

import (
	"fmt"
	"io"
)

// Kind identifies which access strategy serves a nested archive.
type Kind int

const (
	// KindDirect serves entries of a stored nested archive by range reads
	// against the root archive.
	KindDirect Kind = iota + 1
	// KindExtracted serves entries of a compressed nested archive from a private
	// buffer filled by inflating the whole nested archive once.
	KindExtracted
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindExtracted:
		return "extracted"
	default:
		return "unknown"
	}
}

// Archive is the uniform read surface over one nested archive. Implementations
// are safe for concurrent use.
type Archive interface {
	Kind() Kind

	// Name is the nested archive's name inside its root archive.
	Name() string

	// Descriptor describes the nested archive as an entry of its root archive.
	Descriptor() *EntryDescriptor

	// Open returns the bytes of the named entry. Directory markers yield an
	// empty reader. Unknown names fail with ErrNotFound.
	Open(name string) (io.ReadCloser, error)

	// Entries lists entry names, directory markers included, in archive order.
	Entries() ([]string, error)

	// Entry returns the descriptor of the named entry.
	Entry(name string) (*EntryDescriptor, error)

	// Extracted reports whether the nested archive has been inflated into a
	// private buffer. It is always false for KindDirect.
	Extracted() bool

	Close() error
}

// directArchive serves a stored nested archive straight out of the root archive's
// bytes. Entry offsets are relative to the nested archive, so every read adds the
// nested archive's own root-relative DataOffset.
type directArchive struct {
	key    string
	nested *NestedArchive
	r      archiveRange
	cache  *EntryContentCache
}

func newDirectArchive(key string, src io.ReaderAt, n *NestedArchive, cache *EntryContentCache) (*directArchive, error) {
	if n.Descriptor.Method != Stored {
		return nil, formatErrorf("nested archive %q is %s, direct access requires stored", n.Name, n.Descriptor.Method)
	}
	if n.Entries == nil {
		return nil, formatErrorf("nested archive %q was not indexed", n.Name)
	}
	return &directArchive{
		key:    key,
		nested: n,
		r: archiveRange{
			src:  src,
			base: n.DataOffset,
			size: int64(n.Descriptor.CompressedSize), //nolint:gosec // bounded by the root scan
		},
		cache: cache,
	}, nil
}

func (a *directArchive) Kind() Kind                   { return KindDirect }
func (a *directArchive) Name() string                 { return a.nested.Name }
func (a *directArchive) Descriptor() *EntryDescriptor { return a.nested.Descriptor }
func (a *directArchive) Extracted() bool              { return false }
func (a *directArchive) Close() error                 { return nil }

func (a *directArchive) Open(name string) (io.ReadCloser, error) {
	d, err := a.Entry(name)
	if err != nil {
		return nil, err
	}
	return a.r.openEntry(d, a.cache, a.key)
}

func (a *directArchive) Entries() ([]string, error) {
	return a.nested.Entries.Names(), nil
}

func (a *directArchive) Entry(name string) (*EntryDescriptor, error) {
	return lookupEntry(a.nested.Entries, a.nested.Name, name)
}

func lookupEntry(t *EntryTable, archive, name string) (*EntryDescriptor, error) {
	d := t.Lookup(name)
	if d == nil {
		return nil, fmt.Errorf("%w: entry %q in %q", ErrNotFound, name, archive)
	}
	return d, nil
}

var _ Archive = (*directArchive)(nil)
