package nestjar

import (
	"bytes"
	"errors"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
)

// archiveRange is an archive occupying src[base, base+size).
type archiveRange struct {
	src  io.ReaderAt
	base int64
	size int64
}

// openEntry opens the payload of d, which was parsed from r. Deflated payloads are
// served from cache when one is given and the entry fits its budget.
func (r archiveRange) openEntry(d *EntryDescriptor, cache *EntryContentCache, cacheKey string) (io.ReadCloser, error) {
	if d.IsDir() {
		return emptyEntry{}, nil
	}

	start, err := entryDataOffset(r.src, r.base, r.size, d)
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(r.src, start, int64(d.CompressedSize)) //nolint:gosec // bounded by entryDataOffset

	switch d.Method {
	case Stored:
		if d.CompressedSize != d.UncompressedSize {
			return nil, formatErrorf("stored entry %q: compressed size %d != size %d", d.Name, d.CompressedSize, d.UncompressedSize)
		}
		return &storedEntry{SectionReader: section, desc: d, hash: crc32.NewIEEE(), verify: true}, nil

	case Deflated:
		if data, ok := cache.Get(cacheKey, d.Name); ok {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		rc := &checksumReader{r: newInflater(section), desc: d, hash: crc32.NewIEEE()}
		if !cache.Fits(d.UncompressedSize) {
			return rc, nil
		}
		data, readErr := io.ReadAll(rc)
		_ = rc.Close()
		if readErr != nil {
			return nil, readErr
		}
		cache.Put(cacheKey, d.Name, data)
		return io.NopCloser(bytes.NewReader(data)), nil

	default:
		return nil, formatErrorf("entry %q: unsupported compression %s", d.Name, d.Method)
	}
}

// storedEntry serves an uncompressed entry straight from its byte range. It
// supports Seek and ReadAt; the checksum is verified only for an unbroken
// sequential read.
type storedEntry struct {
	*io.SectionReader
	desc   *EntryDescriptor
	hash   hash.Hash32
	verify bool
}

func (s *storedEntry) Read(p []byte) (int, error) {
	n, err := s.SectionReader.Read(p)
	if s.verify {
		_, _ = s.hash.Write(p[:n]) // hash.Write never returns an error
		if errors.Is(err, io.EOF) && s.hash.Sum32() != s.desc.CRC32 {
			return n, formatErrorf("entry %q: checksum mismatch", s.desc.Name)
		}
	}
	//nolint:wrapcheck // io.Reader.Read is a low-level interface method, pass-through
	return n, err
}

func (s *storedEntry) Seek(offset int64, whence int) (int64, error) {
	s.verify = false
	//nolint:wrapcheck // io.Seeker.Seek is a low-level interface method, pass-through
	return s.SectionReader.Seek(offset, whence)
}

func (s *storedEntry) Close() error { return nil }

// checksumReader verifies size and CRC-32 of an inflated entry at EOF.
type checksumReader struct {
	r    io.ReadCloser
	desc *EntryDescriptor
	hash hash.Hash32
	n    uint64
	err  error
}

func (c *checksumReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.r.Read(p)
	c.n += uint64(n) //nolint:gosec // n >= 0
	_, _ = c.hash.Write(p[:n])
	switch {
	case err == nil:
		if c.n > c.desc.UncompressedSize {
			err = formatErrorf("entry %q: inflates past its size %d", c.desc.Name, c.desc.UncompressedSize)
		}
	case errors.Is(err, io.EOF):
		if c.n != c.desc.UncompressedSize {
			err = formatErrorf("entry %q: inflated %d bytes, want %d", c.desc.Name, c.n, c.desc.UncompressedSize)
		} else if c.hash.Sum32() != c.desc.CRC32 {
			err = formatErrorf("entry %q: checksum mismatch", c.desc.Name)
		}
	default:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			err = ioError("read entry "+c.desc.Name, err)
		} else {
			err = formatErrorf("entry %q: %w", c.desc.Name, err)
		}
	}
	c.err = err
	return n, err
}

func (c *checksumReader) Close() error {
	//nolint:wrapcheck // io.Closer.Close is a low-level interface method, pass-through
	return c.r.Close()
}

// emptyEntry is returned for directory markers; it never yields bytes.
type emptyEntry struct{}

func (emptyEntry) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyEntry) Close() error             { return nil }

var (
	_ io.ReadCloser = (*storedEntry)(nil)
	_ io.ReadSeeker = (*storedEntry)(nil)
	_ io.ReaderAt   = (*storedEntry)(nil)
	_ io.ReadCloser = (*checksumReader)(nil)
	_ io.ReadCloser = emptyEntry{}
)
