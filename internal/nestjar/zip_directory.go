package nestjar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	directory64LocSignature  = 0x07064b50
	directory64EndSignature  = 0x06064b50

	fileHeaderLen      = 30
	directoryHeaderLen = 46
	directoryEndLen    = 22
	directory64LocLen  = 20
	directory64EndLen  = 56

	maxCommentLen = math.MaxUint16

	zip64ExtraID        = 0x0001
	extTimeExtraID      = 0x5455
	flagDataDescriptor  = 0x0008
	directoryReadBuffer = 64 << 10
)

// Method is a per-entry compression method.
type Method uint16

const (
	Stored   Method = 0
	Deflated Method = 8
)

func (m Method) String() string {
	switch m {
	case Stored:
		return "stored"
	case Deflated:
		return "deflated"
	default:
		return "method(" + strconv.Itoa(int(m)) + ")"
	}
}

// EntryDescriptor is the central-directory view of one entry. HeaderOffset is
// relative to the start of the byte stream the descriptor was parsed from.
type EntryDescriptor struct {
	Name             string
	Method           Method
	Flags            uint16
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	HeaderOffset     uint64
	Zip64            bool
	Modified         time.Time
}

// IsDir reports whether the entry is a directory marker.
func (d *EntryDescriptor) IsDir() bool {
	return strings.HasSuffix(d.Name, "/")
}

// Streamed reports whether sizes and CRC were written after the data.
func (d *EntryDescriptor) Streamed() bool {
	return d.Flags&flagDataDescriptor != 0
}

// EntryTable is an immutable, discovery-ordered index of one archive's entries.
type EntryTable struct {
	names   []string
	entries map[string]*EntryDescriptor
}

func newEntryTable(capacity int) *EntryTable {
	return &EntryTable{
		names:   make([]string, 0, capacity),
		entries: make(map[string]*EntryDescriptor, capacity),
	}
}

func (t *EntryTable) add(d *EntryDescriptor) {
	if _, dup := t.entries[d.Name]; !dup {
		t.names = append(t.names, d.Name)
	}
	// Later duplicates win, as with most archive readers.
	t.entries[d.Name] = d
}

// Lookup returns the descriptor for name, or nil. A name without a trailing slash
// also finds the matching directory marker.
func (t *EntryTable) Lookup(name string) *EntryDescriptor {
	if t == nil {
		return nil
	}
	if d, ok := t.entries[name]; ok {
		return d
	}
	if name != "" && !strings.HasSuffix(name, "/") {
		return t.entries[name+"/"]
	}
	return nil
}

// Names returns entry names in discovery order.
func (t *EntryTable) Names() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of distinct entry names.
func (t *EntryTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// NestedArchive is one archive-suffixed entry of a root archive.
type NestedArchive struct {
	Name       string
	Descriptor *EntryDescriptor

	// DataOffset is the root-relative offset of the nested archive's first byte.
	DataOffset int64

	// Entries is the nested archive's own directory. It is nil for compressed
	// nested archives, whose interior is opaque until extraction.
	Entries *EntryTable
}

// Compressed reports whether the nested archive must be extracted before use.
func (n *NestedArchive) Compressed() bool {
	return n.Descriptor.Method != Stored
}

// RootDirectory is the scan result for one root archive.
type RootDirectory struct {
	Size    int64
	Entries *EntryTable

	nested map[string]*NestedArchive
	order  []string
}

// Nested returns the nested archive with the given name, or nil.
func (r *RootDirectory) Nested(name string) *NestedArchive {
	if r == nil {
		return nil
	}
	return r.nested[name]
}

// NestedNames returns nested archive names in discovery order.
func (r *RootDirectory) NestedNames() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ScanRoot parses the root archive's directory and, for every entry ending in
// suffix, the nested archive's own directory when it is stored.
func ScanRoot(src io.ReaderAt, size int64, suffix string) (*RootDirectory, error) {
	entries, err := ReadDirectory(src, 0, size)
	if err != nil {
		return nil, err
	}

	dir := &RootDirectory{
		Size:    size,
		Entries: entries,
		nested:  make(map[string]*NestedArchive),
	}
	for _, name := range entries.names {
		d := entries.entries[name]
		if d.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		dataOffset, err := entryDataOffset(src, 0, size, d)
		if err != nil {
			return nil, err
		}
		n := &NestedArchive{Name: name, Descriptor: d, DataOffset: dataOffset}
		if d.Method == Stored {
			n.Entries, err = ReadDirectory(src, dataOffset, int64(d.CompressedSize)) //nolint:gosec // bounded by entryDataOffset
			if err != nil {
				return nil, fmt.Errorf("nested archive %q: %w", name, err)
			}
		}
		dir.nested[name] = n
		dir.order = append(dir.order, name)
	}
	return dir, nil
}

// ReadDirectory parses the central directory of the archive occupying
// [base, base+size) of src. Descriptor offsets are relative to base.
func ReadDirectory(src io.ReaderAt, base, size int64) (*EntryTable, error) {
	if size < directoryEndLen {
		return nil, formatErrorf("archive of %d bytes is too small", size)
	}
	if base < 0 || base > math.MaxInt64-size {
		return nil, formatErrorf("archive range overflows")
	}

	end, err := readDirectoryEnd(src, base, size)
	if err != nil {
		return nil, err
	}
	if end.offset > uint64(size) || end.size > uint64(size)-end.offset { //nolint:gosec // size > 0
		return nil, formatErrorf("central directory [%d,+%d) outside archive of %d bytes", end.offset, end.size, size)
	}

	capacity := end.records
	if capacity > uint64(end.size/directoryHeaderLen) {
		capacity = end.size / directoryHeaderLen
	}
	table := newEntryTable(int(capacity)) //nolint:gosec // bounded by directory size

	sr := io.NewSectionReader(src, base+int64(end.offset), int64(end.size)) //nolint:gosec // checked above
	br := bufio.NewReaderSize(sr, directoryReadBuffer)
	var hdr [directoryHeaderLen]byte
	for i := uint64(0); i < end.records; i++ {
		d, err := readDirectoryHeader(br, hdr[:])
		if err != nil {
			return nil, fmt.Errorf("central directory record %d: %w", i, err)
		}
		if d.HeaderOffset > uint64(size) || d.CompressedSize > uint64(size)-d.HeaderOffset { //nolint:gosec // size > 0
			return nil, formatErrorf("entry %q [%d,+%d) outside archive of %d bytes", d.Name, d.HeaderOffset, d.CompressedSize, size)
		}
		table.add(d)
	}
	return table, nil
}

type directoryEnd struct {
	records uint64
	size    uint64
	offset  uint64
}

func readDirectoryEnd(src io.ReaderAt, base, size int64) (directoryEnd, error) {
	window := int64(directoryEndLen + maxCommentLen)
	if window > size {
		window = size
	}
	buf := make([]byte, window)
	if _, err := src.ReadAt(buf, base+size-window); err != nil && !errors.Is(err, io.EOF) {
		return directoryEnd{}, ioError("read directory end", err)
	}

	p := findDirectoryEnd(buf)
	if p < 0 {
		return directoryEnd{}, formatErrorf("end of central directory signature not found")
	}
	endOffset := size - window + int64(p)

	b := readBuf(buf[p+4:])
	b.uint16() // disk number
	b.uint16() // disk with central directory
	b.uint16() // records on this disk
	end := directoryEnd{
		records: uint64(b.uint16()),
		size:    uint64(b.uint32()),
		offset:  uint64(b.uint32()),
	}

	if end.records != math.MaxUint16 && end.size != math.MaxUint32 && end.offset != math.MaxUint32 {
		return end, nil
	}
	end64, found, err := readDirectory64End(src, base, endOffset)
	if err != nil {
		return directoryEnd{}, err
	}
	if found {
		return end64, nil
	}
	// A field may hold its maximum as a real value, e.g. exactly 65535 entries.
	// Without a locator the legacy values must still describe this archive.
	if end.offset > uint64(endOffset) || end.size > uint64(endOffset)-end.offset { //nolint:gosec // endOffset >= 0
		return directoryEnd{}, formatErrorf("saturated directory end without 64-bit locator")
	}
	return end, nil
}

// findDirectoryEnd returns the position of the last end record in buf whose comment
// length accounts exactly for the bytes that follow it.
func findDirectoryEnd(buf []byte) int {
	for i := len(buf) - directoryEndLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) != directoryEndSignature {
			continue
		}
		n := int(binary.LittleEndian.Uint16(buf[i+directoryEndLen-2:]))
		if i+directoryEndLen+n == len(buf) {
			return i
		}
	}
	return -1
}

// readDirectory64End reads the 64-bit end record through its locator. It reports
// found=false when no locator precedes the end record.
func readDirectory64End(src io.ReaderAt, base, endOffset int64) (end directoryEnd, found bool, err error) {
	locOffset := endOffset - directory64LocLen
	if locOffset < 0 {
		return directoryEnd{}, false, nil
	}
	var loc [directory64LocLen]byte
	if _, err := src.ReadAt(loc[:], base+locOffset); err != nil {
		return directoryEnd{}, false, ioError("read 64-bit locator", err)
	}
	b := readBuf(loc[:])
	if sig := b.uint32(); sig != directory64LocSignature {
		return directoryEnd{}, false, nil
	}
	b.uint32() // disk with 64-bit end record
	recOffset := b.uint64()
	if recOffset > uint64(locOffset) || uint64(locOffset)-recOffset < directory64EndLen { //nolint:gosec // locOffset >= 0
		return directoryEnd{}, false, formatErrorf("64-bit end record offset %d out of range", recOffset)
	}

	var rec [directory64EndLen]byte
	if _, err := src.ReadAt(rec[:], base+int64(recOffset)); err != nil { //nolint:gosec // checked above
		return directoryEnd{}, false, ioError("read 64-bit end record", err)
	}
	b = readBuf(rec[:])
	if sig := b.uint32(); sig != directory64EndSignature {
		return directoryEnd{}, false, formatErrorf("bad 64-bit end record signature %#x", sig)
	}
	b.uint64() // record size
	b.uint16() // version made by
	b.uint16() // version needed
	b.uint32() // disk number
	b.uint32() // disk with central directory
	b.uint64() // records on this disk
	return directoryEnd{
		records: b.uint64(),
		size:    b.uint64(),
		offset:  b.uint64(),
	}, true, nil
}

func readDirectoryHeader(r io.Reader, hdr []byte) (*EntryDescriptor, error) {
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, truncated(err)
	}
	b := readBuf(hdr)
	if sig := b.uint32(); sig != directoryHeaderSignature {
		return nil, formatErrorf("bad directory header signature %#x", sig)
	}
	b.uint16() // version made by
	b.uint16() // version needed
	d := &EntryDescriptor{}
	d.Flags = b.uint16()
	d.Method = Method(b.uint16())
	modTime := b.uint16()
	modDate := b.uint16()
	d.CRC32 = b.uint32()
	csize := b.uint32()
	usize := b.uint32()
	nameLen := int(b.uint16())
	extraLen := int(b.uint16())
	commentLen := int(b.uint16())
	b.uint16() // disk number start
	b.uint16() // internal attributes
	b.uint32() // external attributes
	offset := b.uint32()

	d.CompressedSize = uint64(csize)
	d.UncompressedSize = uint64(usize)
	d.HeaderOffset = uint64(offset)

	variable := make([]byte, nameLen+extraLen+commentLen)
	if _, err := io.ReadFull(r, variable); err != nil {
		return nil, truncated(err)
	}
	d.Name = string(variable[:nameLen])
	d.Modified = msDosTime(modDate, modTime)

	needUSize := usize == math.MaxUint32
	needCSize := csize == math.MaxUint32
	needOffset := offset == math.MaxUint32

	extra := readBuf(variable[nameLen : nameLen+extraLen])
	for len(extra) >= 4 {
		id := extra.uint16()
		n := int(extra.uint16())
		if n > len(extra) {
			return nil, formatErrorf("entry %q: extra field %#x overruns record", d.Name, id)
		}
		field := extra.sub(n)
		switch id {
		case zip64ExtraID:
			d.Zip64 = true
			if needUSize {
				if len(field) < 8 {
					return nil, formatErrorf("entry %q: short 64-bit extra field", d.Name)
				}
				needUSize = false
				d.UncompressedSize = field.uint64()
			}
			if needCSize {
				if len(field) < 8 {
					return nil, formatErrorf("entry %q: short 64-bit extra field", d.Name)
				}
				needCSize = false
				d.CompressedSize = field.uint64()
			}
			if needOffset {
				if len(field) < 8 {
					return nil, formatErrorf("entry %q: short 64-bit extra field", d.Name)
				}
				needOffset = false
				d.HeaderOffset = field.uint64()
			}
		case extTimeExtraID:
			if len(field) < 5 || field.uint8()&1 == 0 {
				continue
			}
			d.Modified = time.Unix(int64(field.uint32()), 0).UTC()
		}
	}
	if needUSize || needCSize || needOffset {
		return nil, formatErrorf("entry %q: saturated field without 64-bit extra", d.Name)
	}
	return d, nil
}

// entryDataOffset returns the absolute offset in src of the entry's first data byte,
// given an archive occupying [base, base+size).
func entryDataOffset(src io.ReaderAt, base, size int64, d *EntryDescriptor) (int64, error) {
	if d.HeaderOffset > uint64(size) || uint64(size)-d.HeaderOffset < fileHeaderLen { //nolint:gosec // size > 0
		return 0, formatErrorf("entry %q: local header offset %d out of range", d.Name, d.HeaderOffset)
	}
	var hdr [fileHeaderLen]byte
	if _, err := src.ReadAt(hdr[:], base+int64(d.HeaderOffset)); err != nil { //nolint:gosec // checked above
		return 0, ioError("read local header", err)
	}
	b := readBuf(hdr[:])
	if sig := b.uint32(); sig != fileHeaderSignature {
		return 0, formatErrorf("entry %q: bad local header signature %#x", d.Name, sig)
	}
	b = readBuf(hdr[26:])
	nameLen := uint64(b.uint16())
	extraLen := uint64(b.uint16())

	start := d.HeaderOffset + fileHeaderLen + nameLen + extraLen
	if start > uint64(size) || d.CompressedSize > uint64(size)-start { //nolint:gosec // size > 0
		return 0, formatErrorf("entry %q: data [%d,+%d) outside archive of %d bytes", d.Name, start, d.CompressedSize, size)
	}
	return base + int64(start), nil //nolint:gosec // start <= size
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return formatErrorf("truncated record")
	}
	return ioError("read directory", err)
}

// msDosTime converts an MS-DOS date and time into a time.Time in UTC.
func msDosTime(dosDate, dosTime uint16) time.Time {
	if dosDate == 0 && dosTime == 0 {
		return time.Time{}
	}
	return time.Date(
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0,
		time.UTC,
	)
}

type readBuf []byte

func (b *readBuf) uint8() uint8 {
	v := (*b)[0]
	*b = (*b)[1:]
	return v
}

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) sub(n int) readBuf {
	b2 := (*b)[:n]
	*b = (*b)[n:]
	return b2
}
