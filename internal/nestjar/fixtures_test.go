package nestjar

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
)

// weirdName exercises non-ASCII characters and reserved punctuation.
const weirdName = "æøå😱 %&;*+`\"\\-weird"

var fixtureTime = time.Date(2024, 5, 6, 7, 8, 10, 0, time.UTC)

type fixtureEntry struct {
	name   string
	data   []byte
	method Method
}

type fixtureOptions struct {
	zip64    bool // force 64-bit extra fields and end records
	streamed bool // write sizes and CRC in trailing data descriptors
	comment  string
}

// buildZip writes a zip archive byte by byte so tests control the 64-bit
// extension and data-descriptor layout independently.
func buildZip(t testing.TB, entries []fixtureEntry, opts fixtureOptions) []byte {
	t.Helper()

	type written struct {
		fixtureEntry
		payload []byte
		crc     uint32
		flags   uint16
		offset  uint64
	}

	var out bytes.Buffer
	le := func(v any) {
		require.NoError(t, binary.Write(&out, binary.LittleEndian, v))
	}
	dosDate := uint16((fixtureTime.Year()-1980)<<9 | int(fixtureTime.Month())<<5 | fixtureTime.Day())
	dosTime := uint16(fixtureTime.Hour()<<11 | fixtureTime.Minute()<<5 | fixtureTime.Second()/2)

	var all []written
	for _, e := range entries {
		w := written{fixtureEntry: e, payload: e.data, crc: crc32.ChecksumIEEE(e.data), flags: 0x800}
		if e.method == Deflated {
			w.payload = deflateBytes(t, e.data)
		}
		streamed := opts.streamed && len(e.name) > 0 && e.name[len(e.name)-1] != '/'
		if streamed {
			w.flags |= flagDataDescriptor
		}
		w.offset = uint64(out.Len())

		var extra []byte
		if opts.zip64 {
			extra = make([]byte, 20)
			binary.LittleEndian.PutUint16(extra[0:], zip64ExtraID)
			binary.LittleEndian.PutUint16(extra[2:], 16)
			if !streamed {
				binary.LittleEndian.PutUint64(extra[4:], uint64(len(e.data)))
				binary.LittleEndian.PutUint64(extra[12:], uint64(len(w.payload)))
			}
		}

		le(uint32(fileHeaderSignature))
		le(uint16(45))
		le(w.flags)
		le(uint16(e.method))
		le(dosTime)
		le(dosDate)
		switch {
		case opts.zip64:
			if streamed {
				le(uint32(0))
			} else {
				le(w.crc)
			}
			le(uint32(math.MaxUint32))
			le(uint32(math.MaxUint32))
		case streamed:
			le(uint32(0))
			le(uint32(0))
			le(uint32(0))
		default:
			le(w.crc)
			le(uint32(len(w.payload)))
			le(uint32(len(e.data)))
		}
		le(uint16(len(e.name)))
		le(uint16(len(extra)))
		out.WriteString(e.name)
		out.Write(extra)
		out.Write(w.payload)

		if streamed {
			le(uint32(0x08074b50))
			le(w.crc)
			if opts.zip64 {
				le(uint64(len(w.payload)))
				le(uint64(len(e.data)))
			} else {
				le(uint32(len(w.payload)))
				le(uint32(len(e.data)))
			}
		}
		all = append(all, w)
	}

	dirOffset := uint64(out.Len())
	for _, w := range all {
		var extra []byte
		if opts.zip64 {
			extra = make([]byte, 28)
			binary.LittleEndian.PutUint16(extra[0:], zip64ExtraID)
			binary.LittleEndian.PutUint16(extra[2:], 24)
			binary.LittleEndian.PutUint64(extra[4:], uint64(len(w.data)))
			binary.LittleEndian.PutUint64(extra[12:], uint64(len(w.payload)))
			binary.LittleEndian.PutUint64(extra[20:], w.offset)
		}
		external := uint32(0)
		if w.name[len(w.name)-1] == '/' {
			external = 0x10
		}

		le(uint32(directoryHeaderSignature))
		le(uint16(45))
		le(uint16(45))
		le(w.flags)
		le(uint16(w.method))
		le(dosTime)
		le(dosDate)
		le(w.crc)
		if opts.zip64 {
			le(uint32(math.MaxUint32))
			le(uint32(math.MaxUint32))
		} else {
			le(uint32(len(w.payload)))
			le(uint32(len(w.data)))
		}
		le(uint16(len(w.name)))
		le(uint16(len(extra)))
		le(uint16(0)) // comment
		le(uint16(0)) // disk
		le(uint16(0)) // internal attributes
		le(external)
		if opts.zip64 {
			le(uint32(math.MaxUint32))
		} else {
			le(uint32(w.offset))
		}
		out.WriteString(w.name)
		out.Write(extra)
	}
	dirSize := uint64(out.Len()) - dirOffset

	if opts.zip64 {
		end64Offset := uint64(out.Len())
		le(uint32(directory64EndSignature))
		le(uint64(directory64EndLen - 12))
		le(uint16(45))
		le(uint16(45))
		le(uint32(0))
		le(uint32(0))
		le(uint64(len(all)))
		le(uint64(len(all)))
		le(dirSize)
		le(dirOffset)

		le(uint32(directory64LocSignature))
		le(uint32(0))
		le(end64Offset)
		le(uint32(1))

		le(uint32(directoryEndSignature))
		le(uint16(0))
		le(uint16(0))
		le(uint16(math.MaxUint16))
		le(uint16(math.MaxUint16))
		le(uint32(math.MaxUint32))
		le(uint32(math.MaxUint32))
	} else {
		le(uint32(directoryEndSignature))
		le(uint16(0))
		le(uint16(0))
		le(uint16(len(all)))
		le(uint16(len(all)))
		le(uint32(dirSize))
		le(uint32(dirOffset))
	}
	le(uint16(len(opts.comment)))
	out.WriteString(opts.comment)

	return out.Bytes()
}

func deflateBytes(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	return buf.Bytes()
}

func writeFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// bundleSpec describes a root archive holding one nested archive, mirroring the
// layouts real build tools produce.
type bundleSpec struct {
	name             string // suffix for entry and archive names
	innerMethod      Method // method of entries inside the nested archive
	streamed         bool
	zip64            bool
	nestedCompressed bool
}

func (s bundleSpec) nestedName() string { return "lib-" + s.name + ".jar" }
func (s bundleSpec) entryName() string  { return "entry-" + s.name + ".txt" }

// innerBytes returns the nested archive's bytes.
func (s bundleSpec) innerBytes(t testing.TB) []byte {
	t.Helper()
	return buildZip(t, []fixtureEntry{
		{name: "META-INF/", method: Stored},
		{name: "META-INF/MANIFEST.MF", data: []byte("Manifest-Version: 1.0\r\n\r\n"), method: s.innerMethod},
		{name: "dir-entry/", method: Stored},
		{name: s.entryName(), data: []byte(s.name + "\n"), method: s.innerMethod},
		{name: "data.txt", data: []byte("hello"), method: s.innerMethod},
		{name: "big.bin", data: bytes.Repeat([]byte("nested archive payload "), 4096), method: s.innerMethod},
	}, fixtureOptions{zip64: s.zip64, streamed: s.streamed})
}

// writeBundle writes the root archive into dir and returns its path.
func (s bundleSpec) writeBundle(t testing.TB, dir string) string {
	t.Helper()
	nestedMethod := Stored
	if s.nestedCompressed {
		nestedMethod = Deflated
	}
	root := buildZip(t, []fixtureEntry{
		{name: "META-INF/", method: Stored},
		{name: "readme.txt", data: []byte("not an archive"), method: Deflated},
		{name: s.nestedName(), data: s.innerBytes(t), method: nestedMethod},
	}, fixtureOptions{zip64: s.zip64, streamed: s.streamed})
	return writeFile(t, dir, "bundle-"+s.name+".jar", root)
}

func openFile(t testing.TB, path string) *os.File {
	t.Helper()
	f, err := os.Open(path) //nolint:gosec // test fixture path
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}
