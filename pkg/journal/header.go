package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unicode/utf16"

	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
)

// Magic identifies a hindsight binary journal, grounded on
// _examples/original_source/hindsight/JournalFile.{hpp,cpp}'s file header.
const Magic = "HIND"

// HeaderFixedSize is the byte length of the header's fixed-width fields, per
// spec.md §6.1's explicit field list:
//
//	char[4]  magic
//	u32      version
//	u32      process_id
//	u32      thread_id
//	u64      path_length
//	u64      workdir_length
//	u64      arg_count
//	i64      start_time
//	u32      crc32
//
// which sums to 52, not the "56" spec.md's prose states elsewhere; this
// package follows the field list, the unambiguous wire contract (see
// DESIGN.md).
const HeaderFixedSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4

const crc32FieldOffset = HeaderFixedSize - 4

// EncodeVersion packs a (major, minor, revision, build) tuple the way
// spec.md §6.1 describes: "(major<<24)|(minor<<16)|(rev<<8)|build".
func EncodeVersion(major, minor, revision, build uint8) uint32 {
	return uint32(major)<<24 | uint32(minor)<<16 | uint32(revision)<<8 | uint32(build)
}

// CurrentVersion is the version this package writes and expects to read.
var CurrentVersion = EncodeVersion(1, 0, 0, 0)

// VersionCompatible reports whether a journal written with have can be read
// by a reader built for want, per spec.md §6.3's "upper 16 bits (major,
// minor) must match exactly; the lower 16 bits (revision, build) are
// informational".
func VersionCompatible(have, want uint32) bool {
	return have>>16 == want>>16
}

// Header is the launch metadata JournalWriter seals at the front of every
// journal file.
type Header struct {
	Version   uint32
	ProcessID uint32
	ThreadID  uint32
	ImagePath string
	WorkDir   string
	Args      []string
	StartTime time.Time
}

// fixedFields is the decoded form of the header's 52-byte fixed portion,
// before the variable-length tail (path/workdir/argv) has been read.
type fixedFields struct {
	Version       uint32
	ProcessID     uint32
	ThreadID      uint32
	PathLength    uint64
	WorkdirLength uint64
	ArgCount      uint64
	StartTime     int64
	CRC32         uint32
}

// encodeFixed renders h's 52-byte fixed portion with crc in the crc32 field.
// The writer passes zero when it first writes the header and the
// accumulated CRC when it patches the header on close; the reader's CRC
// pass treats this field as zero while accumulating, matching the general
// "crc32 excludes itself" rule spec.md states for every sealed record.
func encodeFixed(h Header, crc uint32) []byte {
	buf := make([]byte, HeaderFixedSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.ProcessID)
	binary.LittleEndian.PutUint32(buf[12:16], h.ThreadID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(utf16.Encode([]rune(h.ImagePath)))))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(len(utf16.Encode([]rune(h.WorkDir)))))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(len(h.Args)))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.StartTime.Unix()))
	binary.LittleEndian.PutUint32(buf[48:52], crc)
	return buf
}

// encodeVariable renders the path/workdir/argv tail that immediately follows
// the fixed header, per spec.md §6.1: "the image path (UTF-16LE,
// path_length code units); the working directory; then arg_count argv
// entries, each a u32 byte-length followed by that many UTF-8 bytes."
func encodeVariable(h Header) []byte {
	var buf []byte
	buf = append(buf, encodeUTF16LE(h.ImagePath)...)
	buf = append(buf, encodeUTF16LE(h.WorkDir)...)
	for _, arg := range h.Args {
		b := []byte(arg)
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(b)))
		buf = append(buf, lenBuf...)
		buf = append(buf, b...)
	}
	return buf
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:2*i+2], u)
	}
	return buf
}

func decodeUTF16LE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i : 2*i+2])
	}
	return string(utf16.Decode(units))
}

// decodeFixed parses the header's fixed 52 bytes, per encodeFixed's layout.
func decodeFixed(b []byte) (fixedFields, error) {
	if len(b) != HeaderFixedSize {
		return fixedFields{}, fmt.Errorf("journal header: want %d bytes, got %d", HeaderFixedSize, len(b))
	}
	if string(b[0:4]) != Magic {
		return fixedFields{}, &hinderr.JournalCorrupt{Reason: fmt.Sprintf("bad magic %q", b[0:4])}
	}
	return fixedFields{
		Version:       binary.LittleEndian.Uint32(b[4:8]),
		ProcessID:     binary.LittleEndian.Uint32(b[8:12]),
		ThreadID:      binary.LittleEndian.Uint32(b[12:16]),
		PathLength:    binary.LittleEndian.Uint64(b[16:24]),
		WorkdirLength: binary.LittleEndian.Uint64(b[24:32]),
		ArgCount:      binary.LittleEndian.Uint64(b[32:40]),
		StartTime:     int64(binary.LittleEndian.Uint64(b[40:48])),
		CRC32:         binary.LittleEndian.Uint32(b[48:52]),
	}, nil
}

// readVariable reads the path/workdir/argv tail following ff's fixed header,
// per encodeVariable's layout.
func readVariable(r io.Reader, ff fixedFields) (imagePath, workDir string, args []string, err error) {
	pathBuf := make([]byte, ff.PathLength*2)
	if _, err = io.ReadFull(r, pathBuf); err != nil {
		return "", "", nil, err
	}
	imagePath = decodeUTF16LE(pathBuf)

	workBuf := make([]byte, ff.WorkdirLength*2)
	if _, err = io.ReadFull(r, workBuf); err != nil {
		return "", "", nil, err
	}
	workDir = decodeUTF16LE(workBuf)

	args = make([]string, 0, ff.ArgCount)
	lenBuf := make([]byte, 4)
	for i := uint64(0); i < ff.ArgCount; i++ {
		if _, err = io.ReadFull(r, lenBuf); err != nil {
			return "", "", nil, err
		}
		n := binary.LittleEndian.Uint32(lenBuf)
		argBuf := make([]byte, n)
		if _, err = io.ReadFull(r, argBuf); err != nil {
			return "", "", nil, err
		}
		args = append(args, string(argBuf))
	}
	return imagePath, workDir, args, nil
}
