// Envelope wraps a finished journal file in an optional outer container —
// zstd compression plus an HMAC-SHA256 trailer — for archival and transfer,
// grounded on pkg/recorder/compression.go's zstd wrapping and the integrity
// half of pkg/recorder/security.go's EnableIntegrityCheck option. Unlike
// that package's per-event framing, this operates once over the sealed file
// as a whole: the inner wire format Writer/Reader speak is unchanged by it.
package journal

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
)

// EnvelopeMagic tags a wrapped file so Unwrap can refuse a bare journal
// passed to it by mistake.
const EnvelopeMagic = "HIEN"

// hmacSize is the trailer length for HMAC-SHA256.
const hmacSize = sha256.Size

// Wrap compresses the journal at srcPath with zstd and appends an
// HMAC-SHA256 trailer keyed by integrityKey (nil disables the trailer,
// writing zero bytes in its place so Unwrap can still find the layout),
// writing the result to dstPath.
func Wrap(srcPath, dstPath string, integrityKey []byte) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return &hinderr.JournalOpen{Path: srcPath, Err: err}
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return &hinderr.JournalOpen{Path: dstPath, Err: err}
	}
	defer dst.Close()

	var mac hash.Hash
	h := io.Writer(dst)
	if integrityKey != nil {
		mac = hmac.New(sha256.New, integrityKey)
		h = io.MultiWriter(dst, mac)
	}

	if _, err := h.Write([]byte(EnvelopeMagic)); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(h)
	if err != nil {
		return fmt.Errorf("journal: zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("journal: compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("journal: compress: %w", err)
	}

	trailer := make([]byte, hmacSize)
	if mac != nil {
		copy(trailer, mac.Sum(nil))
	}
	if _, err := dst.Write(trailer); err != nil {
		return err
	}
	return nil
}

// Unwrap reverses Wrap: it verifies the HMAC trailer (when integrityKey is
// non-nil) over the whole compressed body before decompressing, so a
// tampered or truncated envelope is rejected before any bytes reach the
// inner journal reader.
func Unwrap(srcPath, dstPath string, integrityKey []byte) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return &hinderr.JournalOpen{Path: srcPath, Err: err}
	}
	if len(raw) < len(EnvelopeMagic)+hmacSize {
		return &hinderr.JournalCorrupt{Reason: "envelope shorter than header+trailer"}
	}
	if string(raw[:len(EnvelopeMagic)]) != EnvelopeMagic {
		return &hinderr.JournalCorrupt{Reason: "bad envelope magic"}
	}

	body := raw[len(EnvelopeMagic) : len(raw)-hmacSize]
	trailer := raw[len(raw)-hmacSize:]

	if integrityKey != nil {
		mac := hmac.New(sha256.New, integrityKey)
		mac.Write([]byte(EnvelopeMagic))
		mac.Write(body)
		want := mac.Sum(nil)
		if !hmac.Equal(want, trailer) {
			return &hinderr.JournalCorrupt{Reason: "envelope integrity check failed"}
		}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("journal: zstd reader: %w", err)
	}
	defer dec.Close()

	plain, err := dec.DecodeAll(body, nil)
	if err != nil {
		return &hinderr.JournalCorrupt{Reason: fmt.Sprintf("decompress: %v", err)}
	}

	return os.WriteFile(dstPath, plain, 0o644)
}
