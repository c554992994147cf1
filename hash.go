package gallerycache

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 content digest in bytes (256 bits).
const HashSize = 32

// KeySize is the size of a cache file name digest in bytes (128 bits).
const KeySize = 16

// ErrDigestMismatch is returned by a verifying reader whose content does not
// hash to the recorded digest.
var ErrDigestMismatch = errors.New("content digest mismatch")

// Hash represents a BLAKE3 256-bit digest of stored page bytes.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether no digest was recorded.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// KeyFunc maps a cache key to a file-system safe name.
type KeyFunc func(key string) string

// DiskKey maps an arbitrary cache key to a 32 character lowercase hex name
// made from the first 128 bits of its BLAKE3 digest.
func DiskKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:KeySize])
}

// FallbackDiskKey maps a cache key to a 32 character hex name using two
// seeded xxhash digests. Collision resistance is weaker than DiskKey.
func FallbackDiskKey(key string) string {
	var buf [KeySize]byte
	binary.BigEndian.PutUint64(buf[:8], xxhash.Sum64String(key))

	d := xxhash.New()
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(key)
	binary.BigEndian.PutUint64(buf[8:], d.Sum64())
	return hex.EncodeToString(buf[:])
}

// KeyFuncByName returns the key function called name: "blake3" (DiskKey,
// also for an empty name) or "xxhash" (FallbackDiskKey). Switching an
// existing cache to another key function orphans its entries until they are
// evicted.
func KeyFuncByName(name string) (KeyFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "blake3":
		return DiskKey, nil
	case "xxhash":
		return FallbackDiskKey, nil
	default:
		return nil, fmt.Errorf("unknown disk key function %q", name)
	}
}

// HashingWriter wraps a writer and computes the hash as data is written.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewHashingWriter creates a writer that computes a hash as data is written.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: blake3.New(),
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	var hash Hash
	hw.h.Sum(hash[:0])
	return hash
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}

// VerifyingReader hashes everything read through it and replaces io.EOF with
// ErrDigestMismatch when the content does not match the expected digest.
type VerifyingReader struct {
	r    io.Reader
	h    *blake3.Hasher
	want Hash
}

// NewVerifyingReader returns a reader that checks r against want at EOF.
func NewVerifyingReader(r io.Reader, want Hash) *VerifyingReader {
	return &VerifyingReader{r: r, h: blake3.New(), want: want}
}

// Read implements io.Reader.
func (vr *VerifyingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		_, _ = vr.h.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		var got Hash
		vr.h.Sum(got[:0])
		if got != vr.want {
			return n, fmt.Errorf("%w: got %s", ErrDigestMismatch, got.String()[:16])
		}
	}
	return n, err
}
