// Package contentaddr derives the content hash used to deduplicate
// inspection images. The hash is a BLAKE3 keyed digest over the raw image
// bytes, so identical uploads always map to the same record regardless of
// file name, lot hint, or submitter.
package contentaddr

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [Size]byte

// imageDomainKey separates image hashes from any other BLAKE3 use. Changing
// it invalidates every stored content hash.
var imageDomainKey = [32]byte{
	'm', 'e', 'd', 't', 'r', 'a', 'c', 'e', '.', 'v', 'e', 'r', 'i', 'f', 'i', 'c',
	'a', 't', 'i', 'o', 'n', '.', 'i', 'm', 'a', 'g', 'e', 0, 0, 0, 0, 0,
}

func newHasher() *blake3.Hasher {
	// NewKeyed only fails for a key that is not 32 bytes.
	h, err := blake3.NewKeyed(imageDomainKey[:])
	if err != nil {
		panic("contentaddr: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// Sum hashes data.
func Sum(data []byte) Hash {
	h := newHasher()
	_, _ = h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SumReader hashes everything read from r and returns the byte count.
func SumReader(r io.Reader) (Hash, int64, error) {
	h := newHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("contentaddr: read: %w", err)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, n, nil
}

// String returns the lowercase hex form stored on records.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// Of returns the hex content hash of data.
func Of(data []byte) string { return Sum(data).String() }

// Parse decodes a 64-character hex hash.
func Parse(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("contentaddr: parse hash: %w", err)
	}
	if len(decoded) != Size {
		return h, fmt.Errorf("contentaddr: hash is %d bytes, want %d", len(decoded), Size)
	}
	copy(h[:], decoded)
	return h, nil
}
