// Package identity derives the two values that anchor a node in the SKIP+
// overlay: a 64-bit id (the total-order position) and rs, a fixed-length
// random bit string (the vertical position).
package identity

import (
	"crypto/rand"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// DefaultBitLength is L, the length of rs in bits. It must be a multiple
// of 8 for wire-format reasons (§6) and identical across the network.
const DefaultBitLength = 16

// NodeID derives a node's 64-bit id from "host:port" by hashing the string
// with a 64-bit non-cryptographic hash. The original implementation used
// Python's salted built-in hash() for this, which is unstable across
// process restarts (PYTHONHASHSEED); xxhash gives the same deterministic,
// well-distributed 64-bit value the algorithm actually needs.
func NodeID(host string, port int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s:%d", host, port))
}

// KeyHash derives a DHT key's 64-bit hash using the same hash family as
// NodeID, so ids and key hashes live in the same space.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// UnitInterval projects a 64-bit id onto [0, 1), the space search()
// reasons about when comparing a key's position to a node's position
// (spec.md §4.4).
func UnitInterval(id uint64) float64 {
	return float64(id) / float64(math.MaxUint64)
}

// RandomString is a node's rs: an independent, uniformly-random bit
// string of fixed length. It is unrelated to id — nothing in the
// algorithm ties the two together.
type RandomString struct {
	bits *bitset.BitSet
	len  uint
}

// New generates a fresh RandomString of the given bit length using a CSPRNG.
// length must be a multiple of 8.
func New(length uint) (RandomString, error) {
	if length == 0 || length%8 != 0 {
		return RandomString{}, fmt.Errorf("identity: bit length %d must be a positive multiple of 8", length)
	}
	buf := make([]byte, length/8)
	if _, err := rand.Read(buf); err != nil {
		return RandomString{}, fmt.Errorf("identity: generate random bits: %w", err)
	}
	return FromBytes(buf, length), nil
}

// FromBytes reconstructs a RandomString from its raw wire encoding: the
// first length bits of buf, most significant bit of buf[0] first.
func FromBytes(buf []byte, length uint) RandomString {
	bs := bitset.New(length)
	for i := uint(0); i < length; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if byteIdx < uint(len(buf)) && buf[byteIdx]&(1<<bitIdx) != 0 {
			bs.Set(i)
		}
	}
	return RandomString{bits: bs, len: length}
}

// Bytes returns the raw wire encoding: ceil(Len()/8) bytes, most
// significant bit of the first byte first.
func (r RandomString) Bytes() []byte {
	out := make([]byte, (r.len+7)/8)
	for i := uint(0); i < r.len; i++ {
		if r.bits != nil && r.bits.Test(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}

// Len returns the bit length L.
func (r RandomString) Len() uint {
	return r.len
}

// Bit returns the value of bit i (0-indexed from the most significant bit).
func (r RandomString) Bit(i uint) bool {
	if r.bits == nil || i >= r.len {
		return false
	}
	return r.bits.Test(i)
}

// Prefix returns the first i bits of r as a new, shorter RandomString.
// Prefix(0) is the empty string.
func (r RandomString) Prefix(i uint) RandomString {
	if i > r.len {
		i = r.len
	}
	bs := bitset.New(i)
	for b := uint(0); b < i; b++ {
		if r.Bit(b) {
			bs.Set(b)
		}
	}
	return RandomString{bits: bs, len: i}
}

// Append returns prefix(i, r) with bit x concatenated, i.e. i+1 bits total.
func (r RandomString) Append(i uint, x bool) RandomString {
	pre := r.Prefix(i)
	bs := bitset.New(i + 1)
	for b := uint(0); b < i; b++ {
		if pre.Bit(b) {
			bs.Set(b)
		}
	}
	if x {
		bs.Set(i)
	}
	return RandomString{bits: bs, len: i + 1}
}

// Equal reports whether two (possibly differently-lengthed) bit strings
// have the same length and the same bits.
func (r RandomString) Equal(o RandomString) bool {
	if r.len != o.len {
		return false
	}
	for i := uint(0); i < r.len; i++ {
		if r.Bit(i) != o.Bit(i) {
			return false
		}
	}
	return true
}

// CommonPrefixLength returns the number of leading bits r and o share.
func CommonPrefixLength(r, o RandomString) uint {
	max := r.len
	if o.len < max {
		max = o.len
	}
	i := uint(0)
	for i < max && r.Bit(i) == o.Bit(i) {
		i++
	}
	return i
}

func (r RandomString) String() string {
	out := make([]byte, r.len)
	for i := uint(0); i < r.len; i++ {
		if r.Bit(i) {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}
