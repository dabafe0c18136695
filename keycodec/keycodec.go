// Package keycodec canonicalizes record keys into strings used for map lookups,
// request dedup and storage keys.
//
// A Codec must be pure and injective over the key space in use: two keys map to
// the same cache entry iff their canonical strings are byte-equal.
package keycodec

import (
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// Codec turns a key into its canonical string form.
type Codec[K any] interface {
	Canonical(K) string
}

// Func adapts a plain function to Codec.
type Func[K any] func(K) string

func (f Func[K]) Canonical(k K) string { return f(k) }

// String is the identity codec for string keys.
type String struct{}

func (String) Canonical(k string) string { return k }

// Bytes encodes []byte keys as lowercase hex.
type Bytes struct{}

func (Bytes) Canonical(k []byte) string { return hex.EncodeToString(k) }

// PublicKey is a 32-byte account address.
type PublicKey [32]byte

func (p PublicKey) String() string { return base58.Encode(p[:]) }

// Base58 encodes 32-byte account keys in their base58 text form,
// which is how most ledgers print account addresses.
type Base58 struct{}

func (Base58) Canonical(k PublicKey) string { return base58.Encode(k[:]) }

// ParsePublicKey decodes the base58 text form of a 32-byte key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("keycodec: decode %q: %w", s, err)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("keycodec: decode %q: want %d bytes, got %d", s, len(pk), len(b))
	}
	copy(pk[:], b)
	return pk, nil
}
