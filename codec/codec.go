// Package codec converts record values to and from bytes.
//
// The cache uses a Codec[V] to store values in a byte provider and to detect
// whether a refetched value actually changed. Bulk readers that receive raw
// bytes from the remote API use the same interface to decode them.
package codec

// Codec encodes/decodes values V to []byte.
// Encode must be deterministic for equal values, otherwise unchanged records
// are reported as updated.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
