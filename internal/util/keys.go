package util

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// ChunkID returns a short deterministic fingerprint of a set of canonical keys.
// Member order does not matter.
func ChunkID(prefix string, keys []string) string {
	s := make([]string, len(keys))
	copy(s, keys)
	sort.Strings(s)
	sum := sha256.Sum256([]byte(strings.Join(s, ",")))
	return fmt.Sprintf("%s:%x", prefix, sum)[:len(prefix)+1+16] // prefix + ":" + first 16 hex chars
}

// Chunks splits s into consecutive slices of at most size elements.
func Chunks[T any](s []T, size int) [][]T {
	if size <= 0 || len(s) <= size {
		if len(s) == 0 {
			return nil
		}
		return [][]T{s}
	}
	out := make([][]T, 0, (len(s)+size-1)/size)
	for start := 0; start < len(s); start += size {
		end := min(start+size, len(s))
		out = append(out, s[start:end:end])
	}
	return out
}
