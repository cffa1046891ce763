// Package hashutil provides the canonical, key-order-invariant hashing used
// for execution idempotency keys and audit event input/output hashes.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// HashObject serializes v with map keys sorted lexicographically at every
// object level, preserving array order, and returns the hex SHA-256 of the
// resulting bytes. Two values that differ only in key order hash equal.
func HashObject(v any) string {
	canon := canonicalize(v)
	b, err := json.Marshal(canon)
	if err != nil {
		// v is always built from JSON-compatible scalars, maps and slices
		// by the callers in this repository; a marshal failure here means
		// a caller passed something that cannot be made canonical.
		panic(fmt.Sprintf("hashutil: cannot canonicalize value: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize normalizes arbitrary Go values (including structs, via a
// round trip through JSON) into maps/slices/scalars with deterministic
// encoding/json map key ordering.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		// Structs, pointers, and other composite types: round-trip through
		// JSON so they decode into the map/slice/scalar shapes above, then
		// canonicalize those. encoding/json already sorts map[string]any
		// keys on Marshal, so this recursive pass mainly matters for
		// nested structs decoded into maps here.
		b, err := json.Marshal(t)
		if err != nil {
			panic(fmt.Sprintf("hashutil: cannot canonicalize value: %v", err))
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			panic(fmt.Sprintf("hashutil: cannot canonicalize value: %v", err))
		}
		if m, ok := generic.(map[string]any); ok {
			return canonicalize(m)
		}
		if s, ok := generic.([]any); ok {
			return canonicalize(s)
		}
		return generic
	}
}
