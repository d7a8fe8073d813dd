// Package locktoken isolates the one pure wire-format quirk in the whole
// client: the broker's renew-lock request wants a peculiar byte
// reordering of the 16-byte delivery tag, documented in spec.md §3
// ("Lock token") and §9 (DESIGN NOTES, "UUID byte-reorder for lock
// tokens"). Kept in its own well-named function with an exhaustive test
// table, as instructed there — never inlined into the management client.
package locktoken

import (
	"errors"
	"fmt"
)

// reorderIndex is the canonical-to-wire byte permutation the broker
// requires for a renew-lock request: bytes [3,2,1,0, 5,4, 7,6, 8,9,
// 10,11,12,13,14,15] of the canonical (big-endian, RFC 4122 string order)
// token. This is a hard-coded broker compatibility requirement, not a
// general UUID operation. The wire order differs from the canonical order,
// but the table only swaps bytes within the first three groups, so
// applying it twice gives back the original order.
var reorderIndex = [16]int{3, 2, 1, 0, 5, 4, 7, 6, 8, 9, 10, 11, 12, 13, 14, 15}

// FromDeliveryTag formats a 16-byte AMQP deliveryTag as a canonical UUID
// string (the client-visible LockToken).
func FromDeliveryTag(tag []byte) (string, error) {
	if len(tag) != 16 {
		return "", fmt.Errorf("locktoken: delivery tag must be 16 bytes, got %d", len(tag))
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", tag[0:4], tag[4:6], tag[6:8], tag[8:10], tag[10:16]), nil
}

// ToBytes parses a canonical UUID string back into its 16 raw bytes, the
// inverse of FromDeliveryTag.
func ToBytes(token string) ([16]byte, error) {
	var out [16]byte
	var a, e uint64
	var b, c, d uint32
	// Canonical form: 8-4-4-4-12 hex digits separated by hyphens.
	n, err := fmt.Sscanf(token, "%8x-%4x-%4x-%4x-%12x", &a, &b, &c, &d, &e)
	if err != nil || n != 5 {
		return out, fmt.Errorf("locktoken: malformed token %q: %w", token, errInvalidFormat(err))
	}
	out[0], out[1], out[2], out[3] = byte(a>>24), byte(a>>16), byte(a>>8), byte(a)
	out[4], out[5] = byte(b>>8), byte(b)
	out[6], out[7] = byte(c>>8), byte(c)
	out[8], out[9] = byte(d>>8), byte(d)
	for i := 0; i < 6; i++ {
		shift := uint((5 - i) * 8)
		out[10+i] = byte(e >> shift)
	}
	return out, nil
}

func errInvalidFormat(cause error) error {
	if cause != nil {
		return cause
	}
	return errors.New("wrong number of fields")
}

// Reorder applies the broker's renew-lock byte permutation to a canonical
// 16-byte token, returning the wire-order bytes to embed in the
// "lock-tokens" array of a renew-lock request body.
func Reorder(canonical [16]byte) [16]byte {
	var out [16]byte
	for wireIdx, srcIdx := range reorderIndex {
		out[wireIdx] = canonical[srcIdx]
	}
	return out
}

// ReorderString is a convenience wrapper composing ToBytes and Reorder
// for a canonical UUID string lock token.
func ReorderString(token string) ([16]byte, error) {
	b, err := ToBytes(token)
	if err != nil {
		return [16]byte{}, err
	}
	return Reorder(b), nil
}
