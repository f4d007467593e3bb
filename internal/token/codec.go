// Package token generates and validates proximity-tag payloads.
package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Prefix marks a payload as one of ours.
const Prefix = "TAGFENCE"

const sep = "-"

// Codec encodes and decodes tag payloads of the form
// TAGFENCE-<unix-millis>-<4-digit-random>.
type Codec struct {
	now func() time.Time
}

// NewCodec creates a codec using the wall clock.
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// NewCodecWithClock creates a codec with a custom clock (for testing).
func NewCodecWithClock(now func() time.Time) *Codec {
	return &Codec{now: now}
}

// Generate produces a fresh payload. Timestamp plus a bounded random suffix
// keeps it practically collision-free for interactive use; it is not meant
// to be unguessable.
func (c *Codec) Generate() string {
	return fmt.Sprintf("%s%s%d%s%04d", Prefix, sep, c.now().UnixMilli(), sep, randomSuffix())
}

// IsPlausible reports whether payload looks like a payload we issued.
//
// This is a format check only: any payload carrying the prefix
// authenticates, regardless of whether it appears in the tag registry.
// Earlier revisions matched scanned payloads against issued tokens
// exactly; whether the relaxation to a prefix check was intentional is
// unresolved, so the current observable behavior is preserved as-is.
func (c *Codec) IsPlausible(payload string) bool {
	return strings.HasPrefix(payload, Prefix)
}

// DecodeParts splits a payload into its prefix, timestamp and random
// components. Rejoining the parts with "-" reproduces the input exactly.
func (c *Codec) DecodeParts(payload string) (prefix, timestamp, random string, err error) {
	parts := strings.SplitN(payload, sep, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed payload %q: want 3 parts, got %d", payload, len(parts))
	}
	if parts[0] != Prefix {
		return "", "", "", fmt.Errorf("malformed payload %q: unknown prefix %q", payload, parts[0])
	}
	if _, convErr := strconv.ParseInt(parts[1], 10, 64); convErr != nil {
		return "", "", "", fmt.Errorf("malformed payload %q: bad timestamp: %w", payload, convErr)
	}
	return parts[0], parts[1], parts[2], nil
}

// randomSuffix returns a value in [0, 10000).
func randomSuffix() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// crypto/rand failure is effectively unreachable; degrade to a
		// clock-derived suffix rather than panicking.
		return time.Now().UnixNano() % 10000
	}
	return n.Int64()
}
