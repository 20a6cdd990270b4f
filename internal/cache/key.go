// Package cache stores finished artifacts on local disk, addressed by a key
// derived from the source asset and the quality tier.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Key identifies an artifact. Its textual form is "<tier>/<hex digest>".
type Key string

// KeyFor derives the artifact key for asset at tier. The result depends only
// on its inputs.
func KeyFor(asset, tier string) Key {
	sum := sha256.Sum256([]byte(asset))
	return Key(tier + "/" + hex.EncodeToString(sum[:]))
}

// Tier returns the tier component of the key.
func (k Key) Tier() string {
	tier, _, _ := strings.Cut(string(k), "/")
	return tier
}

func (k Key) String() string { return string(k) }

// Validate checks that k has the shape produced by KeyFor.
func (k Key) Validate() error {
	tier, digest, ok := strings.Cut(string(k), "/")
	if !ok || tier == "" || digest == "" {
		return errors.New("cache: malformed key")
	}
	for _, r := range tier {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return errors.New("cache: invalid tier in key")
		}
	}
	if len(digest) != sha256.Size*2 {
		return errors.New("cache: invalid digest length")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return errors.New("cache: invalid digest")
	}
	return nil
}
