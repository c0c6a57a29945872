// Package credential issues token secrets and derives the keyed digests that
// are stored in their place.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-secure-stdlib/base62"
)

const (
	DefaultPrefix = "enact_"
	DefaultLength = 32

	// MinLength keeps at least 128 bits of entropy in the random part
	// (22 base62 characters carry ~131 bits).
	MinLength = 22

	hintLength = 4
)

// ErrMissingSecretKey is returned when no signing key is configured. Tokens
// cannot be issued or verified without one.
var ErrMissingSecretKey = errors.New("credential: secret key is not configured")

// Codec generates secrets and maps them to digests with HMAC-SHA256 under a
// process-wide key. It holds no mutable state and is safe for concurrent use.
type Codec struct {
	key    []byte
	prefix string
	length int
	rand   io.Reader
}

// Option configures a Codec.
type Option func(*Codec)

// WithPrefix sets the fixed secret prefix.
func WithPrefix(prefix string) Option {
	return func(c *Codec) { c.prefix = prefix }
}

// WithLength sets the length of the random part of the secret.
func WithLength(n int) Option {
	return func(c *Codec) { c.length = n }
}

// WithRandReader replaces the entropy source. Tests only.
func WithRandReader(r io.Reader) Option {
	return func(c *Codec) { c.rand = r }
}

// New returns a Codec keyed by secretKey.
func New(secretKey []byte, opts ...Option) (*Codec, error) {
	if len(secretKey) == 0 {
		return nil, ErrMissingSecretKey
	}
	c := &Codec{
		key:    append([]byte(nil), secretKey...),
		prefix: DefaultPrefix,
		length: DefaultLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.length < MinLength {
		return nil, fmt.Errorf("credential: secret length %d is below the minimum of %d", c.length, MinLength)
	}
	return c, nil
}

// Issue generates a fresh secret and returns it with its digest. The secret
// must be handed to the caller once and then forgotten.
func (c *Codec) Issue() (secret, digest string, err error) {
	var body string
	if c.rand != nil {
		body, err = base62.RandomWithReader(c.length, c.rand)
	} else {
		body, err = base62.Random(c.length)
	}
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret = c.prefix + body
	return secret, c.Digest(secret), nil
}

// Digest returns the hex HMAC-SHA256 of secret. It is deterministic for a
// given key.
func (c *Codec) Digest(secret string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether secret produces digest. The comparison runs in
// constant time with respect to the digest contents.
func (c *Codec) Verify(secret, digest string) bool {
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(secret))
	return hmac.Equal(mac.Sum(nil), want)
}

// WellFormed reports whether secret has the prefix, length and alphabet of
// an issued secret. It does not prove the secret was ever issued.
func (c *Codec) WellFormed(secret string) bool {
	if len(secret) != len(c.prefix)+c.length {
		return false
	}
	if secret[:len(c.prefix)] != c.prefix {
		return false
	}
	for i := len(c.prefix); i < len(secret); i++ {
		if !isBase62(secret[i]) {
			return false
		}
	}
	return true
}

// Hint returns the identifying leading characters of a secret: the prefix
// plus a few random characters, far too few to guess the rest.
func (c *Codec) Hint(secret string) string {
	n := len(c.prefix) + hintLength
	if len(secret) < n {
		return secret
	}
	return secret[:n]
}

func isBase62(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
