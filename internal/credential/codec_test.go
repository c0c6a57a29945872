package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	c, err := New([]byte("test-secret-key-0123456789"), opts...)
	require.NoError(t, err)
	return c
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrMissingSecretKey)

	_, err = New([]byte{})
	require.ErrorIs(t, err, ErrMissingSecretKey)
}

func TestNewRejectsShortLength(t *testing.T) {
	_, err := New([]byte("k"), WithLength(MinLength-1))
	require.Error(t, err)
}

func TestIssueShape(t *testing.T) {
	c := newTestCodec(t)

	secret, digest, err := c.Issue()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, DefaultPrefix))
	assert.Len(t, secret, len(DefaultPrefix)+DefaultLength)
	assert.True(t, c.WellFormed(secret))
	assert.Len(t, digest, 64)
	assert.Equal(t, c.Digest(secret), digest)
	assert.NotContains(t, digest, secret[len(DefaultPrefix):])
}

func TestIssueUnique(t *testing.T) {
	c := newTestCodec(t)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		secret, _, err := c.Issue()
		require.NoError(t, err)
		require.False(t, seen[secret], "duplicate secret issued")
		seen[secret] = true
	}
}

func TestVerify(t *testing.T) {
	c := newTestCodec(t)
	secret, digest, err := c.Issue()
	require.NoError(t, err)

	assert.True(t, c.Verify(secret, digest))
	assert.False(t, c.Verify(secret+"x", digest))
	assert.False(t, c.Verify(secret, "not-hex"))
	assert.False(t, c.Verify(secret, digest[:32]))
}

func TestDigestDependsOnKey(t *testing.T) {
	a := newTestCodec(t)
	b, err := New([]byte("another-secret-key-0123456"))
	require.NoError(t, err)

	secret, digest, err := a.Issue()
	require.NoError(t, err)
	assert.NotEqual(t, digest, b.Digest(secret))
	assert.False(t, b.Verify(secret, digest))
}

func TestWellFormed(t *testing.T) {
	c := newTestCodec(t)
	valid := DefaultPrefix + strings.Repeat("aZ9", 10) + "ab"

	tests := []struct {
		name   string
		secret string
		want   bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"wrong prefix", "other_" + valid[len(DefaultPrefix):], false},
		{"too short", valid[:len(valid)-1], false},
		{"too long", valid + "a", false},
		{"bad alphabet", valid[:len(valid)-1] + "-", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.WellFormed(tt.secret))
		})
	}
}

func TestCustomPrefixAndLength(t *testing.T) {
	c := newTestCodec(t, WithPrefix("cg_"), WithLength(40))
	secret, _, err := c.Issue()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "cg_"))
	assert.Len(t, secret, 43)
	assert.Equal(t, secret[:7], c.Hint(secret))
}
