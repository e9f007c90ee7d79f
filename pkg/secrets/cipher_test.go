package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("instance-secret")
	require.NoError(t, err)

	tokens := []string{
		"sk-ant-REDACTED",
		"sk-ant-REDACTED",
		"ghp_0123456789abcdef0123",
		"short",
		"with spaces and unicode ✨",
	}

	for _, token := range tokens {
		sealed, err := c.EncryptToken(token)
		require.NoError(t, err)
		assert.NotEqual(t, token, sealed)

		plain, err := c.DecryptToken(sealed)
		require.NoError(t, err)
		assert.Equal(t, token, plain)
	}
}

func TestCipher_EmptyIdentity(t *testing.T) {
	c, err := NewCipher("instance-secret")
	require.NoError(t, err)

	sealed, err := c.EncryptToken("")
	require.NoError(t, err)
	assert.Equal(t, "", sealed)

	plain, err := c.DecryptToken("")
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func TestCipher_FailsClosed(t *testing.T) {
	c, err := NewCipher("instance-secret")
	require.NoError(t, err)

	cases := map[string]string{
		"not base64":       "!!!not-base64!!!",
		"too short":        "YWJj",
		"tampered payload": mustEncrypt(t, c, "secret-token") + "x",
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := c.DecryptToken(input)
			assert.ErrorIs(t, err, ErrCipher)
			assert.Empty(t, out)
		})
	}
}

func TestCipher_KeyMismatchFailsClosed(t *testing.T) {
	a, err := NewCipher("secret-a")
	require.NoError(t, err)
	b, err := NewCipher("secret-b")
	require.NoError(t, err)

	sealed := mustEncrypt(t, a, "token-value")
	out, err := b.DecryptToken(sealed)
	assert.ErrorIs(t, err, ErrCipher)
	assert.Empty(t, out)
}

func TestCipher_NonDeterministicCiphertext(t *testing.T) {
	c, err := NewCipher("instance-secret")
	require.NoError(t, err)

	first := mustEncrypt(t, c, "token")
	second := mustEncrypt(t, c, "token")
	assert.NotEqual(t, first, second, "nonce must randomize ciphertext")
}

func TestNewCipher_RequiresSecret(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorIs(t, err, ErrCipher)
}

func mustEncrypt(t *testing.T, c *Cipher, token string) string {
	t.Helper()
	sealed, err := c.EncryptToken(token)
	require.NoError(t, err)
	return sealed
}
