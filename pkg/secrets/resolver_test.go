package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/agentd/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *Cipher) {
	t.Helper()
	c, err := NewCipher("instance-secret")
	require.NoError(t, err)
	return NewResolver(c), c
}

func TestResolver_WorkspaceTokenWins(t *testing.T) {
	r, c := newTestResolver(t)
	r.InstanceLLMKey = "instance-key"

	sealed, err := c.EncryptToken("workspace-token")
	require.NoError(t, err)

	token, err := r.LLMToken("claude", &store.CredentialRecord{AccessTokenEncrypted: sealed})
	require.NoError(t, err)
	assert.Equal(t, "workspace-token", token)
}

func TestResolver_InstanceKeyFallback(t *testing.T) {
	r, _ := newTestResolver(t)
	r.InstanceLLMKey = "instance-key"

	token, err := r.LLMToken("claude", nil)
	require.NoError(t, err)
	assert.Equal(t, "instance-key", token)

	token, err = r.LLMToken("claude", &store.CredentialRecord{})
	require.NoError(t, err)
	assert.Equal(t, "instance-key", token)
}

func TestResolver_EnvFallback(t *testing.T) {
	r, _ := newTestResolver(t)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	token, err := r.LLMToken("claude", nil)
	require.NoError(t, err)
	assert.Equal(t, "env-key", token)
}

func TestResolver_NothingResolvesToEmpty(t *testing.T) {
	r, _ := newTestResolver(t)
	t.Setenv("ANTHROPIC_API_KEY", "")

	token, err := r.LLMToken("claude", nil)
	require.NoError(t, err)
	assert.Equal(t, "", token, "empty string means no direct-API path")
}

func TestResolver_CorruptCiphertextFailsClosed(t *testing.T) {
	r, _ := newTestResolver(t)
	r.InstanceLLMKey = "instance-key"

	_, err := r.LLMToken("claude", &store.CredentialRecord{AccessTokenEncrypted: "corrupt"})
	assert.ErrorIs(t, err, ErrCipher, "corrupt stored token must not fall through to the instance key")
}

func TestIsDelegated(t *testing.T) {
	assert.True(t, IsDelegated("claude", "sk-ant-oat01-abc"))
	assert.False(t, IsDelegated("claude", "sk-ant-api03-abc"))
	assert.False(t, IsDelegated("gpt", "sk-ant-oat01-abc"))
	assert.False(t, IsDelegated("claude", ""))
}

func TestSourceControlToken(t *testing.T) {
	r, _ := newTestResolver(t)
	t.Setenv("GITHUB_ACCESS_TOKEN", "ghp_env")

	assert.Equal(t, "ghp_env", r.SourceControlToken())

	r.InstanceSourceControlToken = "ghp_instance"
	assert.Equal(t, "ghp_instance", r.SourceControlToken())
}
