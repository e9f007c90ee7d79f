package secrets

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/internal/store"
)

// delegatedPrefixes identifies short-lived delegated tokens by provider.
// Delegated tokens go over a bearer auth header; classic API keys use
// the provider-specific key header.
var delegatedPrefixes = map[string]string{
	"claude": "sk-ant-oat",
}

// envKeys maps provider slugs to their process-environment API key names
var envKeys = map[string]string{
	"claude": "ANTHROPIC_API_KEY",
	"gpt":    "OPENAI_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

// IsDelegated reports whether the token is a short-lived delegated token
// for the given provider rather than a classic API key.
func IsDelegated(providerSlug, token string) bool {
	prefix, ok := delegatedPrefixes[providerSlug]
	return ok && prefix != "" && strings.HasPrefix(token, prefix)
}

// Resolver resolves usable secrets through the layered fallback chain.
type Resolver struct {
	cipher *Cipher

	// InstanceLLMKey is the instance-wide model API key fallback.
	InstanceLLMKey string
	// InstanceSourceControlToken is the instance-wide git token fallback.
	InstanceSourceControlToken string
}

// NewResolver creates a resolver backed by the given cipher
func NewResolver(cipher *Cipher) *Resolver {
	return &Resolver{cipher: cipher}
}

// LLMToken resolves the model-provider secret with priority:
// workspace credential record, instance-wide key, process environment.
// An empty result means no direct-API path is available; callers fall
// back to sandbox execution where the provider supports it.
func (r *Resolver) LLMToken(providerSlug string, rec *store.CredentialRecord) (string, error) {
	if rec != nil && rec.AccessTokenEncrypted != "" {
		token, err := r.cipher.DecryptToken(rec.AccessTokenEncrypted)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
	}

	if r.InstanceLLMKey != "" {
		return r.InstanceLLMKey, nil
	}

	if key, ok := envKeys[providerSlug]; ok {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
	}

	log.Debug().Str("provider", providerSlug).Msg("No LLM token resolved")
	return "", nil
}

// SourceControlToken resolves the git token for the triggering user:
// the instance-wide token, else the GITHUB_ACCESS_TOKEN environment
// fallback. Per-user account tokens are an external collaborator's
// concern; when absent the sandbox runs without push access.
func (r *Resolver) SourceControlToken() string {
	if r.InstanceSourceControlToken != "" {
		return r.InstanceSourceControlToken
	}
	return os.Getenv("GITHUB_ACCESS_TOKEN")
}

// EnvKeyFor returns the environment variable name carrying the model
// API key for the provider inside a sandbox.
func EnvKeyFor(providerSlug string) string {
	if key, ok := envKeys[providerSlug]; ok {
		return key
	}
	return ""
}
