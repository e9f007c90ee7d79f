package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/secrets"
)

// stateTTL bounds how long an issued OAuth state token stays valid
const stateTTL = 10 * time.Minute

// oauthEndpoints is the per-OAuth-provider endpoint registry. Client
// credentials come from the environment, never from the store.
var oauthEndpoints = map[string]struct {
	AuthorizeURL    string
	TokenURL        string
	Scope           string
	ClientIDEnv     string
	ClientSecretEnv string
}{
	"anthropic": {
		AuthorizeURL:    "https://console.anthropic.com/oauth/authorize",
		TokenURL:        "https://console.anthropic.com/oauth/token",
		Scope:           "user:read",
		ClientIDEnv:     "ANTHROPIC_OAUTH_CLIENT_ID",
		ClientSecretEnv: "ANTHROPIC_OAUTH_CLIENT_SECRET",
	},
	"google": {
		AuthorizeURL:    "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:        "https://oauth2.googleapis.com/token",
		Scope:           "https://www.googleapis.com/auth/generative-language",
		ClientIDEnv:     "GOOGLE_AI_OAUTH_CLIENT_ID",
		ClientSecretEnv: "GOOGLE_AI_OAUTH_CLIENT_SECRET",
	},
}

// oauthState is one issued, not yet consumed state token
type oauthState struct {
	WorkspaceID  string
	ProviderSlug string
	UserID       string
	ExpiresAt    time.Time
}

// StateManager issues and validates single-use OAuth state tokens
type StateManager struct {
	mu     sync.Mutex
	states map[string]oauthState
	now    func() time.Time
}

// NewStateManager creates an empty state manager
func NewStateManager() *StateManager {
	return &StateManager{
		states: make(map[string]oauthState),
		now:    time.Now,
	}
}

// Issue mints a new state token bound to (workspace, provider, user)
func (m *StateManager) Issue(workspaceID, providerSlug, userID string) (string, error) {
	token, err := gonanoid.New(32)
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	m.states[token] = oauthState{
		WorkspaceID:  workspaceID,
		ProviderSlug: providerSlug,
		UserID:       userID,
		ExpiresAt:    m.now().Add(stateTTL),
	}
	return token, nil
}

// Consume validates and deletes a state token. A token is valid
// exactly once, within its TTL, and only for the (workspace, provider)
// it was issued for.
func (m *StateManager) Consume(token, workspaceID, providerSlug string) (userID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, found := m.states[token]
	if !found {
		return "", false
	}
	delete(m.states, token)

	if m.now().After(st.ExpiresAt) {
		return "", false
	}
	if st.WorkspaceID != workspaceID || st.ProviderSlug != providerSlug {
		return "", false
	}
	return st.UserID, true
}

// prune drops expired tokens. Caller holds the lock.
func (m *StateManager) prune() {
	now := m.now()
	for token, st := range m.states {
		if now.After(st.ExpiresAt) {
			delete(m.states, token)
		}
	}
}

// OAuthManager implements the connect/callback flow that populates
// workspace credential records.
type OAuthManager struct {
	store   store.Store
	cipher  *secrets.Cipher
	states  *StateManager
	baseURL string
	client  *http.Client
}

// NewOAuthManager creates the OAuth flow handler
func NewOAuthManager(st store.Store, cipher *secrets.Cipher, baseURL string) *OAuthManager {
	return &OAuthManager{
		store:   st,
		cipher:  cipher,
		states:  NewStateManager(),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *OAuthManager) redirectURI(workspaceID, providerSlug string) string {
	return fmt.Sprintf("%s/api/workspaces/%s/agents/providers/%s/callback", m.baseURL, workspaceID, providerSlug)
}

// handleConnect issues a state token and returns the provider's
// authorization URL for the client to redirect to.
func (m *OAuthManager) handleConnect(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	providerSlug := r.PathValue("provider")

	provider, err := m.store.GetProvider(r.Context(), providerSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	endpoints, ok := oauthEndpoints[provider.OAuthProvider]
	if !ok {
		writeError(w, http.StatusBadRequest, "provider does not support OAuth connect")
		return
	}
	clientID := os.Getenv(endpoints.ClientIDEnv)
	if clientID == "" {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("OAuth client is not configured (%s)", endpoints.ClientIDEnv))
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	state, err := m.states.Issue(workspaceID, providerSlug, body.UserID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue OAuth state token")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	params := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {m.redirectURI(workspaceID, providerSlug)},
		"response_type": {"code"},
		"scope":         {endpoints.Scope},
		"state":         {state},
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"redirect_url": endpoints.AuthorizeURL + "?" + params.Encode(),
		"state":        state,
	})
}

// tokenResponse is the provider's token-exchange response body
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleCallback validates the state token, exchanges the code, and
// stores the encrypted tokens on the workspace credential record.
func (m *OAuthManager) handleCallback(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	providerSlug := r.PathValue("provider")
	settingsURL := fmt.Sprintf("/%s/settings/agents/", workspaceID)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		log.Warn().Str("provider", providerSlug).Str("error", errParam).Msg("OAuth flow denied by provider")
		http.Redirect(w, r, settingsURL+"?error="+url.QueryEscape(errParam), http.StatusFound)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Redirect(w, r, settingsURL+"?error=missing_params", http.StatusFound)
		return
	}

	userID, ok := m.states.Consume(state, workspaceID, providerSlug)
	if !ok {
		log.Warn().Str("workspace_id", workspaceID).Str("provider", providerSlug).
			Msg("Invalid or expired OAuth state token")
		http.Redirect(w, r, settingsURL+"?error=invalid_state", http.StatusFound)
		return
	}

	provider, err := m.store.GetProvider(r.Context(), providerSlug)
	if err != nil {
		http.Redirect(w, r, settingsURL+"?error=provider_not_found", http.StatusFound)
		return
	}
	endpoints, supported := oauthEndpoints[provider.OAuthProvider]
	if !supported {
		http.Redirect(w, r, settingsURL+"?error=oauth_not_supported", http.StatusFound)
		return
	}

	clientID := os.Getenv(endpoints.ClientIDEnv)
	clientSecret := os.Getenv(endpoints.ClientSecretEnv)
	if clientID == "" || clientSecret == "" {
		log.Error().Str("oauth_provider", provider.OAuthProvider).Msg("Missing OAuth client credentials")
		http.Redirect(w, r, settingsURL+"?error=server_config", http.StatusFound)
		return
	}

	tokens, err := m.exchangeCode(r, endpoints.TokenURL, code, clientID, clientSecret, workspaceID, providerSlug)
	if err != nil {
		log.Error().Err(err).Str("provider", providerSlug).Msg("OAuth token exchange failed")
		http.Redirect(w, r, settingsURL+"?error=token_exchange_failed", http.StatusFound)
		return
	}
	if tokens.AccessToken == "" {
		http.Redirect(w, r, settingsURL+"?error=no_access_token", http.StatusFound)
		return
	}

	accessEnc, err := m.cipher.EncryptToken(tokens.AccessToken)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt access token")
		http.Redirect(w, r, settingsURL+"?error=server_config", http.StatusFound)
		return
	}
	refreshEnc, err := m.cipher.EncryptToken(tokens.RefreshToken)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt refresh token")
		http.Redirect(w, r, settingsURL+"?error=server_config", http.StatusFound)
		return
	}

	now := time.Now().UTC()
	rec := &store.CredentialRecord{
		WorkspaceID:           workspaceID,
		ProviderSlug:          providerSlug,
		Enabled:               true,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		ConnectedBy:           userID,
		ConnectedAt:           &now,
	}
	if existing, err := m.store.GetCredential(r.Context(), workspaceID, providerSlug); err == nil {
		rec.MaxConcurrent = existing.MaxConcurrent
		rec.TimeoutMinutes = existing.TimeoutMinutes
	}
	if tokens.ExpiresIn > 0 {
		exp := now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
		rec.TokenExpiresAt = &exp
	}
	if err := m.store.UpsertCredential(r.Context(), rec); err != nil {
		log.Error().Err(err).Msg("Failed to store workspace credentials")
		http.Redirect(w, r, settingsURL+"?error=server_config", http.StatusFound)
		return
	}

	log.Info().
		Str("workspace_id", workspaceID).
		Str("provider", providerSlug).
		Msg("OAuth tokens stored for workspace")
	http.Redirect(w, r, settingsURL+"?success=connected&provider="+url.QueryEscape(providerSlug), http.StatusFound)
}

func (m *OAuthManager) exchangeCode(r *http.Request, tokenURL, code, clientID, clientSecret, workspaceID, providerSlug string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {m.redirectURI(workspaceID, providerSlug)},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tokens, nil
}
