package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and
// single-node development. Not durable.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	providers   map[string]*Provider
	variants    map[string][]*Variant
	credentials map[string]*CredentialRecord // key: workspace|provider
	skills      map[string]*Skill            // key: workspace|trigger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		providers:   make(map[string]*Provider),
		variants:    make(map[string][]*Variant),
		credentials: make(map[string]*CredentialRecord),
		skills:      make(map[string]*Skill),
	}
}

func credKey(workspaceID, providerSlug string) string {
	return workspaceID + "|" + providerSlug
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, workspaceID, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetSessionByID(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CountActiveSessions(ctx context.Context, workspaceID, providerSlug string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if s.WorkspaceID == workspaceID && s.ProviderSlug == providerSlug && s.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) MarkProvisioning(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusProvisioning
	s.StartedAt = &startedAt
	return nil
}

func (m *MemoryStore) MarkRunning(ctx context.Context, id, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusRunning
	s.ContainerID = containerID
	return nil
}

func (m *MemoryStore) MarkStreaming(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusStreaming
	return nil
}

func (m *MemoryStore) FinalizeSession(ctx context.Context, id string, fin Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Terminal() {
		return ErrAlreadyFinal
	}

	completedAt := fin.CompletedAt
	s.Status = fin.Status
	s.CompletedAt = &completedAt
	s.ContainerID = ""
	s.ResponseText = fin.ResponseText
	s.ResponseHTML = fin.ResponseHTML
	s.BranchName = fin.BranchName
	s.PullRequestURL = fin.PullRequestURL
	s.ErrorMessage = fin.ErrorMessage
	s.TokensUsed = fin.TokensUsed
	s.EstimatedCostUSD = fin.EstimatedCostUSD
	s.DurationSeconds = fin.DurationSeconds
	return nil
}

func (m *MemoryStore) ListOrphanSessions(ctx context.Context, olderThan time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if (s.Status == StatusPending || s.Status == StatusProvisioning) && s.CreatedAt.Before(olderThan) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SeedProvider registers a provider and its variants
func (m *MemoryStore) SeedProvider(p *Provider, variants ...*Variant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.providers[p.Slug] = &cp
	for _, v := range variants {
		vc := *v
		vc.ProviderSlug = p.Slug
		m.variants[p.Slug] = append(m.variants[p.Slug], &vc)
	}
}

// SeedSkill registers a skill
func (m *MemoryStore) SeedSkill(s *Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.skills[credKey(s.WorkspaceID, strings.ToLower(s.Trigger))] = &cp
}

func (m *MemoryStore) GetProvider(ctx context.Context, slug string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[slug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProviders(ctx context.Context) ([]*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

func (m *MemoryStore) GetVariant(ctx context.Context, providerSlug, slug string) (*Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.variants[providerSlug] {
		if v.Slug == slug {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListVariants(ctx context.Context, providerSlug string) ([]*Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Variant
	for _, v := range m.variants[providerSlug] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

func (m *MemoryStore) DefaultVariant(ctx context.Context, providerSlug string) (*Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.variants[providerSlug] {
		if v.IsDefault && v.Enabled {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetCredential(ctx context.Context, workspaceID, providerSlug string) (*CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.credentials[credKey(workspaceID, providerSlug)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) UpsertCredential(ctx context.Context, rec *CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	// Same fallbacks as the postgres column defaults.
	if cp.MaxConcurrent == 0 {
		cp.MaxConcurrent = 3
	}
	if cp.TimeoutMinutes == 0 {
		cp.TimeoutMinutes = 15
	}
	m.credentials[credKey(rec.WorkspaceID, rec.ProviderSlug)] = &cp
	return nil
}

func (m *MemoryStore) GetSkill(ctx context.Context, workspaceID, trigger string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.skills[credKey(workspaceID, strings.ToLower(trigger))]
	if !ok || !s.Enabled {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}
