// Package store holds the durable session record and the read-only
// reference data the orchestrator consumes: the provider catalog,
// per-workspace credential records, and skills.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyFinal is returned when finalizing an already-terminal session
	ErrAlreadyFinal = errors.New("session already in a terminal status")
)

// Store is the durable record and its query surface
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, workspaceID, id string) (*Session, error)
	GetSessionByID(ctx context.Context, id string) (*Session, error)
	CountActiveSessions(ctx context.Context, workspaceID, providerSlug string) (int, error)
	MarkProvisioning(ctx context.Context, id string, startedAt time.Time) error
	MarkRunning(ctx context.Context, id, containerID string) error
	MarkStreaming(ctx context.Context, id string) error
	// FinalizeSession performs the single terminal write: it sets the
	// terminal status, stamps completed_at, and clears the execution
	// handle. Finalizing an already-terminal session returns
	// ErrAlreadyFinal and leaves the record unmodified.
	FinalizeSession(ctx context.Context, id string, fin Finalization) error
	ListOrphanSessions(ctx context.Context, olderThan time.Time) ([]*Session, error)

	// Provider catalog (read-only reference data)
	GetProvider(ctx context.Context, slug string) (*Provider, error)
	ListProviders(ctx context.Context) ([]*Provider, error)
	GetVariant(ctx context.Context, providerSlug, slug string) (*Variant, error)
	ListVariants(ctx context.Context, providerSlug string) ([]*Variant, error)
	DefaultVariant(ctx context.Context, providerSlug string) (*Variant, error)

	// Credentials (written only by the OAuth callback path)
	GetCredential(ctx context.Context, workspaceID, providerSlug string) (*CredentialRecord, error)
	UpsertCredential(ctx context.Context, rec *CredentialRecord) error

	// Skills
	GetSkill(ctx context.Context, workspaceID, trigger string) (*Skill, error)
}
