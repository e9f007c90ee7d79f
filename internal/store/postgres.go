package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed Store implementation shared by all nodes.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to postgres and verifies the connection
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool
func (p *Postgres) Close() { p.pool.Close() }

// Schema is the idempotent bootstrap DDL
const Schema = `
CREATE TABLE IF NOT EXISTS agent_providers (
	slug TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	cli_tool TEXT NOT NULL,
	docker_image TEXT NOT NULL,
	oauth_provider TEXT NOT NULL DEFAULT '',
	supports_direct_streaming BOOLEAN NOT NULL DEFAULT FALSE,
	is_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	sort_order INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS agent_provider_variants (
	provider_slug TEXT NOT NULL REFERENCES agent_providers(slug),
	slug TEXT NOT NULL,
	display_name TEXT NOT NULL,
	model_id TEXT NOT NULL,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	sort_order INT NOT NULL DEFAULT 0,
	PRIMARY KEY (provider_slug, slug)
);

CREATE TABLE IF NOT EXISTS agent_workspace_configs (
	workspace_id TEXT NOT NULL,
	provider_slug TEXT NOT NULL REFERENCES agent_providers(slug),
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	access_token_encrypted TEXT NOT NULL DEFAULT '',
	refresh_token_encrypted TEXT NOT NULL DEFAULT '',
	token_expires_at TIMESTAMPTZ,
	max_concurrent INT NOT NULL DEFAULT 3,
	timeout_minutes INT NOT NULL DEFAULT 15,
	connected_by TEXT NOT NULL DEFAULT '',
	connected_at TIMESTAMPTZ,
	PRIMARY KEY (workspace_id, provider_slug)
);

CREATE TABLE IF NOT EXISTS agent_skills (
	workspace_id TEXT NOT NULL,
	trigger TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	instructions TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT 'autonomous',
	timeout_minutes INT NOT NULL DEFAULT 15,
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (workspace_id, trigger)
);

CREATE TABLE IF NOT EXISTS agent_sessions (
	id UUID PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	issue_id TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	trigger_comment_id TEXT NOT NULL DEFAULT '',
	comment_text TEXT NOT NULL DEFAULT '',
	provider_slug TEXT NOT NULL,
	variant_slug TEXT NOT NULL,
	model_id TEXT NOT NULL,
	skill_trigger TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	timeout_minutes INT NOT NULL DEFAULT 15,
	response_text TEXT NOT NULL DEFAULT '',
	response_html TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	pull_request_url TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	tokens_used INT NOT NULL DEFAULT 0,
	estimated_cost_usd NUMERIC(10,4) NOT NULL DEFAULT 0,
	duration_seconds INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agent_sessions_active
	ON agent_sessions (workspace_id, provider_slug, status);
`

// Bootstrap applies the schema. The DDL is idempotent.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return err
}

const sessionColumns = `id, workspace_id, project_id, issue_id, triggered_by,
	trigger_comment_id, comment_text, provider_slug, variant_slug, model_id,
	skill_trigger, container_id, status, started_at, completed_at,
	timeout_minutes, response_text, response_html, branch_name,
	pull_request_url, error_message, tokens_used, estimated_cost_usd,
	duration_seconds, created_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var status string
	err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.ProjectID, &s.IssueID, &s.TriggeredBy,
		&s.TriggerCommentID, &s.CommentText, &s.ProviderSlug, &s.VariantSlug, &s.ModelID,
		&s.SkillTrigger, &s.ContainerID, &status, &s.StartedAt, &s.CompletedAt,
		&s.TimeoutMinutes, &s.ResponseText, &s.ResponseHTML, &s.BranchName,
		&s.PullRequestURL, &s.ErrorMessage, &s.TokensUsed, &s.EstimatedCostUSD,
		&s.DurationSeconds, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO agent_sessions (
			id, workspace_id, project_id, issue_id, triggered_by,
			trigger_comment_id, comment_text, provider_slug, variant_slug,
			model_id, skill_trigger, status, timeout_minutes, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, s.ID, s.WorkspaceID, s.ProjectID, s.IssueID, s.TriggeredBy,
		s.TriggerCommentID, s.CommentText, s.ProviderSlug, s.VariantSlug,
		s.ModelID, s.SkillTrigger, string(s.Status), s.TimeoutMinutes, s.CreatedAt)
	return err
}

func (p *Postgres) GetSession(ctx context.Context, workspaceID, id string) (*Session, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions
		WHERE id=$1 AND workspace_id=$2
	`, id, workspaceID)
	return scanSession(row)
}

func (p *Postgres) GetSessionByID(ctx context.Context, id string) (*Session, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions WHERE id=$1
	`, id)
	return scanSession(row)
}

func (p *Postgres) CountActiveSessions(ctx context.Context, workspaceID, providerSlug string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM agent_sessions
		WHERE workspace_id=$1 AND provider_slug=$2
		  AND status IN ('pending','provisioning','running','streaming')
	`, workspaceID, providerSlug).Scan(&count)
	return count, err
}

func (p *Postgres) MarkProvisioning(ctx context.Context, id string, startedAt time.Time) error {
	return p.exec1(ctx, `
		UPDATE agent_sessions SET status='provisioning', started_at=$2 WHERE id=$1
	`, id, startedAt)
}

func (p *Postgres) MarkRunning(ctx context.Context, id, containerID string) error {
	return p.exec1(ctx, `
		UPDATE agent_sessions SET status='running', container_id=$2 WHERE id=$1
	`, id, containerID)
}

func (p *Postgres) MarkStreaming(ctx context.Context, id string) error {
	return p.exec1(ctx, `
		UPDATE agent_sessions SET status='streaming' WHERE id=$1
	`, id)
}

func (p *Postgres) FinalizeSession(ctx context.Context, id string, fin Finalization) error {
	// The status guard makes the terminal write a no-op against sessions
	// that already reached a terminal status.
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_sessions SET
			status=$2, completed_at=$3, container_id='',
			response_text=$4, response_html=$5, branch_name=$6,
			pull_request_url=$7, error_message=$8, tokens_used=$9,
			estimated_cost_usd=$10, duration_seconds=$11
		WHERE id=$1
		  AND status IN ('pending','provisioning','running','streaming')
	`, id, string(fin.Status), fin.CompletedAt, fin.ResponseText,
		fin.ResponseHTML, fin.BranchName, fin.PullRequestURL,
		fin.ErrorMessage, fin.TokensUsed, fin.EstimatedCostUSD,
		fin.DurationSeconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetSessionByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyFinal
	}
	return nil
}

func (p *Postgres) ListOrphanSessions(ctx context.Context, olderThan time.Time) ([]*Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions
		WHERE status IN ('pending','provisioning') AND created_at < $1
		ORDER BY created_at
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetProvider(ctx context.Context, slug string) (*Provider, error) {
	var pr Provider
	err := p.pool.QueryRow(ctx, `
		SELECT slug, display_name, cli_tool, docker_image, oauth_provider,
		       supports_direct_streaming, is_enabled, sort_order
		FROM agent_providers WHERE slug=$1
	`, slug).Scan(&pr.Slug, &pr.DisplayName, &pr.CLITool, &pr.DockerImage,
		&pr.OAuthProvider, &pr.SupportsDirectStreaming, &pr.Enabled, &pr.SortOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *Postgres) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT slug, display_name, cli_tool, docker_image, oauth_provider,
		       supports_direct_streaming, is_enabled, sort_order
		FROM agent_providers ORDER BY sort_order, display_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		var pr Provider
		if err := rows.Scan(&pr.Slug, &pr.DisplayName, &pr.CLITool, &pr.DockerImage,
			&pr.OAuthProvider, &pr.SupportsDirectStreaming, &pr.Enabled, &pr.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, &pr)
	}
	return out, rows.Err()
}

func (p *Postgres) GetVariant(ctx context.Context, providerSlug, slug string) (*Variant, error) {
	var v Variant
	err := p.pool.QueryRow(ctx, `
		SELECT provider_slug, slug, display_name, model_id, is_default, is_enabled, sort_order
		FROM agent_provider_variants WHERE provider_slug=$1 AND slug=$2
	`, providerSlug, slug).Scan(&v.ProviderSlug, &v.Slug, &v.DisplayName,
		&v.ModelID, &v.IsDefault, &v.Enabled, &v.SortOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) ListVariants(ctx context.Context, providerSlug string) ([]*Variant, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT provider_slug, slug, display_name, model_id, is_default, is_enabled, sort_order
		FROM agent_provider_variants WHERE provider_slug=$1
		ORDER BY sort_order, slug
	`, providerSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Variant
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ProviderSlug, &v.Slug, &v.DisplayName,
			&v.ModelID, &v.IsDefault, &v.Enabled, &v.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (p *Postgres) DefaultVariant(ctx context.Context, providerSlug string) (*Variant, error) {
	var v Variant
	err := p.pool.QueryRow(ctx, `
		SELECT provider_slug, slug, display_name, model_id, is_default, is_enabled, sort_order
		FROM agent_provider_variants
		WHERE provider_slug=$1 AND is_default AND is_enabled
		ORDER BY sort_order LIMIT 1
	`, providerSlug).Scan(&v.ProviderSlug, &v.Slug, &v.DisplayName,
		&v.ModelID, &v.IsDefault, &v.Enabled, &v.SortOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) GetCredential(ctx context.Context, workspaceID, providerSlug string) (*CredentialRecord, error) {
	var rec CredentialRecord
	err := p.pool.QueryRow(ctx, `
		SELECT workspace_id, provider_slug, is_enabled, access_token_encrypted,
		       refresh_token_encrypted, token_expires_at, max_concurrent,
		       timeout_minutes, connected_by, connected_at
		FROM agent_workspace_configs WHERE workspace_id=$1 AND provider_slug=$2
	`, workspaceID, providerSlug).Scan(&rec.WorkspaceID, &rec.ProviderSlug,
		&rec.Enabled, &rec.AccessTokenEncrypted, &rec.RefreshTokenEncrypted,
		&rec.TokenExpiresAt, &rec.MaxConcurrent, &rec.TimeoutMinutes,
		&rec.ConnectedBy, &rec.ConnectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) UpsertCredential(ctx context.Context, rec *CredentialRecord) error {
	if rec.MaxConcurrent == 0 {
		rec.MaxConcurrent = 3
	}
	if rec.TimeoutMinutes == 0 {
		rec.TimeoutMinutes = 15
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO agent_workspace_configs (
			workspace_id, provider_slug, is_enabled, access_token_encrypted,
			refresh_token_encrypted, token_expires_at, max_concurrent,
			timeout_minutes, connected_by, connected_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (workspace_id, provider_slug) DO UPDATE SET
			is_enabled=EXCLUDED.is_enabled,
			access_token_encrypted=EXCLUDED.access_token_encrypted,
			refresh_token_encrypted=EXCLUDED.refresh_token_encrypted,
			token_expires_at=EXCLUDED.token_expires_at,
			connected_by=EXCLUDED.connected_by,
			connected_at=EXCLUDED.connected_at
	`, rec.WorkspaceID, rec.ProviderSlug, rec.Enabled, rec.AccessTokenEncrypted,
		rec.RefreshTokenEncrypted, rec.TokenExpiresAt, rec.MaxConcurrent,
		rec.TimeoutMinutes, rec.ConnectedBy, rec.ConnectedAt)
	return err
}

func (p *Postgres) GetSkill(ctx context.Context, workspaceID, trigger string) (*Skill, error) {
	var s Skill
	err := p.pool.QueryRow(ctx, `
		SELECT workspace_id, trigger, project_id, name, instructions, mode,
		       timeout_minutes, is_enabled
		FROM agent_skills
		WHERE workspace_id=$1 AND trigger=lower($2) AND is_enabled
	`, workspaceID, trigger).Scan(&s.WorkspaceID, &s.Trigger, &s.ProjectID,
		&s.Name, &s.Instructions, &s.Mode, &s.TimeoutMinutes, &s.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) exec1(ctx context.Context, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
