package store

import "context"

// DefaultCatalog returns the built-in provider catalog
func DefaultCatalog() map[*Provider][]*Variant {
	return map[*Provider][]*Variant{
		{
			Slug:                    "claude",
			DisplayName:             "Claude",
			CLITool:                 "claude",
			DockerImage:             "taskpilot/agent-claude:latest",
			OAuthProvider:           "anthropic",
			SupportsDirectStreaming: true,
			Enabled:                 true,
			SortOrder:               1,
		}: {
			{Slug: "sonnet", DisplayName: "Claude Sonnet", ModelID: "claude-sonnet-4-20250514", IsDefault: true, Enabled: true, SortOrder: 1},
			{Slug: "opus", DisplayName: "Claude Opus", ModelID: "claude-opus-4-20250514", Enabled: true, SortOrder: 2},
		},
		{
			Slug:                    "gpt",
			DisplayName:             "GPT",
			CLITool:                 "codex",
			DockerImage:             "taskpilot/agent-codex:latest",
			OAuthProvider:           "",
			SupportsDirectStreaming: true,
			Enabled:                 true,
			SortOrder:               2,
		}: {
			{Slug: "gpt-4o", DisplayName: "GPT-4o", ModelID: "gpt-4o", IsDefault: true, Enabled: true, SortOrder: 1},
			{Slug: "gpt-4o-mini", DisplayName: "GPT-4o mini", ModelID: "gpt-4o-mini", Enabled: true, SortOrder: 2},
		},
		{
			Slug:          "gemini",
			DisplayName:   "Gemini",
			CLITool:       "gemini",
			DockerImage:   "taskpilot/agent-gemini:latest",
			OAuthProvider: "google",
			Enabled:       false,
			SortOrder:     3,
		}: {
			{Slug: "flash", DisplayName: "Gemini Flash", ModelID: "gemini-2.0-flash", IsDefault: true, Enabled: true, SortOrder: 1},
		},
	}
}

// SeedCatalog loads the default catalog into a memory store
func SeedCatalog(m *MemoryStore) {
	for p, variants := range DefaultCatalog() {
		m.SeedProvider(p, variants...)
	}
}

// SeedCatalogPostgres inserts the default catalog, leaving existing rows
// untouched so operator edits survive restarts.
func SeedCatalogPostgres(ctx context.Context, p *Postgres) error {
	for pr, variants := range DefaultCatalog() {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO agent_providers (slug, display_name, cli_tool, docker_image,
				oauth_provider, supports_direct_streaming, is_enabled, sort_order)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (slug) DO NOTHING
		`, pr.Slug, pr.DisplayName, pr.CLITool, pr.DockerImage,
			pr.OAuthProvider, pr.SupportsDirectStreaming, pr.Enabled, pr.SortOrder)
		if err != nil {
			return err
		}
		for _, v := range variants {
			_, err := p.pool.Exec(ctx, `
				INSERT INTO agent_provider_variants (provider_slug, slug, display_name,
					model_id, is_default, is_enabled, sort_order)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (provider_slug, slug) DO NOTHING
			`, pr.Slug, v.Slug, v.DisplayName, v.ModelID, v.IsDefault, v.Enabled, v.SortOrder)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
