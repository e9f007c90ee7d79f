package store

import "time"

// Status is the lifecycle state of a session
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStreaming    Status = "streaming"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusTimedOut     Status = "timed_out"
)

// Terminal reports whether no further transitions occur from this status
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Active reports whether the status counts against the concurrency cap
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning, StatusStreaming:
		return true
	}
	return false
}

// ActiveStatuses returns the set of statuses counted by admission control
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusProvisioning, StatusRunning, StatusStreaming}
}

// Session is one end-to-end record of a single agent invocation
type Session struct {
	ID               string
	WorkspaceID      string
	ProjectID        string
	IssueID          string
	TriggeredBy      string
	TriggerCommentID string
	CommentText      string
	ProviderSlug     string
	VariantSlug      string
	ModelID          string
	SkillTrigger     string

	// ContainerID is the opaque execution handle; set only while a
	// sandbox-based execution is alive.
	ContainerID string

	Status         Status
	StartedAt      *time.Time
	CompletedAt    *time.Time
	TimeoutMinutes int

	ResponseText     string
	ResponseHTML     string
	BranchName       string
	PullRequestURL   string
	ErrorMessage     string
	TokensUsed       int
	EstimatedCostUSD float64
	DurationSeconds  int

	CreatedAt time.Time
}

// Timeout returns the session wall-clock limit as a duration
func (s *Session) Timeout() time.Duration {
	if s.TimeoutMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// Finalization carries the terminal write for a session
type Finalization struct {
	Status           Status
	CompletedAt      time.Time
	ResponseText     string
	ResponseHTML     string
	BranchName       string
	PullRequestURL   string
	ErrorMessage     string
	TokensUsed       int
	EstimatedCostUSD float64
	DurationSeconds  int
}

// CredentialRecord holds per-(workspace, provider) credentials and limits.
// Token fields are opaque ciphertext; the orchestrator never persists a
// decrypted token.
type CredentialRecord struct {
	WorkspaceID           string
	ProviderSlug          string
	Enabled               bool
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenExpiresAt        *time.Time
	MaxConcurrent         int
	TimeoutMinutes        int
	ConnectedBy           string
	ConnectedAt           *time.Time
}

// Provider is a static catalog entry for an agent provider
type Provider struct {
	Slug                    string
	DisplayName             string
	CLITool                 string
	DockerImage             string
	OAuthProvider           string
	SupportsDirectStreaming bool
	Enabled                 bool
	SortOrder               int
}

// Variant is a specific model configuration under a provider
type Variant struct {
	ProviderSlug string
	Slug         string
	DisplayName  string
	ModelID      string
	IsDefault    bool
	Enabled      bool
	SortOrder    int
}

// Skill is a named instruction template scoped to a workspace
type Skill struct {
	WorkspaceID    string
	ProjectID      string
	Name           string
	Trigger        string
	Instructions   string
	Mode           string // autonomous, comment_only
	TimeoutMinutes int
	Enabled        bool
}
