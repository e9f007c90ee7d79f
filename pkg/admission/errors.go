package admission

import "errors"

var (
	// ErrValidation is returned for missing or malformed request fields
	ErrValidation = errors.New("invalid invocation request")

	// ErrProviderNotFound is returned for an unknown provider slug
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderDisabled is returned for a known but disabled provider
	ErrProviderDisabled = errors.New("provider is disabled")

	// ErrVariantNotFound is returned when the requested variant does not
	// exist, is disabled, or belongs to another provider.
	ErrVariantNotFound = errors.New("variant not found")

	// ErrNoDefaultVariant is returned when no variant slug was given and
	// the provider carries no enabled default.
	ErrNoDefaultVariant = errors.New("provider has no default variant")

	// ErrNotConfigured is returned when the workspace has no enabled
	// credential record with a token for this provider.
	ErrNotConfigured = errors.New("provider is not configured for this workspace")

	// ErrAdmissionDenied is returned when the workspace's concurrency
	// cap for this provider is reached. Maps to a rate-limit response.
	ErrAdmissionDenied = errors.New("concurrent session limit reached")
)
