package outbox

import "errors"

var (
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrEndpointProviderRequired = errors.New("endpoint provider is required")
	ErrTenantIDRequired         = errors.New("tenant id is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrPayloadRequired          = errors.New("queue item payload is required")
	ErrPayloadTooLarge          = errors.New("queue item payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("queue item payload must be valid JSON (stored as JSONB)")
	ErrURLSchemeNotHTTPS        = errors.New("webhook url must use https")
	ErrURLHostMissing           = errors.New("webhook url has no hostname")
	ErrURLPrivateAddress        = errors.New("webhook url targets a private or loopback address")
)
