package comms

import "errors"

var (
	ErrTaskRepositoryRequired      = errors.New("task repository is required")
	ErrRecipientRepositoryRequired = errors.New("recipient repository is required")
	ErrResolverRequired            = errors.New("audience resolver is required")
	ErrTenantIDRequired            = errors.New("tenant id is required")
	ErrChannelRequired             = errors.New("channel is required")
	ErrPayloadInvalid              = errors.New("task payload must be valid JSON")
	ErrTaskNotFound                = errors.New("task not found")
	ErrTaskNotClaimable            = errors.New("task is not in a claimable state")
	ErrEmptyMessageText            = errors.New("task message text is empty")
	ErrNoSenderForChannel          = errors.New("no sender registered for channel")
)
