package notify

import "errors"

var (
	ErrRepositoryRequired  = errors.New("outbox repository is required")
	ErrPushSenderRequired  = errors.New("push sender is required")
	ErrEmailSenderRequired = errors.New("email sender is required")
	ErrNoRecipients        = errors.New("notification has no resolvable recipients")
	ErrEmptyMessage        = errors.New("notification message text is empty")
)
