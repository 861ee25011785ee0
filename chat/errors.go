package chat

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a referenced conversation or message
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRole is returned when an operation targets a message of
	// the wrong role, e.g. retrying a user message.
	ErrInvalidRole = errors.New("invalid role")

	// ErrAlreadyResolved is returned when a permission block has already
	// been granted or denied.
	ErrAlreadyResolved = errors.New("permission already resolved")

	// ErrBlockNotFound is returned when no pending permission block
	// matches the given tool call id.
	ErrBlockNotFound = errors.New("permission block not found")

	// ErrGenerationExists is returned when a generation is already active
	// for the target message id.
	ErrGenerationExists = errors.New("generation already active")

	// ErrPersistence wraps store failures that survived the finalize
	// retry budget.
	ErrPersistence = errors.New("persistence failure")
)
