package device

import "errors"

var (
	// ErrNotFound indicates no device exists with the given identifier.
	ErrNotFound = errors.New("device: not found")

	// ErrDuplicateInstall indicates a create collided with an existing
	// install identity. Registration handles this by rotating the
	// existing record's secret instead of creating a new one.
	ErrDuplicateInstall = errors.New("device: install already registered")

	// ErrInvalidCommand indicates a command failed validation or its
	// payload could not be decoded.
	ErrInvalidCommand = errors.New("device: invalid command")

	// ErrValidation indicates registration or patch input failed
	// validation.
	ErrValidation = errors.New("device: validation failed")

	// ErrSecretMismatch indicates a presented secret did not match the
	// stored hash. Callers should treat it the same as an unknown device
	// where disclosure matters.
	ErrSecretMismatch = errors.New("device: secret mismatch")
)
