package device

import "errors"

var (
	ErrNotFound     = errors.New("device: not found")
	ErrInvalidInput = errors.New("device: invalid input")
	ErrUnauthorized = errors.New("device: unauthorized")
	ErrForbidden    = errors.New("device: forbidden")
)
