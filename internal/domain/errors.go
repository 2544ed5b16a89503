package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	// ErrConfiguration marks setup bugs (unknown provider or template, missing
	// credentials, malformed template). These are never retried.
	ErrConfiguration = errors.New("configuration error")
)
