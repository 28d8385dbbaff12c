package domain

import "errors"

var (
	ErrUnknownChannel       = errors.New("unknown channel")
	ErrInvalidChannelConfig = errors.New("invalid channel configuration")
	ErrMalformedCommand     = errors.New("malformed command")
	ErrInvalidPayload       = errors.New("invalid payload")
)
