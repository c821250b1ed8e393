package events

import "errors"

var (
	ErrInvalidScope = errors.New("events: invalid scope")
	ErrNilSink      = errors.New("events: nil sink")
)
