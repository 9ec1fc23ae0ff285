package mdtp

import "errors"

var (
	ErrNoInterfaces      = errors.New("mdtp: remote resolved to no interfaces")
	ErrNoReadyPath       = errors.New("mdtp: no raw path connected")
	ErrPathNotConnected  = errors.New("mdtp: path not connected")
	ErrConnIDMismatch    = errors.New("mdtp: connection id mismatch")
	ErrUnknownConnection = errors.New("mdtp: unknown connection id")
	ErrConnIDInUse       = errors.New("mdtp: connection id already in use")
	ErrFrameTooLarge     = errors.New("mdtp: data frame exceeds maximum payload size")
	ErrPayloadTooLarge   = errors.New("mdtp: payload exceeds maximum size")
	ErrConnectionClosed  = errors.New("mdtp: connection closed")
	ErrBadState          = errors.New("mdtp: operation not allowed in current state")
)
