package server

import "errors"

var (
	// ErrRegistrationFailure means the handshake did not yield a valid REGISTER.
	ErrRegistrationFailure = errors.New("server: registration failed")
	// ErrRegistryClosed is returned by Insert after Shutdown.
	ErrRegistryClosed = errors.New("server: registry closed")
	// ErrDuplicateIdentity is returned when an identity is inserted twice.
	ErrDuplicateIdentity = errors.New("server: duplicate identity")
)
