package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotReady   = errors.New("session not ready")
	ErrRegistryStopped   = errors.New("session registry stopped")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrDeviceNotBound    = errors.New("device binding not found")
	ErrClientNotLoggedIn = errors.New("automation client not logged in")
)
