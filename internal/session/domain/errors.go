package domain

import "errors"

var (
	ErrInvalidViewer     = errors.New("invalid_viewer")
	ErrInvalidCreator    = errors.New("invalid_creator")
	ErrSelfSession       = errors.New("viewer_is_creator")
	ErrAlreadyActive     = errors.New("session_already_active")
	ErrSessionNotFound   = errors.New("session_not_found")
	ErrSessionClosed     = errors.New("session_closed")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrNotSettled        = errors.New("session_not_settled")
)
