package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNotAuthenticated   = errors.New("auth: not authenticated")
	ErrTenantNotFound     = errors.New("auth: tenant not found")
	ErrSelectionRejected  = errors.New("auth: tenant selection rejected")
	ErrInvalidToken       = errors.New("auth: invalid token")
)
