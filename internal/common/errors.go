// Package common holds sentinel errors, metadata keys and small helpers
// shared by the vault client and server. Match errors with errors.Is.
package common

import "errors"

var (
	ErrorNotFound      = errors.New("not found")
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrorAlreadyExists = errors.New("already exists")
	ErrorValidation    = errors.New("validation error")

	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
