package server

import "errors"

// Failure kinds surfaced to callers through the response envelope. None of
// these crash the process; the message is the whole story a caller gets.
var (
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrExpired            = errors.New("expired")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrDuplicateConnect = errors.New("connect exists")
	ErrConnectNotFound  = errors.New("connect not found")
	ErrInboundNotFound  = errors.New("inbound not found")
	ErrInviteInvalid    = errors.New("invite invalid")
	ErrInviteConsumed   = errors.New("invite already used")
	ErrInviteWrongType  = errors.New("invite only for same-protocol peers")
	ErrEmailExists      = errors.New("email exists")
	ErrUserNotFound     = errors.New("user not found")
	ErrLastAdmin        = errors.New("cannot delete last admin")
	ErrVerifyFailed     = errors.New("verify failed")
	ErrNotConfigured    = errors.New("system setting not configured")
	ErrNotFound         = errors.New("not found")
)
