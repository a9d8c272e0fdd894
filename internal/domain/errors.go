package domain

import "errors"

var (
	ErrEmptyUsername    = errors.New("username must not be empty")
	ErrInvalidUsername  = errors.New("username may only contain letters, digits, '.', '_' and '-' (max 32)")
	ErrUserExists       = errors.New("user already exists")
	ErrUserNotFound     = errors.New("user not found")
	ErrNotManaged       = errors.New("user is not tracked by the bot")
	ErrProtectedUser    = errors.New("user is protected")
	ErrPermissionDenied = errors.New("permission denied")
	ErrManagerExists    = errors.New("manager already exists")
	ErrManagerNotFound  = errors.New("manager not found")
	ErrInvalidConfig    = errors.New("invalid zivpn config")
	ErrInvalidManagerID = errors.New("telegram id must be a positive integer")
	ErrPrincipalManager = errors.New("the principal admin cannot be changed")
)
