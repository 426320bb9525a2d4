package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotRegistered         = errors.New("instrument not registered")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInvalidState          = errors.New("invalid state")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrClaimIneligible       = errors.New("coupon claim ineligible")
	ErrReentrantCall         = errors.New("reentrant call rejected")
	ErrLockHeld              = errors.New("lock already held")
)
