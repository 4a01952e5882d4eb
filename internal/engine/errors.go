package engine

import "errors"

// Sentinel errors surfaced to the HTTP adapter. Per-fill balance
// shortfalls are intentionally absent: those are skipped, not failed.
var (
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketNotActive     = errors.New("market is not active")
	ErrOrderNotFound       = errors.New("order not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrNotOwner            = errors.New("not authorized to cancel this order")
	ErrOrderNotCancelable  = errors.New("order cannot be cancelled")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInvalidPrice        = errors.New("price must be strictly between 0 and 1")
	ErrInvalidQuantity     = errors.New("quantity must be a positive integer")
	ErrInvalidAmount       = errors.New("amount must be positive")
)
