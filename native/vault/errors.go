package vault

import "errors"

// Validation errors reject a call before any state mutation or external call.
var (
	ErrInvalidAmount             = errors.New("vault: amount must be positive")
	ErrZeroAddress               = errors.New("vault: address must not be zero")
	ErrInsufficientShares        = errors.New("vault: insufficient shares")
	ErrMalformedRoute            = errors.New("vault: malformed swap route")
	ErrRouteInputNotReward       = errors.New("vault: route input is not a reward token")
	ErrRouteOutputNotWhitelisted = errors.New("vault: route output is not a settlement asset")
	ErrRouteIndexOutOfRange      = errors.New("vault: route index out of range")
	ErrNoRoutes                  = errors.New("vault: no routes configured")
	ErrRouteNotConfigured        = errors.New("vault: no route configured for harvest token")
	ErrRouteTokenMismatch        = errors.New("vault: harvest token does not match route input")
	ErrProtectedToken            = errors.New("vault: token is protected")
	ErrFeeOutOfBounds            = errors.New("vault: keeper fee out of bounds")
)

// Slippage errors abort the whole harvest.
var ErrSlippageExceeded = errors.New("vault: swap output below minimum")

// Authorization errors.
var (
	ErrUnauthorized = errors.New("vault: caller not authorized")
	ErrNotOwner     = errors.New("vault: caller is not the owner")
	ErrNotVault     = errors.New("vault: caller is not the vault")
)

// Degenerate-state errors indicate a broken invariant and are never expected
// during normal operation.
var (
	ErrInvariantViolation = errors.New("vault: invariant violation")
	ErrReentrantCall      = errors.New("vault: reentrant call")
	ErrNotConfigured      = errors.New("vault: strategy not configured")
)
