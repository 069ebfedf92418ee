package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
	ErrPaused        = errors.New("execution paused")
	ErrDuplicate     = errors.New("opportunity already consumed")
)

// Protocol violations. Always rejected locally with the specific cause.
var (
	ErrInvalidCommitment   = errors.New("invalid commitment")
	ErrCommitmentExists    = errors.New("commitment already exists")
	ErrCommitmentNotFound  = errors.New("commitment not found")
	ErrCommitmentTooRecent = errors.New("commitment too recent")
	ErrCommitmentExpired   = errors.New("commitment expired")
	ErrCommitmentUsed      = errors.New("commitment already used")
	ErrAlreadyRevealed     = errors.New("commitment already revealed")
)

// Economic rejections. Expected outcomes, never retried with the same parameters.
var (
	ErrUnprofitable          = errors.New("unprofitable")
	ErrGasPriceTooHigh       = errors.New("gas price too high")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// Execution faults.
var (
	ErrInclusionExhausted = errors.New("bundle not included within allowed blocks")
	ErrRelay              = errors.New("relay error")
	ErrCallReverted       = errors.New("call reverted")
	ErrMineTimeout        = errors.New("transaction not mined in time")
	ErrCancelled          = errors.New("cancelled")
)

// IsEconomicRejection reports whether err is an expected economic outcome
// rather than a fault.
func IsEconomicRejection(err error) bool {
	return errors.Is(err, ErrUnprofitable) ||
		errors.Is(err, ErrGasPriceTooHigh) ||
		errors.Is(err, ErrInsufficientLiquidity)
}
