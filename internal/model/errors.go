package model

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the engine wraps exactly one of
// these, so callers classify with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrOwnership          = errors.New("ownership error")
	ErrState              = errors.New("state error")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrUnauthorized       = errors.New("authorization error")
	ErrNotLiquidatable    = errors.New("position not liquidatable")
	ErrPaused             = errors.New("engine paused")
)

// Specific validation and state failures.
var (
	ErrInvalidLeverage     = fmt.Errorf("%w: invalid leverage", ErrValidation)
	ErrInstrumentInactive  = fmt.Errorf("%w: instrument inactive", ErrValidation)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrValidation)
	ErrInvalidAmount       = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidInstrument   = fmt.Errorf("%w: invalid instrument", ErrValidation)
	ErrExposureLimit       = fmt.Errorf("%w: exposure limit exceeded", ErrValidation)
	ErrAlreadyExists       = fmt.Errorf("%w: already exists", ErrValidation)

	ErrPositionNotActive = fmt.Errorf("%w: position not active", ErrState)
	ErrConflict          = fmt.Errorf("%w: concurrent modification", ErrState)
)
