package strom

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("strom: no store configured")
	ErrStoreClosed      = errors.New("strom: store closed")
	ErrStoreUnavailable = errors.New("strom: queue store unavailable")

	// Validation errors.
	ErrValidation      = errors.New("strom: payload validation failed")
	ErrInvalidArgument = errors.New("strom: invalid argument")

	// Not found errors.
	ErrJobNotFound      = errors.New("strom: job not found")
	ErrQueueNotFound    = errors.New("strom: queue not found")
	ErrScheduleNotFound = errors.New("strom: schedule entry not found")
	ErrChainNotFound    = errors.New("strom: dependency chain not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("strom: job already exists")

	// State errors.
	ErrInvalidState = errors.New("strom: operation illegal for job state")
	ErrPoolScaling  = errors.New("strom: scaling already in progress for pool")
	ErrQueuePaused  = errors.New("strom: queue is paused")
)
