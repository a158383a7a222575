package entity

import "errors"

var (
	// Message errors
	ErrInvalidMessageRole = errors.New("invalid message role")

	// Checkpoint errors
	ErrInvalidCheckpointID    = errors.New("invalid checkpoint id")
	ErrCheckpointOutOfRange   = errors.New("checkpoint message index out of range")
	ErrNoCheckpointToRollback = errors.New("no checkpoint to roll back to")

	// Tool call errors
	ErrInvalidToolCallID = errors.New("invalid tool call id")
)
