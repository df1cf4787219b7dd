package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrDuplicateMessage   = errors.New("message already recorded")
	ErrUnknownApproval    = errors.New("approval request not found")
	ErrNotRequester       = errors.New("approvals can only be resolved by the original requester")
	ErrAlreadyResolved    = errors.New("approval already resolved")
	ErrPolicyRejected     = errors.New("request rejected by policy")
	ErrRunTerminal        = errors.New("run is already in a terminal state")
	ErrLeaseLost          = errors.New("job lease is no longer held by this worker")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)
