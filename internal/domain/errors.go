package domain

import "errors"

// Escrow error taxonomy. Callers classify with errors.Is; components wrap with context.
var (
	ErrInvalidAllocation = errors.New("Invalid milestone allocation")
	ErrNotAuthorized     = errors.New("Not authorized")
	ErrInvalidState      = errors.New("Invalid state")
	ErrAlreadyApproved   = errors.New("Already approved")
	ErrAlreadyReleased   = errors.New("Already released")
	ErrTransferFailed    = errors.New("Transfer failed")
	ErrProjectNotFound   = errors.New("Project not found")
	ErrMilestoneNotFound = errors.New("Milestone not found")

	// ErrReleasePending means the payout was handed to the ledger but is not confirmed yet.
	ErrReleasePending = errors.New("Release pending confirmation")
	ErrInvalidInput   = errors.New("Invalid input")
)
