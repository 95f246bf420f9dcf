package ledger

import "errors"

// Validation failures are rejected before any lock is taken and are never
// retried automatically. ErrConcurrencyConflict is retried inside the
// transaction runner a bounded number of times before it surfaces here.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidEntryType    = errors.New("invalid entry type")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSelfTransfer        = errors.New("cannot transfer to self")
	ErrAccountNotFound     = errors.New("account not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrOperationInProgress = errors.New("operation in progress")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different payload")
)
