package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors returned by ledger operations. Callers match them with
// errors.Is; every returned error wraps one of these with entity ids and the
// computed figures that caused the failure.
var (
	// ErrNotFound means a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the entity is not in a state that permits the
	// operation, e.g. approving a non-PENDING transfer.
	ErrInvalidState = errors.New("invalid state")

	// ErrCapacityExceeded means the percentage-sum or credit-sum invariant
	// would be violated by the mutation.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInsufficientReserve means a draw was attempted beyond a reserve's
	// remaining amount.
	ErrInsufficientReserve = errors.New("insufficient reserve")

	// ErrTransferNotAllowed means the underlying contract forbids transfer.
	ErrTransferNotAllowed = errors.New("transfer not allowed")

	// ErrDuplicatePendingTransfer means another PENDING transfer already
	// exists for the same ownership or contract.
	ErrDuplicatePendingTransfer = errors.New("duplicate pending transfer")

	// ErrConcurrentModification means a lock or version conflict was detected
	// during commit. Callers may retry the whole operation; all operations
	// recompute from current state, so a retry is safe.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrNoSurplus means the source phase holds no surplus carbon to deposit.
	ErrNoSurplus = errors.New("no surplus")
)

func notFoundErr(entity string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

func invalidStateErr(entity string, id uuid.UUID, status string) error {
	return fmt.Errorf("%s %s is %s: %w", entity, id, status, ErrInvalidState)
}

func capacityExceededErr(kind string, id uuid.UUID, current, requested, limit decimal.Decimal) error {
	return fmt.Errorf("%s %s: current %s + requested %s exceeds %s: %w",
		kind, id, current, requested, limit, ErrCapacityExceeded)
}
