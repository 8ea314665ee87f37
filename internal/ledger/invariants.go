package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var fullPercentage = decimal.NewFromInt(100)

// The checks below are pure; they are evaluated only over rows the calling
// operation has already locked in its transaction, never over stale reads.

// percentageFits verifies that adding newPercentage to the project's ACTIVE
// and PENDING ownership percentages (excluding the row being updated, if any)
// stays within 100.00.
func percentageFits(ownerships []Ownership, excludeID uuid.UUID, newPercentage decimal.Decimal) error {
	sum := decimal.Zero
	var projectID uuid.UUID
	for _, o := range ownerships {
		if o.ID == excludeID {
			projectID = o.ProjectID
			continue
		}
		projectID = o.ProjectID
		if o.Status == OwnershipStatusActive || o.Status == OwnershipStatusPending {
			sum = sum.Add(o.CarbonPercentage)
		}
	}
	if sum.Add(newPercentage).GreaterThan(fullPercentage) {
		return capacityExceededErr("project", projectID, sum, newPercentage, fullPercentage)
	}
	return nil
}

// creditsFit verifies that setting one allocation of the batch to newAllocated
// credits (excluding the row being updated, if any) stays within the batch's
// issued total.
func creditsFit(batch *Credit, allocations []CreditAllocation, excludeID uuid.UUID, newAllocated int64) error {
	var sum int64
	for _, a := range allocations {
		if a.ID == excludeID {
			continue
		}
		sum += a.AllocatedCredits
	}
	if sum+newAllocated > batch.TotalCredits {
		return capacityExceededErr("credit batch", batch.ID,
			decimal.NewFromInt(sum), decimal.NewFromInt(newAllocated), decimal.NewFromInt(batch.TotalCredits))
	}
	return nil
}

// reserveHasCapacity verifies a hypothetical debit leaves the reserve
// non-negative.
func reserveHasCapacity(r *Reserve, amount decimal.Decimal) error {
	if r.RemainingAmount.Sub(amount).IsNegative() {
		return fmt.Errorf("reserve %s: remaining %s, requested %s: %w",
			r.ID, r.RemainingAmount, amount, ErrInsufficientReserve)
	}
	return nil
}

// validPercentage verifies 0 < p ≤ 100 with at least two fraction digits of
// representable precision.
func validPercentage(p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThan(fullPercentage) {
		return fmt.Errorf("percentage %s out of range (0, 100]: %w", p, ErrInvalidState)
	}
	return nil
}
