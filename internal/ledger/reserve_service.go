package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AllocationResult is the outcome of one reserve draw. Unfulfilled is the
// portion of the requested amount the project's reserves could not cover;
// a nonzero value is a soft condition, not an error. The caller decides
// whether to top up by purchase instead.
type AllocationResult struct {
	Allocations []ReserveAllocation `json:"allocations"`
	Requested   decimal.Decimal     `json:"requested"`
	Unfulfilled decimal.Decimal     `json:"unfulfilled"`
}

// ReserveService moves a phase's carbon surplus into the project's pooled
// reserves and later drains the pool to satisfy a target phase's deficit.
type ReserveService interface {
	DepositSurplus(ctx context.Context, phaseID uuid.UUID) (*Reserve, error)
	AllocateFromReserve(ctx context.Context, projectID, targetPhaseID uuid.UUID, requestedAmount decimal.Decimal, notes string) (*AllocationResult, error)
	GetReserve(ctx context.Context, id uuid.UUID) (*Reserve, error)
}

type reserveService struct {
	repo   Repository
	recalc *RecalcService
	logger *zap.Logger
}

// NewReserveService creates the reserve allocation engine.
func NewReserveService(repo Repository, recalc *RecalcService, logger *zap.Logger) ReserveService {
	return &reserveService{repo: repo, recalc: recalc, logger: logger}
}

// DepositSurplus harvests the source phase's surplus (acquired minus target
// carbon, per the cascade's last output) into a new AVAILABLE reserve.
func (s *reserveService) DepositSurplus(ctx context.Context, phaseID uuid.UUID) (*Reserve, error) {
	var reserve *Reserve
	err := s.repo.Atomically(ctx, func(tx Repository) error {
		phase, err := tx.GetPhaseForUpdate(ctx, phaseID)
		if err != nil {
			return err
		}
		surplus := phase.CurrentCarbon.Sub(phase.TargetCarbon)
		if !surplus.IsPositive() {
			return fmt.Errorf("phase %s: acquired %s, target %s: %w",
				phaseID, phase.CurrentCarbon, phase.TargetCarbon, ErrNoSurplus)
		}
		reserve = &Reserve{
			ProjectID:       phase.ProjectID,
			SourcePhaseID:   phaseID,
			CarbonAmount:    surplus,
			RemainingAmount: surplus,
			Status:          ReserveStatusAvailable,
		}
		return tx.CreateReserve(ctx, reserve)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("surplus deposited to reserve",
		zap.String("reserve_id", reserve.ID.String()),
		zap.String("source_phase_id", phaseID.String()),
		zap.String("amount", reserve.CarbonAmount.String()))
	return reserve, nil
}

// AllocateFromReserve drains the project's AVAILABLE, non-expired reserves
// oldest-first until the requested amount is covered or the pool is
// exhausted. Expiry is evaluated here, at allocation time, not eagerly swept.
func (s *reserveService) AllocateFromReserve(ctx context.Context, projectID, targetPhaseID uuid.UUID, requestedAmount decimal.Decimal, notes string) (*AllocationResult, error) {
	if !requestedAmount.IsPositive() {
		return nil, fmt.Errorf("requested amount %s must be positive: %w", requestedAmount, ErrInvalidState)
	}

	result := &AllocationResult{Requested: requestedAmount}
	err := s.repo.Atomically(ctx, func(tx Repository) error {
		phase, err := tx.GetPhase(ctx, targetPhaseID)
		if err != nil {
			return err
		}
		if phase.ProjectID != projectID {
			return fmt.Errorf("phase %s does not belong to project %s: %w",
				targetPhaseID, projectID, ErrInvalidState)
		}

		reserves, err := tx.ListAvailableReservesForUpdate(ctx, projectID)
		if err != nil {
			return err
		}

		now := time.Now()
		allocationDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		remaining := requestedAmount

		for i := range reserves {
			if remaining.IsZero() {
				break
			}
			reserve := &reserves[i]
			if reserve.ExpiredAt(now) {
				continue
			}

			draw := decimal.Min(remaining, reserve.RemainingAmount)
			if !draw.IsPositive() {
				continue
			}
			if err := reserveHasCapacity(reserve, draw); err != nil {
				return err
			}

			allocation := ReserveAllocation{
				ReserveID:       reserve.ID,
				TargetPhaseID:   targetPhaseID,
				AllocatedAmount: draw,
				AllocationDate:  allocationDate,
				Notes:           notes,
			}
			if err := tx.CreateReserveAllocation(ctx, &allocation); err != nil {
				return err
			}

			reserve.RemainingAmount = reserve.RemainingAmount.Sub(draw)
			if reserve.RemainingAmount.IsZero() {
				if err := reserve.transition(ReserveStatusAllocated); err != nil {
					return err
				}
			}
			if err := tx.UpdateReserve(ctx, reserve); err != nil {
				return err
			}

			result.Allocations = append(result.Allocations, allocation)
			remaining = remaining.Sub(draw)
		}

		result.Unfulfilled = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The draws are committed; a cascade failure is recoverable by any later
	// recomputation and must not mask them.
	if err := s.recalc.Cascade(ctx, projectID, targetPhaseID); err != nil {
		s.logger.Error("failed to recompute aggregates after reserve allocation",
			zap.String("project_id", projectID.String()),
			zap.String("target_phase_id", targetPhaseID.String()),
			zap.Error(err))
	}

	if result.Unfulfilled.IsPositive() {
		s.logger.Warn("reserve allocation partially fulfilled",
			zap.String("project_id", projectID.String()),
			zap.String("target_phase_id", targetPhaseID.String()),
			zap.String("requested", requestedAmount.String()),
			zap.String("unfulfilled", result.Unfulfilled.String()))
	}
	return result, nil
}

func (s *reserveService) GetReserve(ctx context.Context, id uuid.UUID) (*Reserve, error) {
	return s.repo.GetReserve(ctx, id)
}
