package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecalcService recomputes phase-level aggregates from their purchases and
// reserve allocations, then project-level aggregates from their phases. Both
// steps re-sum current child rows instead of applying deltas, so they are
// idempotent and safe to re-run after partial failures.
type RecalcService struct {
	repo   Repository
	logger *zap.Logger
}

// NewRecalcService creates the recomputation cascade.
func NewRecalcService(repo Repository, logger *zap.Logger) *RecalcService {
	return &RecalcService{repo: repo, logger: logger}
}

// RecalculatePhase re-sums the phase's actual cost and acquired carbon from
// its approved purchases and the reserve allocations targeting it.
func (s *RecalcService) RecalculatePhase(ctx context.Context, phaseID uuid.UUID) (*ProjectPhase, error) {
	var phase *ProjectPhase
	err := s.repo.Atomically(ctx, func(tx Repository) error {
		var err error
		phase, err = recalculatePhase(ctx, tx, phaseID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("phase aggregates recomputed",
		zap.String("phase_id", phaseID.String()),
		zap.String("current_carbon", phase.CurrentCarbon.String()),
		zap.String("actual_cost", phase.ActualCost.String()))
	return phase, nil
}

// RecalculateProject re-sums budget, target and current carbon over all
// phases of the project.
func (s *RecalcService) RecalculateProject(ctx context.Context, projectID uuid.UUID) (*Project, error) {
	var project *Project
	err := s.repo.Atomically(ctx, func(tx Repository) error {
		var err error
		project, err = recalculateProject(ctx, tx, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("project aggregates recomputed",
		zap.String("project_id", projectID.String()),
		zap.String("current_carbon", project.CurrentCarbon.String()))
	return project, nil
}

// Cascade recomputes the given phase, then its project. Engines call this
// after every mutation that changes acquired-carbon or spent-budget figures.
func (s *RecalcService) Cascade(ctx context.Context, projectID uuid.UUID, phaseIDs ...uuid.UUID) error {
	for _, phaseID := range phaseIDs {
		if _, err := s.RecalculatePhase(ctx, phaseID); err != nil {
			return fmt.Errorf("recalculate phase %s: %w", phaseID, err)
		}
	}
	if _, err := s.RecalculateProject(ctx, projectID); err != nil {
		return fmt.Errorf("recalculate project %s: %w", projectID, err)
	}
	return nil
}

func recalculatePhase(ctx context.Context, tx Repository, phaseID uuid.UUID) (*ProjectPhase, error) {
	phase, err := tx.GetPhaseForUpdate(ctx, phaseID)
	if err != nil {
		return nil, err
	}

	purchases, err := tx.ListPurchasesByPhase(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	actualCost := decimal.Zero
	currentCarbon := decimal.Zero
	for _, p := range purchases {
		if p.Status != PurchaseStatusApproved {
			continue
		}
		actualCost = actualCost.Add(p.Cost)
		currentCarbon = currentCarbon.Add(p.ActualCarbon)
	}

	reserveAllocs, err := tx.ListReserveAllocationsByPhase(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	for _, a := range reserveAllocs {
		currentCarbon = currentCarbon.Add(a.AllocatedAmount)
	}

	phase.ActualCost = actualCost
	phase.CurrentCarbon = currentCarbon
	if err := tx.UpdatePhaseAggregates(ctx, phase); err != nil {
		return nil, err
	}
	return phase, nil
}

func recalculateProject(ctx context.Context, tx Repository, projectID uuid.UUID) (*Project, error) {
	project, err := tx.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	phases, err := tx.ListPhases(ctx, projectID)
	if err != nil {
		return nil, err
	}

	budget := decimal.Zero
	targetCarbon := decimal.Zero
	currentCarbon := decimal.Zero
	for _, p := range phases {
		budget = budget.Add(p.Budget)
		targetCarbon = targetCarbon.Add(p.TargetCarbon)
		currentCarbon = currentCarbon.Add(p.CurrentCarbon)
	}

	project.Budget = budget
	project.TargetCarbon = targetCarbon
	project.CurrentCarbon = currentCarbon
	if err := tx.UpdateProjectAggregates(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}
