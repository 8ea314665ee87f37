package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// expiringSoonWindow is how far ahead the summary looks for ownerships whose
// end date is coming up.
const expiringSoonWindow = 30 * 24 * time.Hour

// CreateOwnershipRequest carries the inputs for a new ownership claim.
type CreateOwnershipRequest struct {
	ContractID       uuid.UUID       `json:"contract_id"`
	ProjectID        uuid.UUID       `json:"project_id"`
	TreeSpeciesID    *uuid.UUID      `json:"tree_species_id"`
	OwnerID          uuid.UUID       `json:"owner_id"`
	StartDate        time.Time       `json:"start_date"`
	EndDate          *time.Time      `json:"end_date"`
	CarbonPercentage decimal.Decimal `json:"carbon_percentage"`
}

// UpdateOwnershipRequest carries partial updates; nil fields are untouched.
// Only PENDING and ACTIVE ownerships are mutable.
type UpdateOwnershipRequest struct {
	CarbonPercentage *decimal.Decimal `json:"carbon_percentage"`
	StartDate        *time.Time       `json:"start_date"`
	EndDate          *time.Time       `json:"end_date"`
}

// OwnershipSummary aggregates an owner's or a project's ownership position.
type OwnershipSummary struct {
	Total           int             `json:"total"`
	Active          int             `json:"active"`
	Pending         int             `json:"pending"`
	Expired         int             `json:"expired"`
	ExpiringSoon    int             `json:"expiring_soon"`
	TotalPercentage decimal.Decimal `json:"total_percentage"`
}

// OwnershipService manages ownership claims on a project's carbon yield.
type OwnershipService interface {
	CreateOwnership(ctx context.Context, req CreateOwnershipRequest) (*Ownership, error)
	GetOwnership(ctx context.Context, id uuid.UUID) (*Ownership, error)
	UpdateOwnership(ctx context.Context, id uuid.UUID, req UpdateOwnershipRequest) (*Ownership, error)
	DeleteOwnership(ctx context.Context, id uuid.UUID) error
	ActivateOwnership(ctx context.Context, id uuid.UUID) (*Ownership, error)
	TerminateOwnership(ctx context.Context, id uuid.UUID, reason string) (*Ownership, error)
	ListOwnerships(ctx context.Context, f OwnershipFilter) ([]Ownership, error)
	Summary(ctx context.Context, f OwnershipFilter) (*OwnershipSummary, error)
}

type ownershipService struct {
	repo   Repository
	logger *zap.Logger
}

// NewOwnershipService creates the ownership service.
func NewOwnershipService(repo Repository, logger *zap.Logger) OwnershipService {
	return &ownershipService{repo: repo, logger: logger}
}

func (s *ownershipService) CreateOwnership(ctx context.Context, req CreateOwnershipRequest) (*Ownership, error) {
	if err := validPercentage(req.CarbonPercentage); err != nil {
		return nil, err
	}
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("owner_id is required: %w", ErrInvalidState)
	}

	ownership := &Ownership{
		ContractID:       req.ContractID,
		ProjectID:        req.ProjectID,
		TreeSpeciesID:    req.TreeSpeciesID,
		OwnerID:          req.OwnerID,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		CarbonPercentage: req.CarbonPercentage,
		Status:           OwnershipStatusPending,
	}

	err := s.repo.Atomically(ctx, func(tx Repository) error {
		// The project row is the anchor serializing the percentage check:
		// locking only sibling rows cannot fence a concurrent insert, since
		// two inserters may see disjoint (or empty) sibling sets.
		if _, err := tx.GetProjectForUpdate(ctx, req.ProjectID); err != nil {
			return err
		}
		if _, err := tx.GetContract(ctx, req.ContractID); err != nil {
			return err
		}
		siblings, err := tx.ListOwnerships(ctx, OwnershipFilter{ProjectID: &req.ProjectID})
		if err != nil {
			return err
		}
		if err := percentageFits(siblings, uuid.Nil, req.CarbonPercentage); err != nil {
			return err
		}
		return tx.CreateOwnership(ctx, ownership)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ownership created",
		zap.String("ownership_id", ownership.ID.String()),
		zap.String("project_id", req.ProjectID.String()),
		zap.String("percentage", req.CarbonPercentage.String()))
	return ownership, nil
}

func (s *ownershipService) GetOwnership(ctx context.Context, id uuid.UUID) (*Ownership, error) {
	return s.repo.GetOwnership(ctx, id)
}

func (s *ownershipService) UpdateOwnership(ctx context.Context, id uuid.UUID, req UpdateOwnershipRequest) (*Ownership, error) {
	var ownership *Ownership
	err := s.repo.Atomically(ctx, func(tx Repository) error {
		var err error
		ownership, err = tx.GetOwnershipForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !ownership.Mutable() {
			return invalidStateErr("ownership", id, string(ownership.Status))
		}
		if req.CarbonPercentage != nil && !req.CarbonPercentage.Equal(ownership.CarbonPercentage) {
			if err := validPercentage(*req.CarbonPercentage); err != nil {
				return err
			}
			// Same anchor as CreateOwnership: the project lock fences
			// concurrent inserts the sibling snapshot cannot see.
			if _, err := tx.GetProjectForUpdate(ctx, ownership.ProjectID); err != nil {
				return err
			}
			siblings, err := tx.ListOwnerships(ctx, OwnershipFilter{ProjectID: &ownership.ProjectID})
			if err != nil {
				return err
			}
			if err := percentageFits(siblings, id, *req.CarbonPercentage); err != nil {
				return err
			}
			ownership.CarbonPercentage = *req.CarbonPercentage
		}
		if req.StartDate != nil {
			ownership.StartDate = *req.StartDate
		}
		if req.EndDate != nil {
			ownership.EndDate = req.EndDate
		}
		return tx.UpdateOwnership(ctx, ownership)
	})
	if err != nil {
		return nil, err
	}
	return ownership, nil
}

func (s *ownershipService) DeleteOwnership(ctx context.Context, id uuid.UUID) error {
	return s.repo.Atomically(ctx, func(tx Repository) error {
		ownership, err := tx.GetOwnershipForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if ownership.Status != OwnershipStatusPending {
			return invalidStateErr("ownership", id, string(ownership.Status))
		}
		return tx.DeleteOwnership(ctx, id)
	})
}

func (s *ownershipService) ActivateOwnership(ctx context.Context, id uuid.UUID) (*Ownership, error) {
	return s.setStatus(ctx, id, OwnershipStatusActive, "")
}

func (s *ownershipService) TerminateOwnership(ctx context.Context, id uuid.UUID, reason string) (*Ownership, error) {
	return s.setStatus(ctx, id, OwnershipStatusTerminated, reason)
}

func (s *ownershipService) setStatus(ctx context.Context, id uuid.UUID, to OwnershipStatus, reason string) (*Ownership, error) {
	var ownership *Ownership
	err := s.repo.Atomically(ctx, func(tx Repository) error {
		var err error
		ownership, err = tx.GetOwnershipForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := ownership.transition(to); err != nil {
			return err
		}
		return tx.UpdateOwnership(ctx, ownership)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ownership status changed",
		zap.String("ownership_id", id.String()),
		zap.String("status", string(to)),
		zap.String("reason", reason))
	return ownership, nil
}

func (s *ownershipService) ListOwnerships(ctx context.Context, f OwnershipFilter) ([]Ownership, error) {
	return s.repo.ListOwnerships(ctx, f)
}

// Summary runs on a snapshot read; it is not required to observe in-flight
// mutations atomically.
func (s *ownershipService) Summary(ctx context.Context, f OwnershipFilter) (*OwnershipSummary, error) {
	ownerships, err := s.repo.ListOwnerships(ctx, f)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	summary := &OwnershipSummary{TotalPercentage: decimal.Zero}
	for _, o := range ownerships {
		summary.Total++
		switch o.Status {
		case OwnershipStatusActive:
			summary.Active++
			if o.EndDate != nil && o.EndDate.After(now) && o.EndDate.Before(now.Add(expiringSoonWindow)) {
				summary.ExpiringSoon++
			}
		case OwnershipStatusPending:
			summary.Pending++
		case OwnershipStatusExpired:
			summary.Expired++
		}
		if o.Status == OwnershipStatusActive || o.Status == OwnershipStatusPending {
			summary.TotalPercentage = summary.TotalPercentage.Add(o.CarbonPercentage)
		}
	}
	return summary, nil
}
