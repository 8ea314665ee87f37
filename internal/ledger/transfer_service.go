package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agrocarbon/credit-ledger-backend/internal/notifications"
)

// RequestTransferRequest carries the inputs for a new transfer request.
// Exactly one of OwnershipID and ContractID must be set; the contract-level
// variant moves every active ownership the sender holds under the contract.
type RequestTransferRequest struct {
	OwnershipID        *uuid.UUID       `json:"ownership_id"`
	ContractID         *uuid.UUID       `json:"contract_id"`
	FromOwnerID        uuid.UUID        `json:"from_owner_id"`
	ToOwnerID          uuid.UUID        `json:"to_owner_id"`
	TransferPercentage decimal.Decimal  `json:"transfer_percentage"`
	TransferPrice      *decimal.Decimal `json:"transfer_price"`
	Notes              string           `json:"notes"`
}

// TransferService orchestrates full and partial transfer of ownership
// records and, in lockstep, of the credit allocations tied to the same
// contract.
type TransferService interface {
	RequestTransfer(ctx context.Context, req RequestTransferRequest) (*OwnershipTransfer, error)
	ApproveTransfer(ctx context.Context, transferID, approverID uuid.UUID) (*OwnershipTransfer, error)
	RejectTransfer(ctx context.Context, transferID uuid.UUID, reason string) (*OwnershipTransfer, error)
	CancelTransfer(ctx context.Context, transferID uuid.UUID) (*OwnershipTransfer, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error)
	ListTransfers(ctx context.Context, f TransferFilter) ([]OwnershipTransfer, error)
}

type transferService struct {
	repo     Repository
	notifier notifications.Notifier
	recalc   *RecalcService
	logger   *zap.Logger
}

// NewTransferService creates the ownership transfer engine.
func NewTransferService(repo Repository, notifier notifications.Notifier, recalc *RecalcService, logger *zap.Logger) TransferService {
	return &transferService{repo: repo, notifier: notifier, recalc: recalc, logger: logger}
}

func (s *transferService) RequestTransfer(ctx context.Context, req RequestTransferRequest) (*OwnershipTransfer, error) {
	if (req.OwnershipID == nil) == (req.ContractID == nil) {
		return nil, fmt.Errorf("exactly one of ownership_id and contract_id must be set: %w", ErrInvalidState)
	}
	if err := validPercentage(req.TransferPercentage); err != nil {
		return nil, err
	}
	if req.FromOwnerID == req.ToOwnerID {
		return nil, fmt.Errorf("transfer to the same owner: %w", ErrInvalidState)
	}

	transfer := &OwnershipTransfer{
		OwnershipID:        req.OwnershipID,
		ContractID:         req.ContractID,
		FromOwnerID:        req.FromOwnerID,
		ToOwnerID:          req.ToOwnerID,
		TransferPercentage: req.TransferPercentage,
		TransferPrice:      req.TransferPrice,
		Notes:              req.Notes,
		Status:             TransferStatusPending,
	}

	err := s.repo.Atomically(ctx, func(tx Repository) error {
		var contractID uuid.UUID
		if req.OwnershipID != nil {
			ownership, err := tx.GetOwnership(ctx, *req.OwnershipID)
			if err != nil {
				return err
			}
			if ownership.Status != OwnershipStatusActive {
				return invalidStateErr("ownership", ownership.ID, string(ownership.Status))
			}
			if ownership.OwnerID != req.FromOwnerID {
				return fmt.Errorf("ownership %s is not held by %s: %w",
					ownership.ID, req.FromOwnerID, ErrInvalidState)
			}
			contractID = ownership.ContractID
		} else {
			contractID = *req.ContractID
		}

		// The contract row is the anchor serializing the duplicate-pending
		// check: HasPendingTransfer cannot see a concurrent request's insert,
		// so both requests must queue on the same lock first.
		contract, err := tx.GetContractForUpdate(ctx, contractID)
		if err != nil {
			return err
		}
		if !contract.TransferAllowed {
			return fmt.Errorf("contract %s: %w", contract.ID, ErrTransferNotAllowed)
		}

		pending, err := tx.HasPendingTransfer(ctx, req.OwnershipID, req.ContractID)
		if err != nil {
			return err
		}
		if pending {
			return fmt.Errorf("target already has a pending transfer: %w", ErrDuplicatePendingTransfer)
		}

		return tx.CreateTransfer(ctx, transfer)
	})
	if err != nil {
		return nil, err
	}

	// The approval queue is an external collaborator; a failed publish never
	// rolls back the recorded request.
	ev := notifications.TransferRequestedEvent{
		TransferID:  transfer.ID,
		OwnershipID: transfer.OwnershipID,
		ContractID:  transfer.ContractID,
		FromOwnerID: transfer.FromOwnerID,
		ToOwnerID:   transfer.ToOwnerID,
		Percentage:  transfer.TransferPercentage.String(),
		RequestedAt: transfer.CreatedAt,
	}
	if err := s.notifier.TransferRequested(ctx, ev); err != nil {
		s.logger.Warn("failed to notify approval queue",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err))
	}

	return transfer, nil
}

// ApproveTransfer applies the transfer as a single atomic unit: the ownership
// split or reassignment, and the lockstep credit-allocation moves, commit
// together or not at all. The row locks taken up front serialize concurrent
// approvals against the same ownership, contract or allocation set.
func (s *transferService) ApproveTransfer(ctx context.Context, transferID, approverID uuid.UUID) (*OwnershipTransfer, error) {
	var transfer *OwnershipTransfer
	var projectID uuid.UUID

	err := s.repo.Atomically(ctx, func(tx Repository) error {
		var err error
		transfer, err = tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if err := transfer.transition(TransferStatusApproved); err != nil {
			return err
		}

		now := time.Now()
		if transfer.OwnershipID != nil {
			ownership, err := tx.GetOwnershipForUpdate(ctx, *transfer.OwnershipID)
			if err != nil {
				return err
			}
			projectID = ownership.ProjectID
			if err := s.applyOwnershipTransfer(ctx, tx, transfer, ownership, false, now); err != nil {
				return err
			}
			if err := s.applyAllocationTransfers(ctx, tx, transfer, ownership.ContractID); err != nil {
				return err
			}
		} else {
			owned, err := tx.ListOwnershipsForUpdate(ctx, OwnershipFilter{
				ContractID: transfer.ContractID,
				OwnerID:    &transfer.FromOwnerID,
				Statuses:   []OwnershipStatus{OwnershipStatusActive},
			})
			if err != nil {
				return err
			}
			if len(owned) == 0 {
				return fmt.Errorf("contract %s has no active ownerships held by %s: %w",
					*transfer.ContractID, transfer.FromOwnerID, ErrInvalidState)
			}
			projectID = owned[0].ProjectID
			for i := range owned {
				if err := s.applyOwnershipTransfer(ctx, tx, transfer, &owned[i], true, now); err != nil {
					return err
				}
			}
			if err := s.applyAllocationTransfers(ctx, tx, transfer, *transfer.ContractID); err != nil {
				return err
			}
		}

		transferDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		transfer.ApprovedBy = &approverID
		transfer.ApprovedAt = &now
		transfer.TransferDate = &transferDate
		if err := transfer.transition(TransferStatusCompleted); err != nil {
			return err
		}
		return tx.UpdateTransfer(ctx, transfer)
	})
	if err != nil {
		return nil, err
	}

	// The transfer is durably COMPLETED at this point. The cascade is an
	// idempotent re-sum, so a failure here is recoverable by any later
	// recomputation and must not turn the committed approval into an error.
	if err := s.recalc.Cascade(ctx, projectID); err != nil {
		s.logger.Error("failed to recompute aggregates after transfer",
			zap.String("transfer_id", transferID.String()),
			zap.String("project_id", projectID.String()),
			zap.Error(err))
	}

	s.logger.Info("transfer completed",
		zap.String("transfer_id", transferID.String()),
		zap.String("approved_by", approverID.String()),
		zap.String("percentage", transfer.TransferPercentage.String()))
	return transfer, nil
}

// applyOwnershipTransfer moves the requested share of one ownership.
//
// A full transfer at ownership level reassigns the row to the new owner. At
// contract level it marks the source row TRANSFERRED and creates a successor
// for the new owner, preserving the handover trail. A partial transfer splits
// the row: the two resulting percentages sum exactly to the pre-transfer
// value.
func (s *transferService) applyOwnershipTransfer(ctx context.Context, tx Repository, transfer *OwnershipTransfer, ownership *Ownership, contractLevel bool, now time.Time) error {
	if ownership.Status != OwnershipStatusActive {
		return invalidStateErr("ownership", ownership.ID, string(ownership.Status))
	}

	startDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if transfer.Full() {
		if !contractLevel {
			ownership.OwnerID = transfer.ToOwnerID
			return tx.UpdateOwnership(ctx, ownership)
		}
		successor := &Ownership{
			ContractID:       ownership.ContractID,
			ProjectID:        ownership.ProjectID,
			TreeSpeciesID:    ownership.TreeSpeciesID,
			OwnerID:          transfer.ToOwnerID,
			StartDate:        startDate,
			EndDate:          ownership.EndDate,
			CarbonPercentage: ownership.CarbonPercentage,
			Status:           OwnershipStatusActive,
		}
		if err := ownership.transition(OwnershipStatusTransferred); err != nil {
			return err
		}
		if err := tx.UpdateOwnership(ctx, ownership); err != nil {
			return err
		}
		return tx.CreateOwnership(ctx, successor)
	}

	// Split. Shift(-2) divides by 100 exactly; no rounding at this layer.
	portion := ownership.CarbonPercentage.Mul(transfer.TransferPercentage.Shift(-2))
	ownership.CarbonPercentage = ownership.CarbonPercentage.Sub(portion)
	if err := tx.UpdateOwnership(ctx, ownership); err != nil {
		return err
	}

	split := &Ownership{
		ContractID:       ownership.ContractID,
		ProjectID:        ownership.ProjectID,
		TreeSpeciesID:    ownership.TreeSpeciesID,
		OwnerID:          transfer.ToOwnerID,
		StartDate:        startDate,
		EndDate:          ownership.EndDate,
		CarbonPercentage: portion,
		Status:           OwnershipStatusActive,
	}
	return tx.CreateOwnership(ctx, split)
}

// applyAllocationTransfers moves credit allocations under the contract in
// lockstep with the ownership move. Credits are whole units: a partial
// transfer moves floor(p% * allocated) credits, and the discarded fraction
// (always < 1 credit) is recorded on the transfer and logged.
func (s *transferService) applyAllocationTransfers(ctx context.Context, tx Repository, transfer *OwnershipTransfer, contractID uuid.UUID) error {
	allocations, err := tx.ListAllocationsForUpdate(ctx, AllocationFilter{
		ContractID: &contractID,
		OwnerID:    &transfer.FromOwnerID,
	})
	if err != nil {
		return err
	}

	var dustNotes []string
	checked := make(map[uuid.UUID]struct{})
	for i := range allocations {
		alloc := &allocations[i]

		// A move conserves the batch total, so it is only sound on a batch
		// that already satisfies the issued-total invariant. Refuse to
		// shuffle an over-allocated batch.
		if _, done := checked[alloc.CreditID]; !done {
			batch, err := tx.GetCredit(ctx, alloc.CreditID)
			if err != nil {
				return err
			}
			batchAllocs, err := tx.ListAllocationsForUpdate(ctx, AllocationFilter{CreditID: &alloc.CreditID})
			if err != nil {
				return err
			}
			if err := creditsFit(batch, batchAllocs, alloc.ID, alloc.AllocatedCredits); err != nil {
				return err
			}
			checked[alloc.CreditID] = struct{}{}
		}

		if transfer.Full() {
			alloc.OwnerID = transfer.ToOwnerID
			if err := tx.UpdateAllocation(ctx, alloc); err != nil {
				return err
			}
			continue
		}

		raw := decimal.NewFromInt(alloc.AllocatedCredits).Mul(transfer.TransferPercentage.Shift(-2))
		moved := raw.Floor()
		dust := raw.Sub(moved)
		movedCredits := moved.IntPart()

		if !dust.IsZero() {
			dustNotes = append(dustNotes,
				fmt.Sprintf("allocation %s: %s credit remainder discarded by floor rounding", alloc.ID, dust))
			s.logger.Warn("credit remainder discarded on partial transfer",
				zap.String("transfer_id", transfer.ID.String()),
				zap.String("allocation_id", alloc.ID.String()),
				zap.String("remainder", dust.String()))
		}
		if movedCredits == 0 {
			continue
		}

		portionPct := alloc.AllocationPercentage.Mul(transfer.TransferPercentage.Shift(-2))
		alloc.AllocatedCredits -= movedCredits
		alloc.AllocationPercentage = alloc.AllocationPercentage.Sub(portionPct)
		if err := tx.UpdateAllocation(ctx, alloc); err != nil {
			return err
		}

		moveTo := &CreditAllocation{
			CreditID:             alloc.CreditID,
			ContractID:           alloc.ContractID,
			OwnerID:              transfer.ToOwnerID,
			AllocatedCredits:     movedCredits,
			AllocationPercentage: portionPct,
		}
		if err := tx.CreateAllocation(ctx, moveTo); err != nil {
			return err
		}
	}

	if len(dustNotes) > 0 {
		if transfer.Notes != "" {
			transfer.Notes += "\n"
		}
		transfer.Notes += strings.Join(dustNotes, "\n")
	}
	return nil
}

func (s *transferService) RejectTransfer(ctx context.Context, transferID uuid.UUID, reason string) (*OwnershipTransfer, error) {
	return s.finalize(ctx, transferID, TransferStatusRejected, reason)
}

func (s *transferService) CancelTransfer(ctx context.Context, transferID uuid.UUID) (*OwnershipTransfer, error) {
	return s.finalize(ctx, transferID, TransferStatusCancelled, "")
}

// finalize moves a PENDING transfer to a terminal state without touching the
// ledger.
func (s *transferService) finalize(ctx context.Context, transferID uuid.UUID, to TransferStatus, reason string) (*OwnershipTransfer, error) {
	var transfer *OwnershipTransfer
	err := s.repo.Atomically(ctx, func(tx Repository) error {
		var err error
		transfer, err = tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if err := transfer.transition(to); err != nil {
			return err
		}
		if reason != "" {
			if transfer.Notes != "" {
				transfer.Notes += "\n"
			}
			transfer.Notes += reason
		}
		return tx.UpdateTransfer(ctx, transfer)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("transfer finalized",
		zap.String("transfer_id", transferID.String()),
		zap.String("status", string(to)))
	return transfer, nil
}

func (s *transferService) GetTransfer(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

func (s *transferService) ListTransfers(ctx context.Context, f TransferFilter) ([]OwnershipTransfer, error) {
	return s.repo.ListTransfers(ctx, f)
}
