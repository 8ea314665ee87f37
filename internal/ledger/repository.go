package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OwnershipFilter narrows ownership queries. Zero-value fields are ignored.
type OwnershipFilter struct {
	ProjectID  *uuid.UUID
	ContractID *uuid.UUID
	OwnerID    *uuid.UUID
	Statuses   []OwnershipStatus
}

// TransferFilter narrows transfer queries. Zero-value fields are ignored.
type TransferFilter struct {
	OwnershipID *uuid.UUID
	ContractID  *uuid.UUID
	OwnerID     *uuid.UUID
	Status      *TransferStatus
}

// AllocationFilter narrows credit-allocation queries.
type AllocationFilter struct {
	CreditID   *uuid.UUID
	ContractID *uuid.UUID
	OwnerID    *uuid.UUID
}

// Repository is the durable keyed store for the ledger's record kinds.
//
// The ForUpdate variants take row-level locks and are only meaningful inside
// Atomically; every engine operation locks the rows it will mutate before
// evaluating invariants against them.
type Repository interface {
	// Atomically runs fn inside one transaction. Any error rolls back every
	// mutation made through the repository fn receives.
	Atomically(ctx context.Context, fn func(Repository) error) error

	CreateOwnership(ctx context.Context, o *Ownership) error
	GetOwnership(ctx context.Context, id uuid.UUID) (*Ownership, error)
	GetOwnershipForUpdate(ctx context.Context, id uuid.UUID) (*Ownership, error)
	ListOwnerships(ctx context.Context, f OwnershipFilter) ([]Ownership, error)
	ListOwnershipsForUpdate(ctx context.Context, f OwnershipFilter) ([]Ownership, error)
	// UpdateOwnership persists a mutated ownership using an optimistic version
	// check; it returns ErrConcurrentModification when the row changed since
	// it was read.
	UpdateOwnership(ctx context.Context, o *Ownership) error
	DeleteOwnership(ctx context.Context, id uuid.UUID) error

	CreateTransfer(ctx context.Context, t *OwnershipTransfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error)
	GetTransferForUpdate(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error)
	ListTransfers(ctx context.Context, f TransferFilter) ([]OwnershipTransfer, error)
	UpdateTransfer(ctx context.Context, t *OwnershipTransfer) error
	HasPendingTransfer(ctx context.Context, ownershipID, contractID *uuid.UUID) (bool, error)

	GetContract(ctx context.Context, id uuid.UUID) (*Contract, error)
	// GetContractForUpdate locks the contract row. It is the anchor that
	// serializes insert-side checks (duplicate pending transfers) that a
	// sibling-row lock cannot cover: concurrent inserts never conflict on
	// rows that do not exist yet.
	GetContractForUpdate(ctx context.Context, id uuid.UUID) (*Contract, error)
	GetCredit(ctx context.Context, id uuid.UUID) (*Credit, error)

	CreateAllocation(ctx context.Context, a *CreditAllocation) error
	UpdateAllocation(ctx context.Context, a *CreditAllocation) error
	ListAllocations(ctx context.Context, f AllocationFilter) ([]CreditAllocation, error)
	ListAllocationsForUpdate(ctx context.Context, f AllocationFilter) ([]CreditAllocation, error)

	CreateReserve(ctx context.Context, r *Reserve) error
	GetReserve(ctx context.Context, id uuid.UUID) (*Reserve, error)
	UpdateReserve(ctx context.Context, r *Reserve) error
	// ListAvailableReservesForUpdate returns AVAILABLE reserves of the project
	// locked FOR UPDATE, oldest first (FIFO depletion order). Expiry is not
	// filtered here; the engine evaluates it at allocation time.
	ListAvailableReservesForUpdate(ctx context.Context, projectID uuid.UUID) ([]Reserve, error)
	CreateReserveAllocation(ctx context.Context, a *ReserveAllocation) error
	ListReserveAllocationsByReserve(ctx context.Context, reserveID uuid.UUID) ([]ReserveAllocation, error)
	ListReserveAllocationsByPhase(ctx context.Context, phaseID uuid.UUID) ([]ReserveAllocation, error)

	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	// GetProjectForUpdate locks the project row, serializing percentage-sum
	// checks against concurrent ownership inserts on the same project.
	GetProjectForUpdate(ctx context.Context, id uuid.UUID) (*Project, error)
	UpdateProjectAggregates(ctx context.Context, p *Project) error
	GetPhase(ctx context.Context, id uuid.UUID) (*ProjectPhase, error)
	GetPhaseForUpdate(ctx context.Context, id uuid.UUID) (*ProjectPhase, error)
	ListPhases(ctx context.Context, projectID uuid.UUID) ([]ProjectPhase, error)
	UpdatePhaseAggregates(ctx context.Context, p *ProjectPhase) error
	ListPurchasesByPhase(ctx context.Context, phaseID uuid.UUID) ([]Purchase, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a PostgreSQL-backed ledger repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{},
		&ProjectPhase{},
		&Purchase{},
		&Contract{},
		&Credit{},
		&Ownership{},
		&OwnershipTransfer{},
		&CreditAllocation{},
		&Reserve{},
		&ReserveAllocation{},
	)
}

func (r *gormRepository) Atomically(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateOwnership(ctx context.Context, o *Ownership) error {
	if err := r.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("failed to create ownership: %w", err)
	}
	return nil
}

func (r *gormRepository) getOwnership(ctx context.Context, id uuid.UUID, lock bool) (*Ownership, error) {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var o Ownership
	err := q.Where("id = ?", id).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErr("ownership", id)
		}
		return nil, fmt.Errorf("failed to get ownership: %w", err)
	}
	return &o, nil
}

func (r *gormRepository) GetOwnership(ctx context.Context, id uuid.UUID) (*Ownership, error) {
	return r.getOwnership(ctx, id, false)
}

func (r *gormRepository) GetOwnershipForUpdate(ctx context.Context, id uuid.UUID) (*Ownership, error) {
	return r.getOwnership(ctx, id, true)
}

func applyOwnershipFilter(q *gorm.DB, f OwnershipFilter) *gorm.DB {
	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.ContractID != nil {
		q = q.Where("contract_id = ?", *f.ContractID)
	}
	if f.OwnerID != nil {
		q = q.Where("owner_id = ?", *f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	return q
}

func (r *gormRepository) listOwnerships(ctx context.Context, f OwnershipFilter, lock bool) ([]Ownership, error) {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []Ownership
	err := applyOwnershipFilter(q, f).Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ownerships: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) ListOwnerships(ctx context.Context, f OwnershipFilter) ([]Ownership, error) {
	return r.listOwnerships(ctx, f, false)
}

func (r *gormRepository) ListOwnershipsForUpdate(ctx context.Context, f OwnershipFilter) ([]Ownership, error) {
	return r.listOwnerships(ctx, f, true)
}

func (r *gormRepository) UpdateOwnership(ctx context.Context, o *Ownership) error {
	readVersion := o.Version
	o.Version++
	res := r.db.WithContext(ctx).Model(&Ownership{}).
		Where("id = ? AND version = ?", o.ID, readVersion).
		Updates(map[string]interface{}{
			"owner_id":          o.OwnerID,
			"carbon_percentage": o.CarbonPercentage,
			"start_date":        o.StartDate,
			"end_date":          o.EndDate,
			"status":            o.Status,
			"version":           o.Version,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		o.Version = readVersion
		return fmt.Errorf("failed to update ownership: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		o.Version = readVersion
		return fmt.Errorf("ownership %s version %d: %w", o.ID, readVersion, ErrConcurrentModification)
	}
	return nil
}

func (r *gormRepository) DeleteOwnership(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Ownership{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete ownership: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundErr("ownership", id)
	}
	return nil
}

func (r *gormRepository) CreateTransfer(ctx context.Context, t *OwnershipTransfer) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

func (r *gormRepository) getTransfer(ctx context.Context, id uuid.UUID, lock bool) (*OwnershipTransfer, error) {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var t OwnershipTransfer
	err := q.Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErr("transfer", id)
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return &t, nil
}

func (r *gormRepository) GetTransfer(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error) {
	return r.getTransfer(ctx, id, false)
}

func (r *gormRepository) GetTransferForUpdate(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error) {
	return r.getTransfer(ctx, id, true)
}

func (r *gormRepository) ListTransfers(ctx context.Context, f TransferFilter) ([]OwnershipTransfer, error) {
	q := r.db.WithContext(ctx)
	if f.OwnershipID != nil {
		q = q.Where("ownership_id = ?", *f.OwnershipID)
	}
	if f.ContractID != nil {
		q = q.Where("contract_id = ?", *f.ContractID)
	}
	if f.OwnerID != nil {
		q = q.Where("from_owner_id = ? OR to_owner_id = ?", *f.OwnerID, *f.OwnerID)
	}
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	var rows []OwnershipTransfer
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) UpdateTransfer(ctx context.Context, t *OwnershipTransfer) error {
	if err := r.db.WithContext(ctx).Save(t).Error; err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	return nil
}

func (r *gormRepository) HasPendingTransfer(ctx context.Context, ownershipID, contractID *uuid.UUID) (bool, error) {
	q := r.db.WithContext(ctx).Model(&OwnershipTransfer{}).Where("status = ?", TransferStatusPending)
	switch {
	case ownershipID != nil:
		q = q.Where("ownership_id = ?", *ownershipID)
	case contractID != nil:
		q = q.Where("contract_id = ?", *contractID)
	default:
		return false, nil
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count pending transfers: %w", err)
	}
	return count > 0, nil
}

func (r *gormRepository) getContract(ctx context.Context, id uuid.UUID, lock bool) (*Contract, error) {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var c Contract
	err := q.Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErr("contract", id)
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return &c, nil
}

func (r *gormRepository) GetContract(ctx context.Context, id uuid.UUID) (*Contract, error) {
	return r.getContract(ctx, id, false)
}

func (r *gormRepository) GetContractForUpdate(ctx context.Context, id uuid.UUID) (*Contract, error) {
	return r.getContract(ctx, id, true)
}

func (r *gormRepository) GetCredit(ctx context.Context, id uuid.UUID) (*Credit, error) {
	var c Credit
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErr("credit", id)
		}
		return nil, fmt.Errorf("failed to get credit: %w", err)
	}
	return &c, nil
}

func (r *gormRepository) CreateAllocation(ctx context.Context, a *CreditAllocation) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (r *gormRepository) UpdateAllocation(ctx context.Context, a *CreditAllocation) error {
	if err := r.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	return nil
}

func applyAllocationFilter(q *gorm.DB, f AllocationFilter) *gorm.DB {
	if f.CreditID != nil {
		q = q.Where("credit_id = ?", *f.CreditID)
	}
	if f.ContractID != nil {
		q = q.Where("contract_id = ?", *f.ContractID)
	}
	if f.OwnerID != nil {
		q = q.Where("owner_id = ?", *f.OwnerID)
	}
	return q
}

func (r *gormRepository) listAllocations(ctx context.Context, f AllocationFilter, lock bool) ([]CreditAllocation, error) {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []CreditAllocation
	err := applyAllocationFilter(q, f).Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) ListAllocations(ctx context.Context, f AllocationFilter) ([]CreditAllocation, error) {
	return r.listAllocations(ctx, f, false)
}

func (r *gormRepository) ListAllocationsForUpdate(ctx context.Context, f AllocationFilter) ([]CreditAllocation, error) {
	return r.listAllocations(ctx, f, true)
}

func (r *gormRepository) CreateReserve(ctx context.Context, res *Reserve) error {
	if err := r.db.WithContext(ctx).Create(res).Error; err != nil {
		return fmt.Errorf("failed to create reserve: %w", err)
	}
	return nil
}

func (r *gormRepository) GetReserve(ctx context.Context, id uuid.UUID) (*Reserve, error) {
	var res Reserve
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErr("reserve", id)
		}
		return nil, fmt.Errorf("failed to get reserve: %w", err)
	}
	return &res, nil
}

func (r *gormRepository) UpdateReserve(ctx context.Context, res *Reserve) error {
	if err := r.db.WithContext(ctx).Save(res).Error; err != nil {
		return fmt.Errorf("failed to update reserve: %w", err)
	}
	return nil
}

func (r *gormRepository) ListAvailableReservesForUpdate(ctx context.Context, projectID uuid.UUID) ([]Reserve, error) {
	var rows []Reserve
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ? AND status = ?", projectID, ReserveStatusAvailable).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list available reserves: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) CreateReserveAllocation(ctx context.Context, a *ReserveAllocation) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create reserve allocation: %w", err)
	}
	return nil
}

func (r *gormRepository) ListReserveAllocationsByReserve(ctx context.Context, reserveID uuid.UUID) ([]ReserveAllocation, error) {
	var rows []ReserveAllocation
	err := r.db.WithContext(ctx).
		Where("reserve_id = ?", reserveID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reserve allocations: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) ListReserveAllocationsByPhase(ctx context.Context, phaseID uuid.UUID) ([]ReserveAllocation, error) {
	var rows []ReserveAllocation
	err := r.db.WithContext(ctx).
		Where("target_phase_id = ?", phaseID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reserve allocations: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) getProject(ctx context.Context, id uuid.UUID, lock bool) (*Project, error) {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p Project
	err := q.Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErr("project", id)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (r *gormRepository) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	return r.getProject(ctx, id, false)
}

func (r *gormRepository) GetProjectForUpdate(ctx context.Context, id uuid.UUID) (*Project, error) {
	return r.getProject(ctx, id, true)
}

func (r *gormRepository) UpdateProjectAggregates(ctx context.Context, p *Project) error {
	res := r.db.WithContext(ctx).Model(&Project{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"budget":         p.Budget,
			"target_carbon":  p.TargetCarbon,
			"current_carbon": p.CurrentCarbon,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update project aggregates: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundErr("project", p.ID)
	}
	return nil
}

func (r *gormRepository) getPhase(ctx context.Context, id uuid.UUID, lock bool) (*ProjectPhase, error) {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p ProjectPhase
	err := q.Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErr("phase", id)
		}
		return nil, fmt.Errorf("failed to get phase: %w", err)
	}
	return &p, nil
}

func (r *gormRepository) GetPhase(ctx context.Context, id uuid.UUID) (*ProjectPhase, error) {
	return r.getPhase(ctx, id, false)
}

func (r *gormRepository) GetPhaseForUpdate(ctx context.Context, id uuid.UUID) (*ProjectPhase, error) {
	return r.getPhase(ctx, id, true)
}

func (r *gormRepository) ListPhases(ctx context.Context, projectID uuid.UUID) ([]ProjectPhase, error) {
	var rows []ProjectPhase
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("start_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) UpdatePhaseAggregates(ctx context.Context, p *ProjectPhase) error {
	res := r.db.WithContext(ctx).Model(&ProjectPhase{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"current_carbon": p.CurrentCarbon,
			"actual_cost":    p.ActualCost,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update phase aggregates: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundErr("phase", p.ID)
	}
	return nil
}

func (r *gormRepository) ListPurchasesByPhase(ctx context.Context, phaseID uuid.UUID) ([]Purchase, error) {
	var rows []Purchase
	err := r.db.WithContext(ctx).
		Where("phase_id = ?", phaseID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return rows, nil
}
