package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Project is the top-level aggregate. Budget, TargetCarbon and CurrentCarbon
// are derived values maintained by the recomputation cascade.
type Project struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Name          string          `json:"name" gorm:"not null"`
	Budget        decimal.Decimal `json:"budget" gorm:"type:decimal(16,4);not null;default:0"`
	TargetCarbon  decimal.Decimal `json:"target_carbon" gorm:"type:decimal(14,4);not null;default:0"`
	CurrentCarbon decimal.Decimal `json:"current_carbon" gorm:"type:decimal(14,4);not null;default:0"`
	CreatedAt     time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// ProjectPhase is a sub-period of a project with its own carbon target and
// budget. ActualCost and CurrentCarbon are derived by the cascade.
type ProjectPhase struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID     uuid.UUID       `json:"project_id" gorm:"type:uuid;not null;index"`
	Name          string          `json:"name" gorm:"not null"`
	Budget        decimal.Decimal `json:"budget" gorm:"type:decimal(16,4);not null;default:0"`
	TargetCarbon  decimal.Decimal `json:"target_carbon" gorm:"type:decimal(14,4);not null;default:0"`
	CurrentCarbon decimal.Decimal `json:"current_carbon" gorm:"type:decimal(14,4);not null;default:0"`
	ActualCost    decimal.Decimal `json:"actual_cost" gorm:"type:decimal(16,4);not null;default:0"`
	StartDate     time.Time       `json:"start_date" gorm:"type:date;not null"`
	EndDate       time.Time       `json:"end_date" gorm:"type:date;not null"`
	CreatedAt     time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"autoUpdateTime"`

	Project Project `json:"-" gorm:"foreignKey:ProjectID"`
}

// PurchaseStatus is the lifecycle status of a carbon purchase.
type PurchaseStatus string

const (
	PurchaseStatusPending  PurchaseStatus = "PENDING"
	PurchaseStatusApproved PurchaseStatus = "APPROVED"
	PurchaseStatusRejected PurchaseStatus = "REJECTED"
)

// Purchase is one carbon acquisition booked under a phase. Only APPROVED
// purchases count toward phase aggregates.
type Purchase struct {
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID    uuid.UUID       `json:"project_id" gorm:"type:uuid;not null;index"`
	PhaseID      uuid.UUID       `json:"phase_id" gorm:"type:uuid;not null;index"`
	Cost         decimal.Decimal `json:"cost" gorm:"type:decimal(16,4);not null"`
	ActualCarbon decimal.Decimal `json:"actual_carbon" gorm:"type:decimal(14,4);not null"`
	Status       PurchaseStatus  `json:"status" gorm:"default:'PENDING';index"`
	CreatedAt    time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// Contract binds an owner to a project and carries the transfer-allowed flag
// consulted before any ownership transfer is requested.
type Contract struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID       uuid.UUID `json:"project_id" gorm:"type:uuid;not null;index"`
	OwnerID         uuid.UUID `json:"owner_id" gorm:"type:uuid;not null;index"`
	TransferAllowed bool      `json:"transfer_allowed" gorm:"default:true"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Credit is one issued batch of verified carbon credits.
type Credit struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID    uuid.UUID `json:"project_id" gorm:"type:uuid;not null;index"`
	VintageYear  int       `json:"vintage_year" gorm:"not null;index"`
	TotalCredits int64     `json:"total_credits" gorm:"not null"`
	IssuedAt     time.Time `json:"issued_at" gorm:"type:date;not null"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// OwnershipStatus is the lifecycle status of an ownership claim.
type OwnershipStatus string

const (
	OwnershipStatusPending     OwnershipStatus = "PENDING"
	OwnershipStatusActive      OwnershipStatus = "ACTIVE"
	OwnershipStatusExpired     OwnershipStatus = "EXPIRED"
	OwnershipStatusTerminated  OwnershipStatus = "TERMINATED"
	OwnershipStatusTransferred OwnershipStatus = "TRANSFERRED"
)

// Ownership is a claim by one owner to a percentage of a project's
// carbon-credit yield, originating from one contract.
//
// Invariant: per project, the sum of CarbonPercentage over ACTIVE and PENDING
// ownerships never exceeds 100.00. The Version column guards concurrent
// updates; see Repository.UpdateOwnership.
type Ownership struct {
	ID               uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ContractID       uuid.UUID       `json:"contract_id" gorm:"type:uuid;not null;index"`
	ProjectID        uuid.UUID       `json:"project_id" gorm:"type:uuid;not null;index"`
	TreeSpeciesID    *uuid.UUID      `json:"tree_species_id" gorm:"type:uuid;index"`
	OwnerID          uuid.UUID       `json:"owner_id" gorm:"type:uuid;not null;index"`
	StartDate        time.Time       `json:"start_date" gorm:"type:date;not null"`
	EndDate          *time.Time      `json:"end_date" gorm:"type:date"`
	CarbonPercentage decimal.Decimal `json:"carbon_percentage" gorm:"type:decimal(7,4);not null"`
	Status           OwnershipStatus `json:"status" gorm:"default:'PENDING';index"`
	Version          int64           `json:"version" gorm:"not null;default:0"`
	CreatedAt        time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"autoUpdateTime"`

	Contract Contract `json:"-" gorm:"foreignKey:ContractID"`
}

// Mutable reports whether percentage and dates may still change.
func (o *Ownership) Mutable() bool {
	return o.Status == OwnershipStatusPending || o.Status == OwnershipStatusActive
}

// TransferStatus is the lifecycle status of an ownership transfer request.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusApproved  TransferStatus = "APPROVED"
	TransferStatusRejected  TransferStatus = "REJECTED"
	TransferStatusCancelled TransferStatus = "CANCELLED"
	TransferStatusCompleted TransferStatus = "COMPLETED"
)

// OwnershipTransfer is a request to move some percentage of one ownership
// (or of every ownership under one contract) from one owner to another.
// Exactly one of OwnershipID and ContractID is set.
//
// Invariant: at most one PENDING transfer per ownership (and per contract,
// in the contract-level path) at a time.
type OwnershipTransfer struct {
	ID                 uuid.UUID        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OwnershipID        *uuid.UUID       `json:"ownership_id" gorm:"type:uuid;index"`
	ContractID         *uuid.UUID       `json:"contract_id" gorm:"type:uuid;index"`
	FromOwnerID        uuid.UUID        `json:"from_owner_id" gorm:"type:uuid;not null;index"`
	ToOwnerID          uuid.UUID        `json:"to_owner_id" gorm:"type:uuid;not null;index"`
	TransferPercentage decimal.Decimal  `json:"transfer_percentage" gorm:"type:decimal(7,4);not null"`
	TransferPrice      *decimal.Decimal `json:"transfer_price" gorm:"type:decimal(16,4)"`
	Status             TransferStatus   `json:"status" gorm:"default:'PENDING';index"`
	Notes              string           `json:"notes"`
	Metadata           datatypes.JSON   `json:"metadata" gorm:"default:'{}'"`
	ApprovedBy         *uuid.UUID       `json:"approved_by" gorm:"type:uuid"`
	ApprovedAt         *time.Time       `json:"approved_at"`
	TransferDate       *time.Time       `json:"transfer_date" gorm:"type:date"`
	CreatedAt          time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}

// Full reports whether the request moves the whole ownership.
func (t *OwnershipTransfer) Full() bool {
	return t.TransferPercentage.Equal(fullPercentage)
}

// CreditAllocation records how many whole credits from one issued batch are
// assigned to one owner under one contract.
//
// Invariant: per Credit batch, the sum of AllocatedCredits over all
// allocations never exceeds the batch's TotalCredits.
type CreditAllocation struct {
	ID                   uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreditID             uuid.UUID       `json:"credit_id" gorm:"type:uuid;not null;index"`
	ContractID           uuid.UUID       `json:"contract_id" gorm:"type:uuid;not null;index"`
	OwnerID              uuid.UUID       `json:"owner_id" gorm:"type:uuid;not null;index"`
	AllocatedCredits     int64           `json:"allocated_credits" gorm:"not null"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage" gorm:"type:decimal(7,4);not null"`
	CreatedAt            time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt            time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// ReserveStatus is the lifecycle status of a carbon reserve pool.
type ReserveStatus string

const (
	ReserveStatusAvailable ReserveStatus = "AVAILABLE"
	ReserveStatusAllocated ReserveStatus = "ALLOCATED"
	ReserveStatusExpired   ReserveStatus = "EXPIRED"
)

// Reserve is a pool of surplus carbon capacity harvested from one source
// phase, available for reallocation to other phases of the same project.
//
// Invariants: RemainingAmount only decreases; status flips to ALLOCATED
// exactly when RemainingAmount reaches zero.
type Reserve struct {
	ID              uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID       uuid.UUID       `json:"project_id" gorm:"type:uuid;not null;index"`
	SourcePhaseID   uuid.UUID       `json:"source_phase_id" gorm:"type:uuid;not null;index"`
	CarbonAmount    decimal.Decimal `json:"carbon_amount" gorm:"type:decimal(14,4);not null"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" gorm:"type:decimal(14,4);not null"`
	Status          ReserveStatus   `json:"status" gorm:"default:'AVAILABLE';index"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	CreatedAt       time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// ExpiredAt reports whether the reserve is past its expiry at the given time.
// Expiry is evaluated lazily, at allocation time.
func (r *Reserve) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// ReserveAllocation is an immutable record of one draw from one reserve into
// one target phase.
//
// Invariant: per Reserve, Σ AllocatedAmount == CarbonAmount − RemainingAmount.
type ReserveAllocation struct {
	ID              uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ReserveID       uuid.UUID       `json:"reserve_id" gorm:"type:uuid;not null;index"`
	TargetPhaseID   uuid.UUID       `json:"target_phase_id" gorm:"type:uuid;not null;index"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount" gorm:"type:decimal(14,4);not null"`
	AllocationDate  time.Time       `json:"allocation_date" gorm:"type:date;not null"`
	Notes           string          `json:"notes"`
	CreatedAt       time.Time       `json:"created_at" gorm:"autoCreateTime"`
}

// BeforeCreate hooks for UUID generation
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *ProjectPhase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *Purchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (c *Contract) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (c *Credit) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (o *Ownership) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

func (t *OwnershipTransfer) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (a *CreditAllocation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (r *Reserve) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (a *ReserveAllocation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
