package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository for service tests. Locking is a no-op
// (tests are single-goroutine) but the version check on UpdateOwnership is
// enforced like the real store's.
type memRepo struct {
	projects      map[uuid.UUID]*Project
	phases        map[uuid.UUID]*ProjectPhase
	purchases     map[uuid.UUID]*Purchase
	contracts     map[uuid.UUID]*Contract
	credits       map[uuid.UUID]*Credit
	ownerships    map[uuid.UUID]*Ownership
	transfers     map[uuid.UUID]*OwnershipTransfer
	allocations   map[uuid.UUID]*CreditAllocation
	reserves      map[uuid.UUID]*Reserve
	reserveAllocs map[uuid.UUID]*ReserveAllocation

	clock time.Time

	// Counters for the anchor locks the insert-side checks must take.
	projectLocks  int
	contractLocks int
}

func newMemRepo() *memRepo {
	return &memRepo{
		projects:      map[uuid.UUID]*Project{},
		phases:        map[uuid.UUID]*ProjectPhase{},
		purchases:     map[uuid.UUID]*Purchase{},
		contracts:     map[uuid.UUID]*Contract{},
		credits:       map[uuid.UUID]*Credit{},
		ownerships:    map[uuid.UUID]*Ownership{},
		transfers:     map[uuid.UUID]*OwnershipTransfer{},
		allocations:   map[uuid.UUID]*CreditAllocation{},
		reserves:      map[uuid.UUID]*Reserve{},
		reserveAllocs: map[uuid.UUID]*ReserveAllocation{},
		clock:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) Atomically(ctx context.Context, fn func(Repository) error) error {
	return fn(r)
}

func (r *memRepo) CreateOwnership(ctx context.Context, o *Ownership) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = r.tick()
	cp := *o
	r.ownerships[o.ID] = &cp
	return nil
}

func (r *memRepo) GetOwnership(ctx context.Context, id uuid.UUID) (*Ownership, error) {
	o, ok := r.ownerships[id]
	if !ok {
		return nil, notFoundErr("ownership", id)
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) GetOwnershipForUpdate(ctx context.Context, id uuid.UUID) (*Ownership, error) {
	return r.GetOwnership(ctx, id)
}

func ownershipMatches(o *Ownership, f OwnershipFilter) bool {
	if f.ProjectID != nil && o.ProjectID != *f.ProjectID {
		return false
	}
	if f.ContractID != nil && o.ContractID != *f.ContractID {
		return false
	}
	if f.OwnerID != nil && o.OwnerID != *f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *memRepo) ListOwnerships(ctx context.Context, f OwnershipFilter) ([]Ownership, error) {
	var out []Ownership
	for _, o := range r.ownerships {
		if ownershipMatches(o, f) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) ListOwnershipsForUpdate(ctx context.Context, f OwnershipFilter) ([]Ownership, error) {
	return r.ListOwnerships(ctx, f)
}

func (r *memRepo) UpdateOwnership(ctx context.Context, o *Ownership) error {
	stored, ok := r.ownerships[o.ID]
	if !ok || stored.Version != o.Version {
		return fmt.Errorf("ownership %s version %d: %w", o.ID, o.Version, ErrConcurrentModification)
	}
	o.Version++
	cp := *o
	cp.UpdatedAt = r.tick()
	r.ownerships[o.ID] = &cp
	return nil
}

func (r *memRepo) DeleteOwnership(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.ownerships[id]; !ok {
		return notFoundErr("ownership", id)
	}
	delete(r.ownerships, id)
	return nil
}

func (r *memRepo) CreateTransfer(ctx context.Context, t *OwnershipTransfer) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = r.tick()
	cp := *t
	r.transfers[t.ID] = &cp
	return nil
}

func (r *memRepo) GetTransfer(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error) {
	t, ok := r.transfers[id]
	if !ok {
		return nil, notFoundErr("transfer", id)
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) GetTransferForUpdate(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error) {
	return r.GetTransfer(ctx, id)
}

func (r *memRepo) ListTransfers(ctx context.Context, f TransferFilter) ([]OwnershipTransfer, error) {
	var out []OwnershipTransfer
	for _, t := range r.transfers {
		if f.OwnershipID != nil && (t.OwnershipID == nil || *t.OwnershipID != *f.OwnershipID) {
			continue
		}
		if f.ContractID != nil && (t.ContractID == nil || *t.ContractID != *f.ContractID) {
			continue
		}
		if f.OwnerID != nil && t.FromOwnerID != *f.OwnerID && t.ToOwnerID != *f.OwnerID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) UpdateTransfer(ctx context.Context, t *OwnershipTransfer) error {
	if _, ok := r.transfers[t.ID]; !ok {
		return notFoundErr("transfer", t.ID)
	}
	cp := *t
	cp.UpdatedAt = r.tick()
	r.transfers[t.ID] = &cp
	return nil
}

func (r *memRepo) HasPendingTransfer(ctx context.Context, ownershipID, contractID *uuid.UUID) (bool, error) {
	for _, t := range r.transfers {
		if t.Status != TransferStatusPending {
			continue
		}
		if ownershipID != nil && t.OwnershipID != nil && *t.OwnershipID == *ownershipID {
			return true, nil
		}
		if ownershipID == nil && contractID != nil && t.ContractID != nil && *t.ContractID == *contractID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) GetContract(ctx context.Context, id uuid.UUID) (*Contract, error) {
	c, ok := r.contracts[id]
	if !ok {
		return nil, notFoundErr("contract", id)
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) GetContractForUpdate(ctx context.Context, id uuid.UUID) (*Contract, error) {
	r.contractLocks++
	return r.GetContract(ctx, id)
}

func (r *memRepo) GetCredit(ctx context.Context, id uuid.UUID) (*Credit, error) {
	c, ok := r.credits[id]
	if !ok {
		return nil, notFoundErr("credit", id)
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) CreateAllocation(ctx context.Context, a *CreditAllocation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = r.tick()
	cp := *a
	r.allocations[a.ID] = &cp
	return nil
}

func (r *memRepo) UpdateAllocation(ctx context.Context, a *CreditAllocation) error {
	if _, ok := r.allocations[a.ID]; !ok {
		return notFoundErr("allocation", a.ID)
	}
	cp := *a
	cp.UpdatedAt = r.tick()
	r.allocations[a.ID] = &cp
	return nil
}

func (r *memRepo) ListAllocations(ctx context.Context, f AllocationFilter) ([]CreditAllocation, error) {
	var out []CreditAllocation
	for _, a := range r.allocations {
		if f.CreditID != nil && a.CreditID != *f.CreditID {
			continue
		}
		if f.ContractID != nil && a.ContractID != *f.ContractID {
			continue
		}
		if f.OwnerID != nil && a.OwnerID != *f.OwnerID {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) ListAllocationsForUpdate(ctx context.Context, f AllocationFilter) ([]CreditAllocation, error) {
	return r.ListAllocations(ctx, f)
}

func (r *memRepo) CreateReserve(ctx context.Context, res *Reserve) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.CreatedAt = r.tick()
	cp := *res
	r.reserves[res.ID] = &cp
	return nil
}

func (r *memRepo) GetReserve(ctx context.Context, id uuid.UUID) (*Reserve, error) {
	res, ok := r.reserves[id]
	if !ok {
		return nil, notFoundErr("reserve", id)
	}
	cp := *res
	return &cp, nil
}

func (r *memRepo) UpdateReserve(ctx context.Context, res *Reserve) error {
	if _, ok := r.reserves[res.ID]; !ok {
		return notFoundErr("reserve", res.ID)
	}
	cp := *res
	cp.UpdatedAt = r.tick()
	r.reserves[res.ID] = &cp
	return nil
}

func (r *memRepo) ListAvailableReservesForUpdate(ctx context.Context, projectID uuid.UUID) ([]Reserve, error) {
	var out []Reserve
	for _, res := range r.reserves {
		if res.ProjectID == projectID && res.Status == ReserveStatusAvailable {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) CreateReserveAllocation(ctx context.Context, a *ReserveAllocation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = r.tick()
	cp := *a
	r.reserveAllocs[a.ID] = &cp
	return nil
}

func (r *memRepo) ListReserveAllocationsByReserve(ctx context.Context, reserveID uuid.UUID) ([]ReserveAllocation, error) {
	var out []ReserveAllocation
	for _, a := range r.reserveAllocs {
		if a.ReserveID == reserveID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) ListReserveAllocationsByPhase(ctx context.Context, phaseID uuid.UUID) ([]ReserveAllocation, error) {
	var out []ReserveAllocation
	for _, a := range r.reserveAllocs {
		if a.TargetPhaseID == phaseID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	p, ok := r.projects[id]
	if !ok {
		return nil, notFoundErr("project", id)
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetProjectForUpdate(ctx context.Context, id uuid.UUID) (*Project, error) {
	r.projectLocks++
	return r.GetProject(ctx, id)
}

func (r *memRepo) UpdateProjectAggregates(ctx context.Context, p *Project) error {
	stored, ok := r.projects[p.ID]
	if !ok {
		return notFoundErr("project", p.ID)
	}
	stored.Budget = p.Budget
	stored.TargetCarbon = p.TargetCarbon
	stored.CurrentCarbon = p.CurrentCarbon
	stored.UpdatedAt = r.tick()
	return nil
}

func (r *memRepo) GetPhase(ctx context.Context, id uuid.UUID) (*ProjectPhase, error) {
	p, ok := r.phases[id]
	if !ok {
		return nil, notFoundErr("phase", id)
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetPhaseForUpdate(ctx context.Context, id uuid.UUID) (*ProjectPhase, error) {
	return r.GetPhase(ctx, id)
}

func (r *memRepo) ListPhases(ctx context.Context, projectID uuid.UUID) ([]ProjectPhase, error) {
	var out []ProjectPhase
	for _, p := range r.phases {
		if p.ProjectID == projectID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (r *memRepo) UpdatePhaseAggregates(ctx context.Context, p *ProjectPhase) error {
	stored, ok := r.phases[p.ID]
	if !ok {
		return notFoundErr("phase", p.ID)
	}
	stored.CurrentCarbon = p.CurrentCarbon
	stored.ActualCost = p.ActualCost
	stored.UpdatedAt = r.tick()
	return nil
}

func (r *memRepo) ListPurchasesByPhase(ctx context.Context, phaseID uuid.UUID) ([]Purchase, error) {
	var out []Purchase
	for _, p := range r.purchases {
		if p.PhaseID == phaseID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Seed helpers. Each stores the given record and returns it with an id set.

func (r *memRepo) seedProject(p *Project) *Project {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.tick()
	r.projects[p.ID] = p
	return p
}

func (r *memRepo) seedPhase(p *ProjectPhase) *ProjectPhase {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.tick()
	r.phases[p.ID] = p
	return p
}

func (r *memRepo) seedPurchase(p *Purchase) *Purchase {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.tick()
	r.purchases[p.ID] = p
	return p
}

func (r *memRepo) seedContract(c *Contract) *Contract {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = r.tick()
	r.contracts[c.ID] = c
	return c
}

func (r *memRepo) seedCredit(c *Credit) *Credit {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = r.tick()
	r.credits[c.ID] = c
	return c
}

func (r *memRepo) seedOwnership(o *Ownership) *Ownership {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = r.tick()
	r.ownerships[o.ID] = o
	return o
}

func (r *memRepo) seedAllocation(a *CreditAllocation) *CreditAllocation {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = r.tick()
	r.allocations[a.ID] = a
	return a
}

func (r *memRepo) seedReserve(res *Reserve) *Reserve {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.CreatedAt = r.tick()
	r.reserves[res.ID] = res
	return res
}
