package ledger

import (
	"agrocarbon/credit-ledger-backend/pkg/workflows"
)

// Transition tables for the three ledger state machines. Statuses with no
// entry are terminal and immutable.
var (
	ownershipMachine = workflows.NewStateMachine(map[string][]string{
		string(OwnershipStatusPending): {
			string(OwnershipStatusActive),
			string(OwnershipStatusTerminated),
			string(OwnershipStatusExpired),
		},
		string(OwnershipStatusActive): {
			string(OwnershipStatusTerminated),
			string(OwnershipStatusExpired),
			string(OwnershipStatusTransferred),
		},
		string(OwnershipStatusExpired):     {},
		string(OwnershipStatusTerminated):  {},
		string(OwnershipStatusTransferred): {},
	})

	transferMachine = workflows.NewStateMachine(map[string][]string{
		string(TransferStatusPending): {
			string(TransferStatusApproved),
			string(TransferStatusRejected),
			string(TransferStatusCancelled),
		},
		string(TransferStatusApproved): {
			string(TransferStatusCompleted),
		},
		string(TransferStatusRejected):  {},
		string(TransferStatusCancelled): {},
		string(TransferStatusCompleted): {},
	})

	reserveMachine = workflows.NewStateMachine(map[string][]string{
		string(ReserveStatusAvailable): {
			string(ReserveStatusAllocated),
			string(ReserveStatusExpired),
		},
		string(ReserveStatusAllocated): {},
		string(ReserveStatusExpired):   {},
	})
)

func (o *Ownership) transition(to OwnershipStatus) error {
	if !ownershipMachine.CanTransition(string(o.Status), string(to)) {
		return invalidStateErr("ownership", o.ID, string(o.Status))
	}
	o.Status = to
	return nil
}

func (t *OwnershipTransfer) transition(to TransferStatus) error {
	if !transferMachine.CanTransition(string(t.Status), string(to)) {
		return invalidStateErr("transfer", t.ID, string(t.Status))
	}
	t.Status = to
	return nil
}

func (r *Reserve) transition(to ReserveStatus) error {
	if !reserveMachine.CanTransition(string(r.Status), string(to)) {
		return invalidStateErr("reserve", r.ID, string(r.Status))
	}
	r.Status = to
	return nil
}
