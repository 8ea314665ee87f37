// Package notifications delivers ledger events to the administrative
// approval queue. Delivery is best-effort; the ledger never fails an
// operation because a notification could not be published.
package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransferRequestedEvent announces a new pending ownership transfer awaiting
// administrative approval.
type TransferRequestedEvent struct {
	TransferID  uuid.UUID  `json:"transfer_id"`
	OwnershipID *uuid.UUID `json:"ownership_id,omitempty"`
	ContractID  *uuid.UUID `json:"contract_id,omitempty"`
	FromOwnerID uuid.UUID  `json:"from_owner_id"`
	ToOwnerID   uuid.UUID  `json:"to_owner_id"`
	Percentage  string     `json:"percentage"`
	RequestedAt time.Time  `json:"requested_at"`
}

// Notifier pushes ledger events to external collaborators.
type Notifier interface {
	TransferRequested(ctx context.Context, ev TransferRequestedEvent) error
}

// LogNotifier writes events to the log only. Used when no queue topic is
// configured (local development, tests).
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) TransferRequested(ctx context.Context, ev TransferRequestedEvent) error {
	n.logger.Info("transfer requested",
		zap.String("transfer_id", ev.TransferID.String()),
		zap.String("from_owner_id", ev.FromOwnerID.String()),
		zap.String("to_owner_id", ev.ToOwnerID.String()),
		zap.String("percentage", ev.Percentage))
	return nil
}
