package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrOutcomeUnknown marks a create call whose result never came back. The
// processor may or may not have accepted the transfer.
var ErrOutcomeUnknown = errors.New("transfer outcome unknown")

// IsOutcomeUnknown reports whether err leaves the transfer in an unknown
// state. Such calls must be repeated with the same idempotency key.
func IsOutcomeUnknown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutcomeUnknown) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

const (
	StatusPaid      = "paid"
	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
	StatusInTransit = "in_transit"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusReversed  = "reversed"
)

type TransferRequest struct {
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// Transfer is the processor's acknowledgement of a created transfer. It only
// confirms acceptance, not settlement.
type Transfer struct {
	ID     string
	Status string
}

type TransferState struct {
	ID            string
	Status        string
	Reversed      bool
	FailureReason string
}

type Processor interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	RetrieveTransfer(ctx context.Context, id string) (*TransferState, error)
}

type Settlement int

const (
	SettlementUnknown Settlement = iota
	SettlementPaid
	SettlementFailed
)

func (s Settlement) String() string {
	switch s {
	case SettlementPaid:
		return "paid"
	case SettlementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settlement classifies the processor state. Anything not explicitly paid or
// failed is unknown and must not be finalized locally.
func (s TransferState) Settlement() Settlement {
	if s.Reversed {
		return SettlementFailed
	}
	switch strings.ToLower(s.Status) {
	case StatusPaid, StatusSucceeded:
		return SettlementPaid
	case StatusFailed, StatusCanceled, "cancelled", StatusReversed:
		return SettlementFailed
	default:
		return SettlementUnknown
	}
}

func (s TransferState) Reason() string {
	if s.FailureReason != "" {
		return s.FailureReason
	}
	if s.Reversed {
		return fmt.Sprintf("transfer %s was reversed", s.ID)
	}
	return fmt.Sprintf("transfer %s ended with status %q", s.ID, s.Status)
}
