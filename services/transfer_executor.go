package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anjiri1684/detailer_payouts/payments"
)

// TransferExecutor bounds every processor call with a timeout. A call that
// times out is reported as an unknown outcome, never as a success.
type TransferExecutor struct {
	processor payments.Processor
	timeout   time.Duration
}

func NewTransferExecutor(processor payments.Processor, timeout time.Duration) *TransferExecutor {
	return &TransferExecutor{processor: processor, timeout: timeout}
}

// Execute creates a processor transfer and returns its id.
func (e *TransferExecutor) Execute(ctx context.Context, kind string, req payments.TransferRequest) (string, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	start := time.Now()
	tr, err := e.processor.CreateTransfer(ctx, req)
	processorLatency.WithLabelValues("create_transfer").Observe(time.Since(start).Seconds())

	if err == nil && (tr == nil || tr.ID == "") {
		err = errors.New("processor returned no transfer id")
	}
	if err != nil {
		transferFailures.WithLabelValues(kind).Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: processor timed out after %s: %w", payments.ErrOutcomeUnknown, e.timeout, err)
		}
		return "", err
	}

	transfersDispatched.WithLabelValues(kind).Inc()
	return tr.ID, nil
}

func (e *TransferExecutor) Retrieve(ctx context.Context, transferID string) (*payments.TransferState, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	start := time.Now()
	state, err := e.processor.RetrieveTransfer(ctx, transferID)
	processorLatency.WithLabelValues("retrieve_transfer").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("processor returned no state for %s", transferID)
	}
	return state, nil
}

func (e *TransferExecutor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
