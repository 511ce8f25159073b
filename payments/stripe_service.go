package payments

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProcessor sends transfers to Stripe Connect accounts.
type StripeProcessor struct {
	api *client.API
}

func NewStripeProcessor(secretKey string) *StripeProcessor {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProcessor{api: sc}
}

func (p *StripeProcessor) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	tr, err := p.api.Transfers.New(params)
	if err != nil {
		return nil, describeStripeError("create transfer", err)
	}
	log.Printf("[Stripe] transfer %s created: amount=%d destination=%s", tr.ID, tr.Amount, req.Destination)

	return &Transfer{ID: tr.ID, Status: StatusPending}, nil
}

// RetrieveTransfer expands the destination payment because Stripe transfers
// carry no status of their own; settlement is read from that charge.
func (p *StripeProcessor) RetrieveTransfer(ctx context.Context, id string) (*TransferState, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx
	params.AddExpand("destination_payment")

	tr, err := p.api.Transfers.Get(id, params)
	if err != nil {
		return nil, describeStripeError("retrieve transfer", err)
	}

	state := &TransferState{ID: tr.ID, Reversed: tr.Reversed}
	switch {
	case tr.Reversed:
		state.Status = StatusReversed
		state.FailureReason = fmt.Sprintf("transfer %s reversed (%d of %d)", tr.ID, tr.AmountReversed, tr.Amount)
	case tr.DestinationPayment == nil:
		state.Status = ""
	case tr.DestinationPayment.Status == stripe.ChargeStatusSucceeded:
		state.Status = StatusPaid
	case tr.DestinationPayment.Status == stripe.ChargeStatusFailed:
		state.Status = StatusFailed
		state.FailureReason = tr.DestinationPayment.FailureMessage
	default:
		state.Status = string(tr.DestinationPayment.Status)
	}
	return state, nil
}

func describeStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 409 {
			return fmt.Errorf("stripe %s: %s (code=%s, status=%d): %w: %w", op, stripeErr.Msg, stripeErr.Code, stripeErr.HTTPStatusCode, ErrOutcomeUnknown, err)
		}
		return fmt.Errorf("stripe %s: %s (code=%s, status=%d): %w", op, stripeErr.Msg, stripeErr.Code, stripeErr.HTTPStatusCode, err)
	}
	// No API response means the request may still have been applied.
	return fmt.Errorf("stripe %s: %w: %w", op, ErrOutcomeUnknown, err)
}
