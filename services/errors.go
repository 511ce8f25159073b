package services

import "errors"

var (
	ErrRecordNotFound      = errors.New("transfer record not found")
	ErrBatchNotFound       = errors.New("payout batch not found")
	ErrBookingNotFound     = errors.New("booking not found")
	ErrDetailerNotFound    = errors.New("detailer not found")
	ErrBookingNotCompleted = errors.New("booking is not completed")
	ErrBookingNotConfirmed = errors.New("only confirmed bookings can be marked as complete")
	ErrBookingNotFinished  = errors.New("booking cannot be completed before its scheduled time")
	ErrBookingNotOwned     = errors.New("booking belongs to another detailer")
	ErrNotApplicable       = errors.New("detailer is paid through organization settlement")
	ErrNoPayoutDestination = errors.New("detailer has no payout destination")
	ErrUnknownPricingModel = errors.New("unknown pricing model")
	ErrNegativeAmount      = errors.New("gross amount must not be negative")
	ErrNothingToPay        = errors.New("transfer amount is zero")
	ErrInvalidTransition   = errors.New("transfer is not in a state that allows this action")
	ErrInvalidFeePercent   = errors.New("fee percentage must be between 0 and 100")
)
