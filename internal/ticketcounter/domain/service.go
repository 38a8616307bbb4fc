package domain

import "context"

type Service interface {
	// AllocateTicket hands out the next ticket number for the location.
	AllocateTicket(ctx context.Context, locationID int64) (int64, error)
	// ResetCounter starts a manual numbering epoch at zero.
	ResetCounter(ctx context.Context, req ResetCounterRequest) error
	// ClearManualResetFlags returns every manually reset location to ledger reconciliation.
	ClearManualResetFlags(ctx context.Context) (int64, error)
	GetCounter(ctx context.Context, locationID int64) (CounterResponse, error)
}
