package plans

import "errors"

var (
	// ErrMissingSeedData means the FREE plan is absent from the catalog. It
	// is a deployment defect, not a user error.
	ErrMissingSeedData = errors.New("missing seed data: FREE plan not found")

	ErrAlreadyInitialized  = errors.New("account already received its initial grant")
	ErrNoActivePlan        = errors.New("no active plan")
	ErrFreePlanCancel      = errors.New("the FREE plan cannot be canceled")
	ErrNoReactivatablePlan = errors.New("no plan to reactivate")
	ErrInvalidActivation   = errors.New("invalid activation")
)
