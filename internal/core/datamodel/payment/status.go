package payment

import (
	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCreated   Status = "created"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusRefunding Status = "refunding"
	StatusRefunded  Status = "refunded"
)

// transitions is the single authority over the payment lifecycle. No component
// writes status without going through CheckTransition or a repository update
// guarded on the same table.
var transitions = map[Status][]Status{
	StatusPending:   {StatusCreated, StatusFailed, StatusCancelled, StatusExpired},
	StatusCreated:   {StatusPaid, StatusFailed, StatusCancelled, StatusExpired},
	StatusPaid:      {StatusRefunding},
	StatusRefunding: {StatusRefunded, StatusPaid},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusExpired:   {},
	StatusRefunded:  {},
}

func (s Status) String() string {
	return string(s)
}

// IsActive reports whether the attempt still counts against the
// one-active-attempt-per-order invariant.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusCreated, StatusPaid, StatusRefunding:
		return true
	}
	return false
}

// IsTerminal reports whether the creation flow is finished. paid is terminal
// for creation but remains eligible for refund children.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition validates the guard and returns InvalidStateTransition when
// the edge is not in the lifecycle table.
func CheckTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return errors.NewConflictError(
			"cannot transition payment from "+from.String()+" to "+to.String(),
			errors.ErrCodeInvalidStateTransition,
		)
	}
	return nil
}

// CancellableStatuses are the sources for an explicit cancel.
func CancellableStatuses() []Status {
	return []Status{StatusPending, StatusCreated}
}

// ExpirableStatuses are the sources swept by the expiry job.
func ExpirableStatuses() []Status {
	return []Status{StatusPending, StatusCreated}
}
