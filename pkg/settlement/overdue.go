package settlement

import "context"

// Evaluate reports whether a customer's account is delinquent and by how many
// days, from the oldest unpaid charge and the account's day limit. Read-only;
// the stored is_active flag is refreshed only by Allocate, so callers needing
// fresh status must use this instead of trusting the flag.
func (service *Service) Evaluate(ctx context.Context, customerID CustomerID) (OverdueStatus, error) {
	status, operationError := service.evaluate(ctx, customerID)
	service.logOperation(ctx, OperationLog{
		Operation:  operationEvaluate,
		CustomerID: customerID,
		Error:      operationError,
	})
	return status, operationError
}

func (service *Service) evaluate(ctx context.Context, customerID CustomerID) (OverdueStatus, error) {
	customer, err := service.store.GetCustomer(ctx, customerID)
	if err != nil {
		return OverdueStatus{}, err
	}
	oldest, err := service.store.OldestUnpaidCharge(ctx, customerID)
	if err != nil {
		return OverdueStatus{}, err
	}
	if oldest == nil {
		return OverdueStatus{}, nil
	}
	oldestAt := oldest.CompletedAt
	status := OverdueStatus{OldestUnpaidAt: &oldestAt}
	// Only day-limit customers are ever reported overdue by this evaluator.
	if customer.Policy != PolicyDayLimit {
		return status, nil
	}
	account, err := service.store.GetOrCreateAccount(ctx, customerID)
	if err != nil {
		return OverdueStatus{}, err
	}
	if account.DayLimitDays <= 0 {
		return status, nil
	}
	elapsed := elapsedCivilDays(oldestAt, service.nowFn(), service.location)
	if elapsed >= account.DayLimitDays {
		status.IsOverdue = true
		status.DaysOverdue = elapsed - account.DayLimitDays
	}
	return status, nil
}
