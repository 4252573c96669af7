package settlement

import "context"

// allocateDayLimit pools the payment with the carried-over remainder and
// settles whole calendar-day buckets oldest-first. A bucket is never partially
// paid; the walk stops at the first bucket the pool cannot cover, even when a
// newer, smaller bucket would fit.
func (service *Service) allocateDayLimit(ctx context.Context, txStore Store, customerID CustomerID, account Account, payment Payment) (SettlementResult, error) {
	charges, err := txStore.ListUnpaidCharges(ctx, customerID)
	if err != nil {
		return SettlementResult{}, err
	}
	buckets := groupChargesByDay(charges, service.location)

	available := payment.Amount.Int64() + account.DayRemainingAmountCents
	runningDayTotal := account.TotalDayAmountCents + payment.Amount.Int64()
	// Carried-over funds are consumed before fresh recharge funds; only the
	// fresh portion of each cleared bucket comes out of runningDayTotal.
	remainingCarry := account.DayRemainingAmountCents

	var settledIDs []string
	var pendingIDs []string
	var amountSettled int64
	var chargesSettled int
	var daysCleared int
	for index, bucket := range buckets {
		if available < bucket.TotalCents {
			for _, pending := range buckets[index:] {
				pendingIDs = append(pendingIDs, pending.ChargeIDs...)
			}
			break
		}
		available -= bucket.TotalCents
		usedFromCarry := bucket.TotalCents
		if remainingCarry < usedFromCarry {
			usedFromCarry = remainingCarry
		}
		remainingCarry -= usedFromCarry
		runningDayTotal -= bucket.TotalCents - usedFromCarry
		daysCleared++
		chargesSettled += bucket.ChargeCount
		amountSettled += bucket.TotalCents
		settledIDs = append(settledIDs, bucket.ChargeIDs...)
	}
	if len(settledIDs) > 0 {
		if err := txStore.MarkChargesPaid(ctx, settledIDs, payment.ReceivedAt); err != nil {
			return SettlementResult{}, err
		}
	}

	newDayRemaining := available
	if newDayRemaining < 0 {
		newDayRemaining = 0
	}
	isActive, err := service.recomputeActive(ctx, txStore, customerID, account.DayLimitDays)
	if err != nil {
		return SettlementResult{}, err
	}

	newBalance := account.BalanceCents.AfterRecharge(payment.Amount)
	update := AccountUpdate{
		BalanceCents:            &newBalance,
		TotalDayAmountCents:     &runningDayTotal,
		DayRemainingAmountCents: &newDayRemaining,
		IsActive:                &isActive,
	}
	if err := txStore.UpdateAccount(ctx, customerID, update); err != nil {
		return SettlementResult{}, err
	}
	// The limit column doubles as the policy's day limit on day-limit lines.
	if err := txStore.AppendLedgerLine(ctx, LedgerLineInput{
		CustomerID:            customerID,
		Direction:             DirectionInward,
		CreditAmountCents:     payment.Amount.Int64(),
		ResultingBalanceCents: newBalance.Int64(),
		ResultingLimitCents:   int64(account.DayLimitDays),
		ActorID:               service.actorID,
		IdempotencyKey:        payment.IdempotencyKey,
		Metadata:              payment.Metadata,
		CreatedAt:             service.nowFn(),
	}); err != nil {
		return SettlementResult{}, err
	}
	return SettlementResult{
		Policy:                  PolicyDayLimit,
		NewBalanceCents:         newBalance,
		AmountAppliedCents:      payment.Amount.Int64(),
		ChargesSettled:          chargesSettled,
		AmountSettledCents:      amountSettled,
		DaysCleared:             daysCleared,
		TotalDayAmountCents:     runningDayTotal,
		DayRemainingAmountCents: newDayRemaining,
		IsOverdue:               !isActive,
		SettledChargeIDs:        settledIDs,
		PendingChargeIDs:        pendingIDs,
	}, nil
}

// recomputeActive derives the stored delinquency flag from the oldest unpaid
// charge left after settlement. No unpaid charge, or a disabled day limit,
// means active.
func (service *Service) recomputeActive(ctx context.Context, txStore Store, customerID CustomerID, dayLimitDays int) (bool, error) {
	if dayLimitDays <= 0 {
		return true, nil
	}
	oldest, err := txStore.OldestUnpaidCharge(ctx, customerID)
	if err != nil {
		return false, err
	}
	if oldest == nil {
		return true, nil
	}
	elapsed := elapsedCivilDays(oldest.CompletedAt, service.nowFn(), service.location)
	return elapsed < dayLimitDays, nil
}
