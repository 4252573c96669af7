package settlement

import (
	"context"
	"fmt"
	"time"
)

// Service contains the settlement domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() time.Time
	location *time.Location
	logger   OperationLogger
	audit    AuditRecorder
	actorID  string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, location: time.UTC}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Allocate applies one payment to a customer's account inside a single atomic
// transaction, dispatching on the customer's billing policy. The returned
// result reports how far the greedy oldest-first walk got; stopping short of
// the full backlog is not an error.
func (service *Service) Allocate(ctx context.Context, customerID CustomerID, payment Payment) (SettlementResult, error) {
	var result SettlementResult
	var before, after Account
	operationError := service.allocate(ctx, customerID, payment, &result, &before, &after)
	service.logOperation(ctx, OperationLog{
		Operation:      operationAllocate,
		CustomerID:     customerID,
		Policy:         result.Policy,
		Amount:         payment.Amount,
		IdempotencyKey: payment.IdempotencyKey,
		ChargesSettled: result.ChargesSettled,
		DaysCleared:    result.DaysCleared,
		Error:          operationError,
	})
	if operationError != nil {
		return SettlementResult{}, operationError
	}
	service.recordAudit(customerID, before, after, result)
	return result, nil
}

func (service *Service) allocate(ctx context.Context, customerID CustomerID, payment Payment, result *SettlementResult, before *Account, after *Account) error {
	if payment.Amount.Int64() <= 0 {
		return WrapError(operationAllocate, subjectPayment, codeInvalidAmount, ErrInvalidAmount)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		customer, err := txStore.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		policy, err := ParseBillingPolicy(string(customer.Policy))
		if err != nil {
			return WrapError(operationAllocate, subjectCustomer, codeUnknownPolicy, err)
		}
		account, err := txStore.GetOrCreateAccount(ctx, customerID)
		if err != nil {
			return err
		}
		*before = account
		switch policy {
		case PolicyPrepaid:
			*result, err = service.allocatePrepaid(ctx, txStore, customerID, account, payment)
		case PolicyPostpaid:
			*result, err = service.allocatePostpaid(ctx, txStore, customerID, account, payment)
		case PolicyDayLimit:
			*result, err = service.allocateDayLimit(ctx, txStore, customerID, account, payment)
		}
		if err != nil {
			return err
		}
		*after, err = txStore.GetOrCreateAccount(ctx, customerID)
		return err
	})
}

// allocatePrepaid debits the balance and grows the remaining credit limit.
// Outstanding charges are never touched under the prepaid policy.
func (service *Service) allocatePrepaid(ctx context.Context, txStore Store, customerID CustomerID, account Account, payment Payment) (SettlementResult, error) {
	newBalance := account.BalanceCents.AfterRecharge(payment.Amount)
	newLimit := account.RemainingCreditLimitCents + payment.Amount.Int64()
	update := AccountUpdate{
		BalanceCents:              &newBalance,
		RemainingCreditLimitCents: &newLimit,
	}
	if err := txStore.UpdateAccount(ctx, customerID, update); err != nil {
		return SettlementResult{}, err
	}
	if err := service.appendRecharge(ctx, txStore, customerID, payment, newBalance, newLimit); err != nil {
		return SettlementResult{}, err
	}
	return SettlementResult{
		Policy:             PolicyPrepaid,
		NewBalanceCents:    newBalance,
		AmountAppliedCents: payment.Amount.Int64(),
	}, nil
}

// allocatePostpaid settles whole charges strictly oldest-first, stopping at
// the first charge that cannot be paid in full. Leftover funds stay reflected
// in the remaining credit limit.
func (service *Service) allocatePostpaid(ctx context.Context, txStore Store, customerID CustomerID, account Account, payment Payment) (SettlementResult, error) {
	charges, err := txStore.ListUnpaidCharges(ctx, customerID)
	if err != nil {
		return SettlementResult{}, err
	}

	available := payment.Amount.Int64()
	var settledIDs []string
	var pendingIDs []string
	var totalSettled int64
	for index, charge := range charges {
		if available < charge.AmountCents {
			pendingIDs = chargeIDs(charges[index:])
			break
		}
		available -= charge.AmountCents
		totalSettled += charge.AmountCents
		settledIDs = append(settledIDs, charge.ChargeID)
	}
	if len(settledIDs) > 0 {
		if err := txStore.MarkChargesPaid(ctx, settledIDs, payment.ReceivedAt); err != nil {
			return SettlementResult{}, err
		}
	}

	newBalance := account.BalanceCents.AfterRecharge(payment.Amount)
	newLimit := account.RemainingCreditLimitCents + payment.Amount.Int64()
	update := AccountUpdate{
		BalanceCents:              &newBalance,
		RemainingCreditLimitCents: &newLimit,
	}
	if err := txStore.UpdateAccount(ctx, customerID, update); err != nil {
		return SettlementResult{}, err
	}
	if err := service.appendRecharge(ctx, txStore, customerID, payment, newBalance, newLimit); err != nil {
		return SettlementResult{}, err
	}
	return SettlementResult{
		Policy:                 PolicyPostpaid,
		NewBalanceCents:        newBalance,
		AmountAppliedCents:     payment.Amount.Int64(),
		ChargesSettled:         len(settledIDs),
		AmountSettledCents:     totalSettled,
		LeftoverAvailableCents: available,
		SettledChargeIDs:       settledIDs,
		PendingChargeIDs:       pendingIDs,
	}, nil
}

func (service *Service) appendRecharge(ctx context.Context, txStore Store, customerID CustomerID, payment Payment, balance ConsumedCredit, limit int64) error {
	return txStore.AppendLedgerLine(ctx, LedgerLineInput{
		CustomerID:            customerID,
		Direction:             DirectionInward,
		CreditAmountCents:     payment.Amount.Int64(),
		ResultingBalanceCents: balance.Int64(),
		ResultingLimitCents:   limit,
		ActorID:               service.actorID,
		IdempotencyKey:        payment.IdempotencyKey,
		Metadata:              payment.Metadata,
		CreatedAt:             service.nowFn(),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// recordAudit notifies the audit collaborator outside the transaction
// boundary. Failures are logged and swallowed.
func (service *Service) recordAudit(customerID CustomerID, before Account, after Account, result SettlementResult) {
	if service.audit == nil {
		return
	}
	summary := fmt.Sprintf("policy=%s applied=%d settled_charges=%d days_cleared=%d balance=%d",
		result.Policy, result.AmountAppliedCents, result.ChargesSettled, result.DaysCleared, result.NewBalanceCents.Int64())
	go func() {
		ctx := context.Background()
		if err := service.audit.Record(ctx, customerID, before, after, summary); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation:  operationAudit,
				CustomerID: customerID,
				Policy:     result.Policy,
				Error:      err,
			})
		}
	}()
}

func chargeIDs(charges []Charge) []string {
	ids := make([]string, 0, len(charges))
	for _, charge := range charges {
		ids = append(ids, charge.ChargeID)
	}
	return ids
}
