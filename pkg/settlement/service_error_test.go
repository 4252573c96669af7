package settlement

import (
	"context"
	"errors"
	"testing"
)

func TestAllocateRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-1", PolicyPrepaid)
	store.setAccount(Account{CustomerID: "cust-1", RemainingCreditLimitCents: 500, IsActive: true})
	service := mustNewService(test, store)

	for _, raw := range []int64{0, -5} {
		payment := Payment{
			Amount:         AmountCents(raw),
			ReceivedAt:     testNow,
			Metadata:       mustMetadata(test, "{}"),
			IdempotencyKey: mustIdempotencyKey(test, "pay-bad"),
		}
		_, err := service.Allocate(context.Background(), mustCustomerID(test, "cust-1"), payment)
		if !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	if len(store.lines) != 0 {
		test.Fatalf("expected no ledger lines, got %d", len(store.lines))
	}
	if store.accounts["cust-1"].RemainingCreditLimitCents != 500 {
		test.Fatalf("expected account untouched")
	}
}

func TestAllocateUnknownBillingPolicyRollsBack(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-odd", BillingPolicy("barter"))
	service := mustNewService(test, store)

	_, err := service.Allocate(context.Background(), mustCustomerID(test, "cust-odd"), mustPayment(test, 100, "pay-1"))
	if !errors.Is(err, ErrUnknownBillingPolicy) {
		test.Fatalf("expected ErrUnknownBillingPolicy, got %v", err)
	}
	if len(store.lines) != 0 {
		test.Fatalf("expected no ledger lines, got %d", len(store.lines))
	}
	if _, created := store.accounts["cust-odd"]; created {
		test.Fatalf("expected lazy account creation rolled back")
	}
}

func TestAllocateUnknownCustomer(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	_, err := service.Allocate(context.Background(), mustCustomerID(test, "ghost"), mustPayment(test, 100, "pay-2"))
	if !errors.Is(err, ErrCustomerNotFound) {
		test.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
}

func TestAllocateDuplicateIdempotencyKeyAppliesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-1", PolicyPrepaid)
	service := mustNewService(test, store)
	customerID := mustCustomerID(test, "cust-1")

	if _, err := service.Allocate(context.Background(), customerID, mustPayment(test, 200, "pay-dup")); err != nil {
		test.Fatalf("first allocate: %v", err)
	}
	_, err := service.Allocate(context.Background(), customerID, mustPayment(test, 200, "pay-dup"))
	if !errors.Is(err, ErrDuplicatePaymentKey) {
		test.Fatalf("expected ErrDuplicatePaymentKey, got %v", err)
	}
	if len(store.lines) != 1 {
		test.Fatalf("expected single ledger line, got %d", len(store.lines))
	}
	if store.accounts["cust-1"].BalanceCents != -200 {
		test.Fatalf("expected balance from first payment only, got %d", store.accounts["cust-1"].BalanceCents)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, fixedClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
