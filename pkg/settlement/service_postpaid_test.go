package settlement

import (
	"context"
	"testing"
)

func TestPostpaidSettlesOldestFirstWholeChargesOnly(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-post", PolicyPostpaid)
	store.setAccount(Account{CustomerID: "cust-post", RemainingCreditLimitCents: 0, IsActive: true})
	store.addCharge("charge-old", "cust-post", 100, daysAgo(3))
	store.addCharge("charge-mid", "cust-post", 50, daysAgo(2))
	store.addCharge("charge-new", "cust-post", 200, daysAgo(1))
	service := mustNewService(test, store)

	result, err := service.Allocate(context.Background(), mustCustomerID(test, "cust-post"), mustPayment(test, 140, "pay-1"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}

	if result.ChargesSettled != 1 {
		test.Fatalf("expected 1 charge settled, got %d", result.ChargesSettled)
	}
	if result.AmountSettledCents != 100 {
		test.Fatalf("expected 100 settled, got %d", result.AmountSettledCents)
	}
	// Leftover must not be applied to the smaller mid charge out of order.
	if result.LeftoverAvailableCents != 40 {
		test.Fatalf("expected leftover 40, got %d", result.LeftoverAvailableCents)
	}
	if len(result.SettledChargeIDs) != 1 || result.SettledChargeIDs[0] != "charge-old" {
		test.Fatalf("unexpected settled ids: %v", result.SettledChargeIDs)
	}
	if len(result.PendingChargeIDs) != 2 {
		test.Fatalf("expected 2 pending charges, got %v", result.PendingChargeIDs)
	}
	account := store.accounts["cust-post"]
	if account.BalanceCents != -140 {
		test.Fatalf("expected balance -140, got %d", account.BalanceCents)
	}
	if account.RemainingCreditLimitCents != 140 {
		test.Fatalf("expected remaining limit 140, got %d", account.RemainingCreditLimitCents)
	}
	if got := store.unpaidCount(test, "cust-post"); got != 2 {
		test.Fatalf("expected 2 unpaid charges, got %d", got)
	}
}

func TestPostpaidSettlesFullBacklogWhenFunded(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-post", PolicyPostpaid)
	store.addCharge("charge-1", "cust-post", 100, daysAgo(3))
	store.addCharge("charge-2", "cust-post", 50, daysAgo(2))
	store.addCharge("charge-3", "cust-post", 200, daysAgo(1))
	service := mustNewService(test, store)

	result, err := service.Allocate(context.Background(), mustCustomerID(test, "cust-post"), mustPayment(test, 375, "pay-2"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if result.ChargesSettled != 3 {
		test.Fatalf("expected 3 charges settled, got %d", result.ChargesSettled)
	}
	if result.AmountSettledCents != 350 {
		test.Fatalf("expected 350 settled, got %d", result.AmountSettledCents)
	}
	if result.LeftoverAvailableCents != 25 {
		test.Fatalf("expected leftover 25, got %d", result.LeftoverAvailableCents)
	}
	if got := store.unpaidCount(test, "cust-post"); got != 0 {
		test.Fatalf("expected no unpaid charges, got %d", got)
	}
}

func TestPostpaidWithoutBacklogStillRecords(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-post", PolicyPostpaid)
	service := mustNewService(test, store)

	result, err := service.Allocate(context.Background(), mustCustomerID(test, "cust-post"), mustPayment(test, 60, "pay-3"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if result.ChargesSettled != 0 {
		test.Fatalf("expected no charges settled, got %d", result.ChargesSettled)
	}
	if result.LeftoverAvailableCents != 60 {
		test.Fatalf("expected leftover 60, got %d", result.LeftoverAvailableCents)
	}
	if len(store.lines) != 1 {
		test.Fatalf("expected recharge line, got %d", len(store.lines))
	}
}
