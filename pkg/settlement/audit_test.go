package settlement

import (
	"context"
	"errors"
	"testing"
	"time"
)

type signalingRecorder struct {
	calls chan auditCall
	fail  error
}

type auditCall struct {
	customerID CustomerID
	before     Account
	after      Account
	summary    string
}

func (recorder *signalingRecorder) Record(_ context.Context, customerID CustomerID, before Account, after Account, summary string) error {
	recorder.calls <- auditCall{customerID: customerID, before: before, after: after, summary: summary}
	return recorder.fail
}

func waitForAudit(test *testing.T, recorder *signalingRecorder) auditCall {
	test.Helper()
	select {
	case call := <-recorder.calls:
		return call
	case <-time.After(2 * time.Second):
		test.Fatalf("timed out waiting for audit record")
		return auditCall{}
	}
}

func TestAuditReceivesBeforeAndAfterSnapshots(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-audit", PolicyPrepaid)
	store.setAccount(Account{CustomerID: "cust-audit", RemainingCreditLimitCents: 500, IsActive: true})
	recorder := &signalingRecorder{calls: make(chan auditCall, 1)}
	service := mustNewService(test, store, WithAuditRecorder(recorder))

	if _, err := service.Allocate(context.Background(), mustCustomerID(test, "cust-audit"), mustPayment(test, 200, "pay-audit")); err != nil {
		test.Fatalf("allocate: %v", err)
	}
	call := waitForAudit(test, recorder)
	if call.before.RemainingCreditLimitCents != 500 {
		test.Fatalf("expected before limit 500, got %d", call.before.RemainingCreditLimitCents)
	}
	if call.after.RemainingCreditLimitCents != 700 {
		test.Fatalf("expected after limit 700, got %d", call.after.RemainingCreditLimitCents)
	}
	if call.after.BalanceCents != -200 {
		test.Fatalf("expected after balance -200, got %d", call.after.BalanceCents)
	}
	if call.summary == "" {
		test.Fatalf("expected summary text")
	}
}

func TestAuditFailureNeverFailsSettlement(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addCustomer("cust-audit", PolicyPrepaid)
	recorder := &signalingRecorder{calls: make(chan auditCall, 1), fail: errors.New("audit sink down")}
	logger := &recordingLogger{}
	service := mustNewService(test, store, WithAuditRecorder(recorder), WithOperationLogger(logger))

	if _, err := service.Allocate(context.Background(), mustCustomerID(test, "cust-audit"), mustPayment(test, 100, "pay-audit-2")); err != nil {
		test.Fatalf("allocate should succeed despite audit failure: %v", err)
	}
	waitForAudit(test, recorder)
	if store.accounts["cust-audit"].BalanceCents != -100 {
		test.Fatalf("expected settlement committed, got balance %d", store.accounts["cust-audit"].BalanceCents)
	}
}

func TestAuditSkippedWhenAllocateFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	recorder := &signalingRecorder{calls: make(chan auditCall, 1)}
	service := mustNewService(test, store, WithAuditRecorder(recorder))

	if _, err := service.Allocate(context.Background(), mustCustomerID(test, "ghost"), mustPayment(test, 100, "pay-audit-3")); err == nil {
		test.Fatalf("expected allocate failure")
	}
	select {
	case <-recorder.calls:
		test.Fatalf("expected no audit record on failure")
	case <-time.After(50 * time.Millisecond):
	}
}
