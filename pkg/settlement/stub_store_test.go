package settlement

import (
	"context"
	"sort"
	"testing"
	"time"
)

// stubStore is an in-memory Store with snapshot-restore transaction semantics:
// when the transactional closure fails every mutation is rolled back, matching
// the atomicity the relational stores provide.
type stubStore struct {
	customers map[string]Customer
	accounts  map[string]Account
	charges   []Charge
	lines     []LedgerLine
	seenKeys  map[string]bool
}

func newStubStore() *stubStore {
	return &stubStore{
		customers: make(map[string]Customer),
		accounts:  make(map[string]Account),
		seenKeys:  make(map[string]bool),
	}
}

func (store *stubStore) addCustomer(customerID string, policy BillingPolicy) {
	store.customers[customerID] = Customer{CustomerID: customerID, Name: customerID, Policy: policy}
}

func (store *stubStore) setAccount(account Account) {
	store.accounts[account.CustomerID] = account
}

func (store *stubStore) addCharge(chargeID string, customerID string, amountCents int64, completedAt time.Time) {
	store.charges = append(store.charges, Charge{
		ChargeID:    chargeID,
		CustomerID:  customerID,
		AmountCents: amountCents,
		CompletedAt: completedAt,
	})
}

func (store *stubStore) snapshot() *stubStore {
	clone := newStubStore()
	for key, value := range store.customers {
		clone.customers[key] = value
	}
	for key, value := range store.accounts {
		clone.accounts[key] = value
	}
	clone.charges = append([]Charge(nil), store.charges...)
	clone.lines = append([]LedgerLine(nil), store.lines...)
	for key := range store.seenKeys {
		clone.seenKeys[key] = true
	}
	return clone
}

func (store *stubStore) restore(saved *stubStore) {
	store.customers = saved.customers
	store.accounts = saved.accounts
	store.charges = saved.charges
	store.lines = saved.lines
	store.seenKeys = saved.seenKeys
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) GetCustomer(_ context.Context, customerID CustomerID) (Customer, error) {
	customer, found := store.customers[customerID.String()]
	if !found {
		return Customer{}, WrapError("store", "customer", "get", ErrCustomerNotFound)
	}
	return customer, nil
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, customerID CustomerID) (Account, error) {
	account, found := store.accounts[customerID.String()]
	if !found {
		account = Account{CustomerID: customerID.String(), IsActive: true}
		store.accounts[customerID.String()] = account
	}
	return account, nil
}

func (store *stubStore) UpdateAccount(_ context.Context, customerID CustomerID, update AccountUpdate) error {
	account := store.accounts[customerID.String()]
	if update.BalanceCents != nil {
		account.BalanceCents = *update.BalanceCents
	}
	if update.RemainingCreditLimitCents != nil {
		account.RemainingCreditLimitCents = *update.RemainingCreditLimitCents
	}
	if update.TotalDayAmountCents != nil {
		account.TotalDayAmountCents = *update.TotalDayAmountCents
	}
	if update.DayRemainingAmountCents != nil {
		account.DayRemainingAmountCents = *update.DayRemainingAmountCents
	}
	if update.IsActive != nil {
		account.IsActive = *update.IsActive
	}
	account.CustomerID = customerID.String()
	store.accounts[customerID.String()] = account
	return nil
}

func (store *stubStore) ListUnpaidCharges(_ context.Context, customerID CustomerID) ([]Charge, error) {
	var unpaid []Charge
	for _, charge := range store.charges {
		if charge.CustomerID == customerID.String() && !charge.Paid {
			unpaid = append(unpaid, charge)
		}
	}
	sort.Slice(unpaid, func(left, right int) bool {
		return unpaid[left].CompletedAt.Before(unpaid[right].CompletedAt)
	})
	return unpaid, nil
}

func (store *stubStore) OldestUnpaidCharge(ctx context.Context, customerID CustomerID) (*Charge, error) {
	unpaid, err := store.ListUnpaidCharges(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if len(unpaid) == 0 {
		return nil, nil
	}
	oldest := unpaid[0]
	return &oldest, nil
}

func (store *stubStore) MarkChargesPaid(_ context.Context, chargeIDs []string, paidAt time.Time) error {
	marked := make(map[string]bool, len(chargeIDs))
	for _, chargeID := range chargeIDs {
		marked[chargeID] = true
	}
	for index := range store.charges {
		if marked[store.charges[index].ChargeID] {
			at := paidAt
			store.charges[index].Paid = true
			store.charges[index].PaidAt = &at
		}
	}
	return nil
}

func (store *stubStore) AppendLedgerLine(_ context.Context, input LedgerLineInput) error {
	scopedKey := input.CustomerID.String() + "/" + input.IdempotencyKey.String()
	if store.seenKeys[scopedKey] {
		return WrapError("store", "ledger", "duplicate", ErrDuplicatePaymentKey)
	}
	store.seenKeys[scopedKey] = true
	store.lines = append(store.lines, LedgerLine{
		LineID:                scopedKey,
		CustomerID:            input.CustomerID.String(),
		Direction:             input.Direction,
		CreditAmountCents:     input.CreditAmountCents,
		ResultingBalanceCents: input.ResultingBalanceCents,
		ResultingLimitCents:   input.ResultingLimitCents,
		ActorID:               input.ActorID,
		IdempotencyKey:        input.IdempotencyKey.String(),
		MetadataJSON:          input.Metadata.String(),
		CreatedAt:             input.CreatedAt,
	})
	return nil
}

func (store *stubStore) ListLedgerLines(_ context.Context, customerID CustomerID, _ int64, limit int) ([]LedgerLine, error) {
	var lines []LedgerLine
	for _, line := range store.lines {
		if line.CustomerID == customerID.String() {
			lines = append(lines, line)
		}
	}
	sort.Slice(lines, func(left, right int) bool {
		return lines[left].CreatedAt.After(lines[right].CreatedAt)
	})
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return lines, nil
}

func (store *stubStore) unpaidCount(test *testing.T, customerID string) int {
	test.Helper()
	count := 0
	for _, charge := range store.charges {
		if charge.CustomerID == customerID && !charge.Paid {
			count++
		}
	}
	return count
}

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCustomerID(test *testing.T, raw string) CustomerID {
	test.Helper()
	customerID, err := NewCustomerID(raw)
	if err != nil {
		test.Fatalf("customer id: %v", err)
	}
	return customerID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustPayment(test *testing.T, amountCents int64, key string) Payment {
	test.Helper()
	return Payment{
		Amount:         mustAmount(test, amountCents),
		ReceivedAt:     testNow,
		Metadata:       mustMetadata(test, "{}"),
		IdempotencyKey: mustIdempotencyKey(test, key),
	}
}

func daysAgo(days int) time.Time {
	return testNow.AddDate(0, 0, -days)
}
