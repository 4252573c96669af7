package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountCents is a strictly positive integer currency amount in cents.
type AmountCents int64

// ConsumedCredit is the running account balance under the consumed-credit sign
// convention: every balance-affecting event, recharge included, pushes the value
// further negative. A balance of -500 means 500 cents of credit have moved
// through the account since it was opened.
type ConsumedCredit int64

// CustomerID identifies an account owner.
type CustomerID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for a submitted payment.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata (payment type, remarks).
type MetadataJSON struct {
	value string
}

// BillingPolicy selects the allocation rule set for a customer.
type BillingPolicy string

const (
	PolicyPrepaid  BillingPolicy = "prepaid"
	PolicyPostpaid BillingPolicy = "postpaid"
	PolicyDayLimit BillingPolicy = "day_limit"
)

// LedgerDirection marks a ledger line as a recharge or a charge accrual.
type LedgerDirection string

const (
	DirectionInward  LedgerDirection = "inward"
	DirectionOutward LedgerDirection = "outward"
)

// NewCustomerID validates and normalizes a customer id.
func NewCustomerID(raw string) (CustomerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CustomerID{}, fmt.Errorf("%w: empty value", ErrInvalidCustomerID)
	}
	return CustomerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CustomerID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Int64 returns the raw signed balance in cents.
func (balance ConsumedCredit) Int64() int64 {
	return int64(balance)
}

// AfterRecharge returns the balance after a recharge is applied. Recharges
// debit the balance.
func (balance ConsumedCredit) AfterRecharge(amount AmountCents) ConsumedCredit {
	return balance - ConsumedCredit(amount)
}

// ParseBillingPolicy maps a stored policy string onto a BillingPolicy.
func ParseBillingPolicy(raw string) (BillingPolicy, error) {
	switch BillingPolicy(strings.TrimSpace(raw)) {
	case PolicyPrepaid:
		return PolicyPrepaid, nil
	case PolicyPostpaid:
		return PolicyPostpaid, nil
	case PolicyDayLimit:
		return PolicyDayLimit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBillingPolicy, raw)
	}
}

// String returns the stored policy name.
func (policy BillingPolicy) String() string {
	return string(policy)
}

// String returns the stored direction name.
func (direction LedgerDirection) String() string {
	return string(direction)
}

// ParseLedgerDirection maps a stored direction string onto a LedgerDirection.
func ParseLedgerDirection(raw string) (LedgerDirection, error) {
	switch LedgerDirection(raw) {
	case DirectionInward:
		return DirectionInward, nil
	case DirectionOutward:
		return DirectionOutward, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLedgerDirection, raw)
	}
}

// Customer carries the identity and billing-policy selector.
type Customer struct {
	CustomerID string
	Name       string
	Policy     BillingPolicy
}

// Account is the per-customer credit account. One row per customer, created
// lazily with zeroed defaults on first access.
type Account struct {
	CustomerID                string
	BalanceCents              ConsumedCredit
	TotalCreditLimitCents     int64
	RemainingCreditLimitCents int64
	DayLimitDays              int
	TotalDayAmountCents       int64
	DayRemainingAmountCents   int64
	IsActive                  bool
}

// Charge is one completed, billable order awaiting payment. The amount is
// immutable once created; only the paid flag flips.
type Charge struct {
	ChargeID    string
	CustomerID  string
	AmountCents int64
	CompletedAt time.Time
	Paid        bool
	PaidAt      *time.Time
}

// LedgerLine is one immutable line in the balance history.
type LedgerLine struct {
	LineID                string
	CustomerID            string
	Direction             LedgerDirection
	CreditAmountCents     int64
	ResultingBalanceCents int64
	ResultingLimitCents   int64
	ActorID               string
	IdempotencyKey        string
	MetadataJSON          string
	CreatedAt             time.Time
}

// SignedAmountCents converts the line's credit amount into the consumed-credit
// sign convention: both recharges and charge accruals push the balance down.
func (line LedgerLine) SignedAmountCents() int64 {
	return -line.CreditAmountCents
}

// LedgerLineInput carries a ledger line to be appended.
type LedgerLineInput struct {
	CustomerID            CustomerID
	Direction             LedgerDirection
	CreditAmountCents     int64
	ResultingBalanceCents int64
	ResultingLimitCents   int64
	ActorID               string
	IdempotencyKey        IdempotencyKey
	Metadata              MetadataJSON
	CreatedAt             time.Time
}

// AccountUpdate describes a partial account mutation. Nil fields are left
// untouched.
type AccountUpdate struct {
	BalanceCents              *ConsumedCredit
	RemainingCreditLimitCents *int64
	TotalDayAmountCents       *int64
	DayRemainingAmountCents   *int64
	IsActive                  *bool
}

// Payment is the transient settlement input; it is never persisted on its own.
type Payment struct {
	Amount         AmountCents
	ReceivedAt     time.Time
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
}

// SettlementResult summarizes what one Allocate call did.
type SettlementResult struct {
	Policy                  BillingPolicy
	NewBalanceCents         ConsumedCredit
	AmountAppliedCents      int64
	ChargesSettled          int
	AmountSettledCents      int64
	LeftoverAvailableCents  int64
	DaysCleared             int
	TotalDayAmountCents     int64
	DayRemainingAmountCents int64
	IsOverdue               bool
	SettledChargeIDs        []string
	PendingChargeIDs        []string
}

// OverdueStatus reports delinquency for one customer.
type OverdueStatus struct {
	IsOverdue      bool
	DaysOverdue    int
	OldestUnpaidAt *time.Time
}

// Store is the persistence contract used by Service. Every mutating call made
// from inside WithTx must observe transaction isolation; the Account row and
// affected Charge rows are the only shared mutable state.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetCustomer(ctx context.Context, customerID CustomerID) (Customer, error)
	GetOrCreateAccount(ctx context.Context, customerID CustomerID) (Account, error)
	UpdateAccount(ctx context.Context, customerID CustomerID, update AccountUpdate) error
	ListUnpaidCharges(ctx context.Context, customerID CustomerID) ([]Charge, error)
	OldestUnpaidCharge(ctx context.Context, customerID CustomerID) (*Charge, error)
	MarkChargesPaid(ctx context.Context, chargeIDs []string, paidAt time.Time) error
	AppendLedgerLine(ctx context.Context, input LedgerLineInput) error
	ListLedgerLines(ctx context.Context, customerID CustomerID, beforeUnixUTC int64, limit int) ([]LedgerLine, error)
}
