package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fueldesk/settlement/pkg/settlement"
)

const (
	constraintLedgerCustomerIdem = "uniq_ledger_customer_idem"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectCharge           = "charge"
	errorSubjectCustomer         = "customer"
	errorSubjectLedger           = "ledger"
	errorCodeAppend              = "append"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMarkPaid            = "mark_paid"
	errorCodeUpdate              = "update"
)

// Store implements settlement.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore settlement.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetCustomer(ctx context.Context, customerID settlement.CustomerID) (settlement.Customer, error) {
	var record CustomerRecord
	err := store.db.WithContext(ctx).
		Where("customer_id = ?", customerID.String()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return settlement.Customer{}, wrapStoreError(errorSubjectCustomer, errorCodeGet, settlement.ErrCustomerNotFound)
		}
		return settlement.Customer{}, wrapStoreError(errorSubjectCustomer, errorCodeGet, err)
	}
	return settlement.Customer{
		CustomerID: record.CustomerID,
		Name:       record.Name,
		Policy:     settlement.BillingPolicy(record.BillingPolicy),
	}, nil
}

// GetOrCreateAccount returns the customer's account, creating a zeroed active
// row on first access. Inside a transaction the row is locked for update.
func (store *Store) GetOrCreateAccount(ctx context.Context, customerID settlement.CustomerID) (settlement.Account, error) {
	var record AccountRecord
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ?", customerID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = AccountRecord{CustomerID: customerID.String(), IsActive: true}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&record).Error
		if createErr != nil {
			return settlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("customer_id = ?", customerID.String()).
			Take(&record).Error
	}
	if err != nil {
		return settlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(record), nil
}

func (store *Store) UpdateAccount(ctx context.Context, customerID settlement.CustomerID, update settlement.AccountUpdate) error {
	fields := map[string]interface{}{"updated_at": time.Now().UTC()}
	if update.BalanceCents != nil {
		fields["balance_cents"] = update.BalanceCents.Int64()
	}
	if update.RemainingCreditLimitCents != nil {
		fields["remaining_credit_limit_cents"] = *update.RemainingCreditLimitCents
	}
	if update.TotalDayAmountCents != nil {
		fields["total_day_amount_cents"] = *update.TotalDayAmountCents
	}
	if update.DayRemainingAmountCents != nil {
		fields["day_remaining_amount_cents"] = *update.DayRemainingAmountCents
	}
	if update.IsActive != nil {
		fields["is_active"] = *update.IsActive
	}
	err := store.db.WithContext(ctx).
		Model(&AccountRecord{}).
		Where("customer_id = ?", customerID.String()).
		Updates(fields).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListUnpaidCharges(ctx context.Context, customerID settlement.CustomerID) ([]settlement.Charge, error) {
	var rows []ChargeRecord
	err := store.db.WithContext(ctx).
		Where("customer_id = ? AND paid = ?", customerID.String(), false).
		Order("completed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeList, err)
	}
	charges := make([]settlement.Charge, 0, len(rows))
	for _, row := range rows {
		charges = append(charges, mapCharge(row))
	}
	return charges, nil
}

func (store *Store) OldestUnpaidCharge(ctx context.Context, customerID settlement.CustomerID) (*settlement.Charge, error) {
	var row ChargeRecord
	err := store.db.WithContext(ctx).
		Where("customer_id = ? AND paid = ?", customerID.String(), false).
		Order("completed_at ASC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	charge := mapCharge(row)
	return &charge, nil
}

func (store *Store) MarkChargesPaid(ctx context.Context, chargeIDs []string, paidAt time.Time) error {
	if len(chargeIDs) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).
		Model(&ChargeRecord{}).
		Where("charge_id IN ?", chargeIDs).
		Updates(map[string]interface{}{"paid": true, "paid_at": paidAt.UTC()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeMarkPaid, err)
	}
	return nil
}

func (store *Store) AppendLedgerLine(ctx context.Context, input settlement.LedgerLineInput) error {
	record := LedgerLineRecord{
		CustomerID:            input.CustomerID.String(),
		Direction:             input.Direction.String(),
		CreditAmountCents:     input.CreditAmountCents,
		ResultingBalanceCents: input.ResultingBalanceCents,
		ResultingLimitCents:   input.ResultingLimitCents,
		ActorID:               input.ActorID,
		IdempotencyKey:        input.IdempotencyKey.String(),
		Metadata:              datatypesJSON(input.Metadata.String()),
		CreatedAt:             input.CreatedAt.UTC(),
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, settlement.ErrDuplicatePaymentKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeAppend, err)
	}
	return nil
}

func (store *Store) ListLedgerLines(ctx context.Context, customerID settlement.CustomerID, beforeUnixUTC int64, limit int) ([]settlement.LedgerLine, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	query := store.db.WithContext(ctx).
		Where("customer_id = ? AND created_at < ?", customerID.String(), before).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerLineRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	lines := make([]settlement.LedgerLine, 0, len(rows))
	for _, row := range rows {
		line, err := mapLedgerLine(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return settlement.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(record AccountRecord) settlement.Account {
	return settlement.Account{
		CustomerID:                record.CustomerID,
		BalanceCents:              settlement.ConsumedCredit(record.BalanceCents),
		TotalCreditLimitCents:     record.TotalCreditLimitCents,
		RemainingCreditLimitCents: record.RemainingCreditLimitCents,
		DayLimitDays:              record.DayLimitDays,
		TotalDayAmountCents:       record.TotalDayAmountCents,
		DayRemainingAmountCents:   record.DayRemainingAmountCents,
		IsActive:                  record.IsActive,
	}
}

func mapCharge(record ChargeRecord) settlement.Charge {
	return settlement.Charge{
		ChargeID:    record.ChargeID,
		CustomerID:  record.CustomerID,
		AmountCents: record.AmountCents,
		CompletedAt: record.CompletedAt,
		Paid:        record.Paid,
		PaidAt:      record.PaidAt,
	}
}

func mapLedgerLine(record LedgerLineRecord) (settlement.LedgerLine, error) {
	direction, err := settlement.ParseLedgerDirection(record.Direction)
	if err != nil {
		return settlement.LedgerLine{}, err
	}
	return settlement.LedgerLine{
		LineID:                record.LineID,
		CustomerID:            record.CustomerID,
		Direction:             direction,
		CreditAmountCents:     record.CreditAmountCents,
		ResultingBalanceCents: record.ResultingBalanceCents,
		ResultingLimitCents:   record.ResultingLimitCents,
		ActorID:               record.ActorID,
		IdempotencyKey:        record.IdempotencyKey,
		MetadataJSON:          string(record.Metadata),
		CreatedAt:             record.CreatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerCustomerIdem
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
