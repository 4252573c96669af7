package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fueldesk/settlement/pkg/settlement"
)

const (
	constraintLedgerCustomerIdem = "uniq_ledger_customer_idem"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectCharge           = "charge"
	errorSubjectCustomer         = "customer"
	errorSubjectLedger           = "ledger"
	errorSubjectTransaction      = "transaction"
	errorCodeAppend              = "append"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMarkPaid            = "mark_paid"
	errorCodeUpdate              = "update"

	sqlSelectCustomer = `
		select customer_id, name, billing_policy from customers where customer_id = $1
	`

	sqlInsertAccountIfAbsent = `
		insert into credit_accounts(customer_id, balance_cents, total_credit_limit_cents, remaining_credit_limit_cents,
			day_limit_days, total_day_amount_cents, day_remaining_amount_cents, is_active, created_at, updated_at)
		values($1, 0, 0, 0, 0, 0, 0, true, now(), now())
		on conflict (customer_id) do nothing
	`

	sqlSelectAccountForUpdate = `
		select customer_id, balance_cents, total_credit_limit_cents, remaining_credit_limit_cents,
			day_limit_days, total_day_amount_cents, day_remaining_amount_cents, is_active
		from credit_accounts where customer_id = $1
		for update
	`

	sqlUpdateAccount = `
		update credit_accounts set
			balance_cents = coalesce($2, balance_cents),
			remaining_credit_limit_cents = coalesce($3, remaining_credit_limit_cents),
			total_day_amount_cents = coalesce($4, total_day_amount_cents),
			day_remaining_amount_cents = coalesce($5, day_remaining_amount_cents),
			is_active = coalesce($6, is_active),
			updated_at = now()
		where customer_id = $1
	`

	sqlListUnpaidCharges = `
		select charge_id, customer_id, amount_cents, completed_at, paid, paid_at
		from charges where customer_id = $1 and not paid
		order by completed_at asc
	`

	sqlOldestUnpaidCharge = `
		select charge_id, customer_id, amount_cents, completed_at, paid, paid_at
		from charges where customer_id = $1 and not paid
		order by completed_at asc
		limit 1
	`

	sqlMarkChargesPaid = `
		update charges set paid = true, paid_at = $2 where charge_id = any($1)
	`

	sqlInsertLedgerLine = `
		insert into ledger_lines(
			line_id, customer_id, direction, credit_amount_cents, resulting_balance_cents,
			resulting_limit_cents, actor_id, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb, $9
		)
	`

	sqlListLedgerLines = `
		select line_id, customer_id, direction, credit_amount_cents, resulting_balance_cents,
			resulting_limit_cents, actor_id, idempotency_key, metadata::text, created_at
		from ledger_lines
		where customer_id = $1 and created_at < $2
		order by created_at desc
		limit $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements settlement.Store using a pgx connection pool (autocommit
// outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	conn querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

// WithTx runs fn inside one transaction. Nested calls reuse the open
// transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore settlement.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetCustomer(ctx context.Context, customerID settlement.CustomerID) (settlement.Customer, error) {
	var (
		idValue     string
		nameValue   string
		policyValue string
	)
	err := store.conn.QueryRow(ctx, sqlSelectCustomer, customerID.String()).Scan(&idValue, &nameValue, &policyValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Customer{}, wrapStoreError(errorSubjectCustomer, errorCodeGet, settlement.ErrCustomerNotFound)
		}
		return settlement.Customer{}, wrapStoreError(errorSubjectCustomer, errorCodeGet, err)
	}
	return settlement.Customer{
		CustomerID: idValue,
		Name:       nameValue,
		Policy:     settlement.BillingPolicy(policyValue),
	}, nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, customerID settlement.CustomerID) (settlement.Account, error) {
	if _, err := store.conn.Exec(ctx, sqlInsertAccountIfAbsent, customerID.String()); err != nil {
		return settlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var account settlement.Account
	var balance int64
	err := store.conn.QueryRow(ctx, sqlSelectAccountForUpdate, customerID.String()).Scan(
		&account.CustomerID,
		&balance,
		&account.TotalCreditLimitCents,
		&account.RemainingCreditLimitCents,
		&account.DayLimitDays,
		&account.TotalDayAmountCents,
		&account.DayRemainingAmountCents,
		&account.IsActive,
	)
	if err != nil {
		return settlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account.BalanceCents = settlement.ConsumedCredit(balance)
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, customerID settlement.CustomerID, update settlement.AccountUpdate) error {
	var balance *int64
	if update.BalanceCents != nil {
		value := update.BalanceCents.Int64()
		balance = &value
	}
	_, err := store.conn.Exec(ctx, sqlUpdateAccount,
		customerID.String(),
		balance,
		update.RemainingCreditLimitCents,
		update.TotalDayAmountCents,
		update.DayRemainingAmountCents,
		update.IsActive,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListUnpaidCharges(ctx context.Context, customerID settlement.CustomerID) ([]settlement.Charge, error) {
	rows, err := store.conn.Query(ctx, sqlListUnpaidCharges, customerID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeList, err)
	}
	defer rows.Close()
	var charges []settlement.Charge
	for rows.Next() {
		charge, scanErr := scanCharge(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectCharge, errorCodeInvalid, scanErr)
		}
		charges = append(charges, charge)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeList, err)
	}
	return charges, nil
}

func (store *Store) OldestUnpaidCharge(ctx context.Context, customerID settlement.CustomerID) (*settlement.Charge, error) {
	charge, err := scanCharge(store.conn.QueryRow(ctx, sqlOldestUnpaidCharge, customerID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	return &charge, nil
}

func (store *Store) MarkChargesPaid(ctx context.Context, chargeIDs []string, paidAt time.Time) error {
	if len(chargeIDs) == 0 {
		return nil
	}
	if _, err := store.conn.Exec(ctx, sqlMarkChargesPaid, chargeIDs, paidAt.UTC()); err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeMarkPaid, err)
	}
	return nil
}

func (store *Store) AppendLedgerLine(ctx context.Context, input settlement.LedgerLineInput) error {
	createdAt := input.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.conn.Exec(ctx, sqlInsertLedgerLine,
		input.CustomerID.String(),
		input.Direction.String(),
		input.CreditAmountCents,
		input.ResultingBalanceCents,
		input.ResultingLimitCents,
		input.ActorID,
		input.IdempotencyKey.String(),
		input.Metadata.String(),
		createdAt,
	)
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
	if limit <= 0 {
		limit = 50
	}
	rows, err := store.conn.Query(ctx, sqlListLedgerLines, customerID.String(), before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	defer rows.Close()
	var lines []settlement.LedgerLine
	for rows.Next() {
		var (
			line      settlement.LedgerLine
			direction string
		)
		scanErr := rows.Scan(
			&line.LineID,
			&line.CustomerID,
			&direction,
			&line.CreditAmountCents,
			&line.ResultingBalanceCents,
			&line.ResultingLimitCents,
			&line.ActorID,
			&line.IdempotencyKey,
			&line.MetadataJSON,
			&line.CreatedAt,
		)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, scanErr)
		}
		parsed, parseErr := settlement.ParseLedgerDirection(direction)
		if parseErr != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, parseErr)
		}
		line.Direction = parsed
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	return lines, nil
}

func scanCharge(row pgx.Row) (settlement.Charge, error) {
	var charge settlement.Charge
	err := row.Scan(
		&charge.ChargeID,
		&charge.CustomerID,
		&charge.AmountCents,
		&charge.CompletedAt,
		&charge.Paid,
		&charge.PaidAt,
	)
	if err != nil {
		return settlement.Charge{}, err
	}
	return charge, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return settlement.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerCustomerIdem
	}
	return false
}
