package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CustomerRecord represents the customers table.
type CustomerRecord struct {
	CustomerID    string    `gorm:"primaryKey"`
	Name          string    `gorm:"not null"`
	BillingPolicy string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (CustomerRecord) TableName() string { return "customers" }

// AccountRecord mirrors the credit_accounts table, one row per customer.
type AccountRecord struct {
	CustomerID                string    `gorm:"primaryKey"`
	BalanceCents              int64     `gorm:"not null"`
	TotalCreditLimitCents     int64     `gorm:"not null"`
	RemainingCreditLimitCents int64     `gorm:"not null"`
	DayLimitDays              int       `gorm:"not null"`
	TotalDayAmountCents       int64     `gorm:"not null"`
	DayRemainingAmountCents   int64     `gorm:"not null"`
	IsActive                  bool      `gorm:"not null;default:true"`
	CreatedAt                 time.Time `gorm:"not null"`
	UpdatedAt                 time.Time `gorm:"not null"`
}

func (AccountRecord) TableName() string { return "credit_accounts" }

// ChargeRecord mirrors the charges table.
type ChargeRecord struct {
	ChargeID    string     `gorm:"type:uuid;primaryKey"`
	CustomerID  string     `gorm:"not null;index:idx_charges_customer_completed,priority:1"`
	AmountCents int64      `gorm:"not null"`
	CompletedAt time.Time  `gorm:"not null;index:idx_charges_customer_completed,priority:2"`
	Paid        bool       `gorm:"not null;default:false;index"`
	PaidAt      *time.Time `gorm:""`
	CreatedAt   time.Time  `gorm:"not null"`
}

func (ChargeRecord) TableName() string { return "charges" }

func (charge *ChargeRecord) BeforeCreate(tx *gorm.DB) error {
	if charge.ChargeID == "" {
		charge.ChargeID = uuid.NewString()
	}
	return nil
}

// LedgerLineRecord mirrors the append-only ledger_lines table.
type LedgerLineRecord struct {
	LineID                string         `gorm:"type:uuid;primaryKey"`
	CustomerID            string         `gorm:"not null;index:idx_ledger_customer_created,priority:1;index:uniq_ledger_customer_idem,unique,priority:1"`
	Direction             string         `gorm:"not null"`
	CreditAmountCents     int64          `gorm:"not null"`
	ResultingBalanceCents int64          `gorm:"not null"`
	ResultingLimitCents   int64          `gorm:"not null"`
	ActorID               string         `gorm:""`
	IdempotencyKey        string         `gorm:"not null;index:uniq_ledger_customer_idem,unique,priority:2"`
	Metadata              datatypes.JSON `gorm:"not null"`
	CreatedAt             time.Time      `gorm:"not null;index:idx_ledger_customer_created,priority:2"`
}

func (LedgerLineRecord) TableName() string { return "ledger_lines" }

func (line *LedgerLineRecord) BeforeCreate(tx *gorm.DB) error {
	if line.LineID == "" {
		line.LineID = uuid.NewString()
	}
	return nil
}

// SchemaMigrationRecord tracks the applied schema version.
type SchemaMigrationRecord struct {
	Version   int       `gorm:"primaryKey"`
	AppliedAt time.Time `gorm:"not null"`
}

func (SchemaMigrationRecord) TableName() string { return "schema_migrations" }
