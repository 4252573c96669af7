package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/fueldesk/settlement/pkg/settlement"
)

// Recorder writes settlement audit entries to the structured log. It stands in
// for the operator's audit-trail service and, like it, is best-effort.
type Recorder struct {
	logger *zap.Logger
}

// NewRecorder wires a Recorder.
func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{logger: logger}
}

// Record emits one audit entry with before/after account snapshots.
func (recorder *Recorder) Record(_ context.Context, customerID settlement.CustomerID, before settlement.Account, after settlement.Account, summary string) error {
	recorder.logger.Info("settlement audit",
		zap.String("customer_id", customerID.String()),
		zap.Int64("balance_before", before.BalanceCents.Int64()),
		zap.Int64("balance_after", after.BalanceCents.Int64()),
		zap.Int64("remaining_limit_before", before.RemainingCreditLimitCents),
		zap.Int64("remaining_limit_after", after.RemainingCreditLimitCents),
		zap.Int64("day_remaining_before", before.DayRemainingAmountCents),
		zap.Int64("day_remaining_after", after.DayRemainingAmountCents),
		zap.Bool("is_active_before", before.IsActive),
		zap.Bool("is_active_after", after.IsActive),
		zap.String("summary", summary),
	)
	return nil
}

// OperationLogger adapts zap to settlement.OperationLogger.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wires an OperationLogger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	return &OperationLogger{logger: logger}
}

// LogOperation records one domain operation outcome.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry settlement.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("customer_id", entry.CustomerID.String()),
		zap.String("policy", entry.Policy.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.Int("charges_settled", entry.ChargesSettled),
		zap.Int("days_cleared", entry.DaysCleared),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("settlement operation failed", fields...)
		return
	}
	operationLogger.logger.Info("settlement operation", fields...)
}
