package settlement

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing settlement operation.
type OperationLog struct {
	Operation      string
	CustomerID     CustomerID
	Policy         BillingPolicy
	Amount         AmountCents
	IdempotencyKey IdempotencyKey
	ChargesSettled int
	DaysCleared    int
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAuditRecorder wires the post-commit audit collaborator.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(service *Service) {
		service.audit = recorder
	}
}

// WithLocation fixes the civil calendar used for day buckets and overdue math.
// Both sides of every day comparison use this location.
func WithLocation(location *time.Location) ServiceOption {
	return func(service *Service) {
		if location != nil {
			service.location = location
		}
	}
}

// WithActorID stamps appended ledger lines with the acting principal.
func WithActorID(actorID string) ServiceOption {
	return func(service *Service) {
		service.actorID = actorID
	}
}
