package settlement

import "context"

// AuditRecorder receives before/after account snapshots once a settlement has
// committed. Calls are best-effort: a failing recorder never unwinds the
// settlement, the error is logged and swallowed.
type AuditRecorder interface {
	Record(ctx context.Context, customerID CustomerID, before Account, after Account, summary string) error
}
