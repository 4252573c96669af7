package settlement

import "context"

// ReplayBalance folds ledger lines from a zero balance using the
// consumed-credit sign convention. For a complete history the result must
// equal the stored account balance exactly; any divergence means the ledger
// and account tables have drifted.
func ReplayBalance(lines []LedgerLine) ConsumedCredit {
	var balance int64
	for _, line := range lines {
		balance += line.SignedAmountCents()
	}
	return ConsumedCredit(balance)
}

// History lists ledger lines for a customer before a cutoff time, most recent
// first. A zero cutoff means now.
func (service *Service) History(ctx context.Context, customerID CustomerID, beforeUnixUTC int64, limit int) ([]LedgerLine, error) {
	return service.store.ListLedgerLines(ctx, customerID, beforeUnixUTC, limit)
}
