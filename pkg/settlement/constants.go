package settlement

const (
	operationAllocate = "allocate"
	operationEvaluate = "evaluate"
	operationAudit    = "audit"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	subjectAccount  = "account"
	subjectCustomer = "customer"
	subjectPayment  = "payment"

	codeInvalidAmount = "invalid_amount"
	codeUnknownPolicy = "unknown_policy"
)
