package credits

const (
	operationConsume   = "consume"
	operationRefund    = "refund"
	operationCredit    = "credit"
	operationBootstrap = "bootstrap"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	idempotencySuffixRefund = "refund"
	bootstrapKeyPrefix      = "bootstrap"

	sourceBootstrap = "bootstrap"
)
