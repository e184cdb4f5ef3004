package txkeeper

import "fmt"

// Keeper errors
var (
	ErrFromAddressZero     = fmt.Errorf("from address cannot be zero")
	ErrSignerNil           = fmt.Errorf("no signer configured for wallet")
	ErrApprovalInFlight    = fmt.Errorf("transaction approval already in progress")
	ErrDuplicateRequest    = fmt.Errorf("request with the same idempotency key is still being created")
	ErrEstimateGasFailed   = fmt.Errorf("estimate gas failed")
	ErrGetGasSettingFailed = fmt.Errorf("get gas setting failed")
	ErrSignFailed          = fmt.Errorf("sign transaction failed")
	ErrSignedWrongAddress  = fmt.Errorf("transaction signed from wrong address")
	ErrBroadcastFailed     = fmt.Errorf("broadcast transaction failed")
	ErrNotReplaceable      = fmt.Errorf("transaction cannot be replaced")
	ErrCircuitBreakerOpen  = fmt.Errorf("circuit breaker is open: network temporarily unavailable")
	ErrAlreadyStarted      = fmt.Errorf("keeper already started")
	ErrNoRemoteSource      = fmt.Errorf("no remote transaction source configured")
)
