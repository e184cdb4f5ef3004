package txstore

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrInvalidParams is returned when txParams are structurally malformed
	ErrInvalidParams = fmt.Errorf("invalid transaction params")

	// ErrNotFound is returned when no record matches the given id or hash
	ErrNotFound = fmt.Errorf("transaction record not found")

	// ErrInvalidTransition is returned when a status change is not allowed by the state machine
	ErrInvalidTransition = fmt.Errorf("invalid status transition")

	// ErrPersist is returned when the backend could not store a change
	ErrPersist = fmt.Errorf("couldn't persist transaction record")
)

// MaxBigBits is the widest quantity a transaction field can carry
const MaxBigBits = 256

// ValidateParams checks the shape of p. It does not apply business rules such
// as balance or fee sufficiency.
func ValidateParams(p TxParams) error {
	if p.From == (common.Address{}) {
		return errors.Join(ErrInvalidParams, fmt.Errorf("from address is missing"))
	}
	if p.GasPrice != nil && p.IsFeeMarket() {
		return errors.Join(ErrInvalidParams, fmt.Errorf("gasPrice cannot be combined with maxFeePerGas/maxPriorityFeePerGas"))
	}
	if p.IsFeeMarket() && (p.MaxFeePerGas == nil || p.MaxPriorityFeePerGas == nil) {
		return errors.Join(ErrInvalidParams, fmt.Errorf("maxFeePerGas and maxPriorityFeePerGas must be set together"))
	}
	if p.To == nil && len(p.Data) == 0 {
		return errors.Join(ErrInvalidParams, fmt.Errorf("contract creation requires data"))
	}
	for name, v := range map[string]*hexutil.Big{
		"value":                p.Value,
		"gasPrice":             p.GasPrice,
		"maxFeePerGas":         p.MaxFeePerGas,
		"maxPriorityFeePerGas": p.MaxPriorityFeePerGas,
	} {
		if v == nil {
			continue
		}
		if v.ToInt().Sign() < 0 {
			return errors.Join(ErrInvalidParams, fmt.Errorf("%s must not be negative", name))
		}
		if v.ToInt().BitLen() > MaxBigBits {
			return errors.Join(ErrInvalidParams, fmt.Errorf("%s exceeds %d bits", name, MaxBigBits))
		}
	}
	return nil
}
