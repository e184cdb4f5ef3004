package txstore

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func TestValidateParams(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	gwei := (*hexutil.Big)(big.NewInt(1_000_000_000))

	tests := []struct {
		name    string
		params  TxParams
		wantErr bool
	}{
		{"legacy transfer", TxParams{From: from, To: &to, GasPrice: gwei}, false},
		{"fee market transfer", TxParams{From: from, To: &to, MaxFeePerGas: gwei, MaxPriorityFeePerGas: gwei}, false},
		{"contract creation", TxParams{From: from, Data: hexutil.Bytes{0x60, 0x80}}, false},
		{"missing from", TxParams{To: &to}, true},
		{"both fee kinds", TxParams{From: from, To: &to, GasPrice: gwei, MaxFeePerGas: gwei, MaxPriorityFeePerGas: gwei}, true},
		{"half fee market pair", TxParams{From: from, To: &to, MaxFeePerGas: gwei}, true},
		{"creation without data", TxParams{From: from}, true},
		{"negative value", TxParams{From: from, To: &to, Value: (*hexutil.Big)(big.NewInt(-1))}, true},
		{"value of 256 bits", TxParams{From: from, To: &to, Value: (*hexutil.Big)(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))}, false},
		{"value over 256 bits", TxParams{From: from, To: &to, Value: (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 256))}, true},
		{"max fee over 256 bits", TxParams{From: from, To: &to, MaxFeePerGas: (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 300)), MaxPriorityFeePerGas: gwei}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(tt.params)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParams) {
					t.Errorf("expected ErrInvalidParams, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
