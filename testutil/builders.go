package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/txkeeper/txstore"
)

// ============================================================
// Record Builders
// ============================================================

// RecordBuilder builds txstore records for tests
type RecordBuilder struct {
	r txstore.Record
}

// NewRecord starts a simple-send record on mainnet from the given address,
// sending OneEth to TestAddr2 with EIP-1559 fees
func NewRecord(from common.Address) *RecordBuilder {
	to := TestAddr2
	gas := hexutil.Uint64(21000)
	return &RecordBuilder{r: txstore.Record{
		Status:  txstore.StatusUnapproved,
		Type:    txstore.TxTypeSimpleSend,
		ChainID: ChainIDMainnet,
		TxParams: txstore.TxParams{
			From:                 from,
			To:                   &to,
			Value:                (*hexutil.Big)(new(big.Int).Set(OneEth)),
			Gas:                  &gas,
			MaxFeePerGas:         (*hexutil.Big)(new(big.Int).Set(TwentyGwei)),
			MaxPriorityFeePerGas: (*hexutil.Big)(new(big.Int).Set(TwoGwei)),
		},
	}}
}

func (b *RecordBuilder) WithID(id string) *RecordBuilder {
	b.r.ID = id
	return b
}

func (b *RecordBuilder) WithStatus(s txstore.Status) *RecordBuilder {
	b.r.Status = s
	return b
}

func (b *RecordBuilder) WithType(t txstore.TxType) *RecordBuilder {
	b.r.Type = t
	return b
}

func (b *RecordBuilder) WithChainID(chainID uint64) *RecordBuilder {
	b.r.ChainID = chainID
	return b
}

func (b *RecordBuilder) WithNonce(n uint64) *RecordBuilder {
	nonce := hexutil.Uint64(n)
	b.r.TxParams.Nonce = &nonce
	return b
}

func (b *RecordBuilder) WithHash(h common.Hash) *RecordBuilder {
	b.r.Hash = h
	return b
}

func (b *RecordBuilder) WithRawTx(raw []byte) *RecordBuilder {
	b.r.RawTx = raw
	return b
}

func (b *RecordBuilder) WithTo(to common.Address) *RecordBuilder {
	b.r.TxParams.To = &to
	return b
}

func (b *RecordBuilder) WithData(data []byte) *RecordBuilder {
	b.r.TxParams.Data = data
	return b
}

// WithoutGas clears the gas limit so estimation runs
func (b *RecordBuilder) WithoutGas() *RecordBuilder {
	b.r.TxParams.Gas = nil
	return b
}

// WithGasPrice switches the record to legacy fees
func (b *RecordBuilder) WithGasPrice(price *big.Int) *RecordBuilder {
	b.r.TxParams.GasPrice = (*hexutil.Big)(new(big.Int).Set(price))
	b.r.TxParams.MaxFeePerGas = nil
	b.r.TxParams.MaxPriorityFeePerGas = nil
	return b
}

func (b *RecordBuilder) WithBlockNumber(n uint64) *RecordBuilder {
	bn := hexutil.Uint64(n)
	b.r.BlockNumber = &bn
	return b
}

func (b *RecordBuilder) WithGasUsed(n uint64) *RecordBuilder {
	used := hexutil.Uint64(n)
	b.r.TxParams.GasUsed = &used
	return b
}

// Build returns a copy of the built record
func (b *RecordBuilder) Build() txstore.Record {
	return *b.r.Clone()
}

// BuildPtr returns a pointer to a copy of the built record
func (b *RecordBuilder) BuildPtr() *txstore.Record {
	return b.r.Clone()
}

// ============================================================
// Transaction Builders
// ============================================================

// NewDynamicTx creates a new EIP-1559 dynamic fee transaction for testing
func NewDynamicTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasTipCap, gasFeeCap *big.Int, chainID uint64) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      nil,
	})
}

// NewTx creates a simple test transaction with default gas settings on mainnet
func NewTx(nonce uint64, to common.Address, value *big.Int) *types.Transaction {
	return NewDynamicTx(nonce, to, value, 21000, TwoGwei, TwentyGwei, ChainIDMainnet)
}

// NewLegacyTx creates a legacy (pre-EIP-1559) transaction for testing
func NewLegacyTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     nil,
	})
}

// SignedRawTx signs tx with TestPrivateKey1 and returns its encoding and hash
func SignedRawTx(tx *types.Transaction, chainID uint64) ([]byte, common.Hash) {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	signed, err := types.SignTx(tx, signer, TestPrivateKey1)
	if err != nil {
		panic(err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return raw, signed.Hash()
}

// ============================================================
// Receipt Builders
// ============================================================

// NewReceipt creates a test receipt for the given hash with a specific status
func NewReceipt(hash common.Hash, status uint64, blockNumber int64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            hash,
		BlockNumber:       big.NewInt(blockNumber),
		BlockHash:         common.BigToHash(big.NewInt(blockNumber)),
		TransactionIndex:  0,
		GasUsed:           21000,
		CumulativeGasUsed: 21000,
	}
}

// NewSuccessReceipt creates a successful receipt mined in block 12345678
func NewSuccessReceipt(hash common.Hash) *types.Receipt {
	return NewReceipt(hash, types.ReceiptStatusSuccessful, 12345678)
}

// NewFailedReceipt creates a failed (reverted) receipt mined in block 12345678
func NewFailedReceipt(hash common.Hash) *types.Receipt {
	return NewReceipt(hash, types.ReceiptStatusFailed, 12345678)
}
