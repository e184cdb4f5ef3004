package txstore

import (
	"bytes"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxType classifies how a record came to exist
type TxType string

const (
	TxTypeSimpleSend          TxType = "simpleSend"
	TxTypeContractInteraction TxType = "contractInteraction"
	TxTypeCancel              TxType = "cancel"
	TxTypeRetry               TxType = "retry"
	TxTypeIncoming            TxType = "incoming"
)

// TxParams holds the network-facing fields of a transaction. Exactly one of
// GasPrice or the (MaxFeePerGas, MaxPriorityFeePerGas) pair may be populated.
type TxParams struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	StorageLimit         *hexutil.Uint64 `json:"storageLimit,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	GasUsed              *hexutil.Uint64 `json:"gasUsed,omitempty"`
}

// IsFeeMarket reports whether the params use EIP-1559 fee fields
func (p TxParams) IsFeeMarket() bool {
	return p.MaxFeePerGas != nil || p.MaxPriorityFeePerGas != nil
}

// NonceValue returns the nonce and whether one is set
func (p TxParams) NonceValue() (uint64, bool) {
	if p.Nonce == nil {
		return 0, false
	}
	return uint64(*p.Nonce), true
}

// GasParams is a snapshot of the fee fields of a record
type GasParams struct {
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

// GasParamsOf copies the fee fields out of p
func GasParamsOf(p TxParams) *GasParams {
	return &GasParams{
		Gas:                  copyUint64(p.Gas),
		GasPrice:             copyBig(p.GasPrice),
		MaxFeePerGas:         copyBig(p.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(p.MaxPriorityFeePerGas),
	}
}

// SimulationFails carries the diagnostic produced when gas estimation could not execute
type SimulationFails struct {
	Reason   string `json:"reason"`
	ErrorKey string `json:"errorKey,omitempty"`
}

// Warning is a non-fatal, user-visible problem observed while tracking a record
type Warning struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TxError captures the error that moved a record to Failed
type TxError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// Receipt is the subset of a transaction receipt kept on a confirmed record
type Receipt struct {
	BlockHash        common.Hash    `json:"blockHash"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	Status           hexutil.Uint64 `json:"status"`
	GasUsed          hexutil.Uint64 `json:"gasUsed"`
	TransactionIndex hexutil.Uint   `json:"transactionIndex"`
}

// TransferInformation describes the token moved by an ERC-20 transfer. Amount
// is in the token's smallest unit, never wei.
type TransferInformation struct {
	Symbol          string         `json:"symbol"`
	ContractAddress common.Address `json:"contractAddress"`
	Decimals        uint8          `json:"decimals"`
	Amount          *hexutil.Big   `json:"amount,omitempty"`
}

// Record is the wallet's local representation of one transaction attempt
type Record struct {
	ID        string `json:"id"`
	Sequence  uint64 `json:"seq"`
	Status    Status `json:"status"`
	Type      TxType `json:"type,omitempty"`
	ChainID   uint64 `json:"chainId"`
	NetworkID string `json:"networkId,omitempty"`

	TxParams TxParams      `json:"txParams"`
	Hash     common.Hash   `json:"hash"`
	RawTx    hexutil.Bytes `json:"rawTx,omitempty"`
	Time     time.Time     `json:"time"`

	History []HistoryEntry `json:"history,omitempty"`

	RetryCount            int             `json:"retryCount,omitempty"`
	FirstRetryBlockNumber *hexutil.Uint64 `json:"firstRetryBlockNumber,omitempty"`
	PreviousGasParams     *GasParams      `json:"previousGasParams,omitempty"`
	ReplacedBy            common.Hash     `json:"replacedBy"`
	ReplacedByID          string          `json:"replacedById,omitempty"`
	SimulationFails       *SimulationFails `json:"simulationFails,omitempty"`
	OriginalGasEstimate   *hexutil.Uint64 `json:"originalGasEstimate,omitempty"`

	Warning *Warning `json:"warning,omitempty"`
	Err     *TxError `json:"err,omitempty"`

	Receipt              *Receipt        `json:"txReceipt,omitempty"`
	BlockNumber          *hexutil.Uint64 `json:"blockNumber,omitempty"`
	BaseFeePerGas        *hexutil.Big    `json:"baseFeePerGas,omitempty"`
	BlockTimestamp       uint64          `json:"blockTimestamp,omitempty"`
	VerifiedOnBlockchain bool            `json:"verifiedOnBlockchain,omitempty"`

	TransferInformation *TransferInformation `json:"transferInformation,omitempty"`
}

// HasHash reports whether the record has been signed and hashed
func (r *Record) HasHash() bool {
	return r.Hash != (common.Hash{})
}

// Clone returns a deep copy of the record. History entries are append-only so
// their patches are shared.
func (r *Record) Clone() *Record {
	out := *r
	out.TxParams = r.TxParams.clone()
	out.RawTx = bytes.Clone(r.RawTx)
	if r.History != nil {
		out.History = make([]HistoryEntry, len(r.History))
		copy(out.History, r.History)
	}
	out.FirstRetryBlockNumber = copyUint64(r.FirstRetryBlockNumber)
	if r.PreviousGasParams != nil {
		gp := GasParams{
			Gas:                  copyUint64(r.PreviousGasParams.Gas),
			GasPrice:             copyBig(r.PreviousGasParams.GasPrice),
			MaxFeePerGas:         copyBig(r.PreviousGasParams.MaxFeePerGas),
			MaxPriorityFeePerGas: copyBig(r.PreviousGasParams.MaxPriorityFeePerGas),
		}
		out.PreviousGasParams = &gp
	}
	if r.SimulationFails != nil {
		sf := *r.SimulationFails
		out.SimulationFails = &sf
	}
	out.OriginalGasEstimate = copyUint64(r.OriginalGasEstimate)
	if r.Warning != nil {
		w := *r.Warning
		out.Warning = &w
	}
	if r.Err != nil {
		e := *r.Err
		out.Err = &e
	}
	if r.Receipt != nil {
		receipt := *r.Receipt
		out.Receipt = &receipt
	}
	out.BlockNumber = copyUint64(r.BlockNumber)
	out.BaseFeePerGas = copyBig(r.BaseFeePerGas)
	if r.TransferInformation != nil {
		ti := *r.TransferInformation
		ti.Amount = copyBig(r.TransferInformation.Amount)
		out.TransferInformation = &ti
	}
	return &out
}

func (p TxParams) clone() TxParams {
	out := p
	if p.To != nil {
		to := *p.To
		out.To = &to
	}
	out.Value = copyBig(p.Value)
	out.Nonce = copyUint64(p.Nonce)
	out.Gas = copyUint64(p.Gas)
	out.StorageLimit = copyUint64(p.StorageLimit)
	out.GasPrice = copyBig(p.GasPrice)
	out.MaxFeePerGas = copyBig(p.MaxFeePerGas)
	out.MaxPriorityFeePerGas = copyBig(p.MaxPriorityFeePerGas)
	out.Data = bytes.Clone(p.Data)
	out.GasUsed = copyUint64(p.GasUsed)
	return out
}

// state returns a copy of the record without its history, used as the diff baseline
func (r *Record) state() *Record {
	cp := *r
	cp.History = nil
	return &cp
}

func copyUint64(v *hexutil.Uint64) *hexutil.Uint64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyBig(v *hexutil.Big) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v.ToInt()))
}
