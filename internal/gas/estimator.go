// Package gas fills in gas limits for transaction records before submission.
package gas

import (
	"context"
	"math/big"
	"strings"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/txkeeper/txstore"
)

const (
	DefaultBufferMultiplier   = 1.3
	DefaultBlockGasLimitRatio = 0.9
	SimpleSendGas             = 21000

	// estimation runs against 95% of the block gas limit
	saferGasLimitRatio = 0.95
)

// Error keys attached to SimulationFails
const (
	ErrorKeyBlockUnavailable    = "blockUnavailable"
	ErrorKeyCodeUnavailable     = "codeUnavailable"
	ErrorKeyTransactionReverted = "transactionReverted"
	ErrorKeySimulationFailed    = "simulationFailed"
)

// ChainReader is the subset of a chain client the estimator needs
type ChainReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Config tunes the buffer applied to estimates
type Config struct {
	BufferMultiplier   float64
	BlockGasLimitRatio float64
	SimpleSendGas      uint64
}

// DefaultConfig returns the standard buffer of 1.3x capped at 90% of the block gas limit
func DefaultConfig() Config {
	return Config{
		BufferMultiplier:   DefaultBufferMultiplier,
		BlockGasLimitRatio: DefaultBlockGasLimitRatio,
		SimpleSendGas:      SimpleSendGas,
	}
}

// Estimator estimates gas for records and applies a safety buffer
type Estimator struct {
	client ChainReader
	config Config
}

// NewEstimator creates an estimator. Zero config values fall back to the defaults.
func NewEstimator(client ChainReader, config Config) *Estimator {
	defaults := DefaultConfig()
	if config.BufferMultiplier <= 0 {
		config.BufferMultiplier = defaults.BufferMultiplier
	}
	if config.BlockGasLimitRatio <= 0 || config.BlockGasLimitRatio > 1 {
		config.BlockGasLimitRatio = defaults.BlockGasLimitRatio
	}
	if config.SimpleSendGas == 0 {
		config.SimpleSendGas = defaults.SimpleSendGas
	}
	return &Estimator{client: client, config: config}
}

// Analyze returns a copy of rec with its gas limit filled in. It never fails:
// when estimation cannot run the copy carries SimulationFails and no gas limit.
// Records with an explicit gas limit are returned untouched.
func (e *Estimator) Analyze(ctx context.Context, rec *txstore.Record) *txstore.Record {
	out := rec.Clone()
	if out.TxParams.Gas != nil {
		return out
	}
	out.SimulationFails = nil

	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return withSimulationFailure(out, err, ErrorKeyBlockUnavailable)
	}

	simple, err := e.isSimpleSend(ctx, out.TxParams)
	if err != nil {
		return withSimulationFailure(out, err, ErrorKeyCodeUnavailable)
	}
	if simple {
		gas := hexutil.Uint64(e.config.SimpleSendGas)
		out.TxParams.Gas = &gas
		out.OriginalGasEstimate = copyUint64(&gas)
		if out.Type == "" {
			out.Type = txstore.TxTypeSimpleSend
		}
		return out
	}
	if out.Type == "" {
		out.Type = txstore.TxTypeContractInteraction
	}

	msg := callMsg(out.TxParams)
	msg.Gas = uint64(float64(header.GasLimit) * saferGasLimitRatio)
	estimated, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_id":        out.ID,
			"wallet":       out.TxParams.From.Hex(),
			"block_number": header.Number,
			"error":        err,
		}).Debug("gas estimation failed")
		return withSimulationFailure(out, err, errorKeyOf(err))
	}

	buffered := e.AddGasBuffer(estimated, header.GasLimit)
	original := hexutil.Uint64(estimated)
	gas := hexutil.Uint64(buffered)
	out.OriginalGasEstimate = &original
	out.TxParams.Gas = &gas
	return out
}

// AddGasBuffer multiplies estimated by the buffer factor, capping the result at
// the configured share of blockGasLimit. An estimate already above that ceiling
// is returned unchanged.
func (e *Estimator) AddGasBuffer(estimated, blockGasLimit uint64) uint64 {
	return addGasBuffer(estimated, blockGasLimit, e.config.BufferMultiplier, e.config.BlockGasLimitRatio)
}

// AddGasBuffer applies the default 1.3x buffer capped at 90% of blockGasLimit
func AddGasBuffer(estimated, blockGasLimit uint64) uint64 {
	return addGasBuffer(estimated, blockGasLimit, DefaultBufferMultiplier, DefaultBlockGasLimitRatio)
}

func addGasBuffer(estimated, blockGasLimit uint64, multiplier, ratio float64) uint64 {
	upper := uint64(float64(blockGasLimit) * ratio)
	buffered := uint64(float64(estimated) * multiplier)

	if estimated > upper {
		return estimated
	}
	if buffered < upper {
		return buffered
	}
	return upper
}

// isSimpleSend reports whether p is a plain value transfer to an account without code
func (e *Estimator) isSimpleSend(ctx context.Context, p txstore.TxParams) (bool, error) {
	if p.To == nil || len(p.Data) > 0 {
		return false, nil
	}
	code, err := e.client.CodeAt(ctx, *p.To, nil)
	if err != nil {
		return false, err
	}
	return len(code) == 0, nil
}

func callMsg(p txstore.TxParams) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From: p.From,
		To:   p.To,
		Data: p.Data,
	}
	if p.Value != nil {
		msg.Value = p.Value.ToInt()
	}
	if p.GasPrice != nil {
		msg.GasPrice = p.GasPrice.ToInt()
	}
	if p.MaxFeePerGas != nil {
		msg.GasFeeCap = p.MaxFeePerGas.ToInt()
	}
	if p.MaxPriorityFeePerGas != nil {
		msg.GasTipCap = p.MaxPriorityFeePerGas.ToInt()
	}
	return msg
}

func withSimulationFailure(rec *txstore.Record, err error, key string) *txstore.Record {
	rec.SimulationFails = &txstore.SimulationFails{
		Reason:   err.Error(),
		ErrorKey: key,
	}
	return rec
}

func errorKeyOf(err error) string {
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return ErrorKeyTransactionReverted
	}
	return ErrorKeySimulationFailed
}

func copyUint64(v *hexutil.Uint64) *hexutil.Uint64 {
	out := *v
	return &out
}
