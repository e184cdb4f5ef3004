package txkeeper

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/txkeeper/internal/circuitbreaker"
	"github.com/tranvictor/txkeeper/internal/gas"
	"github.com/tranvictor/txkeeper/internal/monitor"
	"github.com/tranvictor/txkeeper/internal/reconcile"
	"github.com/tranvictor/txkeeper/txstore"
)

const (
	DefaultPollInterval = 4 * time.Second

	// DefaultReplacementFeeBumpPercent is the minimum fee increase of a speed-up
	// or cancel, the smallest bump nodes accept for a replacement
	DefaultReplacementFeeBumpPercent = 10

	// baseFeeMultiplier leaves room for the base fee to grow before inclusion
	baseFeeMultiplier = 2
)

// ChainClient is the subset of an ethclient.Client the keeper talks to
type ChainClient interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Defaults holds the tunables every component of a Keeper is built with
type Defaults struct {
	// Monitor
	DroppedBlockCount     int
	MaxRetryBlockDistance uint64
	MonitorConcurrency    int
	PollInterval          time.Duration

	// Reconciler
	RecentHistoryBlockRange uint64
	QueryEntireHistory      bool
	UpdateTransactions      bool
	ReconcileLimit          int

	// Gas
	GasBufferMultiplier       float64
	BlockGasLimitRatio        float64
	SimpleSendGas             uint64
	ReplacementFeeBumpPercent int64

	// Store
	TxHistoryLimit int

	CircuitBreaker circuitbreaker.Config
}

// DefaultDefaults returns the values used when no option overrides them
func DefaultDefaults() Defaults {
	return Defaults{
		DroppedBlockCount:         monitor.DefaultDroppedBlockCount,
		MaxRetryBlockDistance:     monitor.DefaultMaxRetryBlockDistance,
		MonitorConcurrency:        monitor.DefaultConcurrency,
		PollInterval:              DefaultPollInterval,
		RecentHistoryBlockRange:   reconcile.DefaultRecentHistoryBlockRange,
		GasBufferMultiplier:       gas.DefaultBufferMultiplier,
		BlockGasLimitRatio:        gas.DefaultBlockGasLimitRatio,
		SimpleSendGas:             gas.SimpleSendGas,
		ReplacementFeeBumpPercent: DefaultReplacementFeeBumpPercent,
		TxHistoryLimit:            txstore.DefaultHistoryLimit,
		CircuitBreaker:            circuitbreaker.DefaultConfig(),
	}
}
