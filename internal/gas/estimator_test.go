package gas

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txkeeper/testutil"
	"github.com/tranvictor/txkeeper/txstore"
)

func TestAddGasBuffer(t *testing.T) {
	tests := []struct {
		name          string
		estimated     uint64
		blockGasLimit uint64
		expected      uint64
	}{
		{"buffer fits under the ceiling", 0x16e360, 0x3d4c52, 1_950_000},
		{"estimate above the ceiling is kept", 0x16e360, 0x0f4240, 0x16e360},
		{"buffer capped at 90% of the block", 0x16e360, 0x1e8480, 1_800_000},
		{"simple transfer", 21000, 30_000_000, 27300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AddGasBuffer(tt.estimated, tt.blockGasLimit))
		})
	}

	t.Run("configured buffer", func(t *testing.T) {
		e := NewEstimator(testutil.NewFakeChain(testutil.ChainIDMainnet), Config{BufferMultiplier: 1.5})
		assert.Equal(t, uint64(75000), e.AddGasBuffer(50000, 30_000_000))
	})
}

func TestNewEstimator_Defaults(t *testing.T) {
	e := NewEstimator(nil, Config{BlockGasLimitRatio: 2})
	assert.Equal(t, DefaultConfig(), e.config)
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit gas skips estimation", func(t *testing.T) {
		chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
		chain.EstimateErr = errors.New("must not be called")
		rec := testutil.NewRecord(testutil.TestAddr1).WithTo(testutil.TestContract).BuildPtr()

		out := analyzeWith(t, chain, rec)
		require.NotNil(t, out.TxParams.Gas)
		assert.Equal(t, uint64(21000), uint64(*out.TxParams.Gas))
		assert.Nil(t, out.SimulationFails)
	})

	t.Run("simple transfer uses the fixed cost", func(t *testing.T) {
		chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
		chain.EstimateErr = errors.New("must not be called")
		rec := testutil.NewRecord(testutil.TestAddr1).WithoutGas().WithType("").BuildPtr()

		out := analyzeWith(t, chain, rec)
		require.NotNil(t, out.TxParams.Gas)
		assert.Equal(t, uint64(SimpleSendGas), uint64(*out.TxParams.Gas))
		assert.Equal(t, txstore.TxTypeSimpleSend, out.Type)
	})

	t.Run("empty call to a contract is estimated", func(t *testing.T) {
		chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
		chain.SetCode(testutil.TestContract, []byte{0x60, 0x80})
		chain.GasEstimate = 50000
		rec := testutil.NewRecord(testutil.TestAddr1).WithTo(testutil.TestContract).WithoutGas().WithType("").BuildPtr()

		out := analyzeWith(t, chain, rec)
		require.NotNil(t, out.TxParams.Gas)
		assert.Equal(t, uint64(65000), uint64(*out.TxParams.Gas))
		require.NotNil(t, out.OriginalGasEstimate)
		assert.Equal(t, uint64(50000), uint64(*out.OriginalGasEstimate))
		assert.Equal(t, txstore.TxTypeContractInteraction, out.Type)
	})

	t.Run("estimation failure is recorded, not returned", func(t *testing.T) {
		chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
		chain.EstimateErr = errors.New("execution reverted: insufficient allowance")
		rec := testutil.NewRecord(testutil.TestAddr1).WithData([]byte{0xa9, 0x05, 0x9c, 0xbb}).WithoutGas().BuildPtr()

		out := analyzeWith(t, chain, rec)
		assert.Nil(t, out.TxParams.Gas)
		require.NotNil(t, out.SimulationFails)
		assert.Equal(t, ErrorKeyTransactionReverted, out.SimulationFails.ErrorKey)
		assert.Contains(t, out.SimulationFails.Reason, "insufficient allowance")
	})

	t.Run("unreachable node is recorded", func(t *testing.T) {
		chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
		chain.HeaderErr = errors.New("connection refused")
		rec := testutil.NewRecord(testutil.TestAddr1).WithoutGas().BuildPtr()

		out := NewEstimator(chain, DefaultConfig()).Analyze(ctx, rec)
		require.NotNil(t, out.SimulationFails)
		assert.Equal(t, ErrorKeyBlockUnavailable, out.SimulationFails.ErrorKey)
	})

	t.Run("input record is not modified", func(t *testing.T) {
		chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
		rec := testutil.NewRecord(testutil.TestAddr1).WithoutGas().BuildPtr()
		analyzeWith(t, chain, rec)
		assert.Nil(t, rec.TxParams.Gas)
	})
}

// analyzeWith runs the default estimator against chain
func analyzeWith(t *testing.T, chain *testutil.FakeChain, rec *txstore.Record) *txstore.Record {
	t.Helper()
	return NewEstimator(chain, DefaultConfig()).Analyze(context.Background(), rec)
}
