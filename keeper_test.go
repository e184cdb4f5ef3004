package txkeeper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txkeeper/internal/circuitbreaker"
	"github.com/tranvictor/txkeeper/internal/kvstore"
	"github.com/tranvictor/txkeeper/internal/reconcile"
	"github.com/tranvictor/txkeeper/testutil"
	"github.com/tranvictor/txkeeper/txstore"
)

var sender = testutil.TestPrivateKey1Address

func newTestKeeper(t *testing.T, opts ...Option) (*Keeper, *testutil.FakeChain) {
	t.Helper()
	chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
	base := []Option{
		WithSigner(NewLocalSigner(testutil.TestPrivateKey1)),
		WithTicker(ticker.NewForce(time.Hour)),
	}
	k, err := NewKeeper(chain, testutil.ChainIDMainnet, append(base, opts...)...)
	require.NoError(t, err)
	return k, chain
}

type fakeSource struct {
	mu      sync.Mutex
	records []*txstore.Record
	calls   int
}

func (s *fakeSource) IsSupportedNetwork(chainID uint64, networkID string) bool {
	return chainID == testutil.ChainIDMainnet
}

func (s *fakeSource) FetchTransactions(ctx context.Context, req reconcile.Request) ([]*txstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make([]*txstore.Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out, nil
}

func TestNewKeeper_Defaults(t *testing.T) {
	k, _ := newTestKeeper(t, WithDroppedBlockCount(5), WithNetworkID("mainnet"))

	d := k.Defaults()
	assert.Equal(t, 5, d.DroppedBlockCount)
	assert.Equal(t, uint64(50), d.MaxRetryBlockDistance)
	assert.Equal(t, 1.3, d.GasBufferMultiplier)
	assert.Equal(t, int64(10), d.ReplacementFeeBumpPercent)
	assert.Equal(t, testutil.ChainIDMainnet, k.ChainID())

	assert.Equal(t, []common.Address{sender}, k.Watched())
	assert.NotNil(t, k.Signer(sender))
	assert.Nil(t, k.Signer(testutil.TestAddr1))

	chainID, networkID := k.Store().ActiveNetwork()
	assert.Equal(t, testutil.ChainIDMainnet, chainID)
	assert.Equal(t, "mainnet", networkID)
}

func TestWatch_Deduplicates(t *testing.T) {
	k, _ := newTestKeeper(t, WithWatchedAddresses(sender, testutil.TestAddr3))
	k.Watch(testutil.TestAddr3)
	k.SetSigner(NewLocalSigner(testutil.TestPrivateKey1))

	assert.ElementsMatch(t, []common.Address{sender, testutil.TestAddr3}, k.Watched())
}

func TestStartStop(t *testing.T) {
	tick := ticker.NewForce(time.Hour)
	k, chain := newTestKeeper(t, WithTicker(tick))
	ctx := context.Background()

	rec, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetValue(testutil.OneEth).Execute(ctx)
	require.NoError(t, err)
	chain.SetReceipt(testutil.NewSuccessReceipt(rec.Hash))

	confirmed := make(chan txstore.StatusChange, 4)
	k.SubscribeStatus(func(change txstore.StatusChange) {
		confirmed <- change
	})

	require.NoError(t, k.Start(ctx))
	assert.ErrorIs(t, k.Start(ctx), ErrAlreadyStarted)

	tick.Force <- time.Now()
	select {
	case change := <-confirmed:
		assert.Equal(t, rec.ID, change.Record.ID)
		assert.Equal(t, txstore.StatusConfirmed, change.To)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction was not confirmed on the new block")
	}

	k.Stop()
	k.Stop()
	assert.Equal(t, 0, k.tracker.ListenerCount())

	got, err := k.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, txstore.StatusConfirmed, got.Status)
}

func TestReconcileNow(t *testing.T) {
	ctx := context.Background()

	t.Run("without a source", func(t *testing.T) {
		k, _ := newTestKeeper(t)
		assert.ErrorIs(t, k.ReconcileNow(ctx, sender), ErrNoRemoteSource)
	})

	t.Run("merges incoming transactions", func(t *testing.T) {
		source := &fakeSource{records: []*txstore.Record{
			testutil.NewRecord(testutil.TestAddr2).
				WithTo(testutil.TestAddr3).
				WithNonce(9).
				WithHash(testutil.Hash(9)).
				WithType(txstore.TxTypeIncoming).
				WithStatus(txstore.StatusConfirmed).
				WithBlockNumber(95).
				BuildPtr(),
		}}
		k, _ := newTestKeeper(t, WithRemoteSource(source), WithWatchedAddresses(testutil.TestAddr3))

		var (
			batches    []reconcile.Batch
			watermarks []reconcile.WatermarkChange
		)
		k.SubscribeTransactions(func(b reconcile.Batch) { batches = append(batches, b) })
		k.SubscribeWatermark(func(c reconcile.WatermarkChange) { watermarks = append(watermarks, c) })

		require.NoError(t, k.ReconcileNow(ctx, testutil.TestAddr3))

		require.Len(t, batches, 1)
		require.Len(t, batches[0].Added, 1)
		require.Len(t, watermarks, 1)
		assert.Equal(t, uint64(95), watermarks[0].BlockNumber)
		assert.Equal(t, reconcile.WatermarkKey(testutil.ChainIDMainnet, testutil.TestAddr3), watermarks[0].Key)

		incoming := k.Query(txstore.Query{Predicates: []func(r *txstore.Record) bool{
			func(r *txstore.Record) bool { return r.Type == txstore.TxTypeIncoming },
		}})
		require.Len(t, incoming, 1)
		assert.Equal(t, testutil.Hash(9), incoming[0].Hash)

		t.Run("every watched wallet is reconciled on a new block", func(t *testing.T) {
			require.NoError(t, k.reconcileAll(ctx, 101))
			source.mu.Lock()
			defer source.mu.Unlock()
			// the first call plus one per watched wallet
			assert.Equal(t, 3, source.calls)
		})
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	db, err := kvstore.Open(filepath.Join(t.TempDir(), "txkeeper.db"))
	require.NoError(t, err)
	defer db.Close()

	k, chain := newTestKeeper(t, WithBackend(db))
	mined, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).Execute(ctx)
	require.NoError(t, err)
	waiting, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).Execute(ctx)
	require.NoError(t, err)

	// a new process restores both records from the backend
	restored, err := NewKeeper(chain, testutil.ChainIDMainnet,
		WithBackend(db),
		WithSigner(NewLocalSigner(testutil.TestPrivateKey1)),
		WithTicker(ticker.NewForce(time.Hour)),
	)
	require.NoError(t, err)
	chain.SetReceipt(testutil.NewSuccessReceipt(mined.Hash))

	result, err := restored.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{Pending: 1, Confirmed: 1}, result)

	got, err := restored.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, txstore.StatusSubmitted, got.Status)
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	k, chain := newTestKeeper(t, WithCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	}))

	ids := make([]string, 3)
	for i := range ids {
		rec, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).Create(ctx)
		require.NoError(t, err)
		ids[i] = rec.ID
	}

	chain.SetErrors(errors.New("connection refused"), nil, nil)
	for _, id := range ids[:2] {
		err := k.Approve(ctx, id)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitBreakerOpen))
	}
	assert.Equal(t, circuitbreaker.StateOpen, k.CircuitBreakerStats().State)

	err := k.Approve(ctx, ids[2])
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	got, getErr := k.Get(ids[2])
	require.NoError(t, getErr)
	assert.Equal(t, txstore.StatusFailed, got.Status)
	require.NotNil(t, got.Err)
	assert.Equal(t, "NetworkUnavailableError", got.Err.Name)

	k.ResetCircuitBreaker()
	assert.Equal(t, circuitbreaker.StateClosed, k.CircuitBreakerStats().State)
}

func TestIsNodeFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"not found", ethereum.NotFound, false},
		{"canceled", context.Canceled, false},
		{"wrapped not found", errors.Join(errors.New("receipt"), ethereum.NotFound), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isNodeFailure(tt.err))
		})
	}
}
