package txkeeper

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txkeeper/idempotency"
	"github.com/tranvictor/txkeeper/testutil"
	"github.com/tranvictor/txkeeper/txstore"
)

func TestTxRequest_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a from address", func(t *testing.T) {
		k, _ := newTestKeeper(t)
		_, err := k.R().SetTo(testutil.TestAddr2).Create(ctx)
		assert.ErrorIs(t, err, ErrFromAddressZero)
		assert.Equal(t, 0, k.Store().Len())
	})

	t.Run("rejects malformed params", func(t *testing.T) {
		k, _ := newTestKeeper(t)
		_, err := k.R().SetFrom(sender).Create(ctx)
		assert.ErrorIs(t, err, txstore.ErrInvalidParams)
	})

	t.Run("rejects a value over 256 bits", func(t *testing.T) {
		k, _ := newTestKeeper(t)
		huge := new(big.Int).Lsh(big.NewInt(1), 300)
		_, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetValue(huge).Create(ctx)
		assert.ErrorIs(t, err, txstore.ErrInvalidParams)
	})

	t.Run("contract call is estimated with a buffer", func(t *testing.T) {
		k, chain := newTestKeeper(t)
		chain.SetCode(testutil.TestContract, []byte{0x60, 0x80})

		rec, err := k.R().SetFrom(sender).SetTo(testutil.TestContract).SetData([]byte{0xa9, 0x05}).Create(ctx)
		require.NoError(t, err)
		assert.Equal(t, txstore.TxTypeContractInteraction, rec.Type)
		assert.Equal(t, testutil.ChainIDMainnet, rec.ChainID)
		require.NotNil(t, rec.TxParams.Gas)
		assert.Equal(t, uint64(65000), uint64(*rec.TxParams.Gas))
		require.NotNil(t, rec.OriginalGasEstimate)
		assert.Equal(t, uint64(50000), uint64(*rec.OriginalGasEstimate))
		assert.Nil(t, rec.TxParams.Nonce)
	})

	t.Run("explicit fees are kept", func(t *testing.T) {
		k, _ := newTestKeeper(t)
		rec, err := k.R().
			SetFrom(sender).
			SetTo(testutil.TestAddr2).
			SetMaxFeePerGas(testutil.TwentyGwei).
			SetMaxPriorityFeePerGas(testutil.TwoGwei).
			Create(ctx)
		require.NoError(t, err)
		assert.Equal(t, testutil.TwentyGwei.String(), rec.TxParams.MaxFeePerGas.ToInt().String())
		assert.Equal(t, testutil.TwoGwei.String(), rec.TxParams.MaxPriorityFeePerGas.ToInt().String())
		assert.Nil(t, rec.TxParams.GasPrice)
	})
}

func TestTxRequest_Idempotency(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewInMemoryStore(0, nil)
	k, _ := newTestKeeper(t, WithIdempotencyStore(store))

	first, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetIdempotencyKey("order-1").Create(ctx)
	require.NoError(t, err)
	again, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetIdempotencyKey("order-1").Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, k.Store().Len())

	entry, err := store.Get("order-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCreated, entry.Status)
	assert.Equal(t, first.ID, entry.RecordID)

	t.Run("execute of an approved request does not approve twice", func(t *testing.T) {
		rec, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetIdempotencyKey("order-2").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, txstore.StatusSubmitted, rec.Status)

		retried, err := k.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetIdempotencyKey("order-2").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, retried.ID)
		assert.Equal(t, txstore.StatusSubmitted, retried.Status)
	})

	t.Run("a pending key is reported as duplicate", func(t *testing.T) {
		_, err := store.Reserve("order-3")
		require.NoError(t, err)
		_, err = k.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetIdempotencyKey("order-3").Create(ctx)
		assert.ErrorIs(t, err, ErrDuplicateRequest)
	})

	t.Run("a failed create frees the key", func(t *testing.T) {
		_, err := k.R().SetFrom(sender).SetTo(common.Address{}).SetIdempotencyKey("order-4").Create(ctx)
		assert.ErrorIs(t, err, txstore.ErrInvalidParams)
		_, err = store.Get("order-4")
		assert.ErrorIs(t, err, idempotency.ErrKeyNotFound)
	})

	t.Run("keys are ignored without a store", func(t *testing.T) {
		plain, _ := newTestKeeper(t)
		a, err := plain.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetIdempotencyKey("order-1").Create(ctx)
		require.NoError(t, err)
		b, err := plain.R().SetFrom(sender).SetTo(testutil.TestAddr2).SetIdempotencyKey("order-1").Create(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestNextNonce(t *testing.T) {
	ctx := context.Background()
	k, chain := newTestKeeper(t)
	chain.SetNonce(sender, 4)

	next, details, err := k.NextNonce(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)
	assert.Equal(t, uint64(4), details.NetworkNonce)

	lock, err := k.AcquireNonce(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), lock.NextNonce)
	require.NoError(t, lock.Release())
	assert.Error(t, lock.Release())
}
