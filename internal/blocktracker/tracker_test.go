package blocktracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txkeeper/testutil"
)

type recorder struct {
	mu     sync.Mutex
	blocks []hexutil.Uint64
	seen   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 16)}
}

func (r *recorder) listen(ctx context.Context, block hexutil.Uint64) {
	r.mu.Lock()
	r.blocks = append(r.blocks, block)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recorder) get() []hexutil.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hexutil.Uint64(nil), r.blocks...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}
}

func TestLatestBlock(t *testing.T) {
	chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
	tracker := New(chain, ticker.NewForce(time.Hour))
	rec := newRecorder()
	tracker.AddListener(rec.listen)

	_, ok := tracker.CurrentBlock()
	assert.False(t, ok)

	block, err := tracker.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hexutil.Uint64(100), block)
	assert.Equal(t, "0x64", block.String())

	current, ok := tracker.CurrentBlock()
	assert.True(t, ok)
	assert.Equal(t, hexutil.Uint64(100), current)

	t.Run("same block is not delivered twice", func(t *testing.T) {
		_, err := tracker.LatestBlock(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []hexutil.Uint64{100}, rec.get())
	})

	t.Run("header errors are returned", func(t *testing.T) {
		chain.HeaderErr = errors.New("connection refused")
		defer func() { chain.HeaderErr = nil }()
		_, err := tracker.LatestBlock(context.Background())
		assert.Error(t, err)
	})
}

func TestStartPollsOnTick(t *testing.T) {
	chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
	mock := ticker.NewForce(time.Hour)
	tracker := New(chain, mock)
	rec := newRecorder()
	id := tracker.AddListener(rec.listen)

	tracker.Start(context.Background())
	defer tracker.Stop()

	mock.Force <- time.Now()
	rec.wait(t)

	chain.SetLatest(testutil.NewHeader(101, 30_000_000))
	mock.Force <- time.Now()
	rec.wait(t)
	assert.Equal(t, []hexutil.Uint64{100, 101}, rec.get())

	t.Run("removed listeners stop receiving", func(t *testing.T) {
		tracker.RemoveListener(id)
		assert.Equal(t, 0, tracker.ListenerCount())

		chain.SetLatest(testutil.NewHeader(102, 30_000_000))
		mock.Force <- time.Now()
		// the tick is consumed once the next one is accepted
		mock.Force <- time.Now()
		assert.Len(t, rec.get(), 2)
		current, _ := tracker.CurrentBlock()
		assert.Equal(t, hexutil.Uint64(102), current)
	})
}

func TestStopIsIdempotent(t *testing.T) {
	tracker := New(testutil.NewFakeChain(testutil.ChainIDMainnet), ticker.NewForce(time.Hour))
	tracker.Start(context.Background())
	tracker.Stop()
	tracker.Stop()
}
