// Package blocktracker polls a chain client for its latest header and tells
// listeners about every new block.
package blocktracker

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultPollInterval is roughly one Ethereum slot
const DefaultPollInterval = 4 * time.Second

// HeaderReader reads the latest header of a chain
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Listener receives the number of the new latest block
type Listener func(ctx context.Context, blockNumber hexutil.Uint64)

// Tracker delivers each new latest block once, in order, to its listeners.
// Blocks skipped between two polls are not replayed.
type Tracker struct {
	client HeaderReader
	ticker ticker.Ticker

	mu        sync.RWMutex
	latest    uint64
	hasLatest bool
	listeners map[int]Listener
	nextID    int

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a tracker that polls client on every tick of t. A nil ticker
// polls every DefaultPollInterval.
func New(client HeaderReader, t ticker.Ticker) *Tracker {
	if t == nil {
		t = ticker.New(DefaultPollInterval)
	}
	return &Tracker{
		client:    client,
		ticker:    t,
		listeners: make(map[int]Listener),
	}
}

// AddListener registers l and returns the id to remove it with
func (t *Tracker) AddListener(l Listener) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	return id
}

// RemoveListener unregisters the listener added under id
func (t *Tracker) RemoveListener(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, id)
}

// ListenerCount returns the number of registered listeners
func (t *Tracker) ListenerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

// CurrentBlock returns the last block seen without touching the network
func (t *Tracker) CurrentBlock() (hexutil.Uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return hexutil.Uint64(t.latest), t.hasLatest
}

// LatestBlock polls the chain once and returns its latest block number
func (t *Tracker) LatestBlock(ctx context.Context) (hexutil.Uint64, error) {
	header, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	t.observe(ctx, header.Number.Uint64())
	return hexutil.Uint64(header.Number.Uint64()), nil
}

// Start begins polling until Stop is called or ctx is done
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.ticker.Resume()
	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop halts polling and waits for an in-progress notification to finish
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel := t.cancel
	t.mu.Unlock()

	t.ticker.Pause()
	cancel()
	t.wg.Wait()
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ticker.Ticks():
			if _, err := t.LatestBlock(ctx); err != nil && ctx.Err() == nil {
				logger.WithFields(logger.Fields{
					"error": err,
				}).Warn("couldn't fetch latest block header")
			}
		case <-ctx.Done():
			return
		}
	}
}

// observe records blockNumber and notifies listeners if it is new
func (t *Tracker) observe(ctx context.Context, blockNumber uint64) {
	t.mu.Lock()
	if t.hasLatest && blockNumber <= t.latest {
		t.mu.Unlock()
		return
	}
	t.latest = blockNumber
	t.hasLatest = true
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	logger.WithFields(logger.Fields{
		"block_number": blockNumber,
	}).Debug("new latest block")
	for _, l := range listeners {
		l(ctx, hexutil.Uint64(blockNumber))
	}
}
