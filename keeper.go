package txkeeper

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/tranvictor/txkeeper/idempotency"
	"github.com/tranvictor/txkeeper/internal/blocktracker"
	"github.com/tranvictor/txkeeper/internal/circuitbreaker"
	"github.com/tranvictor/txkeeper/internal/gas"
	"github.com/tranvictor/txkeeper/internal/monitor"
	"github.com/tranvictor/txkeeper/internal/nonce"
	"github.com/tranvictor/txkeeper/internal/reconcile"
	"github.com/tranvictor/txkeeper/txstore"
)

// Keeper owns the lifecycle of the transactions of a set of wallets on one
// network:
//  1. it stores every record and its audit history
//  2. it hands out nonces under a per-wallet lock on approval
//  3. it estimates gas, signs and broadcasts approved records
//  4. it follows submitted records to confirmation, drop or failure on every
//     new block and rebroadcasts the ones still pending
//  5. it merges transactions reported by a remote source, such as a block
//     explorer, into the store
//  6. it guards the node behind a circuit breaker
type Keeper struct {
	defaultsMu sync.RWMutex
	defaults   Defaults

	chainID   uint64
	networkID string

	client  ChainClient
	breaker *circuitbreaker.CircuitBreaker

	clock      clock.Clock
	backend    txstore.Backend
	watermarks reconcile.WatermarkStore
	source     reconcile.Source
	ticker     ticker.Ticker

	store      *txstore.Store
	nonces     *nonce.Coordinator
	estimator  *gas.Estimator
	monitor    *monitor.Monitor
	reconciler *reconcile.Reconciler
	tracker    *blocktracker.Tracker

	// signers keyed by address
	signers sync.Map // map[common.Address]Signer

	watchedMu sync.RWMutex
	watched   []common.Address

	approvals        *idempotency.InFlight
	idempotencyStore idempotency.Store
	idempotencyTTL   time.Duration

	startMu    sync.Mutex
	started    bool
	listenerID int
}

// Option is a function that configures a Keeper
type Option func(*Keeper)

// WithDefaults sets all tunables at once
func WithDefaults(defaults Defaults) Option {
	return func(k *Keeper) {
		k.defaults = defaults
	}
}

// WithNetworkID sets the network id records are tagged with
func WithNetworkID(networkID string) Option {
	return func(k *Keeper) {
		k.networkID = networkID
	}
}

// WithBackend persists records to b
func WithBackend(b txstore.Backend) Option {
	return func(k *Keeper) {
		k.backend = b
	}
}

// WithWatermarkStore persists reconciliation watermarks to w
func WithWatermarkStore(w reconcile.WatermarkStore) Option {
	return func(k *Keeper) {
		k.watermarks = w
	}
}

// WithRemoteSource enables reconciliation against source
func WithRemoteSource(source reconcile.Source) Option {
	return func(k *Keeper) {
		k.source = source
	}
}

// WithSigner registers a signer for its wallet. The wallet is also watched.
func WithSigner(s Signer) Option {
	return func(k *Keeper) {
		k.signers.Store(s.Address(), s)
		k.watched = append(k.watched, s.Address())
	}
}

// WithWatchedAddresses reconciles incoming transactions of addresses
func WithWatchedAddresses(addresses ...common.Address) Option {
	return func(k *Keeper) {
		k.watched = append(k.watched, addresses...)
	}
}

// WithClock sets the clock record times are taken from
func WithClock(c clock.Clock) Option {
	return func(k *Keeper) {
		k.clock = c
	}
}

// WithTicker sets the ticker driving block polling
func WithTicker(t ticker.Ticker) Option {
	return func(k *Keeper) {
		k.ticker = t
	}
}

// WithIdempotencyStore sets the store backing request idempotency keys
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(k *Keeper) {
		k.idempotencyStore = store
	}
}

// WithDefaultIdempotencyStore sets up an in-memory idempotency store with the given TTL
func WithDefaultIdempotencyStore(ttl time.Duration) Option {
	return func(k *Keeper) {
		k.idempotencyTTL = ttl
	}
}

// WithDroppedBlockCount sets how many consecutive polls must see the network
// nonce past a record before it is dropped
func WithDroppedBlockCount(n int) Option {
	return func(k *Keeper) {
		k.defaults.DroppedBlockCount = n
	}
}

// WithMaxRetryBlockDistance caps the number of blocks between rebroadcasts
func WithMaxRetryBlockDistance(blocks uint64) Option {
	return func(k *Keeper) {
		k.defaults.MaxRetryBlockDistance = blocks
	}
}

// WithUpdateTransactions lets reconciliation update outgoing records too
func WithUpdateTransactions(enabled bool) Option {
	return func(k *Keeper) {
		k.defaults.UpdateTransactions = enabled
	}
}

// WithQueryEntireHistory makes the first reconciliation start at genesis
func WithQueryEntireHistory(enabled bool) Option {
	return func(k *Keeper) {
		k.defaults.QueryEntireHistory = enabled
	}
}

// WithGasBufferMultiplier sets the factor applied to gas estimates
func WithGasBufferMultiplier(multiplier float64) Option {
	return func(k *Keeper) {
		k.defaults.GasBufferMultiplier = multiplier
	}
}

// WithTxHistoryLimit sets how many records are retained
func WithTxHistoryLimit(limit int) Option {
	return func(k *Keeper) {
		k.defaults.TxHistoryLimit = limit
	}
}

// WithPollInterval sets how often the node is asked for its latest block
func WithPollInterval(interval time.Duration) Option {
	return func(k *Keeper) {
		k.defaults.PollInterval = interval
	}
}

// WithCircuitBreaker configures the breaker guarding the node
func WithCircuitBreaker(config circuitbreaker.Config) Option {
	return func(k *Keeper) {
		k.defaults.CircuitBreaker = config
	}
}

// NewKeeper creates a keeper for chainID. Records persisted in the backend are
// loaded before it returns.
func NewKeeper(client ChainClient, chainID uint64, opts ...Option) (*Keeper, error) {
	k := &Keeper{
		defaults:  DefaultDefaults(),
		chainID:   chainID,
		clock:     clock.NewDefaultClock(),
		approvals: idempotency.NewInFlight(),
	}
	for _, opt := range opts {
		opt(k)
	}
	d := k.defaults

	if k.idempotencyStore == nil && k.idempotencyTTL > 0 {
		k.idempotencyStore = idempotency.NewInMemoryStore(k.idempotencyTTL, k.clock)
	}

	breakerConfig := d.CircuitBreaker
	if breakerConfig.Name == "" {
		breakerConfig.Name = hexutil.EncodeUint64(chainID)
	}
	if breakerConfig.IsFailure == nil {
		breakerConfig.IsFailure = isNodeFailure
	}
	k.breaker = circuitbreaker.New(breakerConfig)
	k.client = &guardedClient{client: client, breaker: k.breaker}

	storeOpts := []txstore.Option{
		txstore.WithClock(k.clock),
		txstore.WithHistoryLimit(d.TxHistoryLimit),
		txstore.WithActiveNetwork(chainID, k.networkID),
	}
	if k.backend != nil {
		storeOpts = append(storeOpts, txstore.WithBackend(k.backend))
	}
	store, err := txstore.New(storeOpts...)
	if err != nil {
		return nil, err
	}
	k.store = store

	k.nonces = nonce.NewCoordinator(chainID, k.client, store)
	k.estimator = gas.NewEstimator(k.client, gas.Config{
		BufferMultiplier:   d.GasBufferMultiplier,
		BlockGasLimitRatio: d.BlockGasLimitRatio,
		SimpleSendGas:      d.SimpleSendGas,
	})
	k.monitor = monitor.New(chainID, k.client, store, k.nonces, k.resign, monitor.Config{
		DroppedBlockCount:     d.DroppedBlockCount,
		MaxRetryBlockDistance: d.MaxRetryBlockDistance,
		Concurrency:           d.MonitorConcurrency,
	})
	k.reconciler = reconcile.New(k.source, store, k.watermarks, k.nonces, reconcile.Config{
		RecentHistoryBlockRange: d.RecentHistoryBlockRange,
		QueryEntireHistory:      d.QueryEntireHistory,
		UpdateTransactions:      d.UpdateTransactions,
		Limit:                   d.ReconcileLimit,
	})

	if k.ticker == nil {
		k.ticker = ticker.New(d.PollInterval)
	}
	k.tracker = blocktracker.New(k.client, k.ticker)

	return k, nil
}

// Defaults returns the tunables the keeper was built with
func (k *Keeper) Defaults() Defaults {
	k.defaultsMu.RLock()
	defer k.defaultsMu.RUnlock()
	return k.defaults
}

// ChainID returns the chain the keeper manages
func (k *Keeper) ChainID() uint64 {
	return k.chainID
}

// Store exposes the underlying transaction store
func (k *Keeper) Store() *txstore.Store {
	return k.store
}

// Signer returns the signer registered for wallet, or nil
func (k *Keeper) Signer(wallet common.Address) Signer {
	s, ok := k.signers.Load(wallet)
	if !ok {
		return nil
	}
	return s.(Signer)
}

// SetSigner registers s for its wallet and starts watching it
func (k *Keeper) SetSigner(s Signer) {
	k.signers.Store(s.Address(), s)
	k.Watch(s.Address())
}

// Watch adds address to the wallets reconciled on every block
func (k *Keeper) Watch(address common.Address) {
	k.watchedMu.Lock()
	defer k.watchedMu.Unlock()
	for _, a := range k.watched {
		if a == address {
			return
		}
	}
	k.watched = append(k.watched, address)
}

// Watched returns the wallets reconciled on every block
func (k *Keeper) Watched() []common.Address {
	k.watchedMu.RLock()
	defer k.watchedMu.RUnlock()
	seen := make(map[common.Address]struct{}, len(k.watched))
	out := make([]common.Address, 0, len(k.watched))
	for _, a := range k.watched {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Start polls the node for new blocks and, on each, checks and rebroadcasts
// pending records and reconciles the watched wallets
func (k *Keeper) Start(ctx context.Context) error {
	k.startMu.Lock()
	defer k.startMu.Unlock()
	if k.started {
		return ErrAlreadyStarted
	}
	k.started = true
	k.listenerID = k.tracker.AddListener(k.onLatestBlock)
	k.tracker.Start(ctx)

	logger.WithFields(logger.Fields{
		"chain_id": k.chainID,
		"wallets":  len(k.Watched()),
	}).Info("keeper started")
	return nil
}

// Stop halts block polling and waits for the current block to be handled
func (k *Keeper) Stop() {
	k.startMu.Lock()
	defer k.startMu.Unlock()
	if !k.started {
		return
	}
	k.started = false
	k.tracker.Stop()
	k.tracker.RemoveListener(k.listenerID)
	if s, ok := k.idempotencyStore.(*idempotency.InMemoryStore); ok {
		s.Stop()
	}
	logger.WithFields(logger.Fields{
		"chain_id": k.chainID,
	}).Info("keeper stopped")
}

func (k *Keeper) onLatestBlock(ctx context.Context, block hexutil.Uint64) {
	if err := k.monitor.OnLatestBlock(ctx, uint64(block)); err != nil && ctx.Err() == nil {
		logger.WithFields(logger.Fields{
			"chain_id":     k.chainID,
			"block_number": uint64(block),
			"error":        err,
		}).Warn("couldn't process pending transactions")
	}
	if err := k.reconcileAll(ctx, uint64(block)); err != nil && ctx.Err() == nil {
		logger.WithFields(logger.Fields{
			"chain_id":     k.chainID,
			"block_number": uint64(block),
			"error":        err,
		}).Warn("couldn't reconcile remote transactions")
	}
}

// reconcileAll reconciles every watched wallet. Failures of one wallet do not
// stop the others.
func (k *Keeper) reconcileAll(ctx context.Context, latestBlock uint64) error {
	if k.source == nil {
		return nil
	}
	var g errgroup.Group
	for _, address := range k.Watched() {
		address := address
		g.Go(func() error {
			return k.reconciler.Reconcile(ctx, k.target(address), latestBlock)
		})
	}
	return g.Wait()
}

// ReconcileNow reconciles address against the latest block of the node
func (k *Keeper) ReconcileNow(ctx context.Context, address common.Address) error {
	if k.source == nil {
		return ErrNoRemoteSource
	}
	header, err := k.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	return k.reconciler.Reconcile(ctx, k.target(address), header.Number.Uint64())
}

// CheckPending runs one monitoring pass at blockNumber without waiting for
// the block tracker
func (k *Keeper) CheckPending(ctx context.Context, blockNumber uint64) error {
	return k.monitor.OnLatestBlock(ctx, blockNumber)
}

func (k *Keeper) target(address common.Address) reconcile.Target {
	return reconcile.Target{Address: address, ChainID: k.chainID, NetworkID: k.networkID}
}

// Get returns a copy of the record with the given id
func (k *Keeper) Get(id string) (*txstore.Record, error) {
	return k.store.Get(id)
}

// Query returns copies of the records matching q on the keeper's network
func (k *Keeper) Query(q txstore.Query) []*txstore.Record {
	return k.store.Query(q)
}

// Wipe deletes every record sent from address on the keeper's network
func (k *Keeper) Wipe(address common.Address) error {
	return k.store.Wipe(address, k.chainID)
}
