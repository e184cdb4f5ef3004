// Package reconcile merges transactions reported by external sources, such as
// a block explorer, into the local transaction store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/tranvictor/txkeeper/txstore"
)

// DefaultRecentHistoryBlockRange is how far behind the tip a first fetch starts
const DefaultRecentHistoryBlockRange = 10

// ErrFetchFailed is returned when the remote source could not be read
var ErrFetchFailed = fmt.Errorf("couldn't fetch remote transactions")

// Request describes one fetch from a remote source
type Request struct {
	Address   common.Address
	ChainID   uint64
	NetworkID string
	// FromBlock is the first block to fetch, nil means the whole history
	FromBlock *uint64
	Limit     int
}

// Source reports transactions touching an address
type Source interface {
	IsSupportedNetwork(chainID uint64, networkID string) bool
	FetchTransactions(ctx context.Context, req Request) ([]*txstore.Record, error)
}

// Store is the subset of the transaction store the reconciler needs
type Store interface {
	GetByHash(chainID uint64, hash common.Hash) (*txstore.Record, error)
	Merge(added, updated []*txstore.Record, note string) (txstore.MergeResult, error)
}

// Barrier keeps nonce allocation out of a merge
type Barrier interface {
	GlobalLock(ctx context.Context) (func(), error)
}

// Target is the wallet and network a reconciliation runs for
type Target struct {
	Address   common.Address
	ChainID   uint64
	NetworkID string
}

// Batch is delivered once per reconciliation that added or updated records
type Batch struct {
	Target  Target
	Added   []*txstore.Record
	Updated []*txstore.Record
}

// WatermarkChange is delivered when the watermark of a target advances
type WatermarkChange struct {
	Key         string
	BlockNumber uint64
}

type (
	BatchListener     func(Batch)
	WatermarkListener func(WatermarkChange)
)

// Config tunes a reconciler
type Config struct {
	// RecentHistoryBlockRange is how far behind latest the first fetch starts
	RecentHistoryBlockRange uint64
	// QueryEntireHistory fetches from genesis when no watermark exists
	QueryEntireHistory bool
	// UpdateTransactions also merges remote changes to records that are not
	// addressed to the wallet
	UpdateTransactions bool
	// Limit is passed to the source as the maximum number of records to return
	Limit int
}

// Reconciler pulls remote transactions for a target into the store
type Reconciler struct {
	source     Source
	store      Store
	watermarks WatermarkStore
	barrier    Barrier
	config     Config

	// mu serializes reconciliations
	mu sync.Mutex

	listenersMu        sync.RWMutex
	batchListeners     []BatchListener
	watermarkListeners []WatermarkListener
}

// New creates a reconciler. barrier may be nil.
func New(source Source, store Store, watermarks WatermarkStore, barrier Barrier, config Config) *Reconciler {
	if config.RecentHistoryBlockRange == 0 {
		config.RecentHistoryBlockRange = DefaultRecentHistoryBlockRange
	}
	if watermarks == nil {
		watermarks = NewMemoryWatermarks()
	}
	return &Reconciler{
		source:     source,
		store:      store,
		watermarks: watermarks,
		barrier:    barrier,
		config:     config,
	}
}

// OnBatch registers a listener for added/updated batches
func (r *Reconciler) OnBatch(l BatchListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.batchListeners = append(r.batchListeners, l)
}

// OnWatermark registers a listener for watermark advances
func (r *Reconciler) OnWatermark(l WatermarkListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.watermarkListeners = append(r.watermarkListeners, l)
}

// WatermarkKey returns the key a target's watermark is stored under
func WatermarkKey(chainID uint64, address common.Address) string {
	return hexutil.EncodeUint64(chainID) + "#" + strings.ToLower(address.Hex())
}

// Reconcile fetches remote transactions for target and merges them. A fetch
// failure leaves the store and the watermark untouched. Re-running with an
// unchanged remote result neither notifies nor moves the watermark.
func (r *Reconciler) Reconcile(ctx context.Context, target Target, latestBlock uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.source.IsSupportedNetwork(target.ChainID, target.NetworkID) {
		logger.WithFields(logger.Fields{
			"chain_id":   target.ChainID,
			"network_id": target.NetworkID,
		}).Debug("remote source does not support network, skipping reconciliation")
		return nil
	}

	key := WatermarkKey(target.ChainID, target.Address)
	fromBlock, err := r.fromBlock(key, latestBlock)
	if err != nil {
		return err
	}

	remote, err := r.source.FetchTransactions(ctx, Request{
		Address:   target.Address,
		ChainID:   target.ChainID,
		NetworkID: target.NetworkID,
		FromBlock: fromBlock,
		Limit:     r.config.Limit,
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"wallet":   target.Address.Hex(),
			"chain_id": target.ChainID,
			"error":    err,
		}).Warn("couldn't fetch remote transactions")
		return errors.Join(ErrFetchFailed, err)
	}

	if !r.config.UpdateTransactions {
		remote = addressedTo(remote, target.Address)
	}
	remote = validOnly(remote)

	batch, err := r.merge(ctx, target, remote)
	if len(batch.Added) > 0 || len(batch.Updated) > 0 {
		logger.WithFields(logger.Fields{
			"wallet":   target.Address.Hex(),
			"chain_id": target.ChainID,
			"added":    len(batch.Added),
			"updated":  len(batch.Updated),
		}).Info("reconciled remote transactions")
		r.notifyBatch(batch)
	}
	if err != nil {
		// the watermark stays put so the records that failed are fetched again
		return err
	}

	return r.advanceWatermark(key, target.Address, remote)
}

func (r *Reconciler) fromBlock(key string, latestBlock uint64) (*uint64, error) {
	last, ok, err := r.watermarks.Watermark(key)
	if err != nil {
		return nil, fmt.Errorf("couldn't read watermark %s: %w", key, err)
	}
	if ok {
		from := last + 1
		return &from, nil
	}
	if r.config.QueryEntireHistory {
		return nil, nil
	}
	var from uint64
	if latestBlock > r.config.RecentHistoryBlockRange {
		from = latestBlock - r.config.RecentHistoryBlockRange
	}
	return &from, nil
}

// merge splits remote into records the store lacks and records whose status
// or gas used changed, and writes both in time order. The returned batch holds
// what was committed, also when err is not nil.
func (r *Reconciler) merge(ctx context.Context, target Target, remote []*txstore.Record) (Batch, error) {
	if r.barrier != nil {
		release, err := r.barrier.GlobalLock(ctx)
		if err != nil {
			return Batch{}, err
		}
		defer release()
	}

	batch := Batch{Target: target}
	seen := make(map[common.Hash]struct{}, len(remote))
	for _, rec := range remote {
		if _, dup := seen[rec.Hash]; dup {
			continue
		}
		seen[rec.Hash] = struct{}{}

		local, err := r.store.GetByHash(rec.ChainID, rec.Hash)
		switch {
		case errors.Is(err, txstore.ErrNotFound):
			batch.Added = append(batch.Added, rec)
		case err != nil:
			return Batch{}, err
		case isOutdated(rec, local):
			batch.Updated = append(batch.Updated, rec)
		}
	}
	if len(batch.Added) == 0 && len(batch.Updated) == 0 {
		return batch, nil
	}

	sortByTime(batch.Added)
	sortByTime(batch.Updated)
	result, err := r.store.Merge(batch.Added, batch.Updated, "remote transaction update")
	committed := Batch{Target: target, Added: result.Added, Updated: result.Updated}
	if err != nil {
		return committed, fmt.Errorf("couldn't merge remote transactions: %w", err)
	}
	return committed, nil
}

// advanceWatermark moves the watermark to the highest block among records
// sent to address, never backwards
func (r *Reconciler) advanceWatermark(key string, address common.Address, remote []*txstore.Record) error {
	var (
		highest uint64
		found   bool
	)
	for _, rec := range remote {
		if rec.BlockNumber == nil || rec.TxParams.To == nil || *rec.TxParams.To != address {
			continue
		}
		if !found || uint64(*rec.BlockNumber) > highest {
			highest = uint64(*rec.BlockNumber)
			found = true
		}
	}
	if !found {
		return nil
	}

	previous, ok, err := r.watermarks.Watermark(key)
	if err != nil {
		return fmt.Errorf("couldn't read watermark %s: %w", key, err)
	}
	if ok && previous >= highest {
		return nil
	}
	if err := r.watermarks.SetWatermark(key, highest); err != nil {
		return fmt.Errorf("couldn't store watermark %s: %w", key, err)
	}

	logger.WithFields(logger.Fields{
		"key":          key,
		"block_number": highest,
	}).Debug("watermark advanced")
	r.notifyWatermark(WatermarkChange{Key: key, BlockNumber: highest})
	return nil
}

func (r *Reconciler) notifyBatch(batch Batch) {
	r.listenersMu.RLock()
	listeners := append([]BatchListener(nil), r.batchListeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l(batch)
	}
}

func (r *Reconciler) notifyWatermark(change WatermarkChange) {
	r.listenersMu.RLock()
	listeners := append([]WatermarkListener(nil), r.watermarkListeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l(change)
	}
}

func addressedTo(records []*txstore.Record, address common.Address) []*txstore.Record {
	out := make([]*txstore.Record, 0, len(records))
	for _, rec := range records {
		if rec.TxParams.To != nil && *rec.TxParams.To == address {
			out = append(out, rec)
		}
	}
	return out
}

// validOnly drops remote records the store would refuse, such as system
// transactions without a sender
func validOnly(records []*txstore.Record) []*txstore.Record {
	out := make([]*txstore.Record, 0, len(records))
	for _, rec := range records {
		if err := txstore.ValidateParams(rec.TxParams); err != nil {
			logger.WithFields(logger.Fields{
				"tx_hash":  rec.Hash.Hex(),
				"chain_id": rec.ChainID,
				"error":    err,
			}).Warn("skipping invalid remote transaction")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// isOutdated reports whether local differs from remote in status or gas used
func isOutdated(remote, local *txstore.Record) bool {
	if remote.Status != local.Status {
		return true
	}
	remoteUsed, localUsed := remote.TxParams.GasUsed, local.TxParams.GasUsed
	if (remoteUsed == nil) != (localUsed == nil) {
		return true
	}
	return remoteUsed != nil && *remoteUsed != *localUsed
}

func sortByTime(records []*txstore.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Time.Before(records[j].Time)
	})
}
