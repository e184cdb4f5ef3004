// Package monitor drives submitted transactions to a final status once per block.
//
// Every block runs two passes. CheckAll confirms, fails or drops each submitted
// record while holding the nonce global lock, so no nonce is handed out from
// a state the pass is about to change. ResubmitAll then rebroadcasts records
// that have waited long enough, backing off exponentially per record.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/tranvictor/txkeeper/txstore"
)

const (
	DefaultDroppedBlockCount     = 3
	DefaultMaxRetryBlockDistance = 50
	DefaultConcurrency           = 8
)

// knownBroadcastErrors are node responses to a rebroadcast that mean the
// transaction is already in the pool or already superseded
var knownBroadcastErrors = []string{
	"replacement transaction underpriced",
	"known transaction",
	"gas price too low to replace",
	"transaction with the same hash was already imported",
	"gateway timeout",
	"nonce too low",
	"already known",
}

// IsKnownBroadcastError reports whether err is an expected rebroadcast race
func IsKnownBroadcastError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, known := range knownBroadcastErrors {
		if strings.Contains(msg, known) {
			return true
		}
	}
	return false
}

// errNotPending aborts a modification when the record left Submitted meanwhile
var errNotPending = fmt.Errorf("record is no longer pending")

// ChainClient is the subset of a chain client the monitor needs
type ChainClient interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Store is the subset of the transaction store the monitor needs
type Store interface {
	Query(q txstore.Query) []*txstore.Record
	Modify(id, note string, fn func(r *txstore.Record) error) (*txstore.Record, error)
	MarkSiblingsDropped(confirmedID string) ([]*txstore.Record, error)
}

// Barrier serializes monitor passes against nonce allocation
type Barrier interface {
	GlobalLock(ctx context.Context) (func(), error)
	WithGlobalBarrier(ctx context.Context, fn func() error) error
}

// ApproveFunc signs and submits a record again. It is called for pending
// records that have no signed payload to rebroadcast.
type ApproveFunc func(ctx context.Context, id string) error

// Config tunes drop detection and resubmission backoff
type Config struct {
	// DroppedBlockCount is how many consecutive polls must see the network
	// nonce past a record before it is dropped
	DroppedBlockCount int
	// MaxRetryBlockDistance caps the exponential resubmission backoff
	MaxRetryBlockDistance uint64
	// Concurrency bounds the receipt lookups of one CheckAll pass
	Concurrency int
}

// DefaultConfig returns the standard tuning
func DefaultConfig() Config {
	return Config{
		DroppedBlockCount:     DefaultDroppedBlockCount,
		MaxRetryBlockDistance: DefaultMaxRetryBlockDistance,
		Concurrency:           DefaultConcurrency,
	}
}

// Monitor tracks the submitted records of one chain
type Monitor struct {
	chainID uint64
	client  ChainClient
	store   Store
	barrier Barrier
	approve ApproveFunc
	config  Config

	// passMu keeps block passes from overlapping
	passMu sync.Mutex

	bufferMu      sync.Mutex
	droppedBuffer map[common.Hash]int
}

// New creates a monitor. approve may be nil, in which case unsigned pending
// records are left alone.
func New(chainID uint64, client ChainClient, store Store, barrier Barrier, approve ApproveFunc, config Config) *Monitor {
	defaults := DefaultConfig()
	if config.DroppedBlockCount <= 0 {
		config.DroppedBlockCount = defaults.DroppedBlockCount
	}
	if config.MaxRetryBlockDistance == 0 {
		config.MaxRetryBlockDistance = defaults.MaxRetryBlockDistance
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	return &Monitor{
		chainID:       chainID,
		client:        client,
		store:         store,
		barrier:       barrier,
		approve:       approve,
		config:        config,
		droppedBuffer: make(map[common.Hash]int),
	}
}

// OnLatestBlock runs both passes for a new block. A block arriving while the
// previous one is still being processed is skipped; the next block covers it.
func (m *Monitor) OnLatestBlock(ctx context.Context, blockNumber uint64) error {
	if !m.passMu.TryLock() {
		logger.WithFields(logger.Fields{
			"chain_id":     m.chainID,
			"block_number": blockNumber,
		}).Debug("monitor pass still running, skipping block")
		return nil
	}
	defer m.passMu.Unlock()

	if err := m.CheckAll(ctx); err != nil {
		return err
	}
	return m.ResubmitAll(ctx, blockNumber)
}

// Pending returns the records the monitor is responsible for
func (m *Monitor) Pending() []*txstore.Record {
	chainID := m.chainID
	return m.store.Query(txstore.Query{
		ChainID:  &chainID,
		Statuses: []txstore.Status{txstore.StatusSubmitted},
		Predicates: []func(r *txstore.Record) bool{
			func(r *txstore.Record) bool {
				return !r.VerifiedOnBlockchain && r.Type != txstore.TxTypeIncoming
			},
		},
	})
}

// CheckAll looks up every pending record once, holding the global lock for
// the whole pass. Lookup failures become warnings on the record.
func (m *Monitor) CheckAll(ctx context.Context) error {
	release, err := m.barrier.GlobalLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	pending := m.Pending()
	if len(pending) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(m.config.Concurrency)
	for _, rec := range pending {
		rec := rec
		g.Go(func() error {
			m.checkPending(ctx, rec)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) checkPending(ctx context.Context, rec *txstore.Record) {
	if !rec.HasHash() {
		m.fail(rec.ID, &txstore.TxError{
			Name:    "NoTxHashError",
			Message: "We had an error while submitting this transaction, please try again.",
		}, nil, "transaction has no hash")
		return
	}

	if taken := m.nonceTakenBy(rec); taken != nil {
		m.drop(rec, taken, "another transaction with the same nonce was confirmed")
		return
	}

	receipt, err := m.client.TransactionReceipt(ctx, rec.Hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		m.warn(rec.ID, err, "There was an error when checking on this transaction.")
		return
	}
	if receipt != nil && receipt.BlockNumber != nil {
		m.onReceipt(ctx, rec, receipt)
		return
	}

	dropped, err := m.wasDropped(ctx, rec)
	if err != nil {
		m.warn(rec.ID, err, "There was an error when checking on this transaction.")
		return
	}
	if dropped {
		m.drop(rec, nil, "network nonce moved past the transaction")
	}
}

// nonceTakenBy returns a confirmed record other than rec holding rec's nonce
func (m *Monitor) nonceTakenBy(rec *txstore.Record) *txstore.Record {
	nonce, ok := rec.TxParams.NonceValue()
	if !ok {
		return nil
	}
	chainID, from := m.chainID, rec.TxParams.From
	confirmed := m.store.Query(txstore.Query{
		ChainID:  &chainID,
		From:     &from,
		Statuses: []txstore.Status{txstore.StatusConfirmed},
	})
	for _, other := range confirmed {
		if other.ID == rec.ID || other.Type == txstore.TxTypeIncoming {
			continue
		}
		if n, ok := other.TxParams.NonceValue(); ok && n == nonce {
			return other
		}
	}
	return nil
}

// onReceipt finalizes a mined record. A reverted receipt fails the record.
func (m *Monitor) onReceipt(ctx context.Context, rec *txstore.Record, receipt *types.Receipt) {
	m.forget(rec.Hash)

	header, err := m.client.HeaderByHash(ctx, receipt.BlockHash)
	if err != nil {
		m.warn(rec.ID, err, "There was an error when checking on this transaction.")
		return
	}

	stored := receiptOf(receipt)
	if receipt.Status == types.ReceiptStatusFailed {
		m.fail(rec.ID, &txstore.TxError{Message: "Transaction dropped or replaced"}, stored, "transaction reverted on chain")
		return
	}

	confirmed, err := m.store.Modify(rec.ID, "transaction confirmed", func(r *txstore.Record) error {
		if r.Status != txstore.StatusSubmitted {
			return errNotPending
		}
		r.Status = txstore.StatusConfirmed
		applyReceipt(r, stored, header)
		r.Warning = nil
		return nil
	})
	if err != nil {
		m.logModifyError(rec.ID, "confirm", err)
		return
	}

	logger.WithFields(logger.Fields{
		"tx_id":        confirmed.ID,
		"tx_hash":      confirmed.Hash.Hex(),
		"chain_id":     m.chainID,
		"block_number": uint64(stored.BlockNumber),
	}).Info("transaction confirmed")

	if _, err := m.store.MarkSiblingsDropped(confirmed.ID); err != nil {
		logger.WithFields(logger.Fields{
			"tx_id": confirmed.ID,
			"error": err,
		}).Warn("couldn't drop transactions sharing the confirmed nonce")
	}
}

// wasDropped reports whether the network nonce has stayed past rec's nonce for
// DroppedBlockCount consecutive polls
func (m *Monitor) wasDropped(ctx context.Context, rec *txstore.Record) (bool, error) {
	nonce, ok := rec.TxParams.NonceValue()
	if !ok {
		return false, nil
	}
	networkNonce, err := m.client.NonceAt(ctx, rec.TxParams.From, nil)
	if err != nil {
		return false, err
	}

	m.bufferMu.Lock()
	defer m.bufferMu.Unlock()
	if nonce >= networkNonce {
		delete(m.droppedBuffer, rec.Hash)
		return false, nil
	}
	m.droppedBuffer[rec.Hash]++
	if m.droppedBuffer[rec.Hash] < m.config.DroppedBlockCount {
		logger.WithFields(logger.Fields{
			"tx_id":         rec.ID,
			"tx_hash":       rec.Hash.Hex(),
			"nonce":         nonce,
			"network_nonce": networkNonce,
			"polls":         m.droppedBuffer[rec.Hash],
		}).Debug("network nonce is past the transaction, waiting before dropping")
		return false, nil
	}
	delete(m.droppedBuffer, rec.Hash)
	return true, nil
}

func (m *Monitor) forget(hash common.Hash) {
	m.bufferMu.Lock()
	defer m.bufferMu.Unlock()
	delete(m.droppedBuffer, hash)
}

func (m *Monitor) drop(rec *txstore.Record, replacement *txstore.Record, reason string) {
	m.forget(rec.Hash)
	_, err := m.store.Modify(rec.ID, "transaction dropped: "+reason, func(r *txstore.Record) error {
		if r.Status != txstore.StatusSubmitted {
			return errNotPending
		}
		r.Status = txstore.StatusDropped
		if replacement != nil {
			r.ReplacedBy = replacement.Hash
			r.ReplacedByID = replacement.ID
		}
		return nil
	})
	if err != nil {
		m.logModifyError(rec.ID, "drop", err)
		return
	}
	logger.WithFields(logger.Fields{
		"tx_id":    rec.ID,
		"tx_hash":  rec.Hash.Hex(),
		"chain_id": m.chainID,
		"reason":   reason,
	}).Info("transaction dropped")
}

func (m *Monitor) fail(id string, txErr *txstore.TxError, receipt *txstore.Receipt, note string) {
	_, err := m.store.Modify(id, "transaction failed: "+note, func(r *txstore.Record) error {
		if r.Status != txstore.StatusSubmitted {
			return errNotPending
		}
		r.Status = txstore.StatusFailed
		r.Err = txErr
		if receipt != nil {
			applyReceipt(r, receipt, nil)
		}
		return nil
	})
	if err != nil {
		m.logModifyError(id, "fail", err)
		return
	}
	logger.WithFields(logger.Fields{
		"tx_id":    id,
		"chain_id": m.chainID,
		"reason":   txErr.Message,
	}).Warn("transaction failed")
}

// warn attaches a user-visible warning without changing the status
func (m *Monitor) warn(id string, cause error, message string) {
	_, err := m.store.Modify(id, "transaction warning", func(r *txstore.Record) error {
		r.Warning = &txstore.Warning{Error: cause.Error(), Message: message}
		return nil
	})
	if err != nil {
		m.logModifyError(id, "warn", err)
	}
	logger.WithFields(logger.Fields{
		"tx_id": id,
		"error": cause,
	}).Debug(message)
}

func (m *Monitor) logModifyError(id, action string, err error) {
	if errors.Is(err, errNotPending) {
		logger.WithFields(logger.Fields{
			"tx_id":  id,
			"action": action,
		}).Debug("record changed during the pass, skipping")
		return
	}
	logger.WithFields(logger.Fields{
		"tx_id":  id,
		"action": action,
		"error":  err,
	}).Error("couldn't update transaction record")
}

func receiptOf(r *types.Receipt) *txstore.Receipt {
	return &txstore.Receipt{
		BlockHash:        r.BlockHash,
		BlockNumber:      hexUint64(r.BlockNumber.Uint64()),
		Status:           hexUint64(r.Status),
		GasUsed:          hexUint64(r.GasUsed),
		TransactionIndex: hexUint(r.TransactionIndex),
	}
}

func applyReceipt(r *txstore.Record, receipt *txstore.Receipt, header *types.Header) {
	stored := *receipt
	r.Receipt = &stored
	blockNumber := receipt.BlockNumber
	r.BlockNumber = &blockNumber
	gasUsed := receipt.GasUsed
	r.TxParams.GasUsed = &gasUsed
	r.VerifiedOnBlockchain = true
	if header != nil {
		r.BlockTimestamp = header.Time
		if header.BaseFee != nil {
			r.BaseFeePerGas = hexBig(header.BaseFee)
		}
	}
}
