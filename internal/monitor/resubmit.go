package monitor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/txkeeper/txstore"
)

// ResubmitAll rebroadcasts every pending record whose backoff has elapsed at
// blockNumber. It waits for the global barrier but does not hold it, since
// re-approval acquires nonce locks. One record failing never stops the rest.
func (m *Monitor) ResubmitAll(ctx context.Context, blockNumber uint64) error {
	return m.barrier.WithGlobalBarrier(ctx, func() error {
		for _, rec := range m.Pending() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.resubmit(ctx, rec, blockNumber)
		}
		return nil
	})
}

func (m *Monitor) resubmit(ctx context.Context, rec *txstore.Record, blockNumber uint64) {
	due, err := m.isResubmitDue(rec, blockNumber)
	if err != nil {
		m.logModifyError(rec.ID, "record first retry block", err)
		return
	}
	if !due {
		return
	}

	if len(rec.RawTx) == 0 {
		if m.approve == nil {
			return
		}
		if err := m.approve(ctx, rec.ID); err != nil {
			m.warn(rec.ID, err, "There was an error when resubmitting this transaction.")
		}
		return
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rec.RawTx); err != nil {
		m.warn(rec.ID, fmt.Errorf("couldn't decode signed transaction: %w", err), "There was an error when resubmitting this transaction.")
		return
	}

	if err := m.client.SendTransaction(ctx, tx); err != nil {
		if IsKnownBroadcastError(err) {
			logger.WithFields(logger.Fields{
				"tx_id":   rec.ID,
				"tx_hash": rec.Hash.Hex(),
				"error":   err,
			}).Debug("rebroadcast rejected as already known, ignoring")
			return
		}
		m.warn(rec.ID, err, "There was an error when resubmitting this transaction.")
		return
	}

	_, err = m.store.Modify(rec.ID, "transaction resubmitted", func(r *txstore.Record) error {
		r.RetryCount++
		return nil
	})
	if err != nil {
		m.logModifyError(rec.ID, "count retry", err)
		return
	}
	logger.WithFields(logger.Fields{
		"tx_id":        rec.ID,
		"tx_hash":      rec.Hash.Hex(),
		"block_number": blockNumber,
		"retry_count":  rec.RetryCount + 1,
	}).Debug("transaction resubmitted")
}

// isResubmitDue records the first retry block of rec if missing, then reports
// whether min(MaxRetryBlockDistance, 2^retryCount) blocks have passed since it
func (m *Monitor) isResubmitDue(rec *txstore.Record, blockNumber uint64) (bool, error) {
	if rec.FirstRetryBlockNumber == nil {
		updated, err := m.store.Modify(rec.ID, "first retry block recorded", func(r *txstore.Record) error {
			if r.FirstRetryBlockNumber == nil {
				r.FirstRetryBlockNumber = hexUint64Ptr(blockNumber)
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		rec = updated
	}

	first := uint64(*rec.FirstRetryBlockNumber)
	if blockNumber < first {
		return false, nil
	}
	return blockNumber-first >= m.backoff(rec.RetryCount), nil
}

// backoff returns the number of blocks to wait before retry number retryCount+1
func (m *Monitor) backoff(retryCount int) uint64 {
	limit := m.config.MaxRetryBlockDistance
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 63 {
		return limit
	}
	return min(limit, uint64(1)<<uint(retryCount))
}

func hexUint64(v uint64) hexutil.Uint64 {
	return hexutil.Uint64(v)
}

func hexUint64Ptr(v uint64) *hexutil.Uint64 {
	out := hexutil.Uint64(v)
	return &out
}

func hexUint(v uint) hexutil.Uint {
	return hexutil.Uint(v)
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).Set(v))
}
