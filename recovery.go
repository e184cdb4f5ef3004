package txkeeper

import (
	"context"

	"github.com/KyberNetwork/logger"

	"github.com/tranvictor/txkeeper/txstore"
)

// RecoveryResult tallies what became of the records that were pending when
// the keeper was restored from its backend
type RecoveryResult struct {
	// Pending records are still waiting to be mined
	Pending int
	// Confirmed records were mined while the keeper was down
	Confirmed int
	// Dropped records lost their nonce to another transaction
	Dropped int
	// Failed records were mined and reverted, or could not be tracked
	Failed int
}

// Recover runs one monitoring pass over the records restored from the
// backend, so that records settled while the process was down leave the
// pending set before the first block arrives. Drops still need
// DroppedBlockCount consecutive passes to be decided.
func (k *Keeper) Recover(ctx context.Context) (*RecoveryResult, error) {
	pending := k.monitor.Pending()
	if len(pending) == 0 {
		return &RecoveryResult{}, nil
	}
	if err := k.monitor.CheckAll(ctx); err != nil {
		return nil, err
	}

	result := &RecoveryResult{}
	for _, before := range pending {
		rec, err := k.store.Get(before.ID)
		if err != nil {
			// evicted or wiped meanwhile
			continue
		}
		switch rec.Status {
		case txstore.StatusConfirmed:
			result.Confirmed++
		case txstore.StatusDropped:
			result.Dropped++
		case txstore.StatusFailed:
			result.Failed++
		default:
			result.Pending++
		}
	}

	logger.WithFields(logger.Fields{
		"chain_id":  k.chainID,
		"pending":   result.Pending,
		"confirmed": result.Confirmed,
		"dropped":   result.Dropped,
		"failed":    result.Failed,
	}).Info("recovered pending transactions")
	return result, nil
}
