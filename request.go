package txkeeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/tranvictor/txkeeper/idempotency"
	"github.com/tranvictor/txkeeper/txstore"
)

// TxRequest builds a transaction record with the builder pattern
type TxRequest struct {
	k *Keeper

	from, to       common.Address
	value          *big.Int
	gasLimit       uint64
	gasPrice       *big.Int
	maxFee, tipCap *big.Int
	data           []byte
	txType         txstore.TxType

	// Idempotency key for mapping a retried request onto its first record
	idempotencyKey string
}

// R creates a new transaction request (similar to go-resty's R() method)
func (k *Keeper) R() *TxRequest {
	return &TxRequest{
		k:     k,
		value: big.NewInt(0),
	}
}

// SetFrom sets the from address
func (r *TxRequest) SetFrom(from common.Address) *TxRequest {
	r.from = from
	return r
}

// SetTo sets the to address
func (r *TxRequest) SetTo(to common.Address) *TxRequest {
	r.to = to
	return r
}

// SetValue sets the transaction value in wei
func (r *TxRequest) SetValue(value *big.Int) *TxRequest {
	if value != nil {
		r.value = value
	}
	return r
}

// SetGasLimit sets the gas limit, skipping estimation
func (r *TxRequest) SetGasLimit(gasLimit uint64) *TxRequest {
	r.gasLimit = gasLimit
	return r
}

// SetGasPrice sets a legacy gas price in wei
func (r *TxRequest) SetGasPrice(gasPrice *big.Int) *TxRequest {
	r.gasPrice = gasPrice
	return r
}

// SetMaxFeePerGas sets the fee cap in wei
func (r *TxRequest) SetMaxFeePerGas(maxFee *big.Int) *TxRequest {
	r.maxFee = maxFee
	return r
}

// SetMaxPriorityFeePerGas sets the tip cap in wei
func (r *TxRequest) SetMaxPriorityFeePerGas(tipCap *big.Int) *TxRequest {
	r.tipCap = tipCap
	return r
}

// SetData sets the transaction data
func (r *TxRequest) SetData(data []byte) *TxRequest {
	r.data = data
	return r
}

// SetTxType overrides the type inferred from the recipient
func (r *TxRequest) SetTxType(txType txstore.TxType) *TxRequest {
	r.txType = txType
	return r
}

// SetIdempotencyKey sets a unique key to prevent duplicate records. If the
// same key is used again, the record created the first time is returned
// instead of a new one. Requires an idempotency store on the Keeper.
func (r *TxRequest) SetIdempotencyKey(key string) *TxRequest {
	r.idempotencyKey = key
	return r
}

func (r *TxRequest) params() txstore.TxParams {
	p := txstore.TxParams{
		From:  r.from,
		Value: (*hexutil.Big)(new(big.Int).Set(r.value)),
		Data:  r.data,
	}
	if r.to != (common.Address{}) {
		to := r.to
		p.To = &to
	}
	if r.gasLimit > 0 {
		gas := hexutil.Uint64(r.gasLimit)
		p.Gas = &gas
	}
	if r.gasPrice != nil {
		p.GasPrice = (*hexutil.Big)(new(big.Int).Set(r.gasPrice))
	}
	if r.maxFee != nil {
		p.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Set(r.maxFee))
	}
	if r.tipCap != nil {
		p.MaxPriorityFeePerGas = (*hexutil.Big)(new(big.Int).Set(r.tipCap))
	}
	return p
}

// Create adds an unapproved record for the request and estimates its gas. A
// failed estimation is kept on the record as SimulationFails and does not
// fail the call.
func (r *TxRequest) Create(ctx context.Context) (*txstore.Record, error) {
	if r.from == (common.Address{}) {
		return nil, ErrFromAddressZero
	}
	if r.idempotencyKey != "" && r.k.idempotencyStore != nil {
		return r.createWithIdempotency(ctx)
	}
	return r.createInternal(ctx)
}

// createWithIdempotency handles idempotent creation
func (r *TxRequest) createWithIdempotency(ctx context.Context) (*txstore.Record, error) {
	store := r.k.idempotencyStore

	entry, err := store.Reserve(r.idempotencyKey)
	if errors.Is(err, idempotency.ErrDuplicateKey) {
		if entry == nil || entry.Status != idempotency.StatusCreated {
			return nil, ErrDuplicateRequest
		}
		rec, getErr := r.k.store.Get(entry.RecordID)
		if getErr != nil {
			return nil, fmt.Errorf("record %s of idempotency key %s: %w", entry.RecordID, r.idempotencyKey, getErr)
		}
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := r.createInternal(ctx)
	if err != nil {
		// free the key so the caller can retry
		if delErr := store.Delete(r.idempotencyKey); delErr != nil {
			logger.WithFields(logger.Fields{
				"idempotency_key": r.idempotencyKey,
				"error":           delErr,
			}).Warn("couldn't release idempotency key")
		}
		return nil, err
	}
	if err := store.Complete(r.idempotencyKey, rec.ID); err != nil {
		logger.WithFields(logger.Fields{
			"tx_id":           rec.ID,
			"idempotency_key": r.idempotencyKey,
			"error":           err,
		}).Warn("couldn't complete idempotency key")
	}
	return rec, nil
}

func (r *TxRequest) createInternal(ctx context.Context) (*txstore.Record, error) {
	rec, err := r.k.store.Create(txstore.Record{
		Type:      r.txType,
		ChainID:   r.k.chainID,
		NetworkID: r.k.networkID,
		TxParams:  r.params(),
	})
	if err != nil {
		return nil, err
	}

	analyzed := r.k.estimator.Analyze(ctx, rec)
	if err := r.k.store.Update(analyzed, "gas estimated"); err != nil {
		return nil, err
	}
	if analyzed.SimulationFails != nil {
		logger.WithFields(logger.Fields{
			"tx_id":  analyzed.ID,
			"wallet": r.from.Hex(),
			"reason": analyzed.SimulationFails.Reason,
		}).Info("transaction created, gas estimation failed")
	}
	return r.k.store.Get(rec.ID)
}

// Execute creates the record and approves it. The returned record reflects
// its state after approval, Submitted on success.
func (r *TxRequest) Execute(ctx context.Context) (*txstore.Record, error) {
	rec, err := r.Create(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Status != txstore.StatusUnapproved {
		// an idempotent retry of a request that was already approved
		return rec, nil
	}
	approveErr := r.k.Approve(ctx, rec.ID)
	out, err := r.k.store.Get(rec.ID)
	if err != nil {
		return nil, err
	}
	return out, approveErr
}
