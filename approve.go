package txkeeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/txkeeper/internal/monitor"
	"github.com/tranvictor/txkeeper/txstore"
)

// Approve moves an unapproved record through signing to the network. Any
// failure after approval leaves the record Failed with the error captured on
// it. Only one approval of a record may run at a time.
func (k *Keeper) Approve(ctx context.Context, id string) error {
	release, err := k.approvals.TryAcquire(id)
	if err != nil {
		return errors.Join(ErrApprovalInFlight, err)
	}
	defer release()

	rec, err := k.store.Get(id)
	if err != nil {
		return err
	}
	if k.Signer(rec.TxParams.From) == nil {
		return fmt.Errorf("%w: %s", ErrSignerNil, rec.TxParams.From.Hex())
	}
	if err := k.store.SetStatus(id, txstore.StatusApproved, "user approved transaction"); err != nil {
		return err
	}

	if err := k.signAndSubmit(ctx, id); err != nil {
		k.markFailed(id, err)
		return err
	}
	return nil
}

// Reject moves an unapproved record to Rejected
func (k *Keeper) Reject(id string) error {
	return k.store.SetStatus(id, txstore.StatusRejected, "user rejected transaction")
}

func (k *Keeper) signAndSubmit(ctx context.Context, id string) error {
	rec, err := k.store.Get(id)
	if err != nil {
		return err
	}
	from := rec.TxParams.From

	lock, err := k.nonces.Acquire(ctx, from)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.WithFields(logger.Fields{
				"wallet": from.Hex(),
				"error":  err,
			}).Warn("couldn't release nonce lock")
		}
	}()

	// replacements keep the nonce of the record they replace
	if rec.TxParams.Nonce == nil {
		n := hexutil.Uint64(lock.NextNonce)
		rec.TxParams.Nonce = &n
	}

	rec = k.estimator.Analyze(ctx, rec)
	if rec.TxParams.Gas == nil {
		reason := "unknown"
		if rec.SimulationFails != nil {
			reason = rec.SimulationFails.Reason
		}
		// keep the diagnostic on the record before it fails
		if err := k.store.Update(rec, "gas estimation failed"); err != nil {
			logger.WithFields(logger.Fields{
				"tx_id": rec.ID,
				"error": err,
			}).Warn("couldn't record gas estimation failure")
		}
		return fmt.Errorf("%w: %s", ErrEstimateGasFailed, reason)
	}
	if err := k.fillFees(ctx, &rec.TxParams); err != nil {
		return err
	}
	if err := k.store.Update(rec, "nonce and gas assigned"); err != nil {
		return err
	}

	signed, err := k.signTx(ctx, from, buildTx(k.chainID, rec.TxParams))
	if err != nil {
		return err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: couldn't encode signed transaction: %w", ErrSignFailed, err)
	}
	_, err = k.store.Modify(id, "transaction signed", func(r *txstore.Record) error {
		r.Status = txstore.StatusSigned
		r.RawTx = raw
		r.Hash = signed.Hash()
		return nil
	})
	if err != nil {
		return err
	}

	if err := k.broadcast(ctx, signed); err != nil {
		return err
	}
	if err := k.store.SetStatus(id, txstore.StatusSubmitted, "transaction submitted"); err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"tx_id":    id,
		"tx_hash":  signed.Hash().Hex(),
		"wallet":   from.Hex(),
		"nonce":    signed.Nonce(),
		"gas":      signed.Gas(),
		"chain_id": k.chainID,
	}).Info("transaction submitted")
	return nil
}

// broadcast sends tx, treating a node that already has it as success
func (k *Keeper) broadcast(ctx context.Context, tx *types.Transaction) error {
	err := k.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	if monitor.IsKnownBroadcastError(err) {
		logger.WithFields(logger.Fields{
			"tx_hash": tx.Hash().Hex(),
			"error":   err,
		}).Debug("node already knows the transaction")
		return nil
	}
	return fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
}

// resign signs and broadcasts a submitted record that lost its signed form,
// such as one restored from a backend that does not keep raw transactions
func (k *Keeper) resign(ctx context.Context, id string) error {
	rec, err := k.store.Get(id)
	if err != nil {
		return err
	}
	if rec.TxParams.Nonce == nil {
		return fmt.Errorf("%w: record %s has no nonce", ErrNotReplaceable, id)
	}
	rec = k.estimator.Analyze(ctx, rec)
	if rec.TxParams.Gas == nil {
		return ErrEstimateGasFailed
	}
	if err := k.fillFees(ctx, &rec.TxParams); err != nil {
		return err
	}

	signed, err := k.signTx(ctx, rec.TxParams.From, buildTx(k.chainID, rec.TxParams))
	if err != nil {
		return err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return err
	}
	rec.RawTx = raw
	rec.Hash = signed.Hash()
	if err := k.store.Update(rec, "transaction re-signed"); err != nil {
		return err
	}
	return k.broadcast(ctx, signed)
}

// markFailed moves a record to Failed with err captured on it
func (k *Keeper) markFailed(id string, cause error) {
	_, err := k.store.Modify(id, "transaction failed: "+cause.Error(), func(r *txstore.Record) error {
		r.Status = txstore.StatusFailed
		r.Err = &txstore.TxError{Name: errorName(cause), Message: cause.Error()}
		return nil
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_id": id,
			"error": err,
		}).Error("couldn't mark transaction failed")
		return
	}
	logger.WithFields(logger.Fields{
		"tx_id": id,
		"error": cause,
	}).Warn("transaction failed")
}

func errorName(err error) string {
	switch {
	case errors.Is(err, ErrEstimateGasFailed):
		return "EstimateGasError"
	case errors.Is(err, ErrGetGasSettingFailed):
		return "GasSettingError"
	case errors.Is(err, ErrSignerNil), errors.Is(err, ErrSignFailed), errors.Is(err, ErrSignedWrongAddress):
		return "SignError"
	case errors.Is(err, ErrBroadcastFailed):
		return "BroadcastError"
	case errors.Is(err, ErrCircuitBreakerOpen):
		return "NetworkUnavailableError"
	default:
		return "Error"
	}
}

// fillFees sets fee market fields from the latest base fee and the node's tip
// suggestion when the record carries no fee fields at all
func (k *Keeper) fillFees(ctx context.Context, p *txstore.TxParams) error {
	if p.GasPrice != nil || p.IsFeeMarket() {
		return nil
	}
	header, err := k.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGetGasSettingFailed, err)
	}
	tip, err := k.client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGetGasSettingFailed, err)
	}
	if header.BaseFee == nil {
		p.GasPrice = (*hexutil.Big)(tip)
		return nil
	}
	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(baseFeeMultiplier))
	maxFee.Add(maxFee, tip)
	p.MaxFeePerGas = (*hexutil.Big)(maxFee)
	p.MaxPriorityFeePerGas = (*hexutil.Big)(new(big.Int).Set(tip))
	return nil
}

// buildTx turns complete params into an unsigned transaction
func buildTx(chainID uint64, p txstore.TxParams) *types.Transaction {
	value := new(big.Int)
	if p.Value != nil {
		value = p.Value.ToInt()
	}
	nonce := uint64(*p.Nonce)
	gasLimit := uint64(*p.Gas)

	if p.IsFeeMarket() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(chainID),
			Nonce:     nonce,
			GasTipCap: p.MaxPriorityFeePerGas.ToInt(),
			GasFeeCap: p.MaxFeePerGas.ToInt(),
			Gas:       gasLimit,
			To:        p.To,
			Value:     value,
			Data:      p.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: p.GasPrice.ToInt(),
		Gas:      gasLimit,
		To:       p.To,
		Value:    value,
		Data:     p.Data,
	})
}

// SpeedUp replaces a submitted record with a copy paying higher fees at the
// same nonce, and submits it. The returned record is the replacement.
func (k *Keeper) SpeedUp(ctx context.Context, id string) (*txstore.Record, error) {
	return k.replace(ctx, id, txstore.TxTypeRetry)
}

// Cancel replaces a submitted record with a zero value transfer to the sender
// at the same nonce and higher fees, and submits it
func (k *Keeper) Cancel(ctx context.Context, id string) (*txstore.Record, error) {
	return k.replace(ctx, id, txstore.TxTypeCancel)
}

func (k *Keeper) replace(ctx context.Context, id string, txType txstore.TxType) (*txstore.Record, error) {
	orig, err := k.store.Get(id)
	if err != nil {
		return nil, err
	}
	if orig.Status != txstore.StatusSubmitted || orig.TxParams.Nonce == nil {
		return nil, fmt.Errorf("%w: record %s is %s", ErrNotReplaceable, id, orig.Status)
	}
	if orig.TxParams.GasPrice == nil && !orig.TxParams.IsFeeMarket() {
		return nil, fmt.Errorf("%w: record %s has no fees", ErrNotReplaceable, id)
	}

	params := orig.TxParams
	params.GasUsed = nil
	if txType == txstore.TxTypeCancel {
		from := params.From
		params.To = &from
		params.Value = (*hexutil.Big)(new(big.Int))
		params.Data = nil
		simpleSend := hexutil.Uint64(k.Defaults().SimpleSendGas)
		params.Gas = &simpleSend
	}
	if err := k.bumpFees(ctx, &params); err != nil {
		return nil, err
	}

	rec, err := k.store.Create(txstore.Record{
		Type:              txType,
		ChainID:           orig.ChainID,
		NetworkID:         orig.NetworkID,
		TxParams:          params,
		PreviousGasParams: txstore.GasParamsOf(orig.TxParams),
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logger.Fields{
		"tx_id":       rec.ID,
		"replaces":    id,
		"type":        txType,
		"nonce":       uint64(*params.Nonce),
		"wallet":      params.From.Hex(),
		"chain_id":    k.chainID,
		"replaced_tx": orig.Hash.Hex(),
	}).Info("replacement transaction created")

	err = k.Approve(ctx, rec.ID)
	out, getErr := k.store.Get(rec.ID)
	if getErr != nil {
		return nil, getErr
	}
	return out, err
}

// bumpFees raises every fee field by at least the replacement bump, and to the
// current network suggestion when that is higher
func (k *Keeper) bumpFees(ctx context.Context, p *txstore.TxParams) error {
	percent := k.Defaults().ReplacementFeeBumpPercent
	if p.GasPrice != nil {
		p.GasPrice = (*hexutil.Big)(bump(p.GasPrice.ToInt(), percent))
		return nil
	}

	tip := bump(p.MaxPriorityFeePerGas.ToInt(), percent)
	maxFee := bump(p.MaxFeePerGas.ToInt(), percent)

	suggested := &txstore.TxParams{}
	if err := k.fillFees(ctx, suggested); err != nil {
		logger.WithFields(logger.Fields{
			"wallet": p.From.Hex(),
			"error":  err,
		}).Debug("couldn't read current fees, using the minimum bump")
	} else if suggested.IsFeeMarket() {
		tip = maxBig(tip, suggested.MaxPriorityFeePerGas.ToInt())
		maxFee = maxBig(maxFee, suggested.MaxFeePerGas.ToInt())
	}
	if maxFee.Cmp(tip) < 0 {
		maxFee = new(big.Int).Set(tip)
	}
	p.MaxPriorityFeePerGas = (*hexutil.Big)(tip)
	p.MaxFeePerGas = (*hexutil.Big)(maxFee)
	return nil
}

// bump returns v increased by percent, rounded up
func bump(v *big.Int, percent int64) *big.Int {
	inc := new(big.Int).Mul(v, big.NewInt(percent))
	inc.Add(inc, big.NewInt(99))
	inc.Div(inc, big.NewInt(100))
	return new(big.Int).Add(v, inc)
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return new(big.Int).Set(b)
}
