package txkeeper

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txkeeper/internal/nonce"
)

type (
	// NonceLock is an exclusive claim on the next nonce of a wallet
	NonceLock = nonce.Lock
	// NonceDetails explains how a nonce was chosen
	NonceDetails = nonce.Details
)

// AcquireNonce locks wallet and returns its next nonce. Callers signing
// outside the keeper MUST release the lock once the nonce is used or abandoned;
// no other approval for the wallet proceeds until then.
func (k *Keeper) AcquireNonce(ctx context.Context, wallet common.Address) (*NonceLock, error) {
	return k.nonces.Acquire(ctx, wallet)
}

// NextNonce returns the nonce the next approval for wallet would use without
// holding on to it
func (k *Keeper) NextNonce(ctx context.Context, wallet common.Address) (uint64, NonceDetails, error) {
	lock, err := k.nonces.Acquire(ctx, wallet)
	if err != nil {
		return 0, NonceDetails{}, err
	}
	defer func() { _ = lock.Release() }()
	return lock.NextNonce, lock.Details, nil
}
