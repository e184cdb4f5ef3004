// Package nonce serializes nonce allocation per wallet address.
// This is an internal package and should not be imported directly by external code.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txkeeper/txstore"
)

const globalKey = "global"

// NonceReader reads the network transaction count of an address
type NonceReader interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// RecordQuerier reads local transaction records
type RecordQuerier interface {
	Query(q txstore.Query) []*txstore.Record
}

// Details is the snapshot of every value that went into a nonce decision
type Details struct {
	NetworkNonce            uint64   `json:"networkNonce"`
	HighestLocallyConfirmed uint64   `json:"highestLocallyConfirmed"`
	HighestSuggested        uint64   `json:"highestSuggested"`
	LocalNonce              uint64   `json:"localNonce"`
	PendingNonces           []uint64 `json:"pendingNonces,omitempty"`
}

// Lock is an exclusive claim on the next nonce of an address. The holder MUST
// call Release on every path once the nonce is committed to a record or abandoned.
type Lock struct {
	Address   common.Address
	NextNonce uint64
	Details   Details

	once    sync.Once
	release func()
}

// Release gives the address back to other callers. Releasing twice returns ErrLockReleased.
func (l *Lock) Release() error {
	released := false
	l.once.Do(func() {
		l.release()
		released = true
	})
	if !released {
		return ErrLockReleased
	}
	return nil
}

// Coordinator hands out nonce locks for the addresses of one chain
type Coordinator struct {
	chainID uint64
	client  NonceReader
	records RecordQuerier
	locks   *lockTable
}

// NewCoordinator creates a coordinator reading network nonces from client and
// local records of chainID from records
func NewCoordinator(chainID uint64, client NonceReader, records RecordQuerier) *Coordinator {
	return &Coordinator{
		chainID: chainID,
		client:  client,
		records: records,
		locks:   newLockTable(),
	}
}

// Acquire waits for any global barrier to clear, takes the address lock and
// computes the next usable nonce. The network nonce is read fresh on every call.
func (c *Coordinator) Acquire(ctx context.Context, address common.Address) (*Lock, error) {
	if err := c.WithGlobalBarrier(ctx, func() error { return nil }); err != nil {
		return nil, err
	}

	release, err := c.locks.lock(ctx, address.Hex())
	if err != nil {
		return nil, err
	}

	networkNonce, err := c.client.NonceAt(ctx, address, nil)
	if err != nil {
		release()
		return nil, errors.Join(ErrNetworkNonce, fmt.Errorf("address %s: %w", address.Hex(), err))
	}

	details := c.details(address, networkNonce)
	next := max(networkNonce, details.LocalNonce)

	logger.WithFields(logger.Fields{
		"wallet":                    address.Hex(),
		"chain_id":                  c.chainID,
		"next_nonce":                next,
		"network_nonce":             networkNonce,
		"highest_locally_confirmed": details.HighestLocallyConfirmed,
		"local_nonce":               details.LocalNonce,
	}).Debug("nonce lock acquired")

	return &Lock{
		Address:   address,
		NextNonce: next,
		Details:   details,
		release:   release,
	}, nil
}

// details merges the network nonce with the local confirmed and pending records
func (c *Coordinator) details(address common.Address, networkNonce uint64) Details {
	chainID := c.chainID
	confirmed := c.records.Query(txstore.Query{
		ChainID:  &chainID,
		From:     &address,
		Statuses: []txstore.Status{txstore.StatusConfirmed},
	})
	var highestConfirmed uint64
	for _, r := range confirmed {
		if n, ok := r.TxParams.NonceValue(); ok && n+1 > highestConfirmed {
			highestConfirmed = n + 1
		}
	}

	pending := c.records.Query(txstore.Query{
		ChainID:  &chainID,
		From:     &address,
		Statuses: []txstore.Status{txstore.StatusSubmitted},
	})
	taken := make(map[uint64]struct{}, len(pending))
	pendingNonces := make([]uint64, 0, len(pending))
	for _, r := range pending {
		if n, ok := r.TxParams.NonceValue(); ok {
			if _, dup := taken[n]; !dup {
				pendingNonces = append(pendingNonces, n)
			}
			taken[n] = struct{}{}
		}
	}

	suggested := max(networkNonce, highestConfirmed)
	local := suggested
	for {
		if _, ok := taken[local]; !ok {
			break
		}
		local++
	}

	return Details{
		NetworkNonce:            networkNonce,
		HighestLocallyConfirmed: highestConfirmed,
		HighestSuggested:        suggested,
		LocalNonce:              local,
		PendingNonces:           pendingNonces,
	}
}

// GlobalLock takes the global lock, blocking new nonce allocations until the
// returned function is called. Bulk reconciliation passes hold it for their
// whole duration.
func (c *Coordinator) GlobalLock(ctx context.Context) (func(), error) {
	return c.locks.lock(ctx, globalKey)
}

// WithGlobalBarrier waits until no global lock is held, then runs fn. The
// barrier is released before fn runs.
func (c *Coordinator) WithGlobalBarrier(ctx context.Context, fn func() error) error {
	release, err := c.GlobalLock(ctx)
	if err != nil {
		return err
	}
	release()
	return fn()
}
