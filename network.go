package txkeeper

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tranvictor/txkeeper/internal/circuitbreaker"
)

// guardedClient routes every call through the circuit breaker of the network
type guardedClient struct {
	client  ChainClient
	breaker *circuitbreaker.CircuitBreaker
}

// isNodeFailure reports whether err means the node could not be reached or
// answer. Errors the node answered with, such as a missing receipt or a
// rejected transaction, say nothing about its health.
func isNodeFailure(err error) bool {
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func guard[T any](g *guardedClient, call func() (T, error)) (T, error) {
	var out T
	err := g.breaker.Do(func() error {
		var err error
		out, err = call()
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return out, errors.Join(ErrCircuitBreakerOpen, err)
	}
	return out, err
}

func (g *guardedClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return guard(g, func() (uint64, error) { return g.client.NonceAt(ctx, account, blockNumber) })
}

func (g *guardedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return guard(g, func() (*types.Receipt, error) { return g.client.TransactionReceipt(ctx, txHash) })
}

func (g *guardedClient) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	return guard(g, func() (*types.Header, error) { return g.client.HeaderByHash(ctx, hash) })
}

func (g *guardedClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return guard(g, func() (*types.Header, error) { return g.client.HeaderByNumber(ctx, number) })
}

func (g *guardedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := guard(g, func() (struct{}, error) { return struct{}{}, g.client.SendTransaction(ctx, tx) })
	return err
}

func (g *guardedClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return guard(g, func() (uint64, error) { return g.client.EstimateGas(ctx, msg) })
}

func (g *guardedClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return guard(g, func() ([]byte, error) { return g.client.CodeAt(ctx, account, blockNumber) })
}

func (g *guardedClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return guard(g, func() (*big.Int, error) { return g.client.SuggestGasTipCap(ctx) })
}

// CircuitBreakerStats returns the state of the breaker guarding the node
func (k *Keeper) CircuitBreakerStats() circuitbreaker.Stats {
	return k.breaker.Stats()
}

// ResetCircuitBreaker closes the breaker guarding the node
func (k *Keeper) ResetCircuitBreaker() {
	k.breaker.Reset()
}
