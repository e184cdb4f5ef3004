package testutil

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================
// Fake Chain Client
// ============================================================

// FakeChain is an in-memory chain client. Unknown receipts and headers return
// ethereum.NotFound like a real node does. Errors set on the Err fields are
// returned by the matching call instead of a result.
type FakeChain struct {
	mu sync.Mutex

	chainID  uint64
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	headers  map[common.Hash]*types.Header
	codes    map[common.Address][]byte
	balances map[common.Address]*big.Int
	latest   *types.Header

	GasEstimate uint64
	TipCap      *big.Int
	EstimateErr error
	NonceErr    error
	ReceiptErr  error
	SendErr     error
	HeaderErr   error

	sent       []*types.Transaction
	nonceCalls int
}

// NewFakeChain creates a fake chain at block 100 with a 30M gas limit
func NewFakeChain(chainID uint64) *FakeChain {
	return &FakeChain{
		chainID:     chainID,
		nonces:      make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
		headers:     make(map[common.Hash]*types.Header),
		codes:       make(map[common.Address][]byte),
		balances:    make(map[common.Address]*big.Int),
		latest:      NewHeader(100, 30_000_000),
		GasEstimate: 50_000,
		TipCap:      big.NewInt(1_500_000_000),
	}
}

// NewHeader creates a header with the given number and gas limit and a 1 gwei base fee
func NewHeader(number, gasLimit uint64) *types.Header {
	return &types.Header{
		Number:   new(big.Int).SetUint64(number),
		GasLimit: gasLimit,
		BaseFee:  big.NewInt(1_000_000_000),
		Time:     1_700_000_000 + number*12,
	}
}

func (c *FakeChain) SetNonce(addr common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[addr] = nonce
}

// SetReceipt registers a receipt and a header for its block hash
func (c *FakeChain) SetReceipt(r *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[r.TxHash] = r
	if r.BlockNumber != nil {
		c.headers[r.BlockHash] = NewHeader(r.BlockNumber.Uint64(), 30_000_000)
	}
}

func (c *FakeChain) SetCode(addr common.Address, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[addr] = code
}

func (c *FakeChain) SetBalance(addr common.Address, balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = balance
}

func (c *FakeChain) SetLatest(h *types.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = h
}

func (c *FakeChain) SetErrors(nonceErr, receiptErr, sendErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NonceErr, c.ReceiptErr, c.SendErr = nonceErr, receiptErr, sendErr
}

// Sent returns the transactions broadcast so far
func (c *FakeChain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Transaction, len(c.sent))
	copy(out, c.sent)
	return out
}

// NonceCalls returns how many times NonceAt was called
func (c *FakeChain) NonceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonceCalls
}

func (c *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(c.chainID), nil
}

func (c *FakeChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonceCalls++
	if c.NonceErr != nil {
		return 0, c.NonceErr
	}
	return c.nonces[account], nil
}

func (c *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReceiptErr != nil {
		return nil, c.ReceiptErr
	}
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *FakeChain) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeaderErr != nil {
		return nil, c.HeaderErr
	}
	h, ok := c.headers[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (c *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeaderErr != nil {
		return nil, c.HeaderErr
	}
	return c.latest, nil
}

func (c *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *FakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	return c.GasEstimate, nil
}

func (c *FakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *FakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[account], nil
}

func (c *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.TipCap), nil
}
