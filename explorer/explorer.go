// Package explorer reads the transaction history of an address from an
// Etherscan-compatible block explorer API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/tranvictor/txkeeper/internal/reconcile"
	"github.com/tranvictor/txkeeper/txstore"
)

const (
	actionTxList   = "txlist"
	actionTokenTx  = "tokentx"
	defaultLimit   = 40
	defaultRPS     = 5
	defaultTimeout = 15 * time.Second
)

var (
	// ErrFetchFailed is returned when the explorer answers with an error
	ErrFetchFailed = fmt.Errorf("explorer request failed")

	// ErrUnsupportedNetwork is returned for chains without a known explorer
	ErrUnsupportedNetwork = fmt.Errorf("network not supported by explorer")
)

var _ reconcile.Source = (*Source)(nil)

type Option func(*Source)

// WithRestyClient replaces the default resty client
func WithRestyClient(c *resty.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithRateLimit caps the requests per second sent to the explorer
func WithRateLimit(rps float64) Option {
	return func(s *Source) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithNetworks replaces the chain to explorer table
func WithNetworks(networks map[uint64]Network) Option {
	return func(s *Source) { s.networks = networks }
}

// WithBaseURL sends every request to baseURL regardless of chain
func WithBaseURL(baseURL string) Option {
	return func(s *Source) { s.baseURL = baseURL }
}

// WithTokenTransfers also fetches ERC-20 transfers (action tokentx)
func WithTokenTransfers(enabled bool) Option {
	return func(s *Source) { s.includeTokens = enabled }
}

// Source is a reconcile.Source backed by an explorer HTTP API
type Source struct {
	apiKey        string
	client        *resty.Client
	limiter       *rate.Limiter
	networks      map[uint64]Network
	baseURL       string
	includeTokens bool
}

func New(apiKey string, opts ...Option) *Source {
	s := &Source{
		apiKey:   apiKey,
		client:   resty.New().SetTimeout(defaultTimeout),
		limiter:  rate.NewLimiter(rate.Limit(defaultRPS), defaultRPS),
		networks: SupportedNetworks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsSupportedNetwork reports whether an explorer is known for chainID
func (s *Source) IsSupportedNetwork(chainID uint64, networkID string) bool {
	_, ok := s.networks[chainID]
	return ok
}

// FetchTransactions returns the transactions touching req.Address, newest first
func (s *Source) FetchTransactions(ctx context.Context, req reconcile.Request) ([]*txstore.Record, error) {
	endpoint, err := s.endpoint(req.ChainID)
	if err != nil {
		return nil, err
	}

	actions := []string{actionTxList}
	if s.includeTokens {
		actions = append(actions, actionTokenTx)
	}

	var records []*txstore.Record
	for _, action := range actions {
		items, err := s.fetch(ctx, endpoint, action, req)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			rec, err := item.toRecord(action, req)
			if err != nil {
				logger.WithFields(logger.Fields{
					"tx_hash": item.Hash,
					"action":  action,
					"error":   err,
				}).Warn("skipping malformed explorer transaction")
				continue
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *Source) endpoint(chainID uint64) (string, error) {
	if s.baseURL != "" {
		if _, ok := s.networks[chainID]; !ok {
			return "", errors.Join(ErrUnsupportedNetwork, fmt.Errorf("chain id %d", chainID))
		}
		return s.baseURL, nil
	}
	network, ok := s.networks[chainID]
	if !ok {
		return "", errors.Join(ErrUnsupportedNetwork, fmt.Errorf("chain id %d", chainID))
	}
	return network.BaseURL(), nil
}

// queryParams builds the query for one action
func (s *Source) queryParams(action string, req reconcile.Request) map[string]string {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	params := map[string]string{
		"module":  "account",
		"action":  action,
		"address": req.Address.Hex(),
		"offset":  strconv.Itoa(limit),
		"order":   "desc",
		"tag":     "latest",
		"page":    "1",
	}
	if req.FromBlock != nil {
		params["startBlock"] = strconv.FormatUint(*req.FromBlock, 10)
	}
	if s.apiKey != "" {
		params["apikey"] = s.apiKey
	}
	return params
}

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (s *Source) fetch(ctx context.Context, endpoint, action string, req reconcile.Request) ([]transaction, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body response
	res, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(s.queryParams(action, req)).
		SetResult(&body).
		ForceContentType("application/json").
		Get(endpoint)
	if err != nil {
		return nil, errors.Join(ErrFetchFailed, err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, errors.Join(ErrFetchFailed, fmt.Errorf("%s returned status %d", action, res.StatusCode()))
	}

	if body.Status == "0" {
		if body.Message == "NOTOK" {
			var reason string
			if err := json.Unmarshal(body.Result, &reason); err != nil {
				logger.WithFields(logger.Fields{
					"action": action,
					"error":  err,
				}).Debug("explorer error result is not a string")
				reason = string(body.Result)
			}
			return nil, errors.Join(ErrFetchFailed, fmt.Errorf("%s: %s", action, reason))
		}
		// "No transactions found"
		return nil, nil
	}

	var items []transaction
	if err := json.Unmarshal(body.Result, &items); err != nil {
		return nil, errors.Join(ErrFetchFailed, fmt.Errorf("couldn't decode %s result: %w", action, err))
	}
	return items, nil
}

// transaction is one entry of a txlist or tokentx result. Every numeric field
// is a decimal string.
type transaction struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	Nonce           string `json:"nonce"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Gas             string `json:"gas"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	Input           string `json:"input"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`

	// tokentx only
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

func (t transaction) toRecord(action string, req reconcile.Request) (*txstore.Record, error) {
	if !common.IsHexAddress(t.From) {
		return nil, fmt.Errorf("invalid from address %q", t.From)
	}
	block, err := parseUint64(t.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("blockNumber: %w", err)
	}
	timestamp, err := parseUint64(t.TimeStamp)
	if err != nil {
		return nil, fmt.Errorf("timeStamp: %w", err)
	}
	nonce, err := parseUint64(t.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gas, err := parseUint64(t.Gas)
	if err != nil {
		return nil, fmt.Errorf("gas: %w", err)
	}
	gasUsed, err := parseUint64(t.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("gasUsed: %w", err)
	}
	value, err := parseBig(t.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	gasPrice, err := parseBig(t.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("gasPrice: %w", err)
	}

	params := txstore.TxParams{
		From:     common.HexToAddress(t.From),
		Value:    (*hexutil.Big)(value),
		Nonce:    (*hexutil.Uint64)(&nonce),
		Gas:      (*hexutil.Uint64)(&gas),
		GasPrice: (*hexutil.Big)(gasPrice),
		GasUsed:  (*hexutil.Uint64)(&gasUsed),
	}
	if common.IsHexAddress(t.To) {
		to := common.HexToAddress(t.To)
		params.To = &to
	}
	// tokentx results report "deprecated" instead of the calldata
	if data, err := hexutil.Decode(t.Input); err == nil {
		params.Data = data
	}

	rec := &txstore.Record{
		Status:         txstore.StatusConfirmed,
		ChainID:        req.ChainID,
		NetworkID:      req.NetworkID,
		TxParams:       params,
		Hash:           common.HexToHash(t.Hash),
		Time:           time.Unix(int64(timestamp), 0).UTC(),
		BlockNumber:    (*hexutil.Uint64)(&block),
		BlockTimestamp: timestamp,
	}
	if action == actionTokenTx {
		info, err := t.transferInformation(value)
		if err != nil {
			return nil, err
		}
		rec.TransferInformation = info
		// the token amount is not ether
		rec.TxParams.Value = (*hexutil.Big)(new(big.Int))
	}
	if t.IsError == "1" || t.TxReceiptStatus == "0" {
		rec.Status = txstore.StatusFailed
		rec.Err = &txstore.TxError{Message: "Transaction failed"}
	}

	switch {
	case params.To != nil && *params.To == req.Address:
		rec.Type = txstore.TxTypeIncoming
	case len(params.Data) == 0:
		rec.Type = txstore.TxTypeSimpleSend
	default:
		rec.Type = txstore.TxTypeContractInteraction
	}
	return rec, nil
}

func (t transaction) transferInformation(amount *big.Int) (*txstore.TransferInformation, error) {
	if !common.IsHexAddress(t.ContractAddress) {
		return nil, fmt.Errorf("invalid token contract %q", t.ContractAddress)
	}
	decimals, err := strconv.ParseUint(strings.TrimSpace(t.TokenDecimal), 10, 8)
	if err != nil {
		return nil, fmt.Errorf("tokenDecimal: %w", err)
	}
	return &txstore.TransferInformation{
		Symbol:          t.TokenSymbol,
		ContractAddress: common.HexToAddress(t.ContractAddress),
		Decimals:        uint8(decimals),
		Amount:          (*hexutil.Big)(amount),
	}, nil
}

func parseUint64(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	if v.Sign() < 0 || v.BitLen() > txstore.MaxBigBits {
		return nil, fmt.Errorf("number %q out of range", s)
	}
	return v, nil
}
