// Command txkeeper tracks the transactions of one signing wallet, and any
// number of watched wallets, on a single EVM network until they settle.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tranvictor/txkeeper"
	"github.com/tranvictor/txkeeper/explorer"
	"github.com/tranvictor/txkeeper/internal/circuitbreaker"
	"github.com/tranvictor/txkeeper/internal/config"
	"github.com/tranvictor/txkeeper/internal/kvstore"
	"github.com/tranvictor/txkeeper/txstore"
)

func main() {
	if err := run(); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Error("txkeeper exited")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}

	db, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	signer, err := txkeeper.NewLocalSignerFromHex(cfg.PrivateKey)
	if err != nil {
		return err
	}

	watched := make([]common.Address, 0, len(cfg.Wallets))
	for _, w := range cfg.Wallets {
		if !common.IsHexAddress(w) {
			logger.WithFields(logger.Fields{
				"wallet": w,
			}).Warn("ignoring invalid wallet address")
			continue
		}
		watched = append(watched, common.HexToAddress(w))
	}

	defaults := txkeeper.DefaultDefaults()
	defaults.PollInterval = cfg.PollInterval
	defaults.DroppedBlockCount = cfg.DroppedBlockCount
	defaults.MaxRetryBlockDistance = cfg.MaxRetryBlockDistance
	defaults.MonitorConcurrency = cfg.MonitorConcurrency
	defaults.RecentHistoryBlockRange = cfg.RecentHistoryBlockRange
	defaults.QueryEntireHistory = cfg.QueryEntireHistory
	defaults.UpdateTransactions = cfg.UpdateTransactions
	defaults.TxHistoryLimit = cfg.HistoryLimit
	defaults.GasBufferMultiplier = cfg.GasBufferMultiplier
	defaults.BlockGasLimitRatio = cfg.BlockGasLimitRatio
	defaults.CircuitBreaker = circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		SuccessThreshold: circuitbreaker.DefaultConfig().SuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
	}

	opts := []txkeeper.Option{
		txkeeper.WithDefaults(defaults),
		txkeeper.WithNetworkID(cfg.NetworkID),
		txkeeper.WithBackend(db),
		txkeeper.WithWatermarkStore(db),
		txkeeper.WithSigner(signer),
		txkeeper.WithWatchedAddresses(watched...),
	}
	if cfg.ExplorerAPIKey != "" {
		opts = append(opts, txkeeper.WithRemoteSource(
			explorer.New(cfg.ExplorerAPIKey, explorer.WithRateLimit(cfg.ExplorerRPS)),
		))
	}

	keeper, err := txkeeper.NewKeeper(client, chainID.Uint64(), opts...)
	if err != nil {
		return err
	}
	keeper.SubscribeStatus(func(change txstore.StatusChange) {
		logger.WithFields(logger.Fields{
			"tx_id":   change.Record.ID,
			"tx_hash": change.Record.Hash.Hex(),
			"from":    change.From,
			"to":      change.To,
		}).Info("transaction status changed")
	})

	if _, err := keeper.Recover(ctx); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("couldn't recover pending transactions")
	}
	if err := keeper.Start(ctx); err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"chain_id": chainID.Uint64(),
		"wallet":   signer.Address().Hex(),
		"watched":  len(keeper.Watched()),
	}).Info("txkeeper running")

	<-ctx.Done()
	keeper.Stop()
	return nil
}
