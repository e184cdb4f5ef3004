// Package config loads the txkeeper daemon settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	RPCURL     string `env:"TXKEEPER_RPC_URL,required"`
	PrivateKey string `env:"TXKEEPER_PRIVATE_KEY,required"`
	DBPath     string `env:"TXKEEPER_DB_PATH"`
	NetworkID  string `env:"TXKEEPER_NETWORK_ID"`

	// Wallets are watched for incoming transactions in addition to the
	// signing wallet
	Wallets []string `env:"TXKEEPER_WALLETS" envSeparator:","`

	ExplorerAPIKey string  `env:"TXKEEPER_EXPLORER_API_KEY"`
	ExplorerRPS    float64 `env:"TXKEEPER_EXPLORER_RPS"`

	PollInterval          time.Duration `env:"TXKEEPER_POLL_INTERVAL"`
	DroppedBlockCount     int           `env:"TXKEEPER_DROPPED_BLOCK_COUNT"`
	MaxRetryBlockDistance uint64        `env:"TXKEEPER_MAX_RETRY_BLOCK_DISTANCE"`
	MonitorConcurrency    int           `env:"TXKEEPER_MONITOR_CONCURRENCY"`

	RecentHistoryBlockRange uint64 `env:"TXKEEPER_RECENT_HISTORY_BLOCK_RANGE"`
	QueryEntireHistory      bool   `env:"TXKEEPER_QUERY_ENTIRE_HISTORY"`
	UpdateTransactions      bool   `env:"TXKEEPER_UPDATE_TRANSACTIONS"`

	HistoryLimit        int     `env:"TXKEEPER_HISTORY_LIMIT"`
	GasBufferMultiplier float64 `env:"TXKEEPER_GAS_BUFFER_MULTIPLIER"`
	BlockGasLimitRatio  float64 `env:"TXKEEPER_BLOCK_GAS_LIMIT_RATIO"`

	CircuitBreakerThreshold int           `env:"TXKEEPER_CIRCUIT_BREAKER_THRESHOLD"`
	CircuitBreakerTimeout   time.Duration `env:"TXKEEPER_CIRCUIT_BREAKER_TIMEOUT"`
}

// Defaults returns the values used for every variable left unset
func Defaults() Config {
	return Config{
		DBPath:                  "txkeeper.db",
		ExplorerRPS:             5,
		PollInterval:            4 * time.Second,
		DroppedBlockCount:       3,
		MaxRetryBlockDistance:   50,
		MonitorConcurrency:      8,
		RecentHistoryBlockRange: 10,
		HistoryLimit:            60,
		GasBufferMultiplier:     1.3,
		BlockGasLimitRatio:      0.9,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// Load reads the given dotenv files (".env" when none are given) and then the
// process environment on top of Defaults. Missing dotenv files are not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("dotenv file not loaded, relying on environment variables")
	}

	config := Defaults()
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("couldn't parse environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects values the components cannot run with
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.DroppedBlockCount <= 0:
		return fmt.Errorf("dropped block count must be positive, got %d", c.DroppedBlockCount)
	case c.MaxRetryBlockDistance == 0:
		return fmt.Errorf("max retry block distance must be positive")
	case c.ExplorerRPS <= 0:
		return fmt.Errorf("explorer rps must be positive, got %v", c.ExplorerRPS)
	case c.GasBufferMultiplier < 1:
		return fmt.Errorf("gas buffer multiplier must be at least 1, got %v", c.GasBufferMultiplier)
	case c.BlockGasLimitRatio <= 0 || c.BlockGasLimitRatio > 1:
		return fmt.Errorf("block gas limit ratio must be in (0, 1], got %v", c.BlockGasLimitRatio)
	}
	return nil
}
