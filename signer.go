package txkeeper

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for one wallet
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner signs with an in-memory private key
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewLocalSignerFromHex parses a hex private key, with or without 0x prefix
func NewLocalSignerFromHex(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("couldn't parse private key: %w", err)
	}
	return NewLocalSigner(key), nil
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// signTx signs tx with the signer of from and checks the recovered sender
func (k *Keeper) signTx(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	signer := k.Signer(from)
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrSignerNil, from.Hex())
	}

	chainID := new(big.Int).SetUint64(k.chainID)
	signed, err := signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignFailed, err)
	}

	signedAddr, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("%w: couldn't recover sender: %w", ErrSignFailed, err)
	}
	if signedAddr != from {
		return nil, fmt.Errorf(
			"%w. You could use wrong hw or passphrase. Expected wallet: %s, signed wallet: %s",
			ErrSignedWrongAddress,
			from.Hex(),
			signedAddr.Hex(),
		)
	}
	return signed, nil
}
