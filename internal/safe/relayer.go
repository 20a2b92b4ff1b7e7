package safe

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	xerrors "SafeTx-Relay/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Relayer signs and pays for the outer execTransaction transaction.
type Relayer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyRelayer signs with a local key through a keyed transactor.
type KeyRelayer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeyRelayer wraps key.
func NewKeyRelayer(key *ecdsa.PrivateKey) *KeyRelayer {
	return &KeyRelayer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseKeyRelayer reads a hex private key, with or without 0x.
func ParseKeyRelayer(hexKey string) (*KeyRelayer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse relayer key")
	}
	return NewKeyRelayer(key), nil
}

// Address returns the paying account.
func (r *KeyRelayer) Address() common.Address {
	return r.address
}

// SignTx signs tx for chainID.
func (r *KeyRelayer) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(r.key, chainID)
	if err != nil {
		return nil, err
	}
	return opts.Signer(r.address, tx)
}
