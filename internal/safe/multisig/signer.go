package multisig

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/safe/eip712"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Signer produces a 65-byte r‖s‖v signature over an EIP-712 digest. The
// document is passed along for signers that hash it themselves.
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, doc *eip712.TypedData, digest common.Hash) ([]byte, error)
}

// KeySigner signs locally with an in-memory key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseKeySigner builds a KeySigner from a hex private key, with or without 0x.
func ParseKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse signer key")
	}
	return NewKeySigner(key), nil
}

// Address returns the owner address of the key.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTypedData signs digest; v is returned as 27 or 28.
func (s *KeySigner) SignTypedData(_ context.Context, _ *eip712.TypedData, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigningUnsupported, err, "sign digest")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

const methodNotFound = -32601

// RemoteSigner asks an external wallet or signer service over JSON-RPC
// (eth_signTypedData_v4).
type RemoteSigner struct {
	client  *gethrpc.Client
	address common.Address
}

// NewRemoteSigner uses an established RPC client.
func NewRemoteSigner(client *gethrpc.Client, address common.Address) *RemoteSigner {
	return &RemoteSigner{client: client, address: address}
}

// DialRemoteSigner connects to url.
func DialRemoteSigner(ctx context.Context, url string, address common.Address) (*RemoteSigner, error) {
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "dial remote signer")
	}
	return NewRemoteSigner(client, address), nil
}

// Address returns the owner the remote endpoint signs for.
func (s *RemoteSigner) Address() common.Address {
	return s.address
}

// SignTypedData sends the JSON document as the v4 string parameter.
func (s *RemoteSigner) SignTypedData(ctx context.Context, doc *eip712.TypedData, _ common.Hash) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New(xerrors.CodeSigningUnsupported, "remote signer is not connected")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncoding, err, "marshal typed data")
	}
	var result hexutil.Bytes
	if err := s.client.CallContext(ctx, &result, "eth_signTypedData_v4", s.address, string(payload)); err != nil {
		var rpcErr gethrpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == methodNotFound {
			return nil, xerrors.Wrap(xerrors.CodeSigningUnsupported, err, "signer does not support eth_signTypedData_v4")
		}
		return nil, xerrors.Wrap(xerrors.CodeSigningUnsupported, err, "remote signing failed")
	}
	if len(result) == 0 {
		return nil, xerrors.New(xerrors.CodeSigningUnsupported, "remote signer returned an empty signature")
	}
	return result, nil
}

// Close releases the RPC connection.
func (s *RemoteSigner) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// TransactorSigner adapts transaction-only credentials (bind.TransactOpts,
// e.g. KMS or hardware backed). They can pay for the relay but cannot sign
// typed data, so every request fails with SIGNING_UNSUPPORTED.
type TransactorSigner struct {
	opts *bind.TransactOpts
}

// NewTransactorSigner wraps opts.
func NewTransactorSigner(opts *bind.TransactOpts) *TransactorSigner {
	return &TransactorSigner{opts: opts}
}

// Address returns opts.From.
func (s *TransactorSigner) Address() common.Address {
	if s.opts == nil {
		return common.Address{}
	}
	return s.opts.From
}

// SignTypedData always fails.
func (s *TransactorSigner) SignTypedData(context.Context, *eip712.TypedData, common.Hash) ([]byte, error) {
	return nil, xerrors.New(xerrors.CodeSigningUnsupported,
		fmt.Sprintf("transactor %s can only sign transactions", s.Address().Hex()))
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
