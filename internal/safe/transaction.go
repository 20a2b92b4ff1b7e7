// Package safe models Safe meta-transactions and drives them through
// validation, gas estimation, hashing, multi-signing and relay.
package safe

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/safe/contract"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

// Operation is the kind of call the Safe performs.
type Operation uint8

const (
	Call Operation = iota
	DelegateCall
	Create
)

func (o Operation) String() string {
	switch o {
	case Call:
		return "call"
	case DelegateCall:
		return "delegatecall"
	case Create:
		return "create"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// ParseOperation accepts the numeric form or the lower-case name. An empty
// string means Call.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "call":
		return Call, nil
	case "1", "delegatecall":
		return DelegateCall, nil
	case "2", "create":
		return Create, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// Request is the wire form of a Safe transaction. Every field is a string so
// malformed input reaches Validate instead of failing in a JSON decoder.
type Request struct {
	To             string `json:"to"`
	Value          string `json:"value"`
	Data           string `json:"data"`
	Operation      string `json:"operation"`
	SafeTxGas      string `json:"safeTxGas,omitempty"`
	BaseGas        string `json:"baseGas,omitempty"`
	GasPrice       string `json:"gasPrice"`
	GasToken       string `json:"gasToken"`
	RefundReceiver string `json:"refundReceiver"`
	Nonce          string `json:"nonce,omitempty"`
}

// Transaction is a validated, immutable Safe transaction intent. Nil
// SafeTxGas, BaseGas and Nonce are filled in by the builder.
type Transaction struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      Operation
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
}

// Validate parses req and reports the first violated field, checked in the
// order safeTxGas, baseGas, gasPrice, value, data, gasToken, to,
// refundReceiver, nonce, operation.
func Validate(req Request) (Transaction, error) {
	var (
		tx  Transaction
		err error
	)
	if tx.SafeTxGas, err = optionalGas(req.SafeTxGas); err != nil {
		return Transaction{}, invalid("safeTxGas", err)
	}
	if tx.BaseGas, err = optionalGas(req.BaseGas); err != nil {
		return Transaction{}, invalid("baseGas", err)
	}
	if tx.GasPrice, err = defaultUint(req.GasPrice); err != nil {
		return Transaction{}, invalid("gasPrice", err)
	}
	if tx.Value, err = defaultUint(req.Value); err != nil {
		return Transaction{}, invalid("value", err)
	}
	if tx.Data, err = parseData(req.Data); err != nil {
		return Transaction{}, invalid("data", err)
	}
	if tx.GasToken, err = optionalAddress(req.GasToken); err != nil {
		return Transaction{}, invalid("gasToken", err)
	}
	if tx.To, err = parseAddress(req.To); err != nil {
		return Transaction{}, invalid("to", err)
	}
	if tx.RefundReceiver, err = optionalAddress(req.RefundReceiver); err != nil {
		return Transaction{}, invalid("refundReceiver", err)
	}
	if tx.Nonce, err = optionalUint(req.Nonce); err != nil {
		return Transaction{}, invalid("nonce", err)
	}
	if tx.Operation, err = ParseOperation(req.Operation); err != nil {
		return Transaction{}, invalid("operation", err)
	}
	return tx, nil
}

// Request converts tx back to its wire form.
func (tx Transaction) Request() Request {
	return Request{
		To:             tx.To.Hex(),
		Value:          decimal(tx.Value),
		Data:           hexutil.Encode(tx.Data),
		Operation:      fmt.Sprintf("%d", uint8(tx.Operation)),
		SafeTxGas:      optionalDecimal(tx.SafeTxGas),
		BaseGas:        optionalDecimal(tx.BaseGas),
		GasPrice:       decimal(tx.GasPrice),
		GasToken:       tx.GasToken.Hex(),
		RefundReceiver: tx.RefundReceiver.Hex(),
		Nonce:          optionalDecimal(tx.Nonce),
	}
}

// Params maps tx onto the Safe call arguments; nil values encode as zero.
func (tx Transaction) Params() contract.ExecParams {
	return contract.ExecParams{
		To:             tx.To,
		Value:          tx.Value,
		Data:           tx.Data,
		Operation:      uint8(tx.Operation),
		SafeTxGas:      tx.SafeTxGas,
		BaseGas:        tx.BaseGas,
		GasPrice:       tx.GasPrice,
		GasToken:       tx.GasToken,
		RefundReceiver: tx.RefundReceiver,
		Nonce:          tx.Nonce,
	}
}

// Clone returns a deep copy.
func (tx Transaction) Clone() Transaction {
	out := tx
	out.Value = copyBig(tx.Value)
	out.Data = append([]byte(nil), tx.Data...)
	out.SafeTxGas = copyBig(tx.SafeTxGas)
	out.BaseGas = copyBig(tx.BaseGas)
	out.GasPrice = copyBig(tx.GasPrice)
	out.Nonce = copyBig(tx.Nonce)
	return out
}

// WithGas returns a copy carrying the estimated gas fields.
func (tx Transaction) WithGas(safeTxGas, baseGas uint64) Transaction {
	out := tx.Clone()
	out.SafeTxGas = new(big.Int).SetUint64(safeTxGas)
	out.BaseGas = new(big.Int).SetUint64(baseGas)
	return out
}

// WithNonce returns a copy carrying nonce.
func (tx Transaction) WithNonce(nonce *big.Int) Transaction {
	out := tx.Clone()
	out.Nonce = copyBig(nonce)
	return out
}

func invalid(field string, err error) error {
	return xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("invalid %s", field),
		xerrors.WithMetadata("field", field))
}

// MaxGasAmount bounds caller-supplied safeTxGas and baseGas. It sits far
// above any block gas limit and keeps the outer gas limit arithmetic inside
// uint64.
const MaxGasAmount = 1_000_000_000

func optionalGas(s string) (*big.Int, error) {
	n, err := optionalUint(s)
	if err != nil || n == nil {
		return n, err
	}
	if n.Cmp(big.NewInt(MaxGasAmount)) > 0 {
		return nil, fmt.Errorf("%s exceeds the maximum gas amount %d", n, MaxGasAmount)
	}
	return n, nil
}

func optionalUint(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return parseUint(s)
}

func defaultUint(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	return parseUint(s)
}

// parseUint accepts decimal or 0x-hex integers in [0, 2^256).
func parseUint(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%q is negative", s)
	}
	n, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("%q is not an unsigned 256-bit integer", s)
	}
	return n, nil
}

func parseData(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("%q has no 0x prefix", abbreviate(s))
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits")
	}
	if len(s) == 2 {
		return []byte{}, nil
	}
	b, err := hexutil.Decode("0x" + s[2:])
	if err != nil {
		return nil, err
	}
	return b, nil
}

func optionalAddress(s string) (common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return common.Address{}, nil
	}
	return parseAddress(s)
}

// parseAddress accepts all-lower, all-upper or correctly checksummed hex.
func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address", s)
	}
	addr := common.HexToAddress(s)
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits != strings.ToLower(digits) && digits != strings.ToUpper(digits) && "0x"+digits != addr.Hex() {
		return common.Address{}, fmt.Errorf("%q has an invalid checksum", s)
	}
	return addr, nil
}

func abbreviate(s string) string {
	if len(s) > 18 {
		return s[:18] + "..."
	}
	return s
}

func decimal(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func optionalDecimal(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.String()
}

func copyBig(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}
