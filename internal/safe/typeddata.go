package safe

import (
	"fmt"
	"math/big"

	"SafeTx-Relay/internal/safe/eip712"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SafeTxType is the primary type signed by Safe owners.
const SafeTxType = "SafeTx"

var safeTxFields = []eip712.Field{
	{Name: "to", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "data", Type: "bytes"},
	{Name: "operation", Type: "uint8"},
	{Name: "safeTxGas", Type: "uint256"},
	{Name: "baseGas", Type: "uint256"},
	{Name: "gasPrice", Type: "uint256"},
	{Name: "gasToken", Type: "address"},
	{Name: "refundReceiver", Type: "address"},
	{Name: "nonce", Type: "uint256"},
}

// TypedData builds the EIP-712 document for tx on the Safe at safe. A nil
// chainID produces the pre-1.3 domain that only names the verifying
// contract. Values are rendered as JSON-friendly strings so the same
// document can be handed to an external wallet.
func (tx Transaction) TypedData(safe common.Address, chainID *big.Int) *eip712.TypedData {
	domainFields := []eip712.Field{{Name: "verifyingContract", Type: "address"}}
	domain := map[string]any{"verifyingContract": safe.Hex()}
	if chainID != nil {
		domainFields = append([]eip712.Field{{Name: "chainId", Type: "uint256"}}, domainFields...)
		domain["chainId"] = chainID.String()
	}
	return &eip712.TypedData{
		Types: eip712.Types{
			eip712.DomainType: domainFields,
			SafeTxType:        append([]eip712.Field(nil), safeTxFields...),
		},
		PrimaryType: SafeTxType,
		Domain:      domain,
		Message: map[string]any{
			"to":             tx.To.Hex(),
			"value":          decimal(tx.Value),
			"data":           hexutil.Encode(tx.Data),
			"operation":      fmt.Sprintf("%d", uint8(tx.Operation)),
			"safeTxGas":      decimal(tx.SafeTxGas),
			"baseGas":        decimal(tx.BaseGas),
			"gasPrice":       decimal(tx.GasPrice),
			"gasToken":       tx.GasToken.Hex(),
			"refundReceiver": tx.RefundReceiver.Hex(),
			"nonce":          decimal(tx.Nonce),
		},
	}
}

// Hash is the safeTxHash owners sign.
func (tx Transaction) Hash(safe common.Address, chainID *big.Int) (common.Hash, error) {
	return tx.TypedData(safe, chainID).Hash()
}
