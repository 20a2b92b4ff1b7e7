// Package gas computes Safe transaction gas parameters: calldata cost, per
// signature cost, base gas and the inner call gas discovered by probing the
// Safe's requiredTxGas self-report.
package gas

import "strings"

const (
	// TxBaseGas is the intrinsic cost of any transaction.
	TxBaseGas uint64 = 21000
	// DefaultSafetyMargin is added once to requiredTxGas and once to baseGas.
	DefaultSafetyMargin uint64 = 10000

	zeroByteGas    uint64 = 4
	nonZeroByteGas uint64 = 16

	// ecrecover calldata, two storage reads of owners and the recover itself.
	signatureGas uint64 = 68 + 2176 + 2176 + 6000
)

// DataGasCost prices a hex string two digits at a time: the "0x" prefix is
// free, "00" costs 4 and anything else costs 16.
func DataGasCost(hexData string) uint64 {
	var total uint64
	for i := 0; i < len(hexData); i += 2 {
		end := i + 2
		if end > len(hexData) {
			end = len(hexData)
		}
		unit := hexData[i:end]
		switch {
		case i == 0 && strings.EqualFold(unit, "0x"):
		case unit == "00":
			total += zeroByteGas
		default:
			total += nonZeroByteGas
		}
	}
	return total
}

// DataGasCostBytes is DataGasCost for raw bytes.
func DataGasCostBytes(data []byte) uint64 {
	var total uint64
	for _, b := range data {
		if b == 0 {
			total += zeroByteGas
		} else {
			total += nonZeroByteGas
		}
	}
	return total
}

// SignatureGasCost is the verification cost of n owner signatures.
func SignatureGasCost(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) * signatureGas
}
