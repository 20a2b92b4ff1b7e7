package eip712

import (
	"testing"

	xerrors "SafeTx-Relay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func mailDocument() *TypedData {
	return &TypedData{
		Types: Types{
			DomainType: {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Person": {
				{Name: "name", Type: "string"},
				{Name: "wallet", Type: "address"},
			},
			"Mail": {
				{Name: "from", Type: "Person"},
				{Name: "to", Type: "Person"},
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Mail",
		Domain: map[string]any{
			"name":              "Ether Mail",
			"version":           "1",
			"chainId":           1,
			"verifyingContract": "0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC",
		},
		Message: map[string]any{
			"from": map[string]any{
				"name":   "Cow",
				"wallet": "0xCD2a3d9F938E13CD947Ec05AbC7FE734Df8DD826",
			},
			"to": map[string]any{
				"name":   "Bob",
				"wallet": "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB",
			},
			"contents": "Hello, Bob!",
		},
	}
}

func TestMailReferenceVector(t *testing.T) {
	doc := mailDocument()

	encoded, err := doc.Types.EncodeType("Mail")
	require.NoError(t, err)
	require.Equal(t, "Mail(Person from,Person to,string contents)Person(string name,address wallet)", encoded)

	typeHash, err := doc.Types.TypeHash("Mail")
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xa0cedeb2dc280ba39b857546d74f5549c3a1d7bdc2dd96bf881f76108e23dac2"), typeHash)

	separator, err := doc.DomainSeparator()
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xf2cee375fa42b42143804025fc449deafd50cc031ca257e0b194a650a912090f"), separator)

	message, err := doc.Types.HashStruct("Mail", doc.Message)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xc52c0ee5d84264471806290a3f2c4cecfc5490626bf912d01f240d7a274b371e"), message)

	digest, err := doc.Hash()
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xbe609aee343fb3c4b28e1df9e632fca64fcfaede20f02e86244efddf30957bd2"), digest)
}

func TestEncodeTypeOrdersDependencies(t *testing.T) {
	types := Types{
		"Transaction": {
			{Name: "from", Type: "Person"},
			{Name: "to", Type: "Person"},
			{Name: "tx", Type: "Asset"},
		},
		"Person": {
			{Name: "wallet", Type: "address"},
			{Name: "name", Type: "string"},
		},
		"Asset": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
	}

	deps, err := types.Dependencies("Transaction")
	require.NoError(t, err)
	require.Equal(t, []string{"Transaction", "Person", "Asset"}, deps)

	encoded, err := types.EncodeType("Transaction")
	require.NoError(t, err)
	require.Equal(t,
		"Transaction(Person from,Person to,Asset tx)Asset(address token,uint256 amount)Person(address wallet,string name)",
		encoded)

	single, err := types.EncodeType("Person")
	require.NoError(t, err)
	require.Equal(t, "Person(address wallet,string name)", single)
}

func TestDependenciesAreCycleSafe(t *testing.T) {
	types := Types{
		"Node": {
			{Name: "label", Type: "string"},
			{Name: "children", Type: "Node[]"},
			{Name: "owner", Type: "Owner"},
		},
		"Owner": {
			{Name: "root", Type: "Node"},
		},
	}
	deps, err := types.Dependencies("Node")
	require.NoError(t, err)
	require.Equal(t, []string{"Node", "Owner"}, deps)

	encoded, err := types.EncodeType("Owner")
	require.NoError(t, err)
	require.Equal(t, "Owner(Node root)Node(string label,Node[] children,Owner owner)", encoded)
}

func TestSchemaAndEncodingErrors(t *testing.T) {
	types := Types{
		"Order": {
			{Name: "maker", Type: "address"},
			{Name: "asset", Type: "Asset"},
		},
	}
	_, err := types.EncodeType("Order")
	require.Equal(t, xerrors.CodeSchema, xerrors.CodeOf(err))

	_, err = types.EncodeType("Missing")
	require.Equal(t, xerrors.CodeSchema, xerrors.CodeOf(err))

	doc := mailDocument()
	delete(doc.Message, "contents")
	_, err = doc.Hash()
	require.Equal(t, xerrors.CodeEncoding, xerrors.CodeOf(err))
	require.Equal(t, "contents", xerrors.MetadataOf(err)["field"])

	doc = mailDocument()
	doc.Message["from"].(map[string]any)["wallet"] = "0x1234"
	_, err = doc.Hash()
	require.Equal(t, xerrors.CodeEncoding, xerrors.CodeOf(err))
}

func TestIntegerWords(t *testing.T) {
	types := Types{
		"Numbers": {
			{Name: "small", Type: "uint8"},
			{Name: "signed", Type: "int16"},
			{Name: "flag", Type: "bool"},
			{Name: "tag", Type: "bytes4"},
		},
	}
	data := map[string]any{
		"small":  "255",
		"signed": -1,
		"flag":   true,
		"tag":    "0xdeadbeef",
	}
	encoded, err := types.EncodeData("Numbers", data)
	require.NoError(t, err)
	require.Len(t, encoded, 32*5)
	require.Equal(t, byte(0xff), encoded[32+31])
	for _, b := range encoded[64:96] {
		require.Equal(t, byte(0xff), b)
	}
	require.Equal(t, byte(1), encoded[96+31])
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, encoded[128:132])

	data["small"] = 256
	_, err = types.EncodeData("Numbers", data)
	require.Equal(t, xerrors.CodeEncoding, xerrors.CodeOf(err))
}

func TestFloatIntegersMustBeExact(t *testing.T) {
	types := Types{"Amount": {{Name: "value", Type: "uint256"}}}

	encoded, err := types.EncodeData("Amount", map[string]any{"value": float64(1<<53 - 1)})
	require.NoError(t, err)
	require.Equal(t, byte(0xff), encoded[63])

	for _, v := range []float64{1e18, float64(1 << 53), -1e300} {
		_, err = types.EncodeData("Amount", map[string]any{"value": v})
		require.Equal(t, xerrors.CodeEncoding, xerrors.CodeOf(err), "value %v", v)
		require.Equal(t, "value", xerrors.MetadataOf(err)["field"])
	}

	encoded, err = types.EncodeData("Amount", map[string]any{"value": "1000000000000000000"})
	require.NoError(t, err)
	require.Equal(t, "0de0b6b3a7640000", common.Bytes2Hex(encoded[56:64]))
}
