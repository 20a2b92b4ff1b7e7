package eip712

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	xerrors "SafeTx-Relay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// EncodeData produces typeHash ‖ enc(field₁) ‖ … ‖ enc(fieldₙ), every member
// being one 32-byte word.
func (t Types) EncodeData(primary string, data map[string]any) ([]byte, error) {
	typeHash, err := t.TypeHash(primary)
	if err != nil {
		return nil, err
	}
	fields := t[primary]
	out := make([]byte, 0, 32*(len(fields)+1))
	out = append(out, typeHash.Bytes()...)
	for _, field := range fields {
		value, ok := data[field.Name]
		if !ok || value == nil {
			return nil, encodingError(primary, field, "missing value")
		}
		word, err := t.encodeValue(primary, field, field.Type, value)
		if err != nil {
			return nil, err
		}
		out = append(out, word...)
	}
	return out, nil
}

func (t Types) encodeValue(owner string, field Field, typ string, value any) ([]byte, error) {
	if arraySuffix.MatchString(typ) {
		elem := arraySuffix.ReplaceAllString(typ, "")
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, encodingError(owner, field, fmt.Sprintf("expected array, got %T", value))
		}
		var buf []byte
		for i := 0; i < rv.Len(); i++ {
			word, err := t.encodeValue(owner, field, elem, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			buf = append(buf, word...)
		}
		return crypto.Keccak256(buf), nil
	}

	if _, ok := t[typ]; ok {
		nested, ok := value.(map[string]any)
		if !ok {
			return nil, encodingError(owner, field, fmt.Sprintf("expected struct %s, got %T", typ, value))
		}
		hash, err := t.HashStruct(typ, nested)
		if err != nil {
			return nil, err
		}
		return hash.Bytes(), nil
	}

	switch typ {
	case "string":
		s, ok := value.(string)
		if !ok {
			return nil, encodingError(owner, field, fmt.Sprintf("expected string, got %T", value))
		}
		return crypto.Keccak256([]byte(s)), nil
	case "bytes":
		b, err := toBytes(value)
		if err != nil {
			return nil, encodingError(owner, field, err.Error())
		}
		return crypto.Keccak256(b), nil
	case "bool":
		b, ok := value.(bool)
		if !ok {
			return nil, encodingError(owner, field, fmt.Sprintf("expected bool, got %T", value))
		}
		word := make([]byte, 32)
		if b {
			word[31] = 1
		}
		return word, nil
	case "address":
		addr, err := toAddress(value)
		if err != nil {
			return nil, encodingError(owner, field, err.Error())
		}
		return common.LeftPadBytes(addr.Bytes(), 32), nil
	}

	if m := bytesNType.FindStringSubmatch(typ); m != nil {
		size, _ := strconv.Atoi(m[1])
		b, err := toBytes(value)
		if err != nil {
			return nil, encodingError(owner, field, err.Error())
		}
		if len(b) > size {
			return nil, encodingError(owner, field, fmt.Sprintf("%d bytes do not fit %s", len(b), typ))
		}
		return common.RightPadBytes(b, 32), nil
	}

	if m := intType.FindStringSubmatch(typ); m != nil {
		bits, ok := intBits(m[1])
		if !ok {
			return nil, xerrors.New(xerrors.CodeSchema, fmt.Sprintf("unsupported integer type %q", typ))
		}
		n, err := toBig(value)
		if err != nil {
			return nil, encodingError(owner, field, err.Error())
		}
		if err := checkRange(n, bits, strings.HasPrefix(typ, "uint")); err != nil {
			return nil, encodingError(owner, field, err.Error())
		}
		return math.U256Bytes(new(big.Int).Set(n)), nil
	}

	return nil, xerrors.New(xerrors.CodeSchema, fmt.Sprintf("unknown type %q in field %s.%s", typ, owner, field.Name))
}

func encodingError(owner string, field Field, reason string) error {
	return xerrors.New(xerrors.CodeEncoding,
		fmt.Sprintf("%s.%s (%s): %s", owner, field.Name, field.Type, reason),
		xerrors.WithMetadata("field", field.Name))
}

func checkRange(n *big.Int, bits int, unsigned bool) error {
	if unsigned {
		if n.Sign() < 0 || n.BitLen() > bits {
			return fmt.Errorf("%s out of range for uint%d", n, bits)
		}
		return nil
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	low := new(big.Int).Neg(limit)
	if n.Cmp(low) < 0 || n.Cmp(limit) >= 0 {
		return fmt.Errorf("%s out of range for int%d", n, bits)
	}
	return nil
}

func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case hexutil.Bytes:
		return v, nil
	case common.Hash:
		return v.Bytes(), nil
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", v, err)
		}
		return b, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		out := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(out), rv)
		return out, nil
	}
	return nil, fmt.Errorf("expected bytes, got %T", value)
}

func toAddress(value any) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v != nil {
			return *v, nil
		}
	case common.MixedcaseAddress:
		return v.Address(), nil
	case string:
		if common.IsHexAddress(v) {
			return common.HexToAddress(v), nil
		}
		return common.Address{}, fmt.Errorf("invalid address %q", v)
	}
	return common.Address{}, fmt.Errorf("expected address, got %T", value)
}

const maxExactFloat = 1<<53 - 1

func toBig(value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return v, nil
	case big.Int:
		return &v, nil
	case *hexutil.Big:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return v.ToInt(), nil
	case *math.HexOrDecimal256:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return (*big.Int)(v), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case uint:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case json.Number:
		return parseInteger(v.String())
	case float64:
		// JSON numbers beyond 2^53 have already lost precision.
		if v > maxExactFloat || v < -maxExactFloat {
			return nil, fmt.Errorf("number %v exceeds 2^53-1, pass large integers as strings", v)
		}
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("non-integral number %v", v)
		}
		return big.NewInt(int64(v)), nil
	case string:
		return parseInteger(v)
	}
	return nil, fmt.Errorf("expected integer, got %T", value)
}

func parseInteger(s string) (*big.Int, error) {
	n, ok := math.ParseBig256(strings.TrimSpace(s))
	if !ok {
		// ParseBig256 rejects negatives.
		if strings.HasPrefix(s, "-") {
			if abs, ok := math.ParseBig256(s[1:]); ok {
				return new(big.Int).Neg(abs), nil
			}
		}
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}
