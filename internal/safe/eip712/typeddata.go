// Package eip712 canonicalizes and hashes EIP-712 structured data.
package eip712

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	xerrors "SafeTx-Relay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DomainType is the reserved name of the domain separator struct.
const DomainType = "EIP712Domain"

// Field is a single named member of a struct type.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Types maps struct names to their ordered field lists.
type Types map[string][]Field

// TypedData is a complete EIP-712 document ready to be hashed or sent to a
// wallet via eth_signTypedData_v4.
type TypedData struct {
	Types       Types          `json:"types"`
	PrimaryType string         `json:"primaryType"`
	Domain      map[string]any `json:"domain"`
	Message     map[string]any `json:"message"`
}

var (
	arraySuffix = regexp.MustCompile(`\[[0-9]*\]$`)
	intType     = regexp.MustCompile(`^u?int([0-9]*)$`)
	bytesNType  = regexp.MustCompile(`^bytes([0-9]+)$`)
)

// Dependencies returns every struct type reachable from primary. The primary
// type comes first, followed by the rest in discovery order.
func (t Types) Dependencies(primary string) ([]string, error) {
	if _, ok := t[primary]; !ok {
		return nil, xerrors.New(xerrors.CodeSchema, fmt.Sprintf("unknown type %q", primary))
	}
	var (
		found   []string
		visited = map[string]struct{}{}
	)
	var walk func(name string) error
	walk = func(name string) error {
		if _, ok := visited[name]; ok {
			return nil
		}
		visited[name] = struct{}{}
		found = append(found, name)
		for _, field := range t[name] {
			base := elementType(field.Type)
			if isAtomic(base) {
				continue
			}
			if _, ok := t[base]; !ok {
				return xerrors.New(xerrors.CodeSchema,
					fmt.Sprintf("type %q references unknown type %q in field %q", name, base, field.Name))
			}
			if err := walk(base); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(primary); err != nil {
		return nil, err
	}
	return found, nil
}

// EncodeType renders the canonical type string: the primary type followed by
// its dependencies in lexicographic order.
func (t Types) EncodeType(primary string) (string, error) {
	deps, err := t.Dependencies(primary)
	if err != nil {
		return "", err
	}
	rest := append([]string(nil), deps[1:]...)
	sort.Strings(rest)

	var b strings.Builder
	for _, name := range append([]string{primary}, rest...) {
		b.WriteString(name)
		b.WriteByte('(')
		for i, field := range t[name] {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(field.Type)
			b.WriteByte(' ')
			b.WriteString(field.Name)
		}
		b.WriteByte(')')
	}
	return b.String(), nil
}

// TypeHash is keccak256(EncodeType(primary)).
func (t Types) TypeHash(primary string) (common.Hash, error) {
	encoded, err := t.EncodeType(primary)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte(encoded)), nil
}

// HashStruct is keccak256(EncodeData(primary, data)).
func (t Types) HashStruct(primary string, data map[string]any) (common.Hash, error) {
	encoded, err := t.EncodeData(primary, data)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// DomainSeparator hashes the document domain.
func (td *TypedData) DomainSeparator() (common.Hash, error) {
	if _, ok := td.Types[DomainType]; !ok {
		return common.Hash{}, xerrors.New(xerrors.CodeSchema, "document has no EIP712Domain type")
	}
	return td.Types.HashStruct(DomainType, td.Domain)
}

// Hash computes the final digest keccak256(0x1901 ‖ domainSeparator ‖ hashStruct(message)).
func (td *TypedData) Hash() (common.Hash, error) {
	if td == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeSchema, "typed data is nil")
	}
	separator, err := td.DomainSeparator()
	if err != nil {
		return common.Hash{}, err
	}
	message, err := td.Types.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), message.Bytes()), nil
}

func elementType(typ string) string {
	for arraySuffix.MatchString(typ) {
		typ = arraySuffix.ReplaceAllString(typ, "")
	}
	return typ
}

func isAtomic(typ string) bool {
	switch typ {
	case "address", "bool", "string", "bytes":
		return true
	}
	if m := intType.FindStringSubmatch(typ); m != nil {
		_, ok := intBits(m[1])
		return ok
	}
	if m := bytesNType.FindStringSubmatch(typ); m != nil {
		n, err := strconv.Atoi(m[1])
		return err == nil && n >= 1 && n <= 32
	}
	return false
}

func intBits(suffix string) (int, bool) {
	if suffix == "" {
		return 0, false
	}
	bits, err := strconv.Atoi(suffix)
	if err != nil || bits < 8 || bits > 256 || bits%8 != 0 {
		return 0, false
	}
	return bits, true
}
