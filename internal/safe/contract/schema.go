// Package contract resolves contract calls against a parsed ABI once, so a
// misspelled method or a wrong argument count fails at construction instead
// of on the wire.
package contract

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DecodeRule tells the caller how to interpret the result of a call.
type DecodeRule int

const (
	// DecodeNone ignores the return data (state-changing calls).
	DecodeNone DecodeRule = iota
	// DecodeOutputs unpacks the ABI outputs of a successful call.
	DecodeOutputs
	// DecodeRevert expects the call to revert and reads the integer the
	// contract reported inside an Error(string) payload.
	DecodeRevert
)

func (r DecodeRule) String() string {
	switch r {
	case DecodeNone:
		return "none"
	case DecodeOutputs:
		return "outputs"
	case DecodeRevert:
		return "revert-word"
	default:
		return fmt.Sprintf("DecodeRule(%d)", int(r))
	}
}

// Call is a resolved contract call: method, ordered arguments, calldata and
// the rule used to decode the answer.
type Call struct {
	Method string
	Args   []any
	Decode DecodeRule
	data   []byte
}

// Data returns the ABI-encoded calldata.
func (c Call) Data() []byte {
	return c.data
}

// Schema is a parsed ABI plus per-method decode rules.
type Schema struct {
	abi   abi.ABI
	rules map[string]DecodeRule
}

// NewSchema parses abiJSON and checks that every method named in rules
// exists.
func NewSchema(abiJSON string, rules map[string]DecodeRule) (*Schema, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSchema, err, "parse contract ABI")
	}
	for method := range rules {
		if _, ok := parsed.Methods[method]; !ok {
			return nil, xerrors.New(xerrors.CodeSchema, fmt.Sprintf("decode rule for unknown method %q", method))
		}
	}
	copied := make(map[string]DecodeRule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Schema{abi: parsed, rules: copied}, nil
}

// Describe resolves method against the schema and packs args.
func (s *Schema) Describe(method string, args ...any) (Call, error) {
	m, ok := s.abi.Methods[method]
	if !ok {
		return Call{}, xerrors.New(xerrors.CodeSchema, fmt.Sprintf("unknown contract method %q", method))
	}
	if len(args) != len(m.Inputs) {
		return Call{}, xerrors.New(xerrors.CodeEncoding,
			fmt.Sprintf("%s expects %d arguments, got %d", method, len(m.Inputs), len(args)))
	}
	data, err := s.abi.Pack(method, args...)
	if err != nil {
		return Call{}, xerrors.Wrap(xerrors.CodeEncoding, err, fmt.Sprintf("pack %s", method))
	}
	rule, ok := s.rules[method]
	if !ok {
		rule = DecodeNone
		if len(m.Outputs) > 0 {
			rule = DecodeOutputs
		}
	}
	return Call{Method: method, Args: args, Decode: rule, data: data}, nil
}

// Decode interprets the outcome of executing call according to its rule.
// callErr is the error returned by the chain client, if any.
func (s *Schema) Decode(call Call, ret []byte, callErr error) ([]any, error) {
	switch call.Decode {
	case DecodeNone:
		return nil, callErr
	case DecodeOutputs:
		if callErr != nil {
			return nil, callErr
		}
		out, err := s.abi.Unpack(call.Method, ret)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeEncoding, err, fmt.Sprintf("unpack %s", call.Method))
		}
		return out, nil
	case DecodeRevert:
		if callErr == nil {
			return nil, xerrors.New(xerrors.CodeEstimation,
				fmt.Sprintf("%s returned instead of reverting", call.Method))
		}
		revert, ok := web3.AsRevert(callErr)
		if !ok {
			return nil, callErr
		}
		word, err := DecodeRevertWord(revert.Payload)
		if err != nil {
			return nil, err
		}
		return []any{word}, nil
	default:
		return nil, xerrors.New(xerrors.CodeSchema, fmt.Sprintf("unsupported decode rule %s", call.Decode))
	}
}

// EventID returns topic0 of the named event.
func (s *Schema) EventID(name string) (common.Hash, bool) {
	ev, ok := s.abi.Events[name]
	if !ok {
		return common.Hash{}, false
	}
	return ev.ID, true
}

// UnpackEvent decodes the non-indexed fields of the named event.
func (s *Schema) UnpackEvent(name string, data []byte) ([]any, error) {
	if _, ok := s.abi.Events[name]; !ok {
		return nil, xerrors.New(xerrors.CodeSchema, fmt.Sprintf("unknown event %q", name))
	}
	out, err := s.abi.Unpack(name, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncoding, err, fmt.Sprintf("unpack event %s", name))
	}
	return out, nil
}

const revertPrefixLen = 4 + 32 + 32

var errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// DecodeRevertWord reads the 32-byte word that follows the Error(string)
// selector, offset and length words.
func DecodeRevertWord(payload []byte) (*big.Int, error) {
	if len(payload) < revertPrefixLen+32 {
		return nil, xerrors.New(xerrors.CodeEstimation,
			fmt.Sprintf("revert payload too short: %d bytes", len(payload)))
	}
	if !bytes.Equal(payload[:4], errorSelector) {
		return nil, xerrors.New(xerrors.CodeEstimation,
			fmt.Sprintf("unexpected revert selector %x", payload[:4]))
	}
	return new(big.Int).SetBytes(payload[revertPrefixLen : revertPrefixLen+32]), nil
}

// RevertReason decodes an Error(string) payload; it returns "" when the
// payload is not a standard revert.
func RevertReason(payload []byte) string {
	reason, err := abi.UnpackRevert(payload)
	if err != nil {
		return ""
	}
	return reason
}
