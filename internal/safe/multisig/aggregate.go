// Package multisig collects owner signatures over a Safe transaction digest
// and packs them in the order the Safe contract verifies them.
package multisig

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/safe/eip712"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the packed size of one owner signature.
const SignatureLength = 65

// Signature is one owner's ECDSA signature.
type Signature struct {
	Signer common.Address
	R      [32]byte
	S      [32]byte
	V      byte
}

// Bytes packs r‖s‖v.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureLength)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.V)
}

// SignatureSet is ordered strictly ascending by signer.
type SignatureSet struct {
	Signatures []Signature
}

// Bytes concatenates every signature; the length is 65 × len(Signatures).
func (s SignatureSet) Bytes() []byte {
	out := make([]byte, 0, SignatureLength*len(s.Signatures))
	for _, sig := range s.Signatures {
		out = append(out, sig.Bytes()...)
	}
	return out
}

// Hex is the 0x-prefixed form of Bytes.
func (s SignatureSet) Hex() string {
	return hexutil.Encode(s.Bytes())
}

// Signers lists the owners in packing order.
func (s SignatureSet) Signers() []common.Address {
	out := make([]common.Address, len(s.Signatures))
	for i, sig := range s.Signatures {
		out[i] = sig.Signer
	}
	return out
}

// Len returns the number of signatures.
func (s SignatureSet) Len() int {
	return len(s.Signatures)
}

// Sort orders signers ascending by lower-case hex address and rejects
// duplicates. The input slice is not modified.
func Sort(signers []Signer) ([]Signer, error) {
	sorted := make([]Signer, 0, len(signers))
	for _, s := range signers {
		if s == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "nil signer")
		}
		sorted = append(sorted, s)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Address().Hex()) < strings.ToLower(sorted[j].Address().Hex())
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Address() == sorted[i-1].Address() {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("duplicate signer %s", sorted[i].Address().Hex()),
				xerrors.WithMetadata("signer", sorted[i].Address().Hex()))
		}
	}
	return sorted, nil
}

// Aggregate asks every signer, in ascending address order, to sign digest.
// Either every signature is collected and verified or none is returned.
func Aggregate(ctx context.Context, doc *eip712.TypedData, digest common.Hash, signers []Signer) (SignatureSet, error) {
	if len(signers) == 0 {
		return SignatureSet{}, xerrors.New(xerrors.CodeSigningUnsupported, "no signers configured")
	}
	ordered, err := Sort(signers)
	if err != nil {
		return SignatureSet{}, err
	}
	set := SignatureSet{Signatures: make([]Signature, 0, len(ordered))}
	for _, signer := range ordered {
		if err := ctx.Err(); err != nil {
			return SignatureSet{}, xerrors.Wrap(xerrors.CodeSigningUnsupported, err, "signing cancelled")
		}
		addr := signer.Address()
		raw, err := signer.SignTypedData(ctx, doc, digest)
		if err != nil {
			return SignatureSet{}, signingError(err, addr)
		}
		sig, err := decode(addr, raw)
		if err != nil {
			return SignatureSet{}, signingError(err, addr)
		}
		recovered, err := Recover(digest, sig.Bytes())
		if err != nil {
			return SignatureSet{}, signingError(err, addr)
		}
		if recovered != addr {
			return SignatureSet{}, signingError(
				fmt.Errorf("signature recovers to %s", recovered.Hex()), addr)
		}
		set.Signatures = append(set.Signatures, sig)
	}
	return set, nil
}

// Recover returns the address that produced sig over digest. v may be 0/1
// or 27/28.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	normalised := bytes.Clone(sig)
	if normalised[crypto.RecoveryIDOffset] >= 27 {
		normalised[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalised)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func decode(signer common.Address, raw []byte) (Signature, error) {
	if len(raw) != SignatureLength {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(raw))
	}
	sig := Signature{Signer: signer, V: raw[64]}
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	if sig.V < 27 {
		sig.V += 27
	}
	if sig.V != 27 && sig.V != 28 {
		return Signature{}, fmt.Errorf("unsupported recovery id %d", raw[64])
	}
	return sig, nil
}

func signingError(err error, signer common.Address) error {
	return xerrors.Wrap(xerrors.CodeSigningUnsupported, err, "owner "+signer.Hex()+" could not sign",
		xerrors.WithMetadata("signer", signer.Hex()))
}
