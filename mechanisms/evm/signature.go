package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// SignatureInput is the boundary form of a permit signature. Exactly one
// variant must be populated: the combined 65-byte hex Signature, or the
// already-split V, R and S.
type SignatureInput struct {
	Signature string `json:"signature,omitempty"`
	V         *uint8 `json:"v,omitempty"`
	R         string `json:"r,omitempty"`
	S         string `json:"s,omitempty"`
}

// Resolve validates the union and returns the split signature.
func (in SignatureInput) Resolve() (Signature, error) {
	hasCombined := in.Signature != ""
	hasSplit := in.V != nil || in.R != "" || in.S != ""

	switch {
	case hasCombined && hasSplit:
		return Signature{}, errors.New("provide either signature or v,r,s, not both")
	case hasCombined:
		return SplitSignature(in.Signature)
	case hasSplit:
		if in.V == nil || in.R == "" || in.S == "" {
			return Signature{}, errors.New("v, r and s are all required")
		}
		r, err := hexToBytes32(in.R)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid r: %w", err)
		}
		s, err := hexToBytes32(in.S)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid s: %w", err)
		}
		return Signature{V: normalizeV(*in.V), R: r, S: s}, nil
	default:
		return Signature{}, errors.New("signature is required")
	}
}

// SplitSignature splits a 65-byte hex signature into r=[0:32], s=[32:64], v=[64].
func SplitSignature(signature string) (Signature, error) {
	sigBytes, err := HexToBytes(signature)
	if err != nil {
		return Signature{}, err
	}
	if len(sigBytes) != 65 {
		return Signature{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	var sig Signature
	copy(sig.R[:], sigBytes[0:32])
	copy(sig.S[:], sigBytes[32:64])
	sig.V = normalizeV(sigBytes[64])
	return sig, nil
}

// Bytes joins the signature back into its 65-byte form.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// normalizeV maps recovery ids 0/1 onto 27/28 as token contracts expect.
func normalizeV(v uint8) uint8 {
	if v < 27 {
		return v + 27
	}
	return v
}

func hexToBytes32(h string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(h)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ParseDeadline accepts a unix timestamp as decimal string.
func ParseDeadline(deadline string) (*big.Int, error) {
	d, ok := new(big.Int).SetString(strings.TrimSpace(deadline), 10)
	if !ok || d.Sign() <= 0 {
		return nil, fmt.Errorf("invalid deadline: %q", deadline)
	}
	return d, nil
}
