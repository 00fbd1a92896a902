// Package approval implements the canonical digest of a relayed call's
// parameters and secp256k1 signing/recovery of approval blobs over it.
//
// The digest is an EIP-712 typed-data hash over (caller, payload hash, gas
// limit, gas price, nonce) under a chain-scoped domain. The encoding is
// fixed and order-sensitive: any change to it invalidates every outstanding
// off-chain approval.
package approval

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relaykit/relaymeter"
)

const (
	domainName    = "RelayMeter"
	domainVersion = "1"
	primaryType   = "RelayedCallApproval"
)

// SignatureLength is the byte length of an approval blob.
const SignatureLength = 65

// Params are the digested relayed-call parameters.
type Params struct {
	Caller   common.Address
	Payload  []byte
	GasLimit *big.Int
	GasPrice *big.Int
	Nonce    *big.Int
}

// FromCall parses the untrusted wire fields of a relayed call into Params.
// The approval blob itself is not part of the digest and is ignored here.
func FromCall(call *relaymeter.RelayedCall) (*Params, error) {
	if call == nil {
		return nil, fmt.Errorf("call is nil")
	}
	if !common.IsHexAddress(call.Caller) {
		return nil, fmt.Errorf("invalid caller address %q: %w", call.Caller, relaymeter.ErrInvalidCall)
	}
	payload, err := hexutil.Decode(call.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	gasLimit, err := relaymeter.ParseAmount(call.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("gas limit: %w", err)
	}
	gasPrice, err := relaymeter.ParseAmount(call.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	nonce, err := relaymeter.ParseAmount(call.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return &Params{
		Caller:   common.HexToAddress(call.Caller),
		Payload:  payload,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
		Nonce:    nonce,
	}, nil
}

func typedData(chainID *big.Int, p *Params) apitypes.TypedData {
	payloadHash := crypto.Keccak256Hash(p.Payload)
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			primaryType: []apitypes.Type{
				{Name: "caller", Type: "address"},
				{Name: "payloadHash", Type: "bytes32"},
				{Name: "gasLimit", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:    domainName,
			Version: domainVersion,
			ChainId: (*math.HexOrDecimal256)(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"caller":      p.Caller.Hex(),
			"payloadHash": payloadHash.Hex(),
			"gasLimit":    (*math.HexOrDecimal256)(p.GasLimit),
			"gasPrice":    (*math.HexOrDecimal256)(p.GasPrice),
			"nonce":       (*math.HexOrDecimal256)(p.Nonce),
		},
	}
}

// Digest computes the canonical 32-byte digest of the call parameters.
func Digest(chainID *big.Int, p *Params) ([]byte, error) {
	td := typedData(chainID, p)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct(primaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// CallID derives the stable call identity from the canonical digest,
// 0x-prefixed hex. Two calls with identical parameters share an ID, which is
// what makes the at-most-once phase invariants enforceable per call.
func CallID(chainID *big.Int, p *Params) (string, error) {
	digest, err := Digest(chainID, p)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(digest), nil
}

// Sign produces a 65-byte approval blob over the canonical digest. This is
// the off-chain half of the trusted-signer flow: the approval backend signs,
// the engine only ever recovers.
func Sign(privateKey *ecdsa.PrivateKey, chainID *big.Int, p *Params) ([]byte, error) {
	digest, err := Digest(chainID, p)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign approval: %w", err)
	}

	signature[64] += 27

	return signature, nil
}

// RecoverApprover recovers the identity that signed the approval blob over
// the canonical digest of p. Malformed blobs fail with ErrMalformedApproval.
func RecoverApprover(chainID *big.Int, p *Params, blob []byte) (common.Address, error) {
	if len(blob) != SignatureLength {
		return common.Address{}, fmt.Errorf("approval blob is %d bytes, want %d: %w",
			len(blob), SignatureLength, relaymeter.ErrMalformedApproval)
	}

	sig := make([]byte, SignatureLength)
	copy(sig, blob)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d: %w", blob[64], relaymeter.ErrMalformedApproval)
	}

	digest, err := Digest(chainID, p)
	if err != nil {
		return common.Address{}, err
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", relaymeter.ErrMalformedApproval)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}
