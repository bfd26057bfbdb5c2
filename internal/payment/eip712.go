package payment

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const primaryType = "TransferWithAuthorization"

var authorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Domain is the EIP-712 domain of the USDC contract.
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// Message is the ERC-3009 TransferWithAuthorization payload.
type Message struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       int64  `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// TypedData assembles the EIP-712 document a wallet signs.
func TypedData(domain Domain, msg Message) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       authorizationTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        msg.From,
			"to":          msg.To,
			"value":       big.NewInt(msg.Value).String(),
			"validAfter":  big.NewInt(msg.ValidAfter).String(),
			"validBefore": big.NewInt(msg.ValidBefore).String(),
			"nonce":       msg.Nonce,
		},
	}
}

// Digest returns the EIP-712 hash of the typed data.
func Digest(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// Sign produces a 65 byte signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, td apitypes.TypedData) ([]byte, error) {
	hash, err := Digest(td)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SplitSignature breaks a 65 byte signature into v, r and s. A v of 0 or 1
// is normalised to 27 or 28.
func SplitSignature(sig []byte) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if len(sig) != crypto.SignatureLength {
		return 0, r, s, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// Recover returns the address that signed td.
func Recover(td apitypes.TypedData, v uint8, r, s [32]byte) (common.Address, error) {
	hash, err := Digest(td)
	if err != nil {
		return common.Address{}, err
	}
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", v)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig[:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Signature is the split form posted by clients. R and S are decimal or
// 0x-prefixed hexadecimal strings.
type Signature struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// NewSignature splits sig into its wire form.
func NewSignature(sig []byte) (Signature, error) {
	v, r, s, err := SplitSignature(sig)
	if err != nil {
		return Signature{}, err
	}
	return Signature{V: v, R: hexutil.Encode(r[:]), S: hexutil.Encode(s[:])}, nil
}

// Components parses R and S into 32 byte words.
func (sig Signature) Components() ([32]byte, [32]byte, error) {
	r, err := parseWord(sig.R)
	if err != nil {
		return r, [32]byte{}, fmt.Errorf("signature r: %w", err)
	}
	s, err := parseWord(sig.S)
	if err != nil {
		return r, s, fmt.Errorf("signature s: %w", err)
	}
	return r, s, nil
}

func parseWord(raw string) ([32]byte, error) {
	var out [32]byte
	raw = strings.TrimSpace(raw)
	n, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		n, ok = new(big.Int).SetString(raw, 16)
	}
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return out, fmt.Errorf("invalid 32 byte value %q", raw)
	}
	n.FillBytes(out[:])
	return out, nil
}

// ParseNonce decodes a 0x-prefixed or bare 32 byte hex nonce.
func ParseNonce(raw string) ([32]byte, error) {
	var out [32]byte
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return out, fmt.Errorf("nonce: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be exactly 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
