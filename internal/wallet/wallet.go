// Package wallet binds an externally owned account to a user after the user
// proves ownership with an EIP-191 personal_sign signature.
package wallet

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentBounty/internal/errors"
)

// Binding links a user to a wallet address.
type Binding struct {
	UserID      string    `json:"user_id"`
	Address     string    `json:"wallet_address"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Store persists bindings, one per user.
type Store interface {
	Save(ctx context.Context, b *Binding) error
	Get(ctx context.Context, userID string) (*Binding, error)
	Delete(ctx context.Context, userID string) (bool, error)
}

const (
	CodeWalletNotConnected xerrors.Code = "WALLET_NOT_CONNECTED"
	CodeSignatureInvalid   xerrors.Code = "WALLET_SIGNATURE_INVALID"
)

var (
	ErrNotConnected = xerrors.New(CodeWalletNotConnected, "wallet not connected")
)

func init() {
	xerrors.Register(CodeWalletNotConnected, xerrors.Attributes{
		Message:    "wallet not connected",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeSignatureInvalid, xerrors.Attributes{
		Message:    "signature verification failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// RecoverSigner returns the address that produced a personal_sign signature
// over message. Both 27/28 and 0/1 recovery ids are accepted.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyOwnership checks that signature over message was produced by
// address.
func VerifyOwnership(address, message, signature string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "Invalid wallet address")
	}
	if strings.TrimSpace(message) == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	recovered, err := RecoverSigner(message, signature)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeSignatureInvalid, err, "Signature verification failed")
	}
	expected := common.HexToAddress(address)
	if recovered != expected {
		return common.Address{}, xerrors.New(CodeSignatureInvalid,
			fmt.Sprintf("Invalid signature. Expected %s, recovered %s", expected.Hex(), recovered.Hex()))
	}
	return expected, nil
}

func cloneBinding(b *Binding) *Binding {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}
