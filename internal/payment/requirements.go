package payment

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// USDCDecimals is the number of decimals of the USDC token.
const USDCDecimals = 6

// ToUSDC converts a dollar amount to USDC base units.
func ToUSDC(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// FromUSDC converts base units back to dollars.
func FromUSDC(units int64) float64 {
	return float64(units) / 1e6
}

// Requirements tells a client what to sign to unlock a task result.
type Requirements struct {
	PaymentRequired bool              `json:"payment_required"`
	Amount          float64           `json:"amount"`
	AmountUSDC      int64             `json:"amount_usdc"`
	Currency        string            `json:"currency"`
	Chain           string            `json:"chain"`
	ChainID         int64             `json:"chain_id"`
	Recipient       string            `json:"recipient"`
	Contract        string            `json:"contract"`
	ValidAfter      int64             `json:"valid_after"`
	ValidBefore     int64             `json:"valid_before"`
	Nonce           string            `json:"nonce"`
	Domain          Domain            `json:"domain"`
	Message         Message           `json:"message"`
	TaskID          string            `json:"task_id"`
	Headers         map[string]string `json:"headers"`
}

// NewNonce derives the authorization nonce of a task at a point in time.
func NewNonce(taskID string, at time.Time) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", taskID, at.Unix()))).Hex()
}

// Requirements builds the payment descriptor for taskID. payer may be empty
// when no wallet is connected.
func (s *Service) Requirements(taskID string, amountUSD float64, payer string) Requirements {
	now := s.now()
	validAfter := now.Unix()
	validBefore := now.Add(s.cfg.ValidFor).Unix()
	units := ToUSDC(amountUSD)
	nonce := NewNonce(taskID, now)

	from := common.Address{}.Hex()
	if common.IsHexAddress(payer) {
		from = common.HexToAddress(payer).Hex()
	}
	recipient := s.cfg.Recipient.Hex()
	contract := s.cfg.Token.Hex()

	return Requirements{
		PaymentRequired: true,
		Amount:          amountUSD,
		AmountUSDC:      units,
		Currency:        "USDC",
		Chain:           s.cfg.Network.Name,
		ChainID:         s.cfg.Network.ChainID,
		Recipient:       recipient,
		Contract:        contract,
		ValidAfter:      validAfter,
		ValidBefore:     validBefore,
		Nonce:           nonce,
		Domain:          s.domain(),
		Message: Message{
			From:        from,
			To:          recipient,
			Value:       units,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       nonce,
		},
		TaskID: taskID,
		Headers: map[string]string{
			"X-Payment-Required": "true",
			"X-Payment-Amount":   strconv.FormatFloat(amountUSD, 'f', -1, 64),
			"X-Payment-Currency": "USDC",
			"X-Payment-Chain":    s.cfg.Network.Name,
			"X-Payment-Address":  recipient,
			"X-Payment-Contract": contract,
		},
	}
}

func (s *Service) domain() Domain {
	return Domain{
		Name:              s.cfg.TokenName,
		Version:           s.cfg.TokenVersion,
		ChainID:           s.cfg.Network.ChainID,
		VerifyingContract: s.cfg.Token.Hex(),
	}
}
