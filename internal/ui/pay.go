package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"AgentBounty/internal/payment"
)

var errNoAmount = errors.New("payment details are missing the amount")

// Pay settles the payment shown in a task's panel and reveals the result.
// Demo sessions skip the wallet. Any failure re-enables the pay button and
// shows a generic notice.
func (a *App) Pay(ctx context.Context, taskID string) error {
	a.mu.Lock()
	demo := a.state.Demo
	p := a.state.Panels[taskID]
	if p == nil || p.Kind != PanelPayment || p.Busy {
		a.mu.Unlock()
		return fmt.Errorf("ui: task %s has no payment to settle", taskID)
	}
	req := p.Payment
	a.mu.Unlock()

	if !demo && (req == nil || req.Amount <= 0 || req.Message.Value <= 0) {
		a.screen.Alert("Invalid payment details: the amount is missing. Reload the task and try again.")
		return errNoAmount
	}

	a.updatePanel(taskID, func(p *Panel) { p.Busy = true })

	var (
		resp *payment.AuthorizeResponse
		err  error
	)
	if demo {
		resp, err = a.backend.AuthorizeDemo(ctx, taskID)
	} else {
		resp, err = a.payWithWallet(ctx, req)
	}
	if err == nil && !resp.Success {
		err = fmt.Errorf("payment rejected: %s", resp.Error)
	}
	if err != nil {
		a.log.Warn("payment failed", slog.String("task_id", taskID), slog.Any("error", err))
		a.update(func(s *State) {
			if p := s.Panels[taskID]; p != nil {
				p.Busy = false
			}
			s.Notice = paymentFailedNotice
		}, ResultContainer(taskID), ContainerNotice)
		return err
	}

	a.update(func(s *State) {
		if p := s.Panels[taskID]; p != nil {
			p.Busy = false
			p.Paid = true
			p.TxHash = resp.TxHash
		}
		s.Notice = ""
	}, ContainerNotice)
	a.Resolve(ctx, taskID)
	a.Refresh(ctx)
	return nil
}

func (a *App) payWithWallet(ctx context.Context, req *payment.Requirements) (*payment.AuthorizeResponse, error) {
	if a.wallet == nil {
		return nil, errors.New("ui: no wallet")
	}
	network, err := a.backend.Network(ctx)
	if err != nil {
		return nil, err
	}
	if err := EnsureNetwork(ctx, a.wallet, *network); err != nil {
		return nil, err
	}
	accounts, err := a.wallet.RequestAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.New("ui: wallet returned no account")
	}
	from := accounts[0]

	msg := req.Message
	msg.From = from
	sig, err := a.wallet.SignTypedData(ctx, from, payment.TypedData(req.Domain, msg))
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	split, err := payment.NewSignature(sig)
	if err != nil {
		return nil, err
	}
	return a.backend.Authorize(ctx, payment.AuthorizeRequest{
		TaskID:      req.TaskID,
		FromAddress: from,
		AmountUSDC:  msg.Value,
		ValidAfter:  msg.ValidAfter,
		ValidBefore: msg.ValidBefore,
		Nonce:       msg.Nonce,
		Signature:   split,
	})
}

func encodeHex(b []byte) string {
	return hexutil.Encode(b)
}
