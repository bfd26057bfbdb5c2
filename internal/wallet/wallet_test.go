package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/storage/sqldb"
	"AgentBounty/internal/task"
)

func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

type fixedBalances struct {
	amount float64
	err    error
}

func (f fixedBalances) Balance(context.Context, string) (float64, error) { return f.amount, f.err }

type paidTasks []*task.Task

func (p paidTasks) History(context.Context, string, int) ([]*task.Task, error) { return p, nil }

func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			ctx := context.Background()
			db, err := sqldb.Open(ctx, sqldb.Config{
				Driver: sqldb.DriverSQLite,
				DSN:    "file:" + filepath.Join(t.TempDir(), "wallets.db") + "?_busy_timeout=5000",
			})
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			_, err = db.Migrate(ctx)
			require.NoError(t, err)
			store, err := NewSQLStore(db)
			require.NoError(t, err)
			return store
		},
	}
}

func TestRecoverSignerAcceptsBothRecoveryForms(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)
	msg := "Connect wallet to AgentBounty at 1700000000"

	sig := personalSign(t, key, msg)
	got, err := RecoverSigner(msg, sig)
	require.NoError(t, err)
	require.Equal(t, want, got)

	raw, _ := hexutil.Decode(sig)
	raw[crypto.RecoveryIDOffset] -= 27
	got, err = RecoverSigner(msg, hexutil.Encode(raw))
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = RecoverSigner(msg, "0x1234")
	require.Error(t, err)
}

func TestConnectBindsVerifiedAddress(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key, err := crypto.GenerateKey()
			require.NoError(t, err)
			addr := crypto.PubkeyToAddress(key.PublicKey)
			msg := "Connect wallet " + addr.Hex()

			svc := NewService(open(t), Chain{Name: "base-sepolia", ID: 84532}, WithBalances(fixedBalances{amount: 12.5}))
			b, err := svc.Connect(ctx, "user-1", addr.Hex(), msg, personalSign(t, key, msg))
			require.NoError(t, err)
			require.Equal(t, addr.Hex(), b.Address)

			got, err := svc.Address(ctx, "user-1")
			require.NoError(t, err)
			require.Equal(t, addr.Hex(), got)

			info, err := svc.Info(ctx, "user-1")
			require.NoError(t, err)
			require.True(t, info.Connected)
			require.Equal(t, 12.5, info.USDCBalance)
			require.Equal(t, int64(84532), info.ChainID)

			removed, err := svc.Disconnect(ctx, "user-1")
			require.NoError(t, err)
			require.True(t, removed)
			got, err = svc.Address(ctx, "user-1")
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestConnectRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	owner, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(owner.PublicKey)
	msg := "Connect wallet " + addr.Hex()

	svc := NewService(NewMemoryStore(), Chain{})
	_, err := svc.Connect(ctx, "user-1", addr.Hex(), msg, personalSign(t, other, msg))
	require.Error(t, err)
	require.Equal(t, CodeSignatureInvalid, xerrors.CodeOf(err))
	require.Contains(t, xerrors.MessageOf(err), "Invalid signature. Expected "+addr.Hex())

	_, err = svc.Connect(ctx, "user-1", "not-an-address", msg, personalSign(t, owner, msg))
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = svc.Connect(ctx, "", addr.Hex(), msg, personalSign(t, owner, msg))
	require.Equal(t, xerrors.CodeUnauthenticated, xerrors.CodeOf(err))
}

func TestInfoToleratesBalanceFailure(t *testing.T) {
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	svc := NewService(NewMemoryStore(), Chain{Name: "base-sepolia"}, WithBalances(fixedBalances{err: errors.New("rpc down")}))
	_, err := svc.Connect(ctx, "u", addr.Hex(), "hello", personalSign(t, key, "hello"))
	require.NoError(t, err)

	info, err := svc.Info(ctx, "u")
	require.NoError(t, err)
	require.True(t, info.Connected)
	require.Zero(t, info.USDCBalance)

	empty, err := svc.Info(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, empty.Connected)
}

func TestHistoryCombinesBindingAndPayments(t *testing.T) {
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	paid := paidTasks{{ID: "t1", PaymentStatus: task.PaymentPaid}}
	svc := NewService(NewMemoryStore(), Chain{}, WithPaidTasks(paid))
	svc.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	h, err := svc.History(ctx, "u", 10)
	require.NoError(t, err)
	require.False(t, h.HasWallet)
	require.Len(t, h.Payments, 1)

	_, err = svc.Connect(ctx, "u", addr.Hex(), "hi", personalSign(t, key, "hi"))
	require.NoError(t, err)
	h, err = svc.History(ctx, "u", 10)
	require.NoError(t, err)
	require.True(t, h.HasWallet)
	require.Equal(t, addr.Hex(), h.Address)
	require.Equal(t, 2025, h.ConnectedAt.Year())
}
