package ledger

import (
	"context"
	"testing"

	"exchange-core/internal/xerrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCreateAccount_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	l := New(nil)

	require.NoError(t, l.CreateAccount(ctx, "A", decimal.NewFromInt(100)))
	err := l.CreateAccount(ctx, "A", decimal.NewFromInt(50))
	require.ErrorIs(t, err, xerrors.ErrDuplicateAccount)
}

func TestCreateAccount_NegativeBalanceRejected(t *testing.T) {
	l := New(nil)
	err := l.CreateAccount(context.Background(), "A", decimal.NewFromInt(-1))
	require.ErrorIs(t, err, xerrors.ErrMalformedRequest)
}

func TestReserveFunds_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	require.NoError(t, l.CreateAccount(ctx, "A", decimal.NewFromInt(100)))

	err := l.ReserveFunds(ctx, "A", decimal.NewFromInt(200))
	require.ErrorIs(t, err, xerrors.ErrInsufficientFunds)

	bal, err := l.Balance("A")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(100)), "balance must be unchanged after a failed reservation")
}

func TestReserveFunds_UnknownAccount(t *testing.T) {
	l := New(nil)
	err := l.ReserveFunds(context.Background(), "ghost", decimal.NewFromInt(1))
	require.ErrorIs(t, err, xerrors.ErrUnknownAccount)
}

func TestReserveAndRefundFunds_RoundTrips(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	require.NoError(t, l.CreateAccount(ctx, "A", decimal.NewFromInt(1000)))

	require.NoError(t, l.ReserveFunds(ctx, "A", decimal.NewFromInt(400)))
	bal, _ := l.Balance("A")
	require.True(t, bal.Equal(decimal.NewFromInt(600)))

	require.NoError(t, l.RefundFunds(ctx, "A", decimal.NewFromInt(400)))
	bal, _ = l.Balance("A")
	require.True(t, bal.Equal(decimal.NewFromInt(1000)))
}

func TestCreateOrAddShares_ThenReserveShares(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	require.NoError(t, l.CreateAccount(ctx, "A", decimal.Zero))
	require.NoError(t, l.CreateOrAddShares(ctx, "SPY", "A", decimal.NewFromInt(100000)))

	pos, err := l.Position("A", "SPY")
	require.NoError(t, err)
	require.True(t, pos.Equal(decimal.NewFromInt(100000)))

	require.NoError(t, l.ReserveShares(ctx, "A", "SPY", decimal.NewFromInt(100)))
	pos, _ = l.Position("A", "SPY")
	require.True(t, pos.Equal(decimal.NewFromInt(99900)))
}

func TestReserveShares_Insufficient(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	require.NoError(t, l.CreateAccount(ctx, "A", decimal.Zero))
	require.NoError(t, l.CreateOrAddShares(ctx, "SPY", "A", decimal.NewFromInt(10)))

	err := l.ReserveShares(ctx, "A", "SPY", decimal.NewFromInt(20))
	require.ErrorIs(t, err, xerrors.ErrInsufficientShares)
}

func TestCreditShares_CreatesPositionForUnseenSymbol(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	require.NoError(t, l.CreateAccount(ctx, "A", decimal.Zero))

	require.NoError(t, l.CreditShares(ctx, "A", "NEW", decimal.NewFromInt(5)))
	pos, err := l.Position("A", "NEW")
	require.NoError(t, err)
	require.True(t, pos.Equal(decimal.NewFromInt(5)))
}

func TestCreateOrAddShares_RejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	require.NoError(t, l.CreateAccount(ctx, "A", decimal.Zero))
	err := l.CreateOrAddShares(ctx, "SPY", "A", decimal.Zero)
	require.ErrorIs(t, err, xerrors.ErrMalformedRequest)
}
