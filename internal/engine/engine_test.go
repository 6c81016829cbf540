package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"exchange-core/internal/ledger"
	"exchange-core/internal/models"
	"exchange-core/internal/registry"
	"exchange-core/internal/xerrors"

	"github.com/shopspring/decimal"
)

func newTestEngine() *Engine {
	led := ledger.New(nil)
	reg := registry.New()
	return New(led, reg, nil)
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// TestSellOpensWithNoContra is scenario S1: sell into an empty book parks
// the full amount open.
func TestSellOpensWithNoContra(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if err := e.LedgerCreateAccount(ctx, "123456", dec("1000")); err != nil {
		t.Fatal(err)
	}
	if err := e.LedgerCreateOrAddShares(ctx, "SPY", "123456", dec("100000")); err != nil {
		t.Fatal(err)
	}

	order, err := e.PlaceOrder(ctx, "123456", "SPY", dec("-100"), dec("145.67"))
	if err != nil {
		t.Fatalf("expected order to open, got error: %v", err)
	}
	if !order.OpenShares.Equal(dec("100")) {
		t.Fatalf("expected open shares 100, got %s", order.OpenShares)
	}

	q, err := e.Query(order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !q.OpenShares.Equal(dec("100")) {
		t.Fatalf("expected query open shares 100, got %s", q.OpenShares)
	}
}

// TestBookSequenceThenSweep is scenario S2: a sweep of resting orders
// produces price-time-priority fills in the documented order.
func TestBookSequenceThenSweep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	accounts := []string{"buyer1", "seller1", "buyer2", "seller2", "seller3", "buyer3", "sweeper"}
	for _, a := range accounts {
		if err := e.LedgerCreateAccount(ctx, a, dec("1000000")); err != nil {
			t.Fatal(err)
		}
		if err := e.LedgerCreateOrAddShares(ctx, "X", a, dec("100000")); err != nil {
			t.Fatal(err)
		}
	}

	o1, err := e.PlaceOrder(ctx, "buyer1", "X", dec("300"), dec("125")) // id 1
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.PlaceOrder(ctx, "seller1", "X", dec("-100"), dec("130")); err != nil { // id 2
		t.Fatal(err)
	}
	o3, err := e.PlaceOrder(ctx, "buyer2", "X", dec("200"), dec("127")) // id 3
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.PlaceOrder(ctx, "seller2", "X", dec("-500"), dec("128")); err != nil { // id 4
		t.Fatal(err)
	}
	if _, err := e.PlaceOrder(ctx, "seller3", "X", dec("-200"), dec("140")); err != nil { // id 5
		t.Fatal(err)
	}
	if _, err := e.PlaceOrder(ctx, "buyer3", "X", dec("400"), dec("125")); err != nil { // id 6
		t.Fatal(err)
	}

	o7, err := e.PlaceOrder(ctx, "sweeper", "X", dec("-400"), dec("124")) // id 7
	if err != nil {
		t.Fatal(err)
	}

	if !o7.OpenShares.IsZero() {
		t.Fatalf("expected order 7 fully executed, open shares = %s", o7.OpenShares)
	}
	if len(o7.Fills) != 2 {
		t.Fatalf("expected 2 fills on order 7, got %d", len(o7.Fills))
	}
	if !o7.Fills[0].Shares.Equal(dec("200")) || !o7.Fills[0].Price.Equal(dec("127")) {
		t.Fatalf("expected first fill 200@127, got %s@%s", o7.Fills[0].Shares, o7.Fills[0].Price)
	}
	if !o7.Fills[1].Shares.Equal(dec("200")) || !o7.Fills[1].Price.Equal(dec("125")) {
		t.Fatalf("expected second fill 200@125, got %s@%s", o7.Fills[1].Shares, o7.Fills[1].Price)
	}

	q3, err := e.Query(o3.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !q3.OpenShares.IsZero() {
		t.Fatalf("expected order 3 fully executed, got open=%s", q3.OpenShares)
	}

	q1, err := e.Query(o1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !q1.OpenShares.Equal(dec("100")) {
		t.Fatalf("expected order 1 to have 100 open, got %s", q1.OpenShares)
	}
	if len(q1.Fills) != 1 || !q1.Fills[0].Shares.Equal(dec("200")) || !q1.Fills[0].Price.Equal(dec("125")) {
		t.Fatalf("expected order 1 filled 200@125, got %+v", q1.Fills)
	}
}

// TestInsufficientFundsRejectsBuy is scenario S3.
func TestInsufficientFundsRejectsBuy(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if err := e.LedgerCreateAccount(ctx, "A", dec("100")); err != nil {
		t.Fatal(err)
	}

	_, err := e.PlaceOrder(ctx, "A", "X", dec("10"), dec("20"))
	if err == nil {
		t.Fatal("expected insufficient-funds error")
	}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error")
	}

	bal, err := e.ledger.Balance("A")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(dec("100")) {
		t.Fatalf("expected balance unchanged at 100, got %s", bal)
	}
}

// TestPartialFillThenCancelRefundsOverpayAndRemainder is scenario S4.
func TestPartialFillThenCancelRefundsOverpayAndRemainder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if err := e.LedgerCreateAccount(ctx, "buyer", dec("100000")); err != nil {
		t.Fatal(err)
	}
	if err := e.LedgerCreateAccount(ctx, "seller", dec("0")); err != nil {
		t.Fatal(err)
	}
	if err := e.LedgerCreateOrAddShares(ctx, "X", "seller", dec("1000")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.PlaceOrder(ctx, "seller", "X", dec("-40"), dec("40")); err != nil {
		t.Fatal(err)
	}

	buyerBalanceBefore, _ := e.ledger.Balance("buyer")

	buyOrder, err := e.PlaceOrder(ctx, "buyer", "X", dec("100"), dec("50"))
	if err != nil {
		t.Fatal(err)
	}
	if !buyOrder.OpenShares.Equal(dec("60")) {
		t.Fatalf("expected 60 open after partial fill, got %s", buyOrder.OpenShares)
	}

	// Reserved 100*50=5000; traded 40@40=1600, refunded overpay 40*(50-40)=400.
	afterFill, _ := e.ledger.Balance("buyer")
	expectedAfterFill := buyerBalanceBefore.Sub(dec("5000")).Add(dec("400"))
	if !afterFill.Equal(expectedAfterFill) {
		t.Fatalf("expected balance %s after partial fill, got %s", expectedAfterFill, afterFill)
	}

	cancelled, err := e.Cancel(ctx, buyOrder.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Cancel == nil || !cancelled.Cancel.SharesCancelled.Equal(dec("60")) {
		t.Fatalf("expected cancellation of 60 shares, got %+v", cancelled.Cancel)
	}
	if len(cancelled.Fills) != 1 || !cancelled.Fills[0].Shares.Equal(dec("40")) || !cancelled.Fills[0].Price.Equal(dec("40")) {
		t.Fatalf("expected one fill of 40@40 preserved, got %+v", cancelled.Fills)
	}

	finalBalance, _ := e.ledger.Balance("buyer")
	expectedFinal := buyerBalanceBefore.Sub(dec("1600")) // only the executed notional is ever spent
	if !finalBalance.Equal(expectedFinal) {
		t.Fatalf("expected final balance %s, got %s", expectedFinal, finalBalance)
	}
}

// TestEqualLimitTieBreaksByArrivalOrder is scenario S5.
func TestEqualLimitTieBreaksByArrivalOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	for _, a := range []string{"buyer1", "buyer2", "seller"} {
		if err := e.LedgerCreateAccount(ctx, a, dec("100000")); err != nil {
			t.Fatal(err)
		}
		if err := e.LedgerCreateOrAddShares(ctx, "X", a, dec("1000")); err != nil {
			t.Fatal(err)
		}
	}

	first, err := e.PlaceOrder(ctx, "buyer1", "X", dec("50"), dec("10"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.PlaceOrder(ctx, "buyer2", "X", dec("50"), dec("10"))
	if err != nil {
		t.Fatal(err)
	}

	sell, err := e.PlaceOrder(ctx, "seller", "X", dec("-50"), dec("10"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sell.Fills) != 1 {
		t.Fatalf("expected sell to match exactly one resting buy, got %d fills", len(sell.Fills))
	}

	q1, _ := e.Query(first.ID)
	q2, _ := e.Query(second.ID)
	if !q1.OpenShares.IsZero() {
		t.Fatalf("expected earlier order (id %d) to be consumed first, open=%s", first.ID, q1.OpenShares)
	}
	if !q2.OpenShares.Equal(dec("50")) {
		t.Fatalf("expected later order (id %d) untouched, open=%s", second.ID, q2.OpenShares)
	}
}

// TestConcurrentOrdersPreserveConservation hammers a single symbol with
// concurrent buy and sell placements and checks that the documented
// invariants (total shares and total cash neither created nor destroyed)
// still hold once every goroutine has returned. It does not assert on the
// exact fill sequence, only on the conserved totals, since concurrent
// arrival order across goroutines is inherently racy.
func TestConcurrentOrdersPreserveConservation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	const nBuyers = 10
	const nSellers = 10
	startingCash := dec("1000000")
	startingShares := dec("1000000")

	var buyers, sellers []string
	for i := 0; i < nBuyers; i++ {
		acct := "buyer" + string(rune('A'+i))
		buyers = append(buyers, acct)
		if err := e.LedgerCreateAccount(ctx, acct, startingCash); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < nSellers; i++ {
		acct := "seller" + string(rune('A'+i))
		sellers = append(sellers, acct)
		if err := e.LedgerCreateAccount(ctx, acct, dec("0")); err != nil {
			t.Fatal(err)
		}
		if err := e.LedgerCreateOrAddShares(ctx, "X", acct, startingShares); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i, acct := range buyers {
		wg.Add(1)
		go func(acct string, i int) {
			defer wg.Done()
			price := dec("100").Add(decimal.NewFromInt(int64(i % 5)))
			if _, err := e.PlaceOrder(ctx, acct, "X", dec("10"), price); err != nil {
				t.Errorf("buyer %s: unexpected error: %v", acct, err)
			}
		}(acct, i)
	}
	for i, acct := range sellers {
		wg.Add(1)
		go func(acct string, i int) {
			defer wg.Done()
			price := dec("100").Add(decimal.NewFromInt(int64(i % 5)))
			if _, err := e.PlaceOrder(ctx, acct, "X", dec("-10"), price); err != nil {
				t.Errorf("seller %s: unexpected error: %v", acct, err)
			}
		}(acct, i)
	}
	wg.Wait()

	totalCash := decimal.Zero
	totalShares := decimal.Zero
	for _, acct := range buyers {
		bal, err := e.ledger.Balance(acct)
		if err != nil {
			t.Fatal(err)
		}
		totalCash = totalCash.Add(bal)
		pos, err := e.ledger.Position(acct, "X")
		if err != nil {
			t.Fatal(err)
		}
		totalShares = totalShares.Add(pos)
	}
	for _, acct := range sellers {
		bal, err := e.ledger.Balance(acct)
		if err != nil {
			t.Fatal(err)
		}
		totalCash = totalCash.Add(bal)
		pos, err := e.ledger.Position(acct, "X")
		if err != nil {
			t.Fatal(err)
		}
		totalShares = totalShares.Add(pos)
	}
	// Orders still resting in the book hold reservations taken out of the
	// balances and positions above: open buys hold open*limit in cash,
	// open sells hold their open shares.
	for id := int64(1); id <= nBuyers+nSellers; id++ {
		o, err := e.Query(id)
		if err != nil {
			t.Fatal(err)
		}
		if o.Side == models.SideBuy {
			totalCash = totalCash.Add(o.OpenShares.Mul(o.LimitPrice))
		} else {
			totalShares = totalShares.Add(o.OpenShares)
		}
	}

	expectedCash := startingCash.Mul(decimal.NewFromInt(nBuyers))
	expectedShares := startingShares.Mul(decimal.NewFromInt(nSellers))
	if !totalCash.Equal(expectedCash) {
		t.Fatalf("cash not conserved: expected %s, got %s", expectedCash, totalCash)
	}
	if !totalShares.Equal(expectedShares) {
		t.Fatalf("shares not conserved: expected %s, got %s", expectedShares, totalShares)
	}
}

// TestQueryUnknownAndCancelledOrder is scenario S6.
func TestQueryUnknownAndCancelledOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	_, err := e.Query(4242)
	if err == nil {
		t.Fatal("expected error for unknown order id")
	}
	if !errors.Is(err, xerrors.ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}

	if err := e.LedgerCreateAccount(ctx, "A", dec("10000")); err != nil {
		t.Fatal(err)
	}
	if err := e.LedgerCreateOrAddShares(ctx, "X", "A", dec("1000")); err != nil {
		t.Fatal(err)
	}
	if err := e.LedgerCreateAccount(ctx, "B", dec("10000")); err != nil {
		t.Fatal(err)
	}
	if err := e.LedgerCreateOrAddShares(ctx, "X", "B", dec("1000")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.PlaceOrder(ctx, "B", "X", dec("-10"), dec("5")); err != nil {
		t.Fatal(err)
	}
	buy, err := e.PlaceOrder(ctx, "A", "X", dec("30"), dec("5"))
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := e.Cancel(ctx, buy.ID)
	if err != nil {
		t.Fatal(err)
	}
	q, err := e.Query(cancelled.ID)
	if err != nil {
		t.Fatal(err)
	}
	if q.Cancel == nil {
		t.Fatal("expected a cancellation record")
	}
	if q.IsOpen() {
		t.Fatal("cancelled order must not report as open")
	}
	if len(q.Fills) != 1 {
		t.Fatalf("expected one prior fill preserved, got %d", len(q.Fills))
	}
}
