package engine

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/db"
	"github.com/Hoponga/bear-markets/internal/events"
	"github.com/Hoponga/bear-markets/internal/ledger"
	"github.com/Hoponga/bear-markets/internal/models"
)

// Integration tests run against a real MySQL instance and are skipped
// unless DB_DSN is set.

func newTestEngine(t *testing.T) (*Engine, *ledger.Store, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}

	database, err := db.Connect(dsn)
	require.NoError(t, err, "failed to connect to test database")

	require.NoError(t, ledger.InitSchema(context.Background(), database))
	cleanupTestData(t, database)

	store, err := ledger.New(database)
	require.NoError(t, err)

	t.Cleanup(func() {
		cleanupTestData(t, database)
		store.Close()
		database.Close()
	})
	return New(store, zap.NewNop(), nil), store, database
}

func cleanupTestData(t *testing.T, database *sql.DB) {
	t.Helper()
	for _, table := range []string{"trades", "orders", "positions", "markets", "users"} {
		_, err := database.Exec("DELETE FROM " + table)
		require.NoError(t, err, "failed to clean table %s", table)
	}
}

func seedUser(t *testing.T, store *ledger.Store, balance float64) *models.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(),
		uuid.NewString()+"@test.local", "test user",
		decimal.NewFromFloat(balance), false)
	require.NoError(t, err)
	return user
}

func seedMarket(t *testing.T, store *ledger.Store, createdBy int64) *models.Market {
	t.Helper()
	market, err := store.CreateMarket(context.Background(), &models.CreateMarketRequest{
		Title:          "test market",
		Description:    "integration test market",
		ResolutionDate: time.Now().Add(24 * time.Hour),
	}, createdBy)
	require.NoError(t, err)
	return market
}

func limitOrder(marketID, userID int64, side models.Side, orderType models.OrderType, price float64, qty int64) *models.CreateOrderRequest {
	return &models.CreateOrderRequest{
		MarketID:  marketID,
		UserID:    userID,
		Side:      side,
		OrderType: orderType,
		Price:     decimal.NewFromFloat(price),
		Quantity:  qty,
	}
}

func requireBalance(t *testing.T, store *ledger.Store, userID int64, want float64) {
	t.Helper()
	balance, err := store.TokenBalance(context.Background(), nil, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(want)),
		"user %d: want balance %v, got %s", userID, want, balance)
}

func TestMintCreatesComplementaryShares(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	yesBuyer := seedUser(t, store, 100)
	noBuyer := seedUser(t, store, 100)
	market := seedMarket(t, store, yesBuyer.ID)

	first, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, yesBuyer.ID, models.SideYes, models.OrderTypeBuy, 0.60, 3))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, first.Status)

	second, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, noBuyer.ID, models.SideNo, models.OrderTypeBuy, 0.40, 3))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, second.Status)

	// Both legs paid their own price; 3 new share pairs exist.
	requireBalance(t, store, yesBuyer.ID, 100-1.80)
	requireBalance(t, store, noBuyer.ID, 100-1.20)

	yesPos, err := store.GetPosition(ctx, nil, yesBuyer.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, yesPos)
	assert.Equal(t, int64(3), yesPos.YesShares)
	assert.True(t, yesPos.AvgYesPrice.Equal(decimal.NewFromFloat(0.60)))

	noPos, err := store.GetPosition(ctx, nil, noBuyer.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, noPos)
	assert.Equal(t, int64(3), noPos.NoShares)
	assert.True(t, noPos.AvgNoPrice.Equal(decimal.NewFromFloat(0.40)))

	trades, err := store.TradesByMarket(ctx, market.ID, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeKindMint, trades[0].Kind)
	assert.Equal(t, int64(3), trades[0].Quantity)

	// Volume counts one token per minted pair.
	m, err := eng.GetMarket(ctx, market.ID)
	require.NoError(t, err)
	assert.True(t, m.TotalVolume.Equal(decimal.NewFromInt(3)), "got %s", m.TotalVolume)
}

func TestNoMintWhenPricesDoNotSumToOne(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	a := seedUser(t, store, 100)
	b := seedUser(t, store, 100)
	market := seedMarket(t, store, a.ID)

	first, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, a.ID, models.SideYes, models.OrderTypeBuy, 0.40, 5))
	require.NoError(t, err)
	second, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, b.ID, models.SideNo, models.OrderTypeBuy, 0.55, 5))
	require.NoError(t, err)

	// 0.40 + 0.55 < 1: both rest untouched.
	assert.Equal(t, models.OrderStatusOpen, first.Status)
	assert.Equal(t, models.OrderStatusOpen, second.Status)
	requireBalance(t, store, a.ID, 100)
	requireBalance(t, store, b.ID, 100)
}

// mintShares gives buyer qty shares of side at price by pairing it with
// a throwaway counterparty on the opposite side.
func mintShares(t *testing.T, eng *Engine, store *ledger.Store, marketID, buyerID int64, side models.Side, price float64, qty int64) {
	t.Helper()
	ctx := context.Background()
	counterparty := seedUser(t, store, float64(qty))

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(marketID, buyerID, side, models.OrderTypeBuy, price, qty))
	require.NoError(t, err)
	filled, err := eng.SubmitLimitOrder(ctx, limitOrder(marketID, counterparty.ID, side.Opposite(), models.OrderTypeBuy, 1-price, qty))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, filled.Status, "mint seed did not fill")
}

func TestMatchExecutesAtMakerPrice(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	seller := seedUser(t, store, 100)
	buyer := seedUser(t, store, 100)
	market := seedMarket(t, store, seller.ID)
	mintShares(t, eng, store, market.ID, seller.ID, models.SideYes, 0.60, 4)

	ask, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, seller.ID, models.SideYes, models.OrderTypeSell, 0.55, 4))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, ask.Status)

	bid, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, buyer.ID, models.SideYes, models.OrderTypeBuy, 0.60, 4))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, bid.Status)

	// Execution at the resting ask's price, not the taker's.
	requireBalance(t, store, buyer.ID, 100-2.20)
	requireBalance(t, store, seller.ID, 100-2.40+2.20)

	pos, err := store.GetPosition(ctx, nil, buyer.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(4), pos.YesShares)
	assert.True(t, pos.AvgYesPrice.Equal(decimal.NewFromFloat(0.55)))

	sellerPos, err := store.GetPosition(ctx, nil, seller.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, sellerPos)
	assert.Equal(t, int64(0), sellerPos.YesShares)
}

func TestMintFIFOAtSamePrice(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	first := seedUser(t, store, 100)
	second := seedUser(t, store, 100)
	taker := seedUser(t, store, 100)
	market := seedMarket(t, store, first.ID)

	firstOrder, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, first.ID, models.SideYes, models.OrderTypeBuy, 0.60, 3))
	require.NoError(t, err)
	secondOrder, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, second.ID, models.SideYes, models.OrderTypeBuy, 0.60, 3))
	require.NoError(t, err)

	takerOrder, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, taker.ID, models.SideNo, models.OrderTypeBuy, 0.40, 4))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, takerOrder.Status)

	// Oldest resting order fills completely before the next one starts.
	reloaded, err := eng.GetOrder(ctx, firstOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, reloaded.Status)

	reloaded, err = eng.GetOrder(ctx, secondOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartial, reloaded.Status)
	assert.Equal(t, int64(1), reloaded.FilledQuantity)
}

func TestMatchFIFOAtSamePrice(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	first := seedUser(t, store, 100)
	second := seedUser(t, store, 100)
	buyer := seedUser(t, store, 100)
	market := seedMarket(t, store, first.ID)
	mintShares(t, eng, store, market.ID, first.ID, models.SideYes, 0.50, 3)
	mintShares(t, eng, store, market.ID, second.ID, models.SideYes, 0.50, 3)

	firstAsk, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, first.ID, models.SideYes, models.OrderTypeSell, 0.55, 3))
	require.NoError(t, err)
	secondAsk, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, second.ID, models.SideYes, models.OrderTypeSell, 0.55, 3))
	require.NoError(t, err)

	bid, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, buyer.ID, models.SideYes, models.OrderTypeBuy, 0.60, 4))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, bid.Status)

	// The earlier ask at the level fills completely before the later
	// one is touched.
	reloaded, err := eng.GetOrder(ctx, firstAsk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, reloaded.Status)

	reloaded, err = eng.GetOrder(ctx, secondAsk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartial, reloaded.Status)
	assert.Equal(t, int64(1), reloaded.FilledQuantity)

	// All four fills executed at the makers' 0.55.
	requireBalance(t, store, buyer.ID, 100-2.20)
}

func TestMatchSkipsUnderfundedMaker(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	seller := seedUser(t, store, 100)
	broke := seedUser(t, store, 10)
	funded := seedUser(t, store, 10)
	market := seedMarket(t, store, seller.ID)
	mintShares(t, eng, store, market.ID, seller.ID, models.SideYes, 0.50, 5)

	brokeBid, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, broke.ID, models.SideYes, models.OrderTypeBuy, 0.60, 2))
	require.NoError(t, err)
	fundedBid, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, funded.ID, models.SideYes, models.OrderTypeBuy, 0.55, 2))
	require.NoError(t, err)

	// No funds are locked for resting bids, so the best bid's owner
	// can spend the money out from under it.
	require.NoError(t, store.AdjustTokenBalance(ctx, nil, broke.ID, decimal.NewFromFloat(-9.90)))

	ask, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, seller.ID, models.SideYes, models.OrderTypeSell, 0.50, 2))
	require.NoError(t, err)

	// The underfunded best bid is skipped, not failed; the taker fills
	// against the next maker at that maker's price.
	assert.Equal(t, models.OrderStatusFilled, ask.Status)

	reloaded, err := eng.GetOrder(ctx, brokeBid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, reloaded.Status)
	assert.Equal(t, int64(0), reloaded.FilledQuantity)

	reloaded, err = eng.GetOrder(ctx, fundedBid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, reloaded.Status)

	requireBalance(t, store, broke.ID, 0.10)
	requireBalance(t, store, funded.ID, 10-1.10)
	requireBalance(t, store, seller.ID, 100-2.50+1.10)

	pos, err := store.GetPosition(ctx, nil, funded.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(2), pos.YesShares)
	assert.True(t, pos.AvgYesPrice.Equal(decimal.NewFromFloat(0.55)))
}

func TestMintSkipsUnderfundedCandidate(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	broke := seedUser(t, store, 10)
	funded := seedUser(t, store, 10)
	taker := seedUser(t, store, 10)
	market := seedMarket(t, store, broke.ID)

	brokeBid, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, broke.ID, models.SideNo, models.OrderTypeBuy, 0.40, 3))
	require.NoError(t, err)
	fundedBid, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, funded.ID, models.SideNo, models.OrderTypeBuy, 0.40, 3))
	require.NoError(t, err)

	// Drain the older candidate below its 1.20 leg.
	require.NoError(t, store.AdjustTokenBalance(ctx, nil, broke.ID, decimal.NewFromFloat(-9.50)))

	takerOrder, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, taker.ID, models.SideYes, models.OrderTypeBuy, 0.60, 3))
	require.NoError(t, err)

	// The oldest complement candidate cannot cover its leg and is
	// skipped; the younger one mints the full pair.
	assert.Equal(t, models.OrderStatusFilled, takerOrder.Status)

	reloaded, err := eng.GetOrder(ctx, brokeBid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, reloaded.Status)
	assert.Equal(t, int64(0), reloaded.FilledQuantity)

	reloaded, err = eng.GetOrder(ctx, fundedBid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, reloaded.Status)

	requireBalance(t, store, broke.ID, 0.50)
	requireBalance(t, store, funded.ID, 10-1.20)
	requireBalance(t, store, taker.ID, 10-1.80)

	trades, err := store.TradesByMarket(ctx, market.ID, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeKindMint, trades[0].Kind)
	assert.Equal(t, int64(3), trades[0].Quantity)
}

func TestMarketBuySweepsAsks(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	seller := seedUser(t, store, 100)
	buyer := seedUser(t, store, 100)
	market := seedMarket(t, store, seller.ID)
	mintShares(t, eng, store, market.ID, seller.ID, models.SideYes, 0.50, 10)

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, seller.ID, models.SideYes, models.OrderTypeSell, 0.50, 5))
	require.NoError(t, err)
	_, err = eng.SubmitLimitOrder(ctx, limitOrder(market.ID, seller.ID, models.SideYes, models.OrderTypeSell, 0.60, 5))
	require.NoError(t, err)

	result, err := eng.ExecuteMarketOrder(ctx, &models.MarketOrderRequest{
		MarketID:  market.ID,
		UserID:    buyer.ID,
		Side:      models.SideYes,
		OrderType: models.OrderTypeBuy,
		Amount:    decimal.NewFromFloat(5.00),
	})
	require.NoError(t, err)

	// 5 @ 0.50 = 2.50, then floor(2.50 / 0.60) = 4 @ 0.60 = 2.40.
	assert.Equal(t, int64(9), result.SharesFilled)
	assert.True(t, result.TokensSpent.Equal(decimal.NewFromFloat(4.90)), "got %s", result.TokensSpent)
	requireBalance(t, store, buyer.ID, 100-4.90)

	pos, err := store.GetPosition(ctx, nil, buyer.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(9), pos.YesShares)
}

func TestMarketBuyFallbackMint(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	noBuyer := seedUser(t, store, 100)
	buyer := seedUser(t, store, 100)
	market := seedMarket(t, store, noBuyer.ID)

	// No asks anywhere. A NO bid rests at the exact complement of the
	// fallback price (midpoint 0.5 + one tick).
	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, noBuyer.ID, models.SideNo, models.OrderTypeBuy, 0.49, 10))
	require.NoError(t, err)

	result, err := eng.ExecuteMarketOrder(ctx, &models.MarketOrderRequest{
		MarketID:  market.ID,
		UserID:    buyer.ID,
		Side:      models.SideYes,
		OrderType: models.OrderTypeBuy,
		Amount:    decimal.NewFromFloat(3.00),
	})
	require.NoError(t, err)

	// floor(3.00 / 0.5) = 6 shares at 0.51 each.
	assert.Equal(t, int64(6), result.SharesFilled)
	assert.True(t, result.TokensSpent.Equal(decimal.NewFromFloat(3.06)), "got %s", result.TokensSpent)

	pos, err := store.GetPosition(ctx, nil, buyer.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(6), pos.YesShares)

	// The transient order must not stay on the book.
	orders, err := eng.OrdersByUser(ctx, buyer.ID, true)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMarketSellSweepsBids(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	seller := seedUser(t, store, 100)
	bidder := seedUser(t, store, 100)
	market := seedMarket(t, store, seller.ID)
	mintShares(t, eng, store, market.ID, seller.ID, models.SideYes, 0.50, 6)

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, bidder.ID, models.SideYes, models.OrderTypeBuy, 0.45, 4))
	require.NoError(t, err)

	result, err := eng.ExecuteMarketOrder(ctx, &models.MarketOrderRequest{
		MarketID:  market.ID,
		UserID:    seller.ID,
		Side:      models.SideYes,
		OrderType: models.OrderTypeSell,
		Amount:    decimal.NewFromInt(4),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.SharesFilled)
	assert.True(t, result.TokensSpent.Equal(decimal.NewFromFloat(1.80)), "got %s", result.TokensSpent)

	pos, err := store.GetPosition(ctx, nil, seller.ID, market.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(2), pos.YesShares)
}

func TestMarketSellRequiresShares(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	user := seedUser(t, store, 100)
	market := seedMarket(t, store, user.ID)

	_, err := eng.ExecuteMarketOrder(context.Background(), &models.MarketOrderRequest{
		MarketID:  market.ID,
		UserID:    user.ID,
		Side:      models.SideYes,
		OrderType: models.OrderTypeSell,
		Amount:    decimal.NewFromInt(5),
	})
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestSubmitPreconditions(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	poor := seedUser(t, store, 1)
	market := seedMarket(t, store, poor.ID)

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, poor.ID, models.SideYes, models.OrderTypeBuy, 0.60, 10))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = eng.SubmitLimitOrder(ctx, limitOrder(market.ID, poor.ID, models.SideYes, models.OrderTypeSell, 0.60, 1))
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestResolveMarketPaysWinningSide(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	yesHolder := seedUser(t, store, 100)
	market := seedMarket(t, store, yesHolder.ID)
	mintShares(t, eng, store, market.ID, yesHolder.ID, models.SideYes, 0.60, 10)

	// Leave an open order to verify cancellation on resolve.
	open, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, yesHolder.ID, models.SideYes, models.OrderTypeBuy, 0.30, 2))
	require.NoError(t, err)

	paid, err := eng.ResolveMarket(ctx, market.ID, models.SideYes)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)

	// 10 winning shares pay 10 tokens on top of the 6.00 spent minting.
	requireBalance(t, store, yesHolder.ID, 100-6.00+10)

	reloaded, err := eng.GetOrder(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, reloaded.Status)

	m, err := eng.GetMarket(ctx, market.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MarketStatusResolved, m.Status)
	require.NotNil(t, m.ResolvedOutcome)
	assert.Equal(t, models.SideYes, *m.ResolvedOutcome)

	// A settled market accepts no further orders.
	_, err = eng.SubmitLimitOrder(ctx, limitOrder(market.ID, yesHolder.ID, models.SideYes, models.OrderTypeBuy, 0.50, 1))
	assert.ErrorIs(t, err, ErrMarketNotActive)

	_, err = eng.ResolveMarket(ctx, market.ID, models.SideNo)
	assert.ErrorIs(t, err, ErrMarketNotActive)
}

func TestDeleteMarketRefundsParticipants(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	holder := seedUser(t, store, 100)
	bidder := seedUser(t, store, 100)
	market := seedMarket(t, store, holder.ID)
	mintShares(t, eng, store, market.ID, holder.ID, models.SideYes, 0.60, 3)

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, bidder.ID, models.SideYes, models.OrderTypeBuy, 0.30, 2))
	require.NoError(t, err)

	result, err := eng.DeleteMarket(ctx, market.ID)
	require.NoError(t, err)

	// Position refunded at cost. The open bid is refunded at its limit
	// price even though no funds were locked for it.
	requireBalance(t, store, holder.ID, 100)
	requireBalance(t, store, bidder.ID, 100.60)
	assert.GreaterOrEqual(t, result.UsersRefunded, 1)

	_, err = eng.GetMarket(ctx, market.ID)
	assert.ErrorIs(t, err, ErrMarketNotFound)

	orders, err := eng.OrdersByUser(ctx, bidder.ID, false)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCancelOrderOwnership(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	owner := seedUser(t, store, 100)
	stranger := seedUser(t, store, 100)
	market := seedMarket(t, store, owner.ID)

	order, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, owner.ID, models.SideYes, models.OrderTypeBuy, 0.40, 2))
	require.NoError(t, err)

	_, err = eng.CancelOrder(ctx, order.ID, stranger.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	cancelled, err := eng.CancelOrder(ctx, order.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	_, err = eng.CancelOrder(ctx, order.ID, owner.ID)
	assert.ErrorIs(t, err, ErrOrderNotCancelable)

	_, err = eng.CancelOrder(ctx, order.ID+99999, owner.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderbookSnapshotAggregatesLevels(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	a := seedUser(t, store, 100)
	b := seedUser(t, store, 100)
	market := seedMarket(t, store, a.ID)

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, a.ID, models.SideYes, models.OrderTypeBuy, 0.40, 3))
	require.NoError(t, err)
	_, err = eng.SubmitLimitOrder(ctx, limitOrder(market.ID, b.ID, models.SideYes, models.OrderTypeBuy, 0.40, 2))
	require.NoError(t, err)
	_, err = eng.SubmitLimitOrder(ctx, limitOrder(market.ID, b.ID, models.SideYes, models.OrderTypeBuy, 0.35, 1))
	require.NoError(t, err)

	ob, err := eng.Snapshot(ctx, market.ID)
	require.NoError(t, err)

	require.Len(t, ob.Yes.Bids, 2)
	assert.True(t, ob.Yes.Bids[0].Price.Equal(decimal.NewFromFloat(0.40)))
	assert.Equal(t, int64(5), ob.Yes.Bids[0].Quantity)
	assert.True(t, ob.Yes.Bids[1].Price.Equal(decimal.NewFromFloat(0.35)))
	assert.Empty(t, ob.Yes.Asks)

	// Bid-only YES book: midpoint is the best bid. NO book is empty.
	assert.True(t, ob.MidpointYes.Equal(decimal.NewFromFloat(0.40)), "got %s", ob.MidpointYes)
	assert.True(t, ob.MidpointNo.Equal(decimal.NewFromFloat(0.5)), "got %s", ob.MidpointNo)

	// Midpoints are persisted onto the market row.
	m, err := eng.GetMarket(ctx, market.ID)
	require.NoError(t, err)
	assert.True(t, m.CurrentYesPrice.Equal(decimal.NewFromFloat(0.40)))
}

func TestEventsFlowThroughBusAfterCommit(t *testing.T) {
	_, store, _ := newTestEngine(t)
	ctx := context.Background()

	bus := events.NewBus(16)
	defer bus.Close()
	eng := New(store, zap.NewNop(), bus)

	a := seedUser(t, store, 100)
	b := seedUser(t, store, 100)
	market := seedMarket(t, store, a.ID)
	ch := bus.Subscribe(market.ID)

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, a.ID, models.SideYes, models.OrderTypeBuy, 0.60, 2))
	require.NoError(t, err)

	// A resting order publishes only the book refresh.
	ev := <-ch
	assert.Equal(t, events.EventOrderbookUpdate, ev.Name)

	_, err = eng.SubmitLimitOrder(ctx, limitOrder(market.ID, b.ID, models.SideNo, models.OrderTypeBuy, 0.40, 2))
	require.NoError(t, err)

	// The mint publishes its trade first, then the book update.
	ev = <-ch
	require.Equal(t, events.EventTradeExecuted, ev.Name)
	trade, ok := ev.Data.(events.TradeExecuted)
	require.True(t, ok)
	assert.Equal(t, int64(2), trade.Quantity)
	assert.Equal(t, string(models.TradeKindMint), trade.TradeType)

	ev = <-ch
	assert.Equal(t, events.EventOrderbookUpdate, ev.Name)
}

func TestPortfolioAggregation(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	holder := seedUser(t, store, 100)
	market := seedMarket(t, store, holder.ID)
	mintShares(t, eng, store, market.ID, holder.ID, models.SideYes, 0.60, 2)

	_, err := eng.SubmitLimitOrder(ctx, limitOrder(market.ID, holder.ID, models.SideYes, models.OrderTypeBuy, 0.25, 1))
	require.NoError(t, err)

	portfolio, err := eng.Portfolio(ctx, holder.ID)
	require.NoError(t, err)

	assert.True(t, portfolio.TokenBalance.Equal(decimal.NewFromFloat(100-1.20-0)), "got %s", portfolio.TokenBalance)
	require.Len(t, portfolio.Positions, 1)
	assert.Equal(t, int64(2), portfolio.Positions[0].YesShares)
	assert.Equal(t, "test market", portfolio.Positions[0].MarketTitle)
	require.Len(t, portfolio.OpenOrders, 1)
	assert.Equal(t, models.OrderStatusOpen, portfolio.OpenOrders[0].Status)
}
