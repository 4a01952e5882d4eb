package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome side a share or order refers to.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderType represents the direction of an order (buy or sell shares).
type OrderType string

const (
	OrderTypeBuy  OrderType = "BUY"
	OrderTypeSell OrderType = "SELL"
)

// OrderStatus represents the current status of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusResolved MarketStatus = "resolved"
)

// TradeKind distinguishes book crosses from share minting. MINT trades
// carry two BUY order refs, so callers must tag by kind rather than by
// which ref is present.
type TradeKind string

const (
	TradeKindMatch TradeKind = "MATCH"
	TradeKindMint  TradeKind = "MINT"
)

// Market is a binary YES/NO prediction market.
type Market struct {
	ID              int64           `json:"id" db:"id"`
	Title           string          `json:"title" db:"title"`
	Description     string          `json:"description" db:"description"`
	CreatedBy       int64           `json:"created_by" db:"created_by"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ResolutionDate  time.Time       `json:"resolution_date" db:"resolution_date"`
	Status          MarketStatus    `json:"status" db:"status"`
	ResolvedOutcome *Side           `json:"resolved_outcome,omitempty" db:"resolved_outcome"`
	CurrentYesPrice decimal.Decimal `json:"current_yes_price" db:"current_yes_price"`
	CurrentNoPrice  decimal.Decimal `json:"current_no_price" db:"current_no_price"`
	TotalVolume     decimal.Decimal `json:"total_volume" db:"total_volume"`
}

// Order is a limit order resting on or crossing the book.
type Order struct {
	ID             int64           `json:"id" db:"id"`
	MarketID       int64           `json:"market_id" db:"market_id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	Side           Side            `json:"side" db:"side"`
	OrderType      OrderType       `json:"order_type" db:"order_type"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	FilledQuantity int64           `json:"filled_quantity" db:"filled_quantity"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unfilled share count.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Trade is an immutable execution record. Order refs are nil for the
// synthetic leg of a market-order sweep.
type Trade struct {
	ID            int64           `json:"id" db:"id"`
	MarketID      int64           `json:"market_id" db:"market_id"`
	BuyOrderID    *int64          `json:"buy_order_id,omitempty" db:"buy_order_id"`
	SellOrderID   *int64          `json:"sell_order_id,omitempty" db:"sell_order_id"`
	BuyerID       int64           `json:"buyer_id" db:"buyer_id"`
	SellerID      int64           `json:"seller_id" db:"seller_id"`
	Side          Side            `json:"side" db:"side"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	Kind          TradeKind       `json:"kind" db:"kind"`
	IsMarketOrder bool            `json:"is_market_order" db:"is_market_order"`
	ExecutedAt    time.Time       `json:"executed_at" db:"executed_at"`
}

// Position tracks a user's share holdings in one market, unique per
// (user, market). Debits never touch the average price: cost basis is
// preserved on the remaining shares.
type Position struct {
	ID          int64           `json:"id" db:"id"`
	UserID      int64           `json:"user_id" db:"user_id"`
	MarketID    int64           `json:"market_id" db:"market_id"`
	YesShares   int64           `json:"yes_shares" db:"yes_shares"`
	NoShares    int64           `json:"no_shares" db:"no_shares"`
	AvgYesPrice decimal.Decimal `json:"avg_yes_price" db:"avg_yes_price"`
	AvgNoPrice  decimal.Decimal `json:"avg_no_price" db:"avg_no_price"`
}

// Shares returns the share count on the given side.
func (p *Position) Shares(side Side) int64 {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// User is the token-balance owner. Authentication lives in the external
// user service; the engine only debits and credits the balance.
type User struct {
	ID           int64           `json:"id" db:"id"`
	Email        string          `json:"email" db:"email"`
	Name         string          `json:"name" db:"name"`
	TokenBalance decimal.Decimal `json:"token_balance" db:"token_balance"`
	IsAdmin      bool            `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// CreateOrderRequest is the JSON payload for submitting a limit order.
type CreateOrderRequest struct {
	MarketID  int64           `json:"market_id" validate:"required"`
	UserID    int64           `json:"-"`
	Side      Side            `json:"side" validate:"required,oneof=YES NO"`
	OrderType OrderType       `json:"order_type" validate:"required,oneof=BUY SELL"`
	Price     decimal.Decimal `json:"price" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"required,gt=0"`
}

// MarketOrderRequest is the JSON payload for a market order. Amount is
// a token budget for BUY and a share count for SELL.
type MarketOrderRequest struct {
	MarketID  int64           `json:"market_id" validate:"required"`
	UserID    int64           `json:"-"`
	Side      Side            `json:"side" validate:"required,oneof=YES NO"`
	OrderType OrderType       `json:"order_type" validate:"required,oneof=BUY SELL"`
	Amount    decimal.Decimal `json:"token_amount" validate:"required"`
}

// MarketOrderResult summarizes a market-order sweep. For SELL orders
// TokensSpent holds the proceeds credited to the seller.
type MarketOrderResult struct {
	SharesFilled int64           `json:"shares_filled"`
	TokensSpent  decimal.Decimal `json:"tokens_spent"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Message      string          `json:"message"`
}

// CreateMarketRequest is the JSON payload for creating a market.
type CreateMarketRequest struct {
	Title          string    `json:"title" validate:"required"`
	Description    string    `json:"description" validate:"required"`
	ResolutionDate time.Time `json:"resolution_date" validate:"required"`
}

// ResolveMarketRequest names the winning outcome.
type ResolveMarketRequest struct {
	Outcome Side `json:"outcome" validate:"required,oneof=YES NO"`
}

// CreateUserRequest bootstraps a user record for the external identity
// service.
type CreateUserRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required"`
}

// OrderbookLevel is one aggregated price level.
type OrderbookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// OrderbookSide holds the resting bids and asks for one outcome side.
// Bids are sorted descending by price, asks ascending.
type OrderbookSide struct {
	Bids []OrderbookLevel `json:"bids"`
	Asks []OrderbookLevel `json:"asks"`
}

// Orderbook is the full two-sided snapshot for a market.
type Orderbook struct {
	Yes         OrderbookSide   `json:"YES"`
	No          OrderbookSide   `json:"NO"`
	MidpointYes decimal.Decimal `json:"midpoint_yes"`
	MidpointNo  decimal.Decimal `json:"midpoint_no"`
}

// Midpoint returns the computed midpoint for a side.
func (ob *Orderbook) Midpoint(side Side) decimal.Decimal {
	if side == SideYes {
		return ob.MidpointYes
	}
	return ob.MidpointNo
}

// SideBook returns the book for a side.
func (ob *Orderbook) SideBook(side Side) *OrderbookSide {
	if side == SideYes {
		return &ob.Yes
	}
	return &ob.No
}

// PortfolioPosition is a position annotated with its market title.
type PortfolioPosition struct {
	MarketID    int64           `json:"market_id"`
	MarketTitle string          `json:"market_title"`
	YesShares   int64           `json:"yes_shares"`
	NoShares    int64           `json:"no_shares"`
	AvgYesPrice decimal.Decimal `json:"avg_yes_price"`
	AvgNoPrice  decimal.Decimal `json:"avg_no_price"`
}

// Portfolio is a user's balance, positions and open orders.
type Portfolio struct {
	TokenBalance decimal.Decimal     `json:"token_balance"`
	Positions    []PortfolioPosition `json:"positions"`
	OpenOrders   []Order             `json:"open_orders"`
}

// DeleteMarketResult reports the refund sweep of a market deletion.
type DeleteMarketResult struct {
	TotalRefunded decimal.Decimal `json:"total_refunded"`
	UsersRefunded int             `json:"users_refunded"`
}
