// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — market parameters,
// fills, orders, quotes, and the WebSocket wire payloads they are derived
// from. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Invert returns the opposite side, used to flip taker perspective to maker.
func (s Side) Invert() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // proxy / smart wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TokenRole identifies which complementary outcome token a quantity refers to.
type TokenRole string

const (
	TokenYes TokenRole = "YES"
	TokenNo  TokenRole = "NO"
)

// Other returns the complementary role.
func (r TokenRole) Other() TokenRole {
	if r == TokenYes {
		return TokenNo
	}
	return TokenYes
}

// TickSize represents the price granularity for a market.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// Value returns the tick size as a decimal.Decimal.
func (t TickSize) Value() decimal.Decimal {
	v, err := decimal.NewFromString(string(t))
	if err != nil {
		return decimal.New(1, -2)
	}
	return v
}

// AmountDecimals returns the rounding precision for collateral amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// FillStatus tracks the on-chain/venue lifecycle of a fill. Progression is
// monotone toward CONFIRMED or FAILED; RETRYING is treated as MATCHED when
// applying fills to a position.
type FillStatus string

const (
	FillMatched   FillStatus = "MATCHED"
	FillMined     FillStatus = "MINED"
	FillConfirmed FillStatus = "CONFIRMED"
	FillRetrying  FillStatus = "RETRYING"
	FillFailed    FillStatus = "FAILED"
)

// rank orders FillStatus so a later status can replace an earlier one when
// appendFill is asked to update an existing record in place.
var statusRank = map[FillStatus]int{
	FillMatched:   0,
	FillRetrying:  0,
	FillMined:     1,
	FillConfirmed: 2,
	FillFailed:    3,
}

// IsLaterThan reports whether s supersedes other in the progression used by
// the fill store's idempotent append.
func (s FillStatus) IsLaterThan(other FillStatus) bool {
	return statusRank[s] > statusRank[other]
}

// ————————————————————————————————————————————————————————————————————————
// Market parameters
// ————————————————————————————————————————————————————————————————————————

// MarketParams are immutable for the lifetime of a trading session. Cloned
// by value into each subsystem that needs them.
type MarketParams struct {
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	Tick        TickSize
	NegRisk     bool

	RewardsMinSize   decimal.Decimal // minimum order size (shares) for reward eligibility
	RewardsMaxSpread decimal.Decimal // maximum spread from midpoint (cents) for reward eligibility
	RewardsDailyPool decimal.Decimal // optional; zero if the market carries no reward program
}

// ————————————————————————————————————————————————————————————————————————
// Quotes
// ————————————————————————————————————————————————————————————————————————

// Quote is a single desired order: a side, a tick-aligned price in
// [0.01, 0.99], and a size in shares.
type Quote struct {
	Token TokenRole
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// QuotePair is the output of the quote generator: the two BUY orders the
// engine wants resting (YES at the bid, NO at one minus the ask) under the
// USDC-only dual-BUY quoting style.
type QuotePair struct {
	Yes         Quote
	No          Quote
	Midpoint    decimal.Decimal
	GeneratedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// TrackedOrder is the order tracker's record of an outstanding order we
// placed: which token/side/price/size it represents, and when.
type TrackedOrder struct {
	OrderID   string
	TokenID   string
	Token     TokenRole
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	PlacedAt  time.Time
}

// SignedOrder is the on-chain order format the CLOB API expects. Amounts
// are scaled integer collateral/share units represented as strings to avoid
// precision loss in JSON transport.
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   string        `json:"makerAmount"`
	TakerAmount   string        `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST request body for POST /orders (batch).
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the REST response for one order in a batch POST.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// CancelResponse is returned by DELETE /orders, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// ————————————————————————————————————————————————————————————————————————
// Fills and position
// ————————————————————————————————————————————————————————————————————————

// Fill is a single trade from our perspective: after any taker/maker side
// inversion has already been applied.
type Fill struct {
	ID          string
	TokenID     string
	Token       TokenRole
	ConditionID string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimestampMs int64
	OrderID     string
	Status      FillStatus
}

// PositionState is the derived view over a position tracker's balances.
type PositionState struct {
	YesTokens      decimal.Decimal
	NoTokens       decimal.Decimal
	NetExposure    decimal.Decimal // yes - no
	NeutralPosition decimal.Decimal // min(yes, no)
}

// TokenEconomics is the cumulative (bought, sold, cost, proceeds) for one
// outcome token plus realized P&L via weighted-average cost basis.
type TokenEconomics struct {
	Bought       decimal.Decimal
	Sold         decimal.Decimal
	Cost         decimal.Decimal
	Proceeds     decimal.Decimal
	AvgCost      decimal.Decimal
	RealizedPnL  decimal.Decimal
}

// MarketEconomics bundles per-token economics plus whether it was seeded
// with an operator-provided cost basis (vs. recomputed from zero).
type MarketEconomics struct {
	Yes       TokenEconomics
	No        TokenEconomics
	Seeded    bool
	Incomplete bool
}

// InitialPosition is the position a market started from, either seeded from
// on-chain balances at first sight or reset during reconciliation.
type InitialPosition struct {
	YesTokens decimal.Decimal
	NoTokens  decimal.Decimal
	SetAt     time.Time
}

// PersistedMarketState is the full on-disk document for one conditionId.
type PersistedMarketState struct {
	SchemaVersion   int               `json:"schemaVersion"`
	ConditionID     string            `json:"conditionId"`
	YesTokenID      string            `json:"yesTokenId"`
	NoTokenID       string            `json:"noTokenId"`
	Fills           []Fill            `json:"fills"`
	LastUpdated     time.Time         `json:"lastUpdated"`
	InitialPosition *InitialPosition  `json:"initialPosition,omitempty"`
	Economics       *MarketEconomics  `json:"economics,omitempty"`
	InitialCostBasis *MarketEconomics `json:"initialCostBasis,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Discovery & ranking
// ————————————————————————————————————————————————————————————————————————

// EarningPotential is discovery's computed estimate for one candidate market.
type EarningPotential struct {
	EstimatedDailyEarnings decimal.Decimal
	EarningEfficiency      decimal.Decimal // earning_pct
	EaseOfParticipation    decimal.Decimal // inverse of required minimum size
	TotalScore             decimal.Decimal
	Compatible             bool
	IncompatibleReason     string
}

// RankedMarket is one discovery-pipeline output row.
type RankedMarket struct {
	Params     MarketParams
	Slug       string
	Volume24h  decimal.Decimal
	QEff       decimal.Decimal
	Midpoint   decimal.Decimal
	Potential  EarningPotential
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderBookSnapshot is a point-in-time view of one token's order book.
type OrderBookSnapshot struct {
	AssetID   string
	Bids      []PriceLevel // descending by price (best bid first)
	Asks      []PriceLevel // ascending by price (best ask first)
	Hash      string
	Timestamp time.Time
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// PriceHistoryPoint is one sample from the prices-history endpoint.
type PriceHistoryPoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

// PriceHistoryResponse wraps the prices-history endpoint's payload.
type PriceHistoryResponse struct {
	History []PriceHistoryPoint `json:"history"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single price level delta within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at that level (0 = removed)
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental, level-2 order book update.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSBestBidAskEvent replaces top-of-book without a full snapshot.
type WSBestBidAskEvent struct {
	EventType string `json:"event_type"` // always "best_bid_ask"
	AssetID   string `json:"asset_id"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Timestamp string `json:"timestamp"`
}

// WSLastTradePriceEvent updates the last-trade fallback used by midpoint
// derivation when the book spread is too wide.
type WSLastTradePriceEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSTradeEvent is a fill notification from the user WS channel. Side is the
// *taker's* side as delivered by the venue; callers must invert it when
// Owner == TradeOwner is false (i.e. we were the maker).
type WSTradeEvent struct {
	EventType  string `json:"event_type"` // always "trade"
	ID         string `json:"id"`
	Market     string `json:"market"`
	AssetID    string `json:"asset_id"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Outcome    string `json:"outcome"`
	Status     string `json:"status"`
	Owner      string `json:"owner"`       // our account identifier
	TradeOwner string `json:"trade_owner"` // account identifier that owned the taker leg
	OrderID    string `json:"maker_order_id"`
	Timestamp  string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Outcome         string   `json:"outcome"`
	Owner           string   `json:"owner"`
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"`
}

// WSSubscribeMsg is the initial subscription message for a WS channel.
type WSSubscribeMsg struct {
	Auth                *WSAuth  `json:"auth,omitempty"`
	Type                string   `json:"type"` // "market" or "user"
	Markets             []string `json:"markets,omitempty"`
	AssetIDs            []string `json:"assets_ids,omitempty"`
	CustomFeatureEnabled bool    `json:"custom_feature_enabled,omitempty"`
}

// WSAuth contains the L2 API credentials for authenticating the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg dynamically subscribes/unsubscribes after the initial connect.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
