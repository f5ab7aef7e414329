// Package types defines the canonical data model shared across the copy-trading
// pipeline: followed wallets, trade and activity events, ledger entries, copy
// decisions, and portfolio snapshots. All monetary and price fields are integer
// micros (1_000_000 = 1 unit); basis points use 10_000 = 100%.
package types

import "time"

const (
	// MicrosPerUnit is the scale factor for fixed-point micros arithmetic.
	MicrosPerUnit int64 = 1_000_000
	// BpsDenominator is the scale factor for basis points (10_000 = 100%).
	BpsDenominator int64 = 10_000
	// CollateralAssetID is the well-known asset id representing USDC collateral.
	CollateralAssetID = "0"
)

// Side is the direction of a fill from the attributed wallet's perspective.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// TradeSource identifies which ingestor first observed a trade.
type TradeSource string

const (
	SourceOnchainWS    TradeSource = "ONCHAIN_WS"
	SourcePolymarketAPI TradeSource = "POLYMARKET_API"
)

// EnrichmentStatus tracks asynchronous market-metadata enrichment of a TradeEvent.
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "PENDING"
	EnrichmentEnriched EnrichmentStatus = "ENRICHED"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
)

// ActivityType distinguishes position-changing events reported by the Data API.
type ActivityType string

const (
	ActivityMerge  ActivityType = "MERGE"
	ActivitySplit  ActivityType = "SPLIT"
	ActivityRedeem ActivityType = "REDEEM"
)

// PortfolioScope distinguishes the shadow (per-leader mirror) portfolio from
// the global executable portfolio the copy engine actually simulates into.
type PortfolioScope string

const (
	ScopeShadowUser  PortfolioScope = "SHADOW_USER"
	ScopeExecGlobal  PortfolioScope = "EXEC_GLOBAL"
	// ScopeExecUser is reserved for a future per-leader executable portfolio.
	// No component currently writes this scope.
	ScopeExecUser PortfolioScope = "EXEC_USER"
)

// LedgerEntryType classifies the economic event behind a LedgerEntry.
type LedgerEntryType string

const (
	EntryTradeFill  LedgerEntryType = "TRADE_FILL"
	EntryMerge      LedgerEntryType = "MERGE"
	EntrySplit      LedgerEntryType = "SPLIT"
	EntrySettlement LedgerEntryType = "SETTLEMENT"
)

// Decision is the executor's outcome for a processed group.
type Decision string

const (
	DecisionExecute Decision = "EXECUTE"
	DecisionSkip    Decision = "SKIP"
)

// ReasonCode is a stable string enum attached to a SKIP or informational
// CopyAttempt. Values are never renumbered or reused for a different meaning.
type ReasonCode string

const (
	ReasonSizeBelowMin             ReasonCode = "SIZE_BELOW_MIN"
	ReasonBookUnavailable          ReasonCode = "BOOK_UNAVAILABLE"
	ReasonMarketBlacklisted        ReasonCode = "MARKET_BLACKLISTED"
	ReasonMarketNearClose          ReasonCode = "MARKET_NEAR_CLOSE"
	ReasonSpreadTooWide            ReasonCode = "SPREAD_TOO_WIDE"
	ReasonDepthInsufficient        ReasonCode = "DEPTH_INSUFFICIENT"
	ReasonExposureCapTotal         ReasonCode = "EXPOSURE_CAP_TOTAL"
	ReasonExposureCapMarket        ReasonCode = "EXPOSURE_CAP_MARKET"
	ReasonExposureCapUser          ReasonCode = "EXPOSURE_CAP_USER"
	ReasonCircuitBreakerDaily      ReasonCode = "CIRCUIT_BREAKER_DAILY"
	ReasonCircuitBreakerWeekly     ReasonCode = "CIRCUIT_BREAKER_WEEKLY"
	ReasonCircuitBreakerDrawdown   ReasonCode = "CIRCUIT_BREAKER_DRAWDOWN"
	ReasonBufferFlushBelowMinExec  ReasonCode = "BUFFER_FLUSH_BELOW_MIN_EXEC"
)

// SourceType records which path produced a TradeEventGroup.
type SourceType string

const (
	SourceTypeGroup     SourceType = "GROUP"
	SourceTypeBuffer    SourceType = "BUFFER"
	SourceTypeImmediate SourceType = "IMMEDIATE"
)

// NettingMode governs how SmallTradeBuffer keys and nets buffered fills.
type NettingMode string

const (
	NettingSameSideOnly NettingMode = "sameSideOnly"
	NettingNetBuySell   NettingMode = "netBuySell"
)

// FollowedUser is a leader being mirrored by the copy engine.
type FollowedUser struct {
	ID            string
	ProfileWallet string // lower-case normalized
	Label         string
	Enabled       bool
}

// FollowedUserProxyWallet is a secondary address controlled by the same leader.
type FollowedUserProxyWallet struct {
	Wallet         string // lower-case normalized
	FollowedUserID string
}

// TradeEvent is a canonical record of one fill, from either the on-chain log
// feed or the venue's Data API.
type TradeEvent struct {
	ID               string
	Source           TradeSource
	SourceID         string // API-sourced uniqueness key; empty for on-chain trades
	TxHash           string
	LogIndex         int64
	IsCanonical      bool
	ProfileWallet    string
	ProxyWallet      string
	FollowedUserID   string
	Side             Side
	PriceMicros      int64
	ShareMicros      int64
	NotionalMicros   int64
	FeeMicros        int64
	EventTime        time.Time
	DetectTime       time.Time
	MarketID         string
	AssetID          string
	RawTokenID       string
	ConditionID      string
	EnrichmentStatus EnrichmentStatus
}

// EffectiveTokenID returns rawTokenId if present, else the enrichment-filled assetId.
func (t *TradeEvent) EffectiveTokenID() string {
	if t.RawTokenID != "" {
		return t.RawTokenID
	}
	return t.AssetID
}

// AssetAmount is one leg of an ActivityEvent's payload.
type AssetAmount struct {
	AssetID      string
	AmountMicros int64
}

// ActivityEvent is a MERGE / SPLIT / REDEEM position change reported by the Data API.
type ActivityEvent struct {
	ID                     string
	SourceID               string
	Type                   ActivityType
	ProfileWallet          string
	FollowedUserID         string
	Legs                   []AssetAmount
	CollateralAmountMicros int64
	HasCollateralAmount    bool
	EventTime              time.Time
	DetectTime             time.Time
	TxHash                 string
}

// LedgerEntry is an immutable double-entry line under a portfolio scope.
// Sign convention: BUY => +shares, -cash; SELL => -shares, +cash.
type LedgerEntry struct {
	ID               string
	PortfolioScope   PortfolioScope
	FollowedUserID   string
	MarketID         string
	AssetID          string
	EntryType        LedgerEntryType
	ShareDeltaMicros int64
	CashDeltaMicros  int64
	PriceMicros      int64
	HasPrice         bool
	RefID            string
	CreatedAt        time.Time
}

// CopyAttempt is one executor decision record.
type CopyAttempt struct {
	ID                        string
	PortfolioScope            PortfolioScope
	FollowedUserID            string
	GroupKey                  string
	Decision                  Decision
	ReasonCodes               []ReasonCode
	SourceType                SourceType
	TargetNotionalMicros      int64
	FilledNotionalMicros      int64
	FilledRatioBps            int64
	VwapPriceMicros           int64
	TheirReferencePriceMicros int64
	MidPriceMicrosAtDecision  int64
	BufferedTradeCount        int
	HasBufferedTradeCount     bool
	CreatedAt                 time.Time
}

// ExecutableFill is one price-level fill synthesized by the simulator.
type ExecutableFill struct {
	ID                string
	CopyAttemptID     string
	PriceMicros       int64
	FilledShareMicros int64
	FillNotionalMicros int64
}

// PortfolioSnapshot is a periodic mark of equity/exposure/PnL for a scope.
type PortfolioSnapshot struct {
	ID                   string
	PortfolioScope       PortfolioScope
	FollowedUserID       string
	BucketTime           time.Time
	EquityMicros         int64
	CashMicros           int64
	ExposureMicros       int64
	RealizedPnlMicros    int64
	UnrealizedPnlMicros  int64
}

// SystemCheckpoint is a generic JSON key/value row used for ingestion cursors,
// block checkpoints, and global config snapshots.
type SystemCheckpoint struct {
	Key       string
	ValueJSON string
	UpdatedAt time.Time
}

// TradeEventGroup is the unit of work handed from the Aggregator or
// SmallTradeBuffer to the Executor.
type TradeEventGroup struct {
	FollowedUserID      string
	TokenID             string
	Side                Side
	GroupKey            string
	TotalNotionalMicros int64
	TotalShareMicros    int64
	VwapPriceMicros     int64
	EarliestDetectTime  time.Time
	TradeEventIDs       []string
	SourceType          SourceType
	BufferedTradeCount  int
	HasBufferedTradeCount bool
}

// ConfigScope distinguishes a GLOBAL default overlay from a per-leader USER
// overlay in the guardrail/sizing config tables.
type ConfigScope string

const (
	ConfigScopeGlobal ConfigScope = "GLOBAL"
	ConfigScopeUser    ConfigScope = "USER"
)

// GuardrailConfig bounds the Executor's per-decision risk checks. A zero
// value for any *Bps/*Micros/*Minutes field means "use the compiled default",
// never "zero the limit" — ConfigResolver's overlay merge is field-wise and
// only overwrites fields explicitly present in a stored row.
type GuardrailConfig struct {
	MaxWorseningVsTheirFillMicros int64
	MaxOverMidMicros              int64
	MaxSpreadMicros               int64
	MinDepthMultiplierBps         int64
	DecisionLatencyMs             int64
	JitterMsMax                   int64
	NoNewOpensWithinMinutesToClose int64
	MaxTotalExposureBps           int64
	MaxExposurePerMarketBps       int64
	MaxExposurePerUserBps         int64
	DailyLossLimitBps             int64
	WeeklyLossLimitBps            int64
	MaxDrawdownLimitBps           int64
}

// CopySizingConfig scales a leader's notional into the copy engine's target
// notional.
type CopySizingConfig struct {
	CopyPctNotionalBps   int64
	MinTradeNotionalMicros int64
	MaxTradeNotionalMicros int64
	MaxTradeBankrollBps  int64
}

// SmallTradeBufferConfig tunes whether and how sub-threshold fills are netted
// before being handed to the Executor.
type SmallTradeBufferConfig struct {
	Enabled                 bool
	NotionalThresholdMicros int64
	FlushMinNotionalMicros  int64
	MinExecNotionalMicros   int64
	MaxBufferMs             int64
	QuietFlushMs            int64
	NettingMode             NettingMode
}

// EffectiveConfig is the fully-merged, ready-to-use config ConfigResolver
// hands to the Aggregator, SmallTradeBuffer, and Executor.
type EffectiveConfig struct {
	Guardrails           GuardrailConfig
	Sizing               CopySizingConfig
	SmallTradeBuffering  SmallTradeBufferConfig
}

// ClampMicros clamps a price to the valid [0, MicrosPerUnit] probability range.
func ClampMicros(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > MicrosPerUnit {
		return MicrosPerUnit
	}
	return v
}

// PriceMicros computes price = collateralAmount * 1e6 / tokenAmount, clamped.
// Returns 0 (never NaN, never divide-by-zero) when tokenAmount is 0.
func PriceMicros(collateralAmount, tokenAmount int64) int64 {
	if tokenAmount == 0 {
		return 0
	}
	return ClampMicros((collateralAmount * MicrosPerUnit) / tokenAmount)
}

// VWAPMicros computes volume-weighted average price in integer micros.
// Returns 0 when shares is 0.
func VWAPMicros(notionalMicros, shareMicros int64) int64 {
	if shareMicros == 0 {
		return 0
	}
	return (notionalMicros * MicrosPerUnit) / shareMicros
}

// BpsOf returns floor(amount * bps / BpsDenominator).
func BpsOf(amount, bps int64) int64 {
	return (amount * bps) / BpsDenominator
}
