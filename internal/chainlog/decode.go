// Package chainlog decodes OrderFilled log events emitted by the exchange
// contract into canonical trade fields, per SPEC_FULL.md §4.1 and §6.
package chainlog

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"copytrader/pkg/types"
)

// OrderFilledSignature is topic0 for the OrderFilled event.
const OrderFilledSignature = "0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6"

// Log is the minimal shape of a subscribed RPC log notification.
type Log struct {
	Address     common.Address
	Topics      []common.Hash // [0]=signature, [1]=orderHash, [2]=maker, [3]=taker
	Data        []byte        // 5 ABI-encoded uint256 words
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool
	BlockNumber uint64
}

// OrderFilled is the decoded, venue-agnostic representation of one fill.
type OrderFilled struct {
	OrderHash         common.Hash
	Maker             common.Address
	Taker             common.Address
	MakerAssetID      *big.Int
	TakerAssetID      *big.Int
	MakerAmountFilled *big.Int
	TakerAmountFilled *big.Int
	Fee               *big.Int
}

// ErrMalformedLog is returned when a log does not have the expected topic/data shape.
type ErrMalformedLog struct {
	Reason string
}

func (e *ErrMalformedLog) Error() string {
	return fmt.Sprintf("malformed OrderFilled log: %s", e.Reason)
}

// DecodeOrderFilled parses the three indexed topics and five non-indexed
// uint256 words of an OrderFilled log.
func DecodeOrderFilled(l Log) (*OrderFilled, error) {
	if len(l.Topics) != 4 {
		return nil, &ErrMalformedLog{Reason: fmt.Sprintf("expected 4 topics, got %d", len(l.Topics))}
	}
	if len(l.Data) != 5*32 {
		return nil, &ErrMalformedLog{Reason: fmt.Sprintf("expected 160 data bytes, got %d", len(l.Data))}
	}

	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(l.Data[i*32 : (i+1)*32])
	}

	return &OrderFilled{
		OrderHash:         l.Topics[1],
		Maker:             common.BytesToAddress(l.Topics[2].Bytes()),
		Taker:             common.BytesToAddress(l.Topics[3].Bytes()),
		MakerAssetID:      word(0),
		TakerAssetID:      word(1),
		MakerAmountFilled: word(2),
		TakerAmountFilled: word(3),
		Fee:               word(4),
	}, nil
}

// AddressTopic left-pads a 20-byte address with 12 zero bytes to form a
// 32-byte topic filter value, per SPEC_FULL.md §6.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// Decoded is the canonical-trade-shaped result of attributing and scoring an OrderFilled event.
type Decoded struct {
	Side             types.Side
	PriceMicros      int64
	NotionalMicros   int64
	ShareMicros      int64
	FeeMicros        int64
	OutcomeAssetID   string
	AttributedWallet common.Address
	IsProxy          bool
}

// TrackedWallets is an immutable snapshot of tracked wallets, published by the
// 60s wallet-refresh task and read concurrently by the decode path
// (SPEC_FULL.md §5, "Tracked-wallet map").
type TrackedWallets struct {
	// walletToUser maps lower-cased wallet address to followed user id.
	walletToUser map[string]string
	// proxyWallets is the set of lower-cased wallet addresses that are proxies
	// (as opposed to the leader's primary profileWallet).
	proxyWallets map[string]bool
}

// NewTrackedWallets builds an immutable snapshot from followed users and
// their proxy wallets.
func NewTrackedWallets(users []types.FollowedUser, proxies []types.FollowedUserProxyWallet) *TrackedWallets {
	w2u := make(map[string]string, len(users)+len(proxies))
	proxySet := make(map[string]bool, len(proxies))
	for _, u := range users {
		if !u.Enabled {
			continue
		}
		w2u[strings.ToLower(u.ProfileWallet)] = u.ID
	}
	for _, p := range proxies {
		wallet := strings.ToLower(p.Wallet)
		w2u[wallet] = p.FollowedUserID
		proxySet[wallet] = true
	}
	return &TrackedWallets{walletToUser: w2u, proxyWallets: proxySet}
}

// WalletTopics returns the 32-byte left-padded topic filter value for every
// tracked wallet (profile wallets and proxy wallets alike), for anchoring an
// eth_subscribe logs filter on the maker or taker topic slot (the maker/taker
// topic-position filters of SPEC_FULL.md §4.1).
func (t *TrackedWallets) WalletTopics() []string {
	out := make([]string, 0, len(t.walletToUser))
	for wallet := range t.walletToUser {
		out = append(out, AddressTopic(common.HexToAddress(wallet)).Hex())
	}
	return out
}

func (t *TrackedWallets) lookup(addr common.Address) (userID string, isProxy, ok bool) {
	wallet := strings.ToLower(addr.Hex())
	userID, ok = t.walletToUser[wallet]
	if !ok {
		return "", false, false
	}
	return userID, t.proxyWallets[wallet], true
}

// Attribute matches maker and taker against the tracked-wallet snapshot and
// derives side/price/notional/shares for the attributed wallet, per
// SPEC_FULL.md §4.1. Returns ok=false when neither wallet matches (the event
// is dropped) or when neither asset id is the collateral asset (invalid data).
func Attribute(ev *OrderFilled, wallets *TrackedWallets) (userID string, decoded Decoded, ok bool) {
	makerUserID, makerIsProxy, makerOK := wallets.lookup(ev.Maker)
	takerUserID, takerIsProxy, takerOK := wallets.lookup(ev.Taker)

	var attributedAddr common.Address
	var isProxy bool

	switch {
	case makerOK && takerOK:
		// Tie-break prefers the non-proxy.
		if makerIsProxy && !takerIsProxy {
			userID, isProxy, attributedAddr = takerUserID, takerIsProxy, ev.Taker
		} else {
			userID, isProxy, attributedAddr = makerUserID, makerIsProxy, ev.Maker
		}
	case makerOK:
		userID, isProxy, attributedAddr = makerUserID, makerIsProxy, ev.Maker
	case takerOK:
		userID, isProxy, attributedAddr = takerUserID, takerIsProxy, ev.Taker
	default:
		return "", Decoded{}, false
	}

	const collateral = "0"
	makerIsCollateral := ev.MakerAssetID.String() == collateral
	takerIsCollateral := ev.TakerAssetID.String() == collateral
	if makerIsCollateral == takerIsCollateral {
		// Invalid data: neither or both sides are collateral.
		return "", Decoded{}, false
	}

	var collateralAmount, tokenAmount *big.Int
	var outcomeAssetID string
	var walletGaveCollateral bool

	if makerIsCollateral {
		collateralAmount = ev.MakerAmountFilled
		tokenAmount = ev.TakerAmountFilled
		outcomeAssetID = ev.TakerAssetID.String()
		walletGaveCollateral = attributedAddr == ev.Maker
	} else {
		collateralAmount = ev.TakerAmountFilled
		tokenAmount = ev.MakerAmountFilled
		outcomeAssetID = ev.MakerAssetID.String()
		walletGaveCollateral = attributedAddr == ev.Taker
	}

	side := types.Sell
	if walletGaveCollateral {
		side = types.Buy
	}

	price := types.PriceMicros(collateralAmount.Int64(), tokenAmount.Int64())

	return userID, Decoded{
		Side:             side,
		PriceMicros:      price,
		NotionalMicros:   collateralAmount.Int64(),
		ShareMicros:      tokenAmount.Int64(),
		FeeMicros:        ev.Fee.Int64(),
		OutcomeAssetID:   outcomeAssetID,
		AttributedWallet: attributedAddr,
		IsProxy:          isProxy,
	}, true
}
