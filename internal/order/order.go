// Package order defines the swap and order records exchanged with the
// orderbook.
//
// A MatchedOrder pairs the user's CreateOrder with the two swap legs the
// backend created once a counterparty was found. After matching,
// CreateOrder never changes and each leg only gains observations: a
// transaction hash appears first, its block number once the chain
// confirms it. The single exception is the Bitcoin leg, whose hash may be
// replaced while unconfirmed (replace-by-fee).
package order

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/pkg/helpers"
)

// Model errors
var (
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidSecretHash = errors.New("secret hash must be 32 bytes")
	ErrImmutable         = errors.New("create order is immutable once matched")
	ErrHashCleared       = errors.New("observed transaction hash cannot be cleared")
	ErrOrderMismatch     = errors.New("update belongs to a different order")
)

// Leg identifies one side of a swap.
type Leg int

const (
	Source Leg = iota
	Destination
)

func (l Leg) String() string {
	if l == Destination {
		return "destination"
	}
	return "source"
}

// PerformOn is the relay's name for the leg.
func (l Leg) PerformOn() string {
	if l == Destination {
		return "Destination"
	}
	return "Source"
}

// BlockNumber is a block height where 0 means "not confirmed". The
// orderbook sends it either as a number or a numeric string.
type BlockNumber uint64

// UnmarshalJSON accepts numbers, numeric strings and null.
func (b *BlockNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*b = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid block number %q: %w", s, err)
	}
	*b = BlockNumber(n)
	return nil
}

// Swap is one HTLC leg.
type Swap struct {
	SwapID       string          `json:"swap_id"`
	Chain        chain.Chain     `json:"chain"`
	Asset        string          `json:"asset"`
	Initiator    string          `json:"initiator"`
	Redeemer     string          `json:"redeemer"`
	Amount       decimal.Decimal `json:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Timelock     uint64          `json:"timelock"`
	SecretHash   string          `json:"secret_hash"`
	Secret       string          `json:"secret,omitempty"`

	InitiateTxHash      string      `json:"initiate_tx_hash"`
	InitiateBlockNumber BlockNumber `json:"initiate_block_number"`
	RedeemTxHash        string      `json:"redeem_tx_hash"`
	RedeemBlockNumber   BlockNumber `json:"redeem_block_number"`
	RefundTxHash        string      `json:"refund_tx_hash"`
	RefundBlockNumber   BlockNumber `json:"refund_block_number"`

	CreatedAt time.Time `json:"created_at"`
}

func (s *Swap) Initiated() bool         { return s.InitiateTxHash != "" }
func (s *Swap) InitiateConfirmed() bool { return s.InitiateTxHash != "" && s.InitiateBlockNumber > 0 }
func (s *Swap) Redeemed() bool          { return s.RedeemTxHash != "" }
func (s *Swap) RedeemConfirmed() bool   { return s.RedeemTxHash != "" && s.RedeemBlockNumber > 0 }
func (s *Swap) Refunded() bool          { return s.RefundTxHash != "" }
func (s *Swap) RefundConfirmed() bool   { return s.RefundTxHash != "" && s.RefundBlockNumber > 0 }

// IsBitcoin reports whether the leg lives on a Bitcoin-family chain.
func (s *Swap) IsBitcoin() bool { return chain.IsBitcoin(s.Chain) }

// SecretHashBytes decodes the 32-byte secret hash.
func (s *Swap) SecretHashBytes() ([32]byte, error) {
	h, err := helpers.HexToBytes32(s.SecretHash)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidSecretHash, err)
	}
	return h, nil
}

// AmountInt returns the amount in smallest units.
func (s *Swap) AmountInt() *big.Int {
	return s.Amount.Truncate(0).BigInt()
}

// CheckSecret reports whether sha256(secret) equals the leg's secret hash.
func (s *Swap) CheckSecret(secret []byte) bool {
	want, err := s.SecretHashBytes()
	if err != nil {
		return false
	}
	got := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(got[:], want[:])
}

// AdditionalData carries optional client-side context of a CreateOrder.
type AdditionalData struct {
	InputTokenPrice          decimal.Decimal `json:"input_token_price"`
	OutputTokenPrice         decimal.Decimal `json:"output_token_price"`
	Sig                      string          `json:"sig,omitempty"`
	Deadline                 int64           `json:"deadline,omitempty"`
	BitcoinOptionalRecipient string          `json:"bitcoin_optional_recipient,omitempty"`
}

// CreateOrder is the user's off-chain swap intent.
type CreateOrder struct {
	CreateID                    string          `json:"create_id"`
	SourceChain                 chain.Chain     `json:"source_chain"`
	DestinationChain            chain.Chain     `json:"destination_chain"`
	SourceAsset                 string          `json:"source_asset"`
	DestinationAsset            string          `json:"destination_asset"`
	InitiatorSourceAddress      string          `json:"initiator_source_address"`
	InitiatorDestinationAddress string          `json:"initiator_destination_address"`
	SourceAmount                decimal.Decimal `json:"source_amount"`
	DestinationAmount           decimal.Decimal `json:"destination_amount"`
	Fee                         decimal.Decimal `json:"fee"`
	Nonce                       string          `json:"nonce"`
	MinDestinationConfirmations uint64          `json:"min_destination_confirmations"`
	Timelock                    uint64          `json:"timelock"`
	SecretHash                  string          `json:"secret_hash"`
	UserBTCWalletAddress        string          `json:"user_btc_wallet_address,omitempty"`
	AdditionalData              AdditionalData  `json:"additional_data"`
	CreatedAt                   time.Time       `json:"created_at"`
}

// NonceValue parses the 1-based nonce used for secret derivation.
func (c *CreateOrder) NonceValue() (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(c.Nonce), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid nonce %q: %w", c.Nonce, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid nonce %q: nonce is 1-based", c.Nonce)
	}
	return n, nil
}

// ValueUSD estimates the source value from the client-supplied price and
// the chain's native decimals. Zero when the price is unknown.
func (c *CreateOrder) ValueUSD(decimals int32) decimal.Decimal {
	if c.AdditionalData.InputTokenPrice.IsZero() {
		return decimal.Zero
	}
	return c.SourceAmount.Shift(-decimals).Mul(c.AdditionalData.InputTokenPrice)
}

// MatchedOrder is a CreateOrder paired with both swap legs.
type MatchedOrder struct {
	CreateOrder     CreateOrder `json:"create_order"`
	SourceSwap      Swap        `json:"source_swap"`
	DestinationSwap Swap        `json:"destination_swap"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ID returns the order identifier.
func (o *MatchedOrder) ID() string {
	return o.CreateOrder.CreateID
}

// Swap returns the requested leg.
func (o *MatchedOrder) Swap(leg Leg) *Swap {
	if leg == Destination {
		return &o.DestinationSwap
	}
	return &o.SourceSwap
}

// IsMatched reports whether the backend assigned both legs.
func (o *MatchedOrder) IsMatched() bool {
	return o.SourceSwap.SwapID != "" && o.DestinationSwap.SwapID != ""
}

// Validate checks the fields every actor relies on.
func (o *MatchedOrder) Validate() error {
	if o.CreateOrder.CreateID == "" {
		return fmt.Errorf("%w: create_order.create_id", ErrMissingField)
	}
	for _, leg := range []Leg{Source, Destination} {
		s := o.Swap(leg)
		switch {
		case s.Chain == "":
			return fmt.Errorf("%w: %s.chain", ErrMissingField, leg)
		case s.SecretHash == "":
			return fmt.Errorf("%w: %s.secret_hash", ErrMissingField, leg)
		}
		if _, err := s.SecretHashBytes(); err != nil {
			return fmt.Errorf("%s: %w", leg, err)
		}
	}
	return nil
}

// Merge applies a newer observation of the same order. Observations only
// accumulate: hashes and block numbers that are set stay set. The Bitcoin
// leg may swap an unconfirmed hash for a replacement.
func (o *MatchedOrder) Merge(next *MatchedOrder) error {
	if next.ID() != o.ID() {
		return fmt.Errorf("%w: %s != %s", ErrOrderMismatch, next.ID(), o.ID())
	}
	if o.IsMatched() && !sameCreateOrder(&o.CreateOrder, &next.CreateOrder) {
		return ErrImmutable
	}
	for _, leg := range []Leg{Source, Destination} {
		if err := mergeSwap(o.Swap(leg), next.Swap(leg)); err != nil {
			return fmt.Errorf("%s: %w", leg, err)
		}
	}
	if next.UpdatedAt.After(o.UpdatedAt) {
		o.UpdatedAt = next.UpdatedAt
	}
	return nil
}

func mergeSwap(cur, next *Swap) error {
	if cur.SwapID == "" {
		cur.SwapID = next.SwapID
		cur.Chain = next.Chain
		cur.Asset = next.Asset
		cur.Initiator = next.Initiator
		cur.Redeemer = next.Redeemer
		cur.Amount = next.Amount
		cur.Timelock = next.Timelock
		cur.SecretHash = next.SecretHash
		cur.CreatedAt = next.CreatedAt
	}
	if next.FilledAmount.GreaterThan(cur.FilledAmount) {
		cur.FilledAmount = next.FilledAmount
	}
	if cur.Secret == "" {
		cur.Secret = next.Secret
	}
	bitcoin := cur.IsBitcoin()
	if err := mergeObservation(&cur.InitiateTxHash, &cur.InitiateBlockNumber, next.InitiateTxHash, next.InitiateBlockNumber, bitcoin); err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	if err := mergeObservation(&cur.RedeemTxHash, &cur.RedeemBlockNumber, next.RedeemTxHash, next.RedeemBlockNumber, bitcoin); err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	if err := mergeObservation(&cur.RefundTxHash, &cur.RefundBlockNumber, next.RefundTxHash, next.RefundBlockNumber, bitcoin); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	return nil
}

func mergeObservation(hash *string, block *BlockNumber, nextHash string, nextBlock BlockNumber, replaceable bool) error {
	switch {
	case nextHash == "" && *hash != "":
		return ErrHashCleared
	case *hash == "":
		*hash = nextHash
	case nextHash != *hash:
		if !replaceable || *block > 0 {
			return fmt.Errorf("%w: %s replaced by %s", ErrHashCleared, *hash, nextHash)
		}
		*hash = nextHash
		*block = 0
	}
	if nextBlock > *block {
		*block = nextBlock
	}
	return nil
}

func sameCreateOrder(a, b *CreateOrder) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// HashSecret returns sha256(secret) as lowercase hex without prefix.
func HashSecret(secret []byte) string {
	h := sha256.Sum256(secret)
	return hex.EncodeToString(h[:])
}
