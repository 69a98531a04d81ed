// Package htlc executes swap actions on chain. Each chain family has an
// Actor that knows how to initiate, redeem and refund one leg of a
// matched order; the coordinator picks the actor by the leg's chain.
//
// Actors never retry. Every error they return is a *swaperr.Error so the
// caller can tell a bad order from a chain refusal from a network blip.
package htlc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/starknet"
	"github.com/Klingon-tech/swapd/internal/sui"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/pkg/helpers"
)

// Errors
var (
	ErrRefundUnsupported = errors.New("refund is performed by the relay on this chain")
	ErrNoActor           = errors.New("no actor configured for chain")
	ErrNotInitiator      = errors.New("actor is not the initiator of the leg")
	ErrNotRedeemer       = errors.New("actor is not the redeemer of the leg")
	ErrWrongFamily       = errors.New("leg chain does not belong to the actor's family")
	ErrSecretMismatch    = errors.New("secret does not hash to the leg's secret hash")
)

// Actor performs HTLC actions for one chain family. Initiate and Refund
// act on the source leg, Redeem on the destination leg.
type Actor interface {
	Family() chain.Family
	// Address is the identity that appears as initiator or redeemer on
	// the legs this actor may act on.
	Address() string
	Initiate(ctx context.Context, o *order.MatchedOrder) (string, error)
	Redeem(ctx context.Context, o *order.MatchedOrder, secret []byte) (string, error)
	Refund(ctx context.Context, o *order.MatchedOrder) (string, error)
}

// Registry maps chains to actors.
type Registry struct {
	mu     sync.RWMutex
	actors map[chain.Chain]Actor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actors: make(map[chain.Chain]Actor)}
}

// Register sets the actor of a chain.
func (r *Registry) Register(c chain.Chain, a Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[c] = a
}

// For returns the actor of a chain.
func (r *Registry) For(c chain.Chain) (Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[c]
	if !ok {
		return nil, swaperr.ValidationErr("htlc.registry", fmt.Errorf("%w: %s", ErrNoActor, c))
	}
	return a, nil
}

// Chains lists the chains with an actor.
func (r *Registry) Chains() []chain.Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chain.Chain, 0, len(r.actors))
	for c := range r.actors {
		out = append(out, c)
	}
	return out
}

// SameAddress compares two addresses the way the family formats them:
// hex case-insensitively, Starknet and Sui after zero padding, Bitcoin
// keys by their x coordinate.
func SameAddress(family chain.Family, a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	switch family {
	case chain.FamilyStarknet:
		return starknet.EqualAddress(a, b)
	case chain.FamilyBitcoin:
		x, err := bitcoinPubKey(a)
		if err != nil {
			return helpers.EqualHex(a, b)
		}
		y, err := bitcoinPubKey(b)
		if err != nil {
			return false
		}
		return bytes.Equal(x[1:], y[1:])
	case chain.FamilySui:
		x, err := sui.ParseAddress(a)
		if err != nil {
			return false
		}
		y, err := sui.ParseAddress(b)
		return err == nil && x == y
	default:
		return helpers.EqualHex(a, b)
	}
}

func checkLeg(op string, a Actor, s *order.Swap) error {
	family, err := chain.FamilyOf(s.Chain)
	if err != nil {
		return swaperr.ValidationErr(op, err)
	}
	if family != a.Family() {
		return swaperr.ValidationErr(op, fmt.Errorf("%w: %s is %s, actor is %s", ErrWrongFamily, s.Chain, family, a.Family()))
	}
	if _, err := s.SecretHashBytes(); err != nil {
		return swaperr.ValidationErr(op, err)
	}
	if s.Timelock == 0 {
		return swaperr.Validation(op, "timelock must be positive")
	}
	if !s.Amount.IsPositive() {
		return swaperr.Validation(op, "amount must be positive")
	}
	return nil
}

// CheckInitiate validates that a may initiate the source leg.
func CheckInitiate(op string, a Actor, o *order.MatchedOrder) error {
	s := &o.SourceSwap
	if err := checkLeg(op, a, s); err != nil {
		return err
	}
	if strings.TrimSpace(s.Redeemer) == "" {
		return swaperr.Validation(op, "missing counterparty address")
	}
	if !SameAddress(a.Family(), a.Address(), s.Initiator) {
		return swaperr.ValidationErr(op, fmt.Errorf("%w: %s != %s", ErrNotInitiator, a.Address(), s.Initiator))
	}
	return nil
}

// CheckRedeem validates that a may redeem the destination leg with secret.
func CheckRedeem(op string, a Actor, o *order.MatchedOrder, secret []byte) error {
	s := &o.DestinationSwap
	if err := checkLeg(op, a, s); err != nil {
		return err
	}
	if strings.TrimSpace(s.Initiator) == "" {
		return swaperr.Validation(op, "missing counterparty address")
	}
	if !SameAddress(a.Family(), a.Address(), s.Redeemer) {
		return swaperr.ValidationErr(op, fmt.Errorf("%w: %s != %s", ErrNotRedeemer, a.Address(), s.Redeemer))
	}
	if !s.CheckSecret(secret) {
		return swaperr.ValidationErr(op, ErrSecretMismatch)
	}
	return nil
}

// CheckRefund validates that a may refund the source leg.
func CheckRefund(op string, a Actor, o *order.MatchedOrder) error {
	s := &o.SourceSwap
	if err := checkLeg(op, a, s); err != nil {
		return err
	}
	if !SameAddress(a.Family(), a.Address(), s.Initiator) {
		return swaperr.ValidationErr(op, fmt.Errorf("%w: %s != %s", ErrNotInitiator, a.Address(), s.Initiator))
	}
	return nil
}

func refundUnsupported(op string) error {
	return swaperr.ValidationErr(op, ErrRefundUnsupported)
}
