// Package status derives an order's lifecycle status from the on-chain
// observations recorded on its two legs. Resolution is pure: no I/O and
// no state beyond the order and the clock in the policy.
package status

import (
	"time"

	"github.com/Klingon-tech/swapd/internal/order"
)

// Status is the lifecycle state of a matched order.
type Status int

const (
	Created Status = iota
	Matched
	InitiateDetected
	Initiated
	// AwaitingCounterpartyInitiate exists for API compatibility with older
	// clients. Resolve never returns it.
	AwaitingCounterpartyInitiate
	AwaitingRedeem
	RedeemDetected
	Redeemed
	AwaitingRefund
	RefundDetected
	Refunded
	Expired
)

var names = map[Status]string{
	Created:                      "Created",
	Matched:                      "Matched",
	InitiateDetected:             "InitiateDetected",
	Initiated:                    "Initiated",
	AwaitingCounterpartyInitiate: "AwaitingCounterpartyInitiate",
	AwaitingRedeem:               "AwaitingRedeem",
	RedeemDetected:               "RedeemDetected",
	Redeemed:                     "Redeemed",
	AwaitingRefund:               "AwaitingRefund",
	RefundDetected:               "RefundDetected",
	Refunded:                     "Refunded",
	Expired:                      "Expired",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return "Unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further action can follow.
func (s Status) IsTerminal() bool {
	return s == Redeemed || s == Refunded || s == Expired
}

// DefaultDeadline is how long an order may sit before it expires.
const DefaultDeadline = time.Hour

// Policy controls expiry.
type Policy struct {
	Deadline time.Duration
	Now      func() time.Time
}

// DefaultPolicy returns a one hour deadline against the wall clock.
func DefaultPolicy() Policy {
	return Policy{Deadline: DefaultDeadline, Now: time.Now}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) deadline() time.Duration {
	if p.Deadline <= 0 {
		return DefaultDeadline
	}
	return p.Deadline
}

// Expired reports whether the order was created more than the deadline
// ago.
func (p Policy) Expired(o *order.MatchedOrder) bool {
	created := o.CreatedAt
	if created.IsZero() {
		created = o.CreateOrder.CreatedAt
	}
	if created.IsZero() {
		return false
	}
	return p.now().After(created.Add(p.deadline()))
}

// Resolve derives the status of an order. The first matching rule wins.
// An untouched order resolves to Matched once both legs carry swap ids,
// which refines Created; callers treat the two alike.
func Resolve(o *order.MatchedOrder, policy Policy) Status {
	src, dst := &o.SourceSwap, &o.DestinationSwap

	// Destination redeemed. Bitcoin redeems count as final without a
	// confirmation.
	if dst.Redeemed() {
		if dst.RedeemConfirmed() || dst.IsBitcoin() {
			return Redeemed
		}
		return RedeemDetected
	}

	// The counterparty redeemed the source with the secret, so the
	// Bitcoin destination redeem is implied even if not yet observed.
	if dst.IsBitcoin() && src.Redeemed() {
		return Redeemed
	}

	if src.Refunded() {
		if src.RefundConfirmed() {
			return Refunded
		}
		return RefundDetected
	}

	// Counterparty unwound first.
	if dst.Refunded() {
		return AwaitingRefund
	}

	expired := policy.Expired(o)

	if dst.Initiated() {
		return AwaitingRedeem
	}

	if src.Initiated() {
		switch {
		case expired:
			return AwaitingRefund
		case src.InitiateConfirmed():
			return Initiated
		default:
			return InitiateDetected
		}
	}

	if expired {
		return Expired
	}
	if o.IsMatched() {
		return Matched
	}
	return Created
}

// IsCompleted reports whether the order has reached a terminal status.
func IsCompleted(o *order.MatchedOrder, policy Policy) bool {
	return Resolve(o, policy).IsTerminal()
}

// Rank orders statuses by lifecycle progress, for monitoring that wants
// to detect regressions between observations.
func Rank(s Status) int {
	switch s {
	case Created, Matched:
		return 0
	case InitiateDetected, AwaitingCounterpartyInitiate:
		return 1
	case Initiated:
		return 2
	case AwaitingRedeem, AwaitingRefund:
		return 3
	case RedeemDetected, RefundDetected:
		return 4
	default:
		return 5
	}
}
