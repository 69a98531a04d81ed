package coordinator

import (
	"github.com/Klingon-tech/swapd/internal/htlc"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/status"
)

// Action is the chain operation an order needs next.
type Action string

const (
	ActionIdle     Action = "idle"
	ActionInitiate Action = "initiate"
	ActionRedeem   Action = "redeem"
	ActionRefund   Action = "refund"
)

func (a Action) String() string { return string(a) }

// Leg returns the leg an action operates on. Initiate and refund lock and
// unlock the source funds, redeem claims the destination.
func (a Action) Leg() order.Leg {
	if a == ActionRedeem {
		return order.Destination
	}
	return order.Source
}

// Decide maps a resolved status onto the next action. sourceActor is the
// actor registered for the source chain, or nil when there is none.
func Decide(o *order.MatchedOrder, st status.Status, sourceActor htlc.Actor) Action {
	src := &o.SourceSwap

	switch st {
	case status.AwaitingRedeem:
		return ActionRedeem
	case status.AwaitingRefund, status.RefundDetected:
		// Only a lock we actually placed can be refunded. A counterparty
		// refund does not release our own lock.
		if src.Initiated() && !src.Refunded() {
			return ActionRefund
		}
		return ActionIdle
	case status.Created, status.Matched:
		if src.SwapID == "" || src.Initiated() || sourceActor == nil {
			return ActionIdle
		}
		if htlc.SameAddress(sourceActor.Family(), src.Initiator, sourceActor.Address()) {
			return ActionInitiate
		}
		return ActionIdle
	default:
		return ActionIdle
	}
}
