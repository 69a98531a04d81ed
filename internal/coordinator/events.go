package coordinator

import (
	"time"

	"github.com/Klingon-tech/swapd/internal/order"
)

// EventType names a coordinator event.
type EventType string

const (
	EventSuccess              EventType = "order_success"
	EventError                EventType = "order_error"
	EventPendingOrdersChanged EventType = "pending_orders_changed"
)

// Event is delivered to every registered handler.
type Event struct {
	Type      EventType             `json:"type"`
	OrderID   string                `json:"order_id,omitempty"`
	Action    Action                `json:"action,omitempty"`
	Result    string                `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorKind string                `json:"error_kind,omitempty"`
	Orders    []*order.MatchedOrder `json:"orders,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// EventHandler receives coordinator events. Handlers run on their own
// goroutine and must not assume ordering between events.
type EventHandler func(Event)

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Coordinator) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}
