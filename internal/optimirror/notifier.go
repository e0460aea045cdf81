package optimirror

import (
	"log"
	"sync"
)

const (
	EventApplied    = "applied"
	EventCommitted  = "committed"
	EventRolledBack = "rolled_back"
)

// SubscribeAll is the dataType wildcard: listeners registered under it
// receive events for every dataType.
const SubscribeAll = "*"

// Event describes one lifecycle transition of a pending operation.
type Event struct {
	EventID       string `json:"eventId"`
	Type          string `json:"type"`
	DataType      string `json:"dataType"`
	RecordID      string `json:"recordId"`
	OperationID   string `json:"operationId"`
	Kind          string `json:"kind"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener
}

// Notifier fans lifecycle events out to subscribed listeners. Delivery is
// synchronous and in subscription order; a panicking listener is logged and
// skipped so it cannot break fan-out to the others.
type Notifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription
}

func NewNotifier() *Notifier {
	return &Notifier{subs: map[string][]subscription{}}
}

// Subscribe registers a listener for one dataType (or SubscribeAll) and
// returns its unsubscribe function. Unsubscribing stops further delivery but
// never cancels in-flight operations.
func (n *Notifier) Subscribe(dataType string, listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[dataType] = append(n.subs[dataType], subscription{id: id, listener: listener})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[dataType]
		for i, sub := range subs {
			if sub.id == id {
				n.subs[dataType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (n *Notifier) Publish(dataType string, event Event) {
	n.mu.Lock()
	targets := make([]subscription, 0, len(n.subs[dataType])+len(n.subs[SubscribeAll]))
	targets = append(targets, n.subs[dataType]...)
	if dataType != SubscribeAll {
		targets = append(targets, n.subs[SubscribeAll]...)
	}
	n.mu.Unlock()

	for _, sub := range targets {
		deliver(sub.listener, event)
	}
}

func deliver(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("event listener panicked on %s %s/%s: %v", event.Type, event.DataType, event.RecordID, r)
		}
	}()
	listener(event)
}
