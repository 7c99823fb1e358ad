package events

import (
	"sync"
	"time"

	"krakenclient/internal/logger"
	"krakenclient/internal/types"
)

// Name identifies a domain event
type Name string

const (
	Ready                 Name = "ready"
	OrderbookChange       Name = "orderbook-change"
	FirstLevelPriceChange Name = "first-level-price-change"
	PublicTrade           Name = "public-trade"
	OwnTrade              Name = "own-trade"
	OrderFound            Name = "order-found"
	OrderChange           Name = "order-change"
	OrderStatus           Name = "order-status"
)

// Event is one domain event delivered to application code
type Event struct {
	Name    Name        `json:"event"`
	Pair    string      `json:"pair,omitempty"`
	OrderID string      `json:"order_id,omitempty"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// Key groups related events: the order id, else the pair, else the name
func (e Event) Key() string {
	switch {
	case e.OrderID != "":
		return e.OrderID
	case e.Pair != "":
		return e.Pair
	default:
		return string(e.Name)
	}
}

// BookChange is the payload of orderbook-change
type BookChange struct {
	Pair   string             `json:"pair"`
	Bids   []types.PriceLevel `json:"bids"`
	Asks   []types.PriceLevel `json:"asks"`
	Counts int                `json:"counts"`
	Time   time.Time          `json:"time"`
}

// LevelChange is the payload of first-level-price-change
type LevelChange struct {
	Pair     string           `json:"pair"`
	Side     types.Side       `json:"side"`
	Current  types.PriceLevel `json:"current"`
	Previous types.PriceLevel `json:"previous"`
}

// Trade is the payload of public-trade
type Trade struct {
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Volume    string `json:"volume"`
	Time      string `json:"time"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
}

// Order is the payload of order-found, order-change and order-status
type Order struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

// Fill is the payload of own-trade
type Fill struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
	log    *logger.Entry
}

// NewBus creates an empty bus
func NewBus(log *logger.Log) *Bus {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Bus{
		subs: make(map[int]*subscriber),
		log:  log.WithComponent("events"),
	}
}

// Subscribe registers a subscriber with the given buffer. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers e to every subscriber, stamping the time if unset
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.log.WithFields(logger.Fields{
				"subscriber": id,
				"event":      e.Name,
			}).Warn("subscriber buffer full, dropping event")
		}
	}
}

// Close unsubscribes everyone
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
