package tracker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"krakenclient/internal/events"
	"krakenclient/internal/exchange/kraken"
	"krakenclient/internal/logger"
	"krakenclient/internal/numeric"
)

// StatusInitiated marks an order acknowledged by addOrder but not yet seen
// on the openOrders channel
const StatusInitiated = "initiated"

var terminalStatuses = map[string]bool{
	"closed":    true,
	"canceled":  true,
	"cancelled": true,
}

// IsTerminal reports whether status ends the life of an order
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// Order is the merged view of one open order
type Order struct {
	ID      string                 `json:"id"`
	Status  string                 `json:"status"`
	UserRef string                 `json:"userref,omitempty"`
	Fields  map[string]interface{} `json:"fields"`
}

// merge overlays fields leaf by leaf, so a partial descr keeps the rest
func (o *Order) merge(fields map[string]interface{}) {
	flat := numeric.Flatten(o.Fields)
	for k, v := range numeric.Flatten(fields) {
		var nested []string
		for existing := range flat {
			if strings.HasPrefix(existing, k+".") {
				nested = append(nested, existing)
			}
		}
		if numeric.IsEmptyMap(v) && len(nested) > 0 {
			continue
		}
		for _, existing := range nested {
			delete(flat, existing)
		}
		flat[k] = v
	}
	o.Fields = numeric.Unflatten(flat)
	if s, ok := o.Fields["status"].(string); ok {
		o.Status = s
	}
	if ref := userRef(o.Fields); ref != "" {
		o.UserRef = ref
	}
}

func (o *Order) copy() Order {
	fields := make(map[string]interface{}, len(o.Fields))
	for k, v := range o.Fields {
		fields[k] = v
	}
	return Order{ID: o.ID, Status: o.Status, UserRef: o.UserRef, Fields: fields}
}

// Tracker keeps the open orders of this client and turns private pushes
// into order lifecycle events
type Tracker struct {
	mu                sync.Mutex
	ordersRef         string
	orders            map[string]*Order
	gotFirstOwnTrades bool
	now               func() time.Time
	log               *logger.Entry
}

// New creates a tracker for orders carrying ordersRef as userref
func New(ordersRef string, now func() time.Time, log *logger.Log) *Tracker {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Tracker{
		ordersRef: ordersRef,
		orders:    make(map[string]*Order),
		now:       now,
		log:       log.WithComponent("tracker"),
	}
}

// ApplyOpenOrders merges one openOrders push. A record is taken when its
// userref matches this client or its id is already tracked (including ids
// seen earlier in the same push). Fields merge last write wins. Orders that
// reach a terminal status are reported and purged.
func (t *Tracker) ApplyOpenOrders(updates []kraken.OrderUpdate) []events.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []events.Event

	for _, u := range updates {
		existing, known := t.orders[u.ID]
		if !known && !t.matchesRef(u.Fields) {
			continue
		}

		if !known {
			existing = &Order{ID: u.ID, Fields: make(map[string]interface{}, len(u.Fields))}
			existing.merge(u.Fields)
			t.orders[u.ID] = existing
			out = append(out, orderEvent(events.OrderFound, existing, now))
			continue
		}

		existing.merge(u.Fields)
		out = append(out, orderEvent(events.OrderChange, existing, now))
	}

	ids := make([]string, 0, len(t.orders))
	for id, o := range t.orders {
		if IsTerminal(o.Status) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, orderEvent(events.OrderStatus, t.orders[id], now))
		delete(t.orders, id)
	}

	return out
}

// ApplyOwnTrades turns an ownTrades push into own-trade events. The first
// push after (re)subscription replays history and is only counted.
func (t *Tracker) ApplyOwnTrades(trades []kraken.OwnTrade) []events.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.gotFirstOwnTrades {
		t.gotFirstOwnTrades = true
		t.log.WithField("count", len(trades)).Info("received initial own trades")
		return nil
	}

	now := t.now()
	out := make([]events.Event, 0, len(trades))
	for _, tr := range trades {
		e := events.Event{
			Name:    events.OwnTrade,
			Time:    now,
			Payload: events.Fill{ID: tr.ID, Fields: tr.Fields},
		}
		if pair, ok := tr.Fields["pair"].(string); ok {
			e.Pair = pair
		}
		if oid, ok := tr.Fields["ordertxid"].(string); ok {
			e.OrderID = oid
		}
		out = append(out, e)
	}
	return out
}

// Seed records an order acknowledged by addOrder. Fields already received
// from the openOrders channel take precedence over the initiated status.
func (t *Tracker) Seed(txid string, fields map[string]interface{}) Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[txid]
	if !ok {
		o = &Order{ID: txid, Status: StatusInitiated, Fields: map[string]interface{}{"status": StatusInitiated}}
		t.orders[txid] = o
	}
	o.merge(fields)
	return o.copy()
}

// ResetSubscription re-arms the own trades history suppression. Called when
// the private channel is rebuilt.
func (t *Tracker) ResetSubscription() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gotFirstOwnTrades = false
}

// Order returns a copy of one tracked order
func (t *Tracker) Order(id string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.copy(), true
}

// Orders returns copies of every tracked order, sorted by id
func (t *Tracker) Orders() []Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Order, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, o.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// matchesRef reports whether fields carry this client's non-zero userref
func (t *Tracker) matchesRef(fields map[string]interface{}) bool {
	ref := userRef(fields)
	return ref != "" && ref != "0" && ref == t.ordersRef
}

func userRef(fields map[string]interface{}) string {
	v, ok := fields["userref"]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func orderEvent(name events.Name, o *Order, now time.Time) events.Event {
	c := o.copy()
	e := events.Event{
		Name:    name,
		OrderID: o.ID,
		Time:    now,
		Payload: events.Order{ID: c.ID, Status: c.Status, Fields: c.Fields},
	}
	if descr, ok := o.Fields["descr"].(map[string]interface{}); ok {
		if pair, ok := descr["pair"].(string); ok {
			e.Pair = pair
		}
	}
	return e
}
