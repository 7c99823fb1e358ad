package session

import (
	"context"
	"fmt"
	"strings"

	"krakenclient/internal/aggregation"
	"krakenclient/internal/correlation"
	"krakenclient/internal/events"
	"krakenclient/internal/exchange"
	"krakenclient/internal/exchange/kraken"
	"krakenclient/internal/logger"
	"krakenclient/internal/numeric"
	"krakenclient/internal/tracker"
	"krakenclient/internal/types"
)

const (
	defaultOrderType = "limit"
	defaultStartTm   = "0"
	defaultExpireTm  = "+86400"
	balanceDecimals  = 8
)

// OrderSpec describes an order to place. Empty fields take the exchange
// client defaults: limit order, immediate start, 24h expiry and the
// configured orders reference.
type OrderSpec struct {
	OrderType string
	Pair      string
	Type      string
	Price     string
	Volume    string
	Leverage  string
	StartTm   string
	ExpireTm  string
	UserRef   string
}

func (o OrderSpec) withDefaults(ordersRef string) OrderSpec {
	if o.OrderType == "" {
		o.OrderType = defaultOrderType
	}
	if o.StartTm == "" {
		o.StartTm = defaultStartTm
	}
	if o.ExpireTm == "" {
		o.ExpireTm = defaultExpireTm
	}
	if o.UserRef == "" {
		o.UserRef = ordersRef
	}
	return o
}

func (o OrderSpec) info() map[string]interface{} {
	return map[string]interface{}{
		"ordertype": o.OrderType,
		"pair":      o.Pair,
		"price":     o.Price,
		"type":      o.Type,
		"volume":    o.Volume,
		"starttm":   o.StartTm,
		"expiretm":  o.ExpireTm,
	}
}

type addOrderMeta struct {
	info   map[string]interface{}
	dryRun bool
}

type cancelOrderMeta struct {
	txids []string
	all   bool
}

// AddOrderResult settles AddOrder. A dry run only carries the
// acknowledgement; otherwise the order is keyed by its exchange id.
type AddOrderResult struct {
	TxID   string                `json:"txid,omitempty"`
	Order  tracker.Order         `json:"order"`
	Ack    kraken.AddOrderStatus `json:"ack"`
	DryRun bool                  `json:"dry_run"`
}

// AddOrder places an order, or only validates it when dryRun is set, and
// waits for the exchange acknowledgement
func (s *Session) AddOrder(ctx context.Context, spec OrderSpec, dryRun bool) (AddOrderResult, error) {
	token, err := s.privateToken()
	if err != nil {
		return AddOrderResult{}, err
	}
	spec = spec.withDefaults(s.cfg.OrdersRef)

	p := s.pending.Register(correlation.KindAddOrder, addOrderMeta{info: spec.info(), dryRun: dryRun}, s.cfg.AddOrderTimeout)
	req := kraken.AddOrderRequest{
		Event:     kraken.EventAddOrder,
		Token:     token,
		ReqID:     p.ReqID,
		UserRef:   spec.UserRef,
		OrderType: spec.OrderType,
		Type:      spec.Type,
		Pair:      spec.Pair,
		Price:     spec.Price,
		Volume:    spec.Volume,
		Leverage:  spec.Leverage,
		StartTm:   spec.StartTm,
		ExpireTm:  spec.ExpireTm,
		Validate:  dryRun,
	}

	s.log.WithFields(logger.Fields{
		"reqid":   p.ReqID,
		"pair":    spec.Pair,
		"type":    spec.Type,
		"price":   spec.Price,
		"volume":  spec.Volume,
		"dry_run": dryRun,
	}).Info("adding order")

	payload, err := s.submit(ctx, p, req)
	if err != nil {
		return AddOrderResult{}, err
	}
	result, _ := payload.(AddOrderResult)
	return result, nil
}

// CancelOrder cancels the given orders. Without ids it cancels every order
// placed under the configured orders reference.
func (s *Session) CancelOrder(ctx context.Context, txids ...string) (kraken.CancelOrderStatus, error) {
	token, err := s.privateToken()
	if err != nil {
		return kraken.CancelOrderStatus{}, err
	}

	targets := txids
	if len(targets) == 0 {
		targets = []string{s.cfg.OrdersRef}
	}

	p := s.pending.Register(correlation.KindCancelOrder, cancelOrderMeta{txids: txids, all: len(txids) == 0}, s.cfg.CancelOrderTimeout)
	req := kraken.CancelOrderRequest{
		Event: kraken.EventCancelOrder,
		Token: token,
		ReqID: p.ReqID,
		TxID:  targets,
	}

	target := "all"
	if len(txids) > 0 {
		target = strings.Join(txids, ",")
	}
	s.log.WithFields(logger.Fields{"reqid": p.ReqID, "orders": target}).Info("cancelling orders")

	payload, err := s.submit(ctx, p, req)
	if err != nil {
		return kraken.CancelOrderStatus{}, err
	}
	st, _ := payload.(kraken.CancelOrderStatus)
	return st, nil
}

// CancelAllOrders cancels every order placed under the orders reference
func (s *Session) CancelAllOrders(ctx context.Context) (kraken.CancelOrderStatus, error) {
	s.log.Info("issuing cancel all orders")
	return s.CancelOrder(ctx)
}

// submit sends the frame of a registered action and waits for its result.
// The action is dropped when it cannot be sent or ctx ends first.
func (s *Session) submit(ctx context.Context, p *correlation.Pending, frame interface{}) (interface{}, error) {
	if err := s.send(exchange.Private, frame); err != nil {
		s.pending.Remove(p.ReqID)
		return nil, err
	}
	payload, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.pending.Remove(p.ReqID)
	}
	return payload, err
}

func (s *Session) privateToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.channels[exchange.Private].active {
		return "", fmt.Errorf("no credentials configured: %w", ErrNoToken)
	}
	if s.token == "" {
		return "", fmt.Errorf("%s: %w", exchange.Private, ErrNotConnected)
	}
	return s.token, nil
}

// InitPair starts tracking a pair that was not configured at startup
func (s *Session) InitPair(pair string) error {
	s.mu.Lock()
	table := s.market
	s.mu.Unlock()

	if !table.HasPair(pair) {
		return fmt.Errorf("%s: %w", pair, ErrUnknownPair)
	}
	if s.books.Has(pair) {
		return nil
	}

	s.mu.Lock()
	known := false
	for _, p := range s.pairs {
		if p == pair {
			known = true
			break
		}
	}
	if !known {
		s.pairs = append(s.pairs, pair)
	}
	s.mu.Unlock()

	s.books.Create(pair)
	s.log.WithField("pair", pair).Info("initializing pair")
	return s.subscribePair(pair)
}

// Pairs lists the tracked pairs in configuration order
func (s *Session) Pairs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairs...)
}

// Balance returns balances keyed by asset altname, formatted with 8 decimals
func (s *Session) Balance(ctx context.Context) (map[string]string, error) {
	raw, err := s.rest.Balance(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	table := s.market
	s.mu.Unlock()

	out := make(map[string]string, len(raw))
	for asset, amount := range raw {
		out[table.Translate(asset)] = numeric.Fixed(amount, balanceDecimals)
	}
	return out, nil
}

// TradeVolume returns the 30 day volume with its currency translated. When
// the exchange is unavailable the last successful answer is returned.
func (s *Session) TradeVolume(ctx context.Context) (map[string]interface{}, error) {
	raw, err := s.rest.TradeVolume(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.tradeVolume != nil {
			s.log.WithError(err).Warn("trade volume unavailable, using cached value")
			return copyMap(s.tradeVolume), nil
		}
		return nil, err
	}

	if currency, ok := raw["currency"].(string); ok {
		raw["currency"] = s.market.Translate(currency)
	}
	s.tradeVolume = raw
	return copyMap(raw), nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// TopOfBook returns the best levels of pair, false while the book is invalid
func (s *Session) TopOfBook(pair string) (types.Top, bool) {
	return s.books.TopOfBook(pair)
}

// FullBook returns both sides of pair, empty while the book is invalid
func (s *Session) FullBook(pair string) types.Book {
	return s.books.FullBook(pair)
}

// Bests returns the top of book of every tracked pair with a valid book
func (s *Session) Bests() map[string]types.Top {
	out := make(map[string]types.Top)
	for _, pair := range s.Pairs() {
		if top, ok := s.books.TopOfBook(pair); ok {
			out[pair] = top
		}
	}
	return out
}

// CompressedBook buckets the book of pair by price decimals
func (s *Session) CompressedBook(pair string, decimals int32) (types.CompressedBook, error) {
	if !s.books.Has(pair) {
		return types.CompressedBook{}, fmt.Errorf("%s: %w", pair, ErrUnknownPair)
	}
	return aggregation.New(decimals).CompressBook(s.books.FullBook(pair)), nil
}

// Orders returns the tracked open orders
func (s *Session) Orders() []tracker.Order {
	return s.tracker.Orders()
}

// Events subscribes to the domain events of the session
func (s *Session) Events(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}
