package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"krakenclient/internal/correlation"
	"krakenclient/internal/events"
	"krakenclient/internal/exchange"
	"krakenclient/internal/exchange/kraken"
	"krakenclient/internal/logger"
	"krakenclient/internal/metrics"
	"krakenclient/internal/orderbook"
	"krakenclient/internal/types"
)

var (
	_ orderbook.Listener = (*Session)(nil)
	_ types.BookReader   = (*Session)(nil)
)

type arrayHandler func(name exchange.ChannelName, frame kraken.ArrayFrame) error

type objectHandler func(name exchange.ChannelName, raw []byte) error

// routes maps channel names of array pushes and event names of object
// frames to their handlers
type routes struct {
	arrays  map[string]arrayHandler
	objects map[string]objectHandler
}

func (s *Session) buildRoutes() map[exchange.ChannelName]routes {
	common := map[string]objectHandler{
		kraken.EventPong:               s.onPong,
		kraken.EventHeartbeat:          s.onHeartbeat,
		kraken.EventSystemStatus:       s.onSystemStatus,
		kraken.EventSubscriptionStatus: s.onSubscriptionStatus,
	}

	private := make(map[string]objectHandler, len(common)+2)
	for k, v := range common {
		private[k] = v
	}
	private[kraken.EventAddOrderStatus] = s.onAddOrderStatus
	private[kraken.EventCancelOrderStatus] = s.onCancelOrderStatus

	return map[exchange.ChannelName]routes{
		exchange.Public: {
			arrays: map[string]arrayHandler{
				kraken.ChannelBook:  s.onBook,
				kraken.ChannelTrade: s.onTrade,
			},
			objects: common,
		},
		exchange.Private: {
			arrays: map[string]arrayHandler{
				kraken.ChannelOpenOrders: s.onOpenOrders,
				kraken.ChannelOwnTrades:  s.onOwnTrades,
			},
			objects: private,
		},
	}
}

// handleFrame decodes one inbound frame and dispatches it. Protocol errors
// are logged and dropped.
func (s *Session) handleFrame(name exchange.ChannelName, raw []byte) {
	metrics.IncFrame(string(name))
	r := s.routes[name]
	log := s.log.WithField("channel", name)

	switch kraken.FrameShape(raw) {
	case kraken.ShapeArray:
		frame, err := kraken.ParseArrayFrame(raw)
		if err != nil {
			log.WithError(err).Debug("dropping unparseable frame")
			return
		}
		s.touchHeartbeat(name)

		h, ok := r.arrays[frame.Channel()]
		if !ok {
			metrics.IncUnknownEvent(string(name))
			log.WithField("event", frame.ChannelName).Debug("unknown channel push")
			return
		}
		if err := h(name, frame); err != nil {
			log.WithError(err).WithField("event", frame.ChannelName).Warn("failed to handle push")
		}

	case kraken.ShapeObject:
		env, err := kraken.ParseEnvelope(raw)
		if err != nil {
			log.WithError(err).Debug("dropping unparseable frame")
			return
		}
		h, ok := r.objects[env.Event]
		if !ok {
			metrics.IncUnknownEvent(string(name))
			log.WithField("event", env.Event).Debug("unknown event")
			return
		}
		if err := h(name, raw); err != nil {
			log.WithError(err).WithField("event", env.Event).Warn("failed to handle event")
		}

	default:
		log.Debug("dropping frame of unknown shape")
	}
}

// touchHeartbeat records activity so a heartbeat in the same second does not
// trigger another ping
func (s *Session) touchHeartbeat(name exchange.ChannelName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[name].lastHeartbeat = s.now()
}

func (s *Session) onPong(name exchange.ChannelName, _ []byte) error {
	s.mu.Lock()
	s.channels[name].lastPong = s.now()
	s.mu.Unlock()

	s.schedulePing(name)
	return nil
}

// onHeartbeat pings at most once per wall clock second
func (s *Session) onHeartbeat(name exchange.ChannelName, _ []byte) error {
	now := s.now()

	s.mu.Lock()
	ch := s.channels[name]
	due := ch.lastHeartbeat.Unix() != now.Unix()
	if due {
		ch.lastHeartbeat = now
	}
	s.mu.Unlock()

	if due {
		s.ping(name)
	}
	return nil
}

func (s *Session) onSystemStatus(name exchange.ChannelName, raw []byte) error {
	var st kraken.SystemStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: %v", kraken.ErrMalformedFrame, err)
	}
	s.log.WithFields(logger.Fields{
		"channel": name,
		"status":  st.Status,
		"version": st.Version,
	}).Info("system status received")
	return nil
}

func (s *Session) onSubscriptionStatus(name exchange.ChannelName, raw []byte) error {
	var st kraken.SubscriptionStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: %v", kraken.ErrMalformedFrame, err)
	}

	if st.ReqID != 0 {
		if p, ok := s.pending.Peek(st.ReqID); ok && p.Kind == correlation.KindSubscribe {
			r := correlation.Result{Payload: st}
			if st.Status == kraken.StatusError {
				r = correlation.Result{Err: &correlation.RejectedError{Kind: correlation.KindSubscribe, Message: st.ErrorMessage}}
			}
			s.pending.Resolve(st.ReqID, r)
		}
	}

	log := s.log.WithFields(logger.Fields{
		"channel":      name,
		"pair":         st.Pair,
		"subscription": st.Subscription.Name,
		"status":       st.Status,
	})

	switch {
	case st.Status == kraken.StatusError:
		log.WithField("error", st.ErrorMessage).Warn("subscription rejected")
	case st.Status == kraken.StatusUnsubscribed && st.Subscription.Name == kraken.ChannelBook:
		s.books.Create(st.Pair)
		log.WithField("depth", s.cfg.Depth).Info("resubscribing to book")
		book := kraken.Subscription{Name: kraken.ChannelBook, Depth: s.cfg.Depth}
		return s.subscribePublic(kraken.EventSubscribe, book, []string{st.Pair})
	default:
		log.Debug("subscription status")
	}
	return nil
}

func (s *Session) onBook(_ exchange.ChannelName, frame kraken.ArrayFrame) error {
	msgs, err := kraken.DecodeBook(frame)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		if m.Snapshot {
			err = s.books.Initialize(m.Pair, orderbook.Snapshot{
				Asks:     toEntries(m.Asks),
				Bids:     toEntries(m.Bids),
				Checksum: m.Checksum,
			})
		} else {
			err = s.books.ApplyDiff(m.Pair, orderbook.Diff{
				Asks:     toEntries(m.Asks),
				Bids:     toEntries(m.Bids),
				Checksum: m.Checksum,
			})
		}

		switch {
		case err == nil:
		case errors.Is(err, orderbook.ErrChecksumMismatch):
			// the book listener has already asked for a resubscription
			return nil
		case errors.Is(err, orderbook.ErrNoSnapshot):
			s.log.WithField("pair", m.Pair).Debug("dropping diff for book without snapshot")
		default:
			return err
		}
	}
	return nil
}

func toEntries(levels []kraken.BookLevel) []orderbook.Entry {
	out := make([]orderbook.Entry, 0, len(levels))
	for _, l := range levels {
		out = append(out, orderbook.Entry{
			Level:      l.Price,
			Volume:     l.Volume,
			Timestamp:  l.Timestamp,
			UpdateType: l.UpdateType,
		})
	}
	return out
}

func (s *Session) onTrade(_ exchange.ChannelName, frame kraken.ArrayFrame) error {
	trades, err := kraken.DecodeTrades(frame)
	if err != nil {
		return err
	}
	now := s.now()
	for _, t := range trades {
		s.bus.Publish(events.Event{
			Name: events.PublicTrade,
			Pair: t.Pair,
			Time: now,
			Payload: events.Trade{
				Pair:      t.Pair,
				Price:     t.Price,
				Volume:    t.Volume,
				Time:      t.Time,
				Side:      t.Side,
				OrderType: t.OrderType,
			},
		})
	}
	return nil
}

func (s *Session) onOpenOrders(_ exchange.ChannelName, frame kraken.ArrayFrame) error {
	updates, err := kraken.DecodeOpenOrders(frame)
	if err != nil {
		return err
	}
	for _, e := range s.tracker.ApplyOpenOrders(updates) {
		s.bus.Publish(e)
	}
	return nil
}

func (s *Session) onOwnTrades(_ exchange.ChannelName, frame kraken.ArrayFrame) error {
	trades, err := kraken.DecodeOwnTrades(frame)
	if err != nil {
		return err
	}
	for _, e := range s.tracker.ApplyOwnTrades(trades) {
		s.bus.Publish(e)
	}
	return nil
}

func (s *Session) onAddOrderStatus(_ exchange.ChannelName, raw []byte) error {
	var st kraken.AddOrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: %v", kraken.ErrMalformedFrame, err)
	}
	p, ok := s.takePending(st.ReqID, correlation.KindAddOrder)
	if !ok {
		return nil
	}

	meta, _ := p.Meta.(addOrderMeta)
	switch {
	case st.Failed():
		p.Complete(correlation.Result{Err: &correlation.RejectedError{Kind: correlation.KindAddOrder, Message: st.ErrorMessage}})
	case meta.dryRun:
		p.Complete(correlation.Result{Payload: AddOrderResult{Ack: st, DryRun: true}})
	default:
		s.log.WithFields(logger.Fields{
			"txid":   st.TxID,
			"status": st.Status,
			"descr":  st.Descr,
		}).Info("order posted")
		order := s.tracker.Seed(st.TxID, meta.info)
		p.Complete(correlation.Result{Payload: AddOrderResult{
			TxID:  st.TxID,
			Order: order,
			Ack:   st,
		}})
	}
	return nil
}

func (s *Session) onCancelOrderStatus(_ exchange.ChannelName, raw []byte) error {
	var st kraken.CancelOrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: %v", kraken.ErrMalformedFrame, err)
	}
	p, ok := s.takePending(st.ReqID, correlation.KindCancelOrder)
	if !ok {
		return nil
	}

	if st.Failed() {
		p.Complete(correlation.Result{Err: &correlation.RejectedError{Kind: correlation.KindCancelOrder, Message: st.ErrorMessage}})
		return nil
	}
	p.Complete(correlation.Result{Payload: st})
	return nil
}

// takePending removes the pending action of reqID when it is of kind.
// Acknowledgements nobody waits for are logged only.
func (s *Session) takePending(reqID int64, kind correlation.Kind) (*correlation.Pending, bool) {
	log := s.log.WithFields(logger.Fields{"reqid": reqID, "kind": kind})
	if reqID == 0 {
		log.Warn("acknowledgement without reqid")
		return nil, false
	}
	if p, ok := s.pending.Peek(reqID); !ok || p.Kind != kind {
		log.Debug(correlation.ErrUnknownRequest.Error())
		return nil, false
	}
	return s.pending.Take(reqID)
}

// OnInvalidBook asks the exchange to drop the book so the unsubscribed
// acknowledgement can resubscribe it
func (s *Session) OnInvalidBook(pair string) {
	metrics.IncChecksumFailure(pair)
	s.log.WithField("pair", pair).Warn("invalid book, unsubscribing")

	book := kraken.Subscription{Name: kraken.ChannelBook, Depth: s.cfg.Depth}
	if err := s.subscribePublic(kraken.EventUnsubscribe, book, []string{pair}); err != nil {
		s.log.WithError(err).WithField("pair", pair).Warn("failed to unsubscribe invalid book")
	}
}

func (s *Session) OnFirstLevelChange(pair string, side types.Side, current, previous types.PriceLevel) {
	s.bus.Publish(events.Event{
		Name: events.FirstLevelPriceChange,
		Pair: pair,
		Time: s.now(),
		Payload: events.LevelChange{
			Pair:     pair,
			Side:     side,
			Current:  current,
			Previous: previous,
		},
	})
}

func (s *Session) OnDepthUpdate(pair string, update types.DepthUpdate) {
	s.bus.Publish(events.Event{
		Name: events.OrderbookChange,
		Pair: pair,
		Time: update.Time,
		Payload: events.BookChange{
			Pair:   pair,
			Bids:   update.Bids,
			Asks:   update.Asks,
			Counts: update.Counts,
			Time:   update.Time,
		},
	})
}
