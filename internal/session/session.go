package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"krakenclient/internal/config"
	"krakenclient/internal/correlation"
	"krakenclient/internal/events"
	"krakenclient/internal/exchange"
	"krakenclient/internal/exchange/kraken"
	"krakenclient/internal/logger"
	"krakenclient/internal/market"
	"krakenclient/internal/metrics"
	"krakenclient/internal/orderbook"
	"krakenclient/internal/tracker"
)

var (
	ErrNotConnected        = errors.New("session: channel not connected")
	ErrUnknownPair         = errors.New("session: unknown pair")
	ErrNoToken             = errors.New("session: unable to get websocket token")
	ErrConnectionReset     = errors.New("session: connection reset")
	ErrClosed              = errors.New("session: closed")
	ErrInvalidSubscription = errors.New("session: invalid subscription name")
)

// State is the lifecycle position of one channel
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Subscribing
	Live
	Stale
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// RestAPI is the part of the REST client the session depends on
type RestAPI interface {
	market.Source
	HasCredentials() bool
	WebSocketToken(ctx context.Context) (string, error)
	Balance(ctx context.Context) (map[string]string, error)
	TradeVolume(ctx context.Context) (map[string]interface{}, error)
}

// Options configures a Session
type Options struct {
	Session    config.SessionConfig
	PublicURL  string
	PrivateURL string
	Dialer     exchange.Dialer
	Rest       RestAPI
	Now        func() time.Time
	// Fatal is called when a reinitialization cannot obtain a token.
	// Defaults to logging and exiting the process.
	Fatal  func(error)
	Logger *logger.Log
}

// channel holds the connection and liveness record of one socket
type channel struct {
	name           exchange.ChannelName
	url            string
	active         bool
	conn           exchange.Conn
	state          State
	generation     string
	initiated      bool
	lastPong       time.Time
	lastHeartbeat  time.Time
	connectedSince time.Time
	pingTimer      *time.Timer
}

// ChannelStatus is a read-only view of one channel
type ChannelStatus struct {
	Name           exchange.ChannelName  `json:"name"`
	State          string                `json:"state"`
	Generation     string                `json:"generation,omitempty"`
	LastPong       time.Time             `json:"last_pong"`
	ConnectedSince time.Time             `json:"connected_since"`
	Transport      exchange.HealthStatus `json:"transport"`
}

// Session owns both exchange sockets and every piece of state derived from
// them: order books, pending actions and tracked orders.
type Session struct {
	cfg     config.SessionConfig
	dialer  exchange.Dialer
	rest    RestAPI
	now     func() time.Time
	fatal   func(error)
	baseLog *logger.Log
	log     *logger.Entry

	ids     *correlation.IDSource
	pending *correlation.Table
	books   *orderbook.Engine
	tracker *tracker.Tracker
	bus     *events.Bus
	routes  map[exchange.ChannelName]routes

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	channels     map[exchange.ChannelName]*channel
	pairs        []string
	market       *market.Table
	token        string
	started      bool
	closed       bool
	reiniting    bool
	readyEmitted bool
	okSince      time.Time
	watchdog     *time.Timer
	tradeVolume  map[string]interface{}
}

// New creates a session. Nothing is dialed before Start.
func New(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}

	s := &Session{
		cfg:     opts.Session,
		dialer:  opts.Dialer,
		rest:    opts.Rest,
		now:     opts.Now,
		fatal:   opts.Fatal,
		baseLog: opts.Logger,
		log:     opts.Logger.WithComponent("session"),
		pairs:   append([]string(nil), opts.Session.Pairs...),
	}
	if s.fatal == nil {
		s.fatal = func(err error) {
			s.log.WithError(err).Error("fatal session error")
			os.Exit(1)
		}
	}

	s.ids = correlation.NewIDSource(s.now())
	s.pending = correlation.NewTable(s.ids, s.now, opts.Logger)
	s.books = orderbook.NewEngine(orderbook.Options{
		Depth:          s.cfg.Depth,
		UpdateInterval: s.cfg.OrderbookUpdateInterval,
		Now:            s.now,
	}, s, opts.Logger)
	s.tracker = tracker.New(s.cfg.OrdersRef, s.now, opts.Logger)
	s.bus = events.NewBus(opts.Logger)

	private := s.rest != nil && s.rest.HasCredentials()
	s.channels = map[exchange.ChannelName]*channel{
		exchange.Public:  {name: exchange.Public, url: opts.PublicURL, active: true},
		exchange.Private: {name: exchange.Private, url: opts.PrivateURL, active: private},
	}
	s.routes = s.buildRoutes()
	return s
}

// Start loads market metadata, obtains the private token when credentials
// are configured, opens both channels and arms the watchdog. Only a missing
// token (ErrNoToken) or a pair the exchange does not list (ErrUnknownPair)
// fail Start; transport and REST failures are retried by the watchdog.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.okSince = s.now()
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{
		"pairs":   s.cfg.Pairs,
		"private": s.channels[exchange.Private].active,
	}).Info("starting session")

	err := s.bootstrap(ctx, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrUnknownPair):
		s.teardown()
		return err
	default:
		s.log.WithError(err).Warn("session start failed, waiting for watchdog")
		s.teardown()
	}

	s.armWatchdog()
	return nil
}

// bootstrap loads the market table if it is still missing and connects.
// With strict set an unknown configured pair is an error, otherwise it is
// dropped.
func (s *Session) bootstrap(ctx context.Context, strict bool) error {
	if err := s.loadMarket(ctx, strict); err != nil {
		return err
	}
	return s.connect(ctx)
}

func (s *Session) loadMarket(ctx context.Context, strict bool) error {
	s.mu.Lock()
	loaded := s.market != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}

	table, err := market.Load(ctx, s.rest)
	if err != nil {
		return fmt.Errorf("failed to load market metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]string, 0, len(s.pairs))
	for _, pair := range s.pairs {
		if table.HasPair(pair) {
			kept = append(kept, pair)
			continue
		}
		if strict {
			return fmt.Errorf("%s: %w", pair, ErrUnknownPair)
		}
		s.log.WithField("pair", pair).Error("unknown pair dropped")
	}
	s.pairs = kept
	s.market = table
	return nil
}

// Close stops the watchdog, closes both sockets and fails pending actions
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	conns := s.detachLocked(s.now())
	s.mu.Unlock()

	s.books.Reset()
	s.pending.FailAll(ErrClosed)
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			s.log.WithError(err).Debug("error closing connection")
		}
	}
	s.bus.Close()
	s.log.Info("session closed")
	return nil
}

// connect fetches the token, recreates the books of every pair and opens
// the active channels
func (s *Session) connect(ctx context.Context) error {
	if s.channels[exchange.Private].active {
		s.log.Info("getting websocket token")
		token, err := s.rest.WebSocketToken(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoToken, err)
		}
		s.mu.Lock()
		s.token = token
		s.mu.Unlock()
		s.log.Info("received websocket token")
	}

	for _, pair := range s.Pairs() {
		s.books.Create(pair)
	}

	for _, name := range []exchange.ChannelName{exchange.Public, exchange.Private} {
		if !s.channels[name].active {
			continue
		}
		if err := s.openChannel(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) openChannel(ctx context.Context, name exchange.ChannelName) error {
	s.mu.Lock()
	ch := s.channels[name]
	ch.state = Connecting
	url := ch.url
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		s.mu.Lock()
		ch.state = Disconnected
		s.mu.Unlock()
		return fmt.Errorf("failed to connect to %s channel: %w", name, err)
	}

	generation := uuid.New().String()
	now := s.now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	ch.conn = conn
	ch.generation = generation
	ch.state = Open
	ch.connectedSince = now
	ch.lastPong = now
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{
		"channel":    name,
		"generation": generation,
	}).Info("socket open")

	go s.readLoop(name, generation, conn)

	switch name {
	case exchange.Public:
		s.onPublicOpen()
	case exchange.Private:
		s.onPrivateOpen()
	}
	return nil
}

// onPublicOpen subscribes book and trade for every pair
func (s *Session) onPublicOpen() {
	s.setState(exchange.Public, Subscribing)
	for _, pair := range s.Pairs() {
		if err := s.subscribePair(pair); err != nil {
			s.log.WithError(err).WithField("pair", pair).Warn("failed to subscribe pair")
		}
	}
	s.schedulePing(exchange.Public)
	s.markInitiated(exchange.Public)
}

// onPrivateOpen subscribes ownTrades and openOrders with the token
func (s *Session) onPrivateOpen() {
	s.setState(exchange.Private, Subscribing)
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	for _, name := range []string{kraken.ChannelOwnTrades, kraken.ChannelOpenOrders} {
		req := kraken.SubscribeRequest{
			Event:        kraken.EventSubscribe,
			ReqID:        s.ids.Next(),
			Subscription: kraken.Subscription{Name: name, Token: token},
		}
		if err := s.send(exchange.Private, req); err != nil {
			s.log.WithError(err).WithField("subscription", name).Warn("failed to subscribe private channel")
		}
	}
	s.schedulePing(exchange.Private)
	s.markInitiated(exchange.Private)
}

func (s *Session) markInitiated(name exchange.ChannelName) {
	s.mu.Lock()
	ch := s.channels[name]
	ch.initiated = true
	ch.state = Live

	ready := !s.readyEmitted && s.market != nil
	for _, c := range s.channels {
		if c.active && !c.initiated {
			ready = false
		}
	}
	if ready {
		s.readyEmitted = true
	}
	s.mu.Unlock()

	if ready {
		s.log.Info("session ready")
		s.bus.Publish(events.Event{Name: events.Ready, Time: s.now()})
	}
}

func (s *Session) readLoop(name exchange.ChannelName, generation string, conn exchange.Conn) {
	for raw := range conn.Messages() {
		if !s.isCurrent(name, generation) {
			continue
		}
		s.handleFrame(name, raw)
	}

	s.mu.Lock()
	ch := s.channels[name]
	current := !s.closed && !s.reiniting && ch.generation == generation
	if current {
		ch.state = Stale
	}
	s.mu.Unlock()

	if current {
		s.log.WithField("channel", name).Warn("socket closed unexpectedly")
		s.reinit(fmt.Sprintf("%s socket closed", name))
	}
}

func (s *Session) isCurrent(name exchange.ChannelName, generation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[name].generation == generation
}

// send marshals msg and writes it on the named channel
func (s *Session) send(name exchange.ChannelName, msg interface{}) error {
	s.mu.Lock()
	ch := s.channels[name]
	var conn exchange.Conn
	if ch.conn != nil && ch.state != Disconnected && ch.state != Connecting {
		conn = ch.conn
	}
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%s: %w", name, ErrNotConnected)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", name, err)
	}
	return conn.Send(data)
}

// subscribePublic sends a public (un)subscribe frame. Subscribe requests are
// tracked until the exchange acknowledges them.
func (s *Session) subscribePublic(event string, sub kraken.Subscription, pairs []string) error {
	if !kraken.IsPublicSubscription(sub.Name) {
		return fmt.Errorf("%s: %w", sub.Name, ErrInvalidSubscription)
	}

	req := kraken.SubscribeRequest{Event: event, Pair: pairs, Subscription: sub}
	if event == kraken.EventSubscribe {
		p := s.pending.Register(correlation.KindSubscribe, sub, 0)
		req.ReqID = p.ReqID
		if err := s.send(exchange.Public, req); err != nil {
			s.pending.Remove(p.ReqID)
			return err
		}
		return nil
	}

	req.ReqID = s.ids.Next()
	return s.send(exchange.Public, req)
}

func (s *Session) subscribePair(pair string) error {
	book := kraken.Subscription{Name: kraken.ChannelBook, Depth: s.cfg.Depth}
	if err := s.subscribePublic(kraken.EventSubscribe, book, []string{pair}); err != nil {
		return err
	}
	return s.subscribePublic(kraken.EventSubscribe, kraken.Subscription{Name: kraken.ChannelTrade}, []string{pair})
}

// ping sends a transport ping and an application ping on the channel
func (s *Session) ping(name exchange.ChannelName) {
	s.mu.Lock()
	ch := s.channels[name]
	if ch.pingTimer != nil {
		ch.pingTimer.Stop()
		ch.pingTimer = nil
	}
	conn := ch.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Ping(); err != nil {
		s.log.WithError(err).WithField("channel", name).Debug("transport ping failed")
	}
	if err := s.send(name, kraken.PingRequest{Event: kraken.EventPing, ReqID: s.ids.Next()}); err != nil {
		s.log.WithError(err).WithField("channel", name).Debug("ping failed")
	}
}

// schedulePing replaces the pending ping of the channel with one due after
// the ping interval
func (s *Session) schedulePing(name exchange.ChannelName) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[name]
	if ch.pingTimer != nil {
		ch.pingTimer.Stop()
	}
	if s.closed {
		ch.pingTimer = nil
		return
	}
	ch.pingTimer = time.AfterFunc(s.cfg.PingInterval, func() { s.ping(name) })
}

func (s *Session) armWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdog = time.AfterFunc(s.cfg.PingInterval*3/2, s.checkLiveness)
}

// checkLiveness reinitializes the session when an active channel has not
// seen a pong for two ping intervals
func (s *Session) checkLiveness() {
	now := s.now()
	limit := 2 * s.cfg.PingInterval

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var stale []string
	for _, ch := range s.channels {
		if !ch.active {
			continue
		}
		if now.Sub(ch.lastPong) > limit {
			ch.state = Stale
			stale = append(stale, string(ch.name))
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		sort.Strings(stale)
		s.reinit(fmt.Sprintf("no pong on %v", stale))
	}
	s.armWatchdog()
}

// reinit tears everything down and reconnects asynchronously. Pending
// actions fail with ErrConnectionReset; tracked orders survive.
func (s *Session) reinit(reason string) {
	s.mu.Lock()
	if s.closed || s.reiniting {
		s.mu.Unlock()
		return
	}
	s.reiniting = true
	now := s.now()
	okFor := now.Sub(s.okSince)
	conns := s.detachLocked(now)
	s.token = ""
	ctx := s.ctx
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{
		"reason":  reason,
		"ok_for":  okFor.Truncate(time.Second).String(),
		"pending": s.pending.Len(),
	}).Warn("reinitializing session")
	metrics.IncReinitialization()

	s.books.Reset()
	s.pending.FailAll(ErrConnectionReset)
	s.tracker.ResetSubscription()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			s.log.WithError(err).Debug("error closing connection")
		}
	}

	go func() {
		err := s.bootstrap(ctx, false)

		s.mu.Lock()
		s.reiniting = false
		if err == nil {
			s.okSince = s.now()
		}
		s.mu.Unlock()

		switch {
		case err == nil:
			s.log.Info("session reinitialized")
		case errors.Is(err, ErrNoToken):
			s.fatal(err)
		default:
			s.log.WithError(err).Warn("reinitialization failed, waiting for watchdog")
		}
	}()
}

// detachLocked resets every channel and returns the connections to close
// (must be called with mutex locked)
func (s *Session) detachLocked(now time.Time) []exchange.Conn {
	var conns []exchange.Conn
	for _, ch := range s.channels {
		if ch.pingTimer != nil {
			ch.pingTimer.Stop()
			ch.pingTimer = nil
		}
		if ch.conn != nil {
			conns = append(conns, ch.conn)
		}
		ch.conn = nil
		ch.generation = ""
		ch.initiated = false
		ch.state = Disconnected
		ch.lastPong = now
		ch.lastHeartbeat = time.Time{}
	}
	return conns
}

// teardown releases what a failed Start opened
func (s *Session) teardown() {
	s.mu.Lock()
	conns := s.detachLocked(s.now())
	s.mu.Unlock()

	s.books.Reset()
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Session) setState(name exchange.ChannelName, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[name].state = state
}

// ChannelState returns the lifecycle state of a channel
func (s *Session) ChannelState(name exchange.ChannelName) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		return Disconnected
	}
	return ch.state
}

// Health reports every active channel
func (s *Session) Health() []ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ChannelStatus
	for _, name := range []exchange.ChannelName{exchange.Public, exchange.Private} {
		ch := s.channels[name]
		if !ch.active {
			continue
		}
		status := ChannelStatus{
			Name:           name,
			State:          ch.state.String(),
			Generation:     ch.generation,
			LastPong:       ch.lastPong,
			ConnectedSince: ch.connectedSince,
		}
		if ch.conn != nil {
			status.Transport = ch.conn.Health()
		}
		out = append(out, status)
	}
	return out
}
