package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"krakenclient/internal/aggregation"
	"krakenclient/internal/config"
	"krakenclient/internal/events"
	"krakenclient/internal/logger"
	"krakenclient/internal/metrics"
	"krakenclient/internal/session"
	"krakenclient/internal/tracker"
	"krakenclient/internal/types"
)

type MessageType string

const (
	MessageTypeEvent          MessageType = "event"
	MessageTypeCompressedBook MessageType = "compressed-book"
	MessageTypeDecimals       MessageType = "decimals"
)

const (
	broadcastBuffer = 100
	eventBuffer     = 256
	shutdownTimeout = 5 * time.Second
)

// Source is what the server exposes: books, orders, channel health and the
// domain event stream.
type Source interface {
	types.BookReader
	Orders() []tracker.Order
	Health() []session.ChannelStatus
	CompressedBook(pair string, decimals int32) (types.CompressedBook, error)
	Events(buffer int) (<-chan events.Event, func())
}

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type     string `json:"type"`
	Decimals *int32 `json:"decimals,omitempty"`
}

type EventMessage struct {
	Type  MessageType  `json:"type"`
	Event events.Event `json:"event"`
}

type CompressedBookMessage struct {
	Type      MessageType             `json:"type"`
	Pair      string                  `json:"pair"`
	Decimals  int32                   `json:"decimals"`
	Bids      []types.CompressedLevel `json:"bids"`
	Asks      []types.CompressedLevel `json:"asks"`
	Timestamp int64                   `json:"timestamp"`
}

type DecimalsMessage struct {
	Type     MessageType `json:"type"`
	Decimals int32       `json:"decimals"`
}

type HealthResponse struct {
	Status   string                  `json:"status"`
	Channels []session.ChannelStatus `json:"channels"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server re-broadcasts domain events to local websocket clients and serves
// read-only snapshots over HTTP.
type Server struct {
	source     Source
	addr       string
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
	broadcast  chan interface{}
	aggregator types.PriceAggregator
	aggMux     sync.RWMutex
	log        *logger.Entry
}

func NewServer(source Source, cfg config.ServerConfig, decimals int32, log *logger.Log) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Server{
		source:     source,
		addr:       cfg.Addr,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan interface{}, broadcastBuffer),
		aggregator: aggregation.New(decimals),
		log:        log.WithComponent("server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.UseEncodedPath()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/book/{pair}", s.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/book/{pair}/top", s.handleTop).Methods(http.MethodGet)
	r.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr reports the listen address
func (s *Server) Addr() string {
	return s.addr
}

// Run serves until ctx is cancelled or the listener fails
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startPumps(ctx)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithField("addr", s.addr).Info("server starting")

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
		<-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		s.closeClients()
		return err
	}
}

// startPumps forwards session events into the broadcast queue and writes the
// queue out to clients until ctx ends.
func (s *Server) startPumps(ctx context.Context) {
	evs, unsubscribe := s.source.Events(eventBuffer)
	go func() {
		defer unsubscribe()
		s.forwardEvents(ctx, evs)
	}()
	go s.broadcastMessages(ctx)
}

func (s *Server) forwardEvents(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evs:
			if !ok {
				return
			}
			if !s.hasClients() {
				continue
			}
			s.enqueue(EventMessage{Type: MessageTypeEvent, Event: e})
			if e.Name == events.OrderbookChange {
				s.enqueue(s.buildCompressedBook(e.Pair, e.Time))
			}
		}
	}
}

func (s *Server) buildCompressedBook(pair string, at time.Time) CompressedBookMessage {
	book := s.source.FullBook(pair)

	s.aggMux.RLock()
	compressed := s.aggregator.CompressBook(book)
	decimals := s.aggregator.GetDecimals()
	s.aggMux.RUnlock()

	return CompressedBookMessage{
		Type:      MessageTypeCompressedBook,
		Pair:      pair,
		Decimals:  decimals,
		Bids:      compressed.Bids,
		Asks:      compressed.Asks,
		Timestamp: at.UnixMilli(),
	}
}

func (s *Server) enqueue(msg interface{}) {
	select {
	case s.broadcast <- msg:
	default:
		s.log.Debug("broadcast queue full, dropping message")
	}
}

func (s *Server) hasClients() bool {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients) > 0
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.clientsMux.Lock()
	s.clients[conn] = true
	s.clientsMux.Unlock()

	s.log.WithField("remote", r.RemoteAddr).Info("websocket client connected")

	defer func() {
		s.removeClient(conn)
		s.log.WithField("remote", r.RemoteAddr).Info("websocket client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			s.log.WithError(err).Debug("invalid client message")
			continue
		}

		s.handleClientMessage(clientMsg)
	}
}

func (s *Server) handleClientMessage(msg ClientMessage) {
	switch msg.Type {
	case "set_decimals":
		if msg.Decimals == nil {
			s.log.Debug("set_decimals without decimals")
			return
		}
		if *msg.Decimals < 0 {
			s.log.WithField("decimals", *msg.Decimals).Debug("invalid decimals")
			return
		}
		s.setDecimals(*msg.Decimals)
	default:
		s.log.WithField("type", msg.Type).Debug("unknown client message type")
	}
}

func (s *Server) setDecimals(decimals int32) {
	s.aggMux.Lock()
	s.aggregator.SetDecimals(decimals)
	current := s.aggregator.GetDecimals()
	s.aggMux.Unlock()

	s.enqueue(DecimalsMessage{Type: MessageTypeDecimals, Decimals: current})
	s.log.WithField("decimals", current).Info("compression decimals changed")
}

func (s *Server) broadcastMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.broadcast:
			var failed []*websocket.Conn
			s.clientsMux.RLock()
			for client := range s.clients {
				if err := client.WriteJSON(msg); err != nil {
					s.log.WithError(err).Debug("error writing to client")
					failed = append(failed, client)
				}
			}
			s.clientsMux.RUnlock()

			for _, client := range failed {
				s.removeClient(client)
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMux.Lock()
	delete(s.clients, conn)
	s.clientsMux.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
}

// pairVar accepts "XBT/USD" url-encoded or the dashed form "XBT-USD"
func pairVar(r *http.Request) string {
	raw := mux.Vars(r)["pair"]
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return strings.ReplaceAll(raw, "-", "/")
}

func (s *Server) knownPair(pair string) bool {
	for _, p := range s.source.Pairs() {
		if p == pair {
			return true
		}
	}
	return false
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	pair := pairVar(r)
	if !s.knownPair(pair) {
		writeError(w, http.StatusNotFound, "unknown pair "+pair)
		return
	}

	if raw := r.URL.Query().Get("decimals"); raw != "" {
		decimals, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || decimals < 0 {
			writeError(w, http.StatusBadRequest, "invalid decimals "+raw)
			return
		}
		book, err := s.source.CompressedBook(pair, int32(decimals))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, book)
		return
	}

	writeJSON(w, http.StatusOK, s.source.FullBook(pair))
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	pair := pairVar(r)
	if !s.knownPair(pair) {
		writeError(w, http.StatusNotFound, "unknown pair "+pair)
		return
	}
	top, ok := s.source.TopOfBook(pair)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "book not ready for "+pair)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

func (s *Server) handleOrders(w http.ResponseWriter, _ *http.Request) {
	orders := s.source.Orders()
	if orders == nil {
		orders = []tracker.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	channels := s.source.Health()
	resp := HealthResponse{Status: "ok", Channels: channels}
	if resp.Channels == nil {
		resp.Channels = []session.ChannelStatus{}
	}

	code := http.StatusOK
	for _, ch := range channels {
		if ch.State != session.Live.String() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
