package kraken

// Channel and event names used on the v1 websocket API
const (
	ChannelBook       = "book"
	ChannelTrade      = "trade"
	ChannelTicker     = "ticker"
	ChannelOHLC       = "ohlc"
	ChannelSpread     = "spread"
	ChannelOwnTrades  = "ownTrades"
	ChannelOpenOrders = "openOrders"

	EventPing               = "ping"
	EventPong               = "pong"
	EventHeartbeat          = "heartbeat"
	EventSystemStatus       = "systemStatus"
	EventSubscribe          = "subscribe"
	EventUnsubscribe        = "unsubscribe"
	EventSubscriptionStatus = "subscriptionStatus"
	EventAddOrder           = "addOrder"
	EventAddOrderStatus     = "addOrderStatus"
	EventCancelOrder        = "cancelOrder"
	EventCancelOrderStatus  = "cancelOrderStatus"

	StatusError        = "error"
	StatusUnsubscribed = "unsubscribed"
)

var publicSubscriptionNames = map[string]bool{
	ChannelTicker: true,
	ChannelOHLC:   true,
	ChannelTrade:  true,
	ChannelBook:   true,
	ChannelSpread: true,
}

// IsPublicSubscription reports whether name can be subscribed on the public socket
func IsPublicSubscription(name string) bool {
	return publicSubscriptionNames[name]
}

// Subscription describes one channel subscription
type Subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
	Token string `json:"token,omitempty"`
}

// SubscribeRequest is sent to (un)subscribe public or private channels
type SubscribeRequest struct {
	Event        string       `json:"event"`
	ReqID        int64        `json:"reqid"`
	Pair         []string     `json:"pair,omitempty"`
	Subscription Subscription `json:"subscription"`
}

// PingRequest is the application level ping
type PingRequest struct {
	Event string `json:"event"`
	ReqID int64  `json:"reqid"`
}

// AddOrderRequest places (or validates) an order on the private socket
type AddOrderRequest struct {
	Event     string `json:"event"`
	Token     string `json:"token"`
	ReqID     int64  `json:"reqid"`
	UserRef   string `json:"userref"`
	OrderType string `json:"ordertype"`
	Type      string `json:"type"`
	Pair      string `json:"pair"`
	Price     string `json:"price,omitempty"`
	Volume    string `json:"volume"`
	Leverage  string `json:"leverage,omitempty"`
	StartTm   string `json:"starttm,omitempty"`
	ExpireTm  string `json:"expiretm,omitempty"`
	Validate  bool   `json:"validate,omitempty"`
}

// CancelOrderRequest cancels orders by txid or by user reference
type CancelOrderRequest struct {
	Event string   `json:"event"`
	Token string   `json:"token"`
	ReqID int64    `json:"reqid"`
	TxID  []string `json:"txid"`
}

// Envelope is the common part of every object shaped frame
type Envelope struct {
	Event string `json:"event"`
	ReqID int64  `json:"reqid,omitempty"`
}

// SystemStatus is pushed on connect and on exchange status changes
type SystemStatus struct {
	Event        string `json:"event"`
	ConnectionID uint64 `json:"connectionID"`
	Status       string `json:"status"`
	Version      string `json:"version"`
}

// SubscriptionStatus acknowledges a subscribe or unsubscribe request
type SubscriptionStatus struct {
	Event        string       `json:"event"`
	ReqID        int64        `json:"reqid,omitempty"`
	ChannelName  string       `json:"channelName"`
	Pair         string       `json:"pair"`
	Status       string       `json:"status"`
	Subscription Subscription `json:"subscription"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// AddOrderStatus acknowledges an addOrder request
type AddOrderStatus struct {
	Event        string `json:"event"`
	ReqID        int64  `json:"reqid"`
	Status       string `json:"status"`
	TxID         string `json:"txid,omitempty"`
	Descr        string `json:"descr,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Failed reports whether the exchange rejected the order
func (s AddOrderStatus) Failed() bool {
	return s.Status == StatusError || s.ErrorMessage != ""
}

// CancelOrderStatus acknowledges a cancelOrder request
type CancelOrderStatus struct {
	Event        string `json:"event"`
	ReqID        int64  `json:"reqid"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Failed reports whether the exchange rejected the cancel
func (s CancelOrderStatus) Failed() bool {
	return s.Status == StatusError || s.ErrorMessage != ""
}

// BookLevel is one [price, volume, timestamp, updateType] tuple
type BookLevel struct {
	Price      string
	Volume     string
	Timestamp  string
	UpdateType string
}

// BookMessage is the decoded payload of a book frame. A frame may carry a
// snapshot (as/bs) or a diff (a/b); diffs for both sides can arrive split in
// two payloads of the same frame and are merged here.
type BookMessage struct {
	Pair     string
	Snapshot bool
	Asks     []BookLevel
	Bids     []BookLevel
	Checksum string
}

// Trade is one public trade
type Trade struct {
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Volume    string `json:"volume"`
	Time      string `json:"time"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Misc      string `json:"misc,omitempty"`
}

// OrderUpdate is one entry of an openOrders push
type OrderUpdate struct {
	ID     string
	Fields map[string]interface{}
}

// OwnTrade is one entry of an ownTrades push
type OwnTrade struct {
	ID     string
	Fields map[string]interface{}
}
