package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"krakenclient/internal/logger"
	"krakenclient/internal/numeric"
	"krakenclient/internal/types"
)

var (
	// ErrNoSnapshot is returned for a diff that arrives before a usable snapshot.
	ErrNoSnapshot = errors.New("orderbook: no valid snapshot")
	// ErrChecksumMismatch is returned when the local book disagrees with the exchange.
	ErrChecksumMismatch = errors.New("orderbook: checksum mismatch")
)

// Entry is one [level, volume, timestamp, updateFlag] tuple from the feed
type Entry struct {
	Level      string
	Volume     string
	Timestamp  string
	UpdateType string
}

// Snapshot replaces both sides of a book
type Snapshot struct {
	Asks     []Entry
	Bids     []Entry
	Checksum string
}

// Diff carries incremental level changes
type Diff struct {
	Asks     []Entry
	Bids     []Entry
	Checksum string
}

// Listener receives the signals a book produces. Calls are made without the
// book lock held.
type Listener interface {
	OnInvalidBook(pair string)
	OnFirstLevelChange(pair string, side types.Side, current, previous types.PriceLevel)
	OnDepthUpdate(pair string, update types.DepthUpdate)
}

type notification func(Listener)

// OrderBook is the locally reconstructed ladder of one pair
type OrderBook struct {
	mu          sync.Mutex
	pair        string
	depth       int
	minInterval time.Duration
	now         func() time.Time
	listener    Listener
	log         *logger.Entry

	asks  []types.PriceLevel
	bids  []types.PriceLevel
	valid bool

	lastUpdateSent time.Time
	pendingUpdates int
	flushTimer     *time.Timer
	closed         bool
}

func newOrderBook(pair string, opts Options, listener Listener, log *logger.Entry) *OrderBook {
	return &OrderBook{
		pair:           pair,
		depth:          opts.Depth,
		minInterval:    opts.UpdateInterval,
		now:            opts.Now,
		listener:       listener,
		log:            log.WithField("pair", pair),
		lastUpdateSent: opts.Now(),
	}
}

// Pair returns the trading pair of the book
func (ob *OrderBook) Pair() string {
	return ob.pair
}

// Valid reports whether the book matches the last verified checksum
func (ob *OrderBook) Valid() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.valid
}

// LoadSnapshot replaces both sides and verifies the checksum when present.
// A snapshot without a checksum is trusted as is.
func (ob *OrderBook) LoadSnapshot(snapshot Snapshot) error {
	ob.mu.Lock()
	if ob.closed {
		ob.mu.Unlock()
		return nil
	}

	ob.asks = ob.truncate(sortSide(toLevels(snapshot.Asks), types.SideAsk))
	ob.bids = ob.truncate(sortSide(toLevels(snapshot.Bids), types.SideBid))
	ob.valid = true

	var notes []notification
	err := ob.verify(snapshot.Checksum, &notes)
	ob.mu.Unlock()

	ob.notify(notes)
	return err
}

// ApplyDiff folds level changes into both sides, verifies the checksum and
// emits level-change and throttled depth notifications.
func (ob *OrderBook) ApplyDiff(diff Diff) error {
	ob.mu.Lock()
	if ob.closed {
		ob.mu.Unlock()
		return nil
	}
	if !ob.valid {
		ob.mu.Unlock()
		return fmt.Errorf("%s: %w", ob.pair, ErrNoSnapshot)
	}

	prevAsk, hadAsk := first(ob.asks)
	prevBid, hadBid := first(ob.bids)

	if len(diff.Asks) > 0 {
		ob.pendingUpdates += len(diff.Asks)
		ob.asks = ob.truncate(sortSide(fold(ob.asks, diff.Asks), types.SideAsk))
	}
	if len(diff.Bids) > 0 {
		ob.pendingUpdates += len(diff.Bids)
		ob.bids = ob.truncate(sortSide(fold(ob.bids, diff.Bids), types.SideBid))
	}

	var notes []notification
	if err := ob.verify(diff.Checksum, &notes); err != nil {
		ob.mu.Unlock()
		ob.notify(notes)
		return err
	}

	if hadAsk {
		cur, _ := first(ob.asks)
		if cur.Level == "" || numeric.Cmp(cur.Level, prevAsk.Level) != 0 {
			notes = append(notes, func(l Listener) { l.OnFirstLevelChange(ob.pair, types.SideAsk, cur, prevAsk) })
		}
	}
	if hadBid {
		cur, _ := first(ob.bids)
		if cur.Level == "" || numeric.Cmp(cur.Level, prevBid.Level) != 0 {
			notes = append(notes, func(l Listener) { l.OnFirstLevelChange(ob.pair, types.SideBid, cur, prevBid) })
		}
	}

	if n := ob.throttle(); n != nil {
		notes = append(notes, n)
	}
	ob.mu.Unlock()

	ob.notify(notes)
	return nil
}

// Top returns the best level of each side, false when the book is unusable
func (ob *OrderBook) Top() (types.Top, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if !ob.valid {
		return types.Top{}, false
	}
	ask, _ := first(ob.asks)
	bid, _ := first(ob.bids)
	return types.Top{Bid: bid, Ask: ask}, true
}

// Full returns a copy of both sides, empty when the book is unusable
func (ob *OrderBook) Full() types.Book {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if !ob.valid {
		return types.Book{}
	}
	return ob.copyLocked()
}

// Close stops the pending flush and makes every later call a no-op
func (ob *OrderBook) Close() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.closed = true
	ob.valid = false
	if ob.flushTimer != nil {
		ob.flushTimer.Stop()
		ob.flushTimer = nil
	}
}

// verify checks the checksum if one is given (must be called with mutex locked)
func (ob *OrderBook) verify(checksum string, notes *[]notification) error {
	if checksum == "" {
		return nil
	}
	if VerifyChecksum(ob.asks, ob.bids, checksum) {
		ob.valid = true
		return nil
	}

	ob.log.WithFields(logger.Fields{
		"expected": checksum,
		"computed": Checksum(ob.asks, ob.bids),
	}).Warn("order book checksum mismatch, invalidating")
	ob.valid = false
	ob.pendingUpdates = 0
	if ob.flushTimer != nil {
		ob.flushTimer.Stop()
		ob.flushTimer = nil
	}
	*notes = append(*notes, func(l Listener) { l.OnInvalidBook(ob.pair) })
	return fmt.Errorf("%s: %w", ob.pair, ErrChecksumMismatch)
}

// throttle emits a depth update at most once per minInterval. Updates inside
// the window are counted and flushed when the window closes (must be called
// with mutex locked).
func (ob *OrderBook) throttle() notification {
	now := ob.now()
	elapsed := now.Sub(ob.lastUpdateSent)
	if ob.minInterval <= 0 || elapsed >= ob.minInterval {
		return ob.takeUpdateLocked(now)
	}
	if ob.flushTimer == nil {
		ob.flushTimer = time.AfterFunc(ob.minInterval-elapsed, ob.flush)
	}
	return nil
}

func (ob *OrderBook) flush() {
	ob.mu.Lock()
	ob.flushTimer = nil
	if ob.closed || !ob.valid || ob.pendingUpdates == 0 {
		ob.mu.Unlock()
		return
	}
	n := ob.takeUpdateLocked(ob.now())
	ob.mu.Unlock()

	ob.notify([]notification{n})
}

func (ob *OrderBook) takeUpdateLocked(now time.Time) notification {
	if ob.flushTimer != nil {
		ob.flushTimer.Stop()
		ob.flushTimer = nil
	}
	update := types.DepthUpdate{
		Book:   ob.copyLocked(),
		Counts: ob.pendingUpdates,
		Time:   now,
	}
	ob.lastUpdateSent = now
	ob.pendingUpdates = 0
	return func(l Listener) { l.OnDepthUpdate(ob.pair, update) }
}

func (ob *OrderBook) notify(notes []notification) {
	if ob.listener == nil {
		return
	}
	for _, n := range notes {
		n(ob.listener)
	}
}

func (ob *OrderBook) copyLocked() types.Book {
	asks := make([]types.PriceLevel, len(ob.asks))
	copy(asks, ob.asks)
	bids := make([]types.PriceLevel, len(ob.bids))
	copy(bids, ob.bids)
	return types.Book{Bids: bids, Asks: asks}
}

func (ob *OrderBook) truncate(levels []types.PriceLevel) []types.PriceLevel {
	if ob.depth > 0 && len(levels) > ob.depth {
		return levels[:ob.depth]
	}
	return levels
}

func toLevels(entries []Entry) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(entries))
	for _, e := range entries {
		levels = append(levels, types.PriceLevel{Level: e.Level, Volume: e.Volume, Timestamp: e.Timestamp})
	}
	return levels
}

// fold applies entries to levels: zero volume removes, a known level is
// replaced, an unknown level is appended
func fold(levels []types.PriceLevel, entries []Entry) []types.PriceLevel {
	for _, e := range entries {
		idx := indexOf(levels, e.Level)
		if numeric.IsZero(e.Volume) {
			if idx >= 0 {
				levels = append(levels[:idx], levels[idx+1:]...)
			}
			continue
		}
		level := types.PriceLevel{Level: e.Level, Volume: e.Volume, Timestamp: e.Timestamp}
		if idx >= 0 {
			levels[idx] = level
		} else {
			levels = append(levels, level)
		}
	}
	return levels
}

func indexOf(levels []types.PriceLevel, level string) int {
	for i := range levels {
		if numeric.Cmp(levels[i].Level, level) == 0 {
			return i
		}
	}
	return -1
}

// sortSide orders bids descending and asks ascending
func sortSide(levels []types.PriceLevel, side types.Side) []types.PriceLevel {
	sort.SliceStable(levels, func(i, j int) bool {
		c := numeric.Cmp(levels[i].Level, levels[j].Level)
		if side == types.SideBid {
			return c > 0
		}
		return c < 0
	})
	return levels
}

func first(levels []types.PriceLevel) (types.PriceLevel, bool) {
	if len(levels) == 0 {
		return types.PriceLevel{}, false
	}
	return levels[0], true
}
