package orderbook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"krakenclient/internal/logger"
	"krakenclient/internal/types"
)

// Options configures every book created by an Engine
type Options struct {
	Depth          int
	UpdateInterval time.Duration
	Now            func() time.Time
}

// Engine owns one OrderBook per subscribed pair
type Engine struct {
	mu       sync.RWMutex
	books    map[string]*OrderBook
	opts     Options
	listener Listener
	log      *logger.Entry
}

// NewEngine creates an engine that reports book signals to listener
func NewEngine(opts Options, listener Listener, log *logger.Log) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Engine{
		books:    make(map[string]*OrderBook),
		opts:     opts,
		listener: listener,
		log:      log.WithComponent("orderbook"),
	}
}

// Create installs an empty, invalid book for pair, replacing any previous one
func (e *Engine) Create(pair string) *OrderBook {
	ob := newOrderBook(pair, e.opts, e.listener, e.log)

	e.mu.Lock()
	old := e.books[pair]
	e.books[pair] = ob
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return ob
}

// Has reports whether a book exists for pair
func (e *Engine) Has(pair string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.books[pair]
	return ok
}

func (e *Engine) book(pair string) (*OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ob, ok := e.books[pair]
	return ob, ok
}

// Initialize applies a snapshot, creating the book if needed
func (e *Engine) Initialize(pair string, snapshot Snapshot) error {
	ob, ok := e.book(pair)
	if !ok {
		ob = e.Create(pair)
	}
	return ob.LoadSnapshot(snapshot)
}

// ApplyDiff folds a diff into the book of pair. A pair without a snapshot
// gets an empty invalid book and ErrNoSnapshot.
func (e *Engine) ApplyDiff(pair string, diff Diff) error {
	ob, ok := e.book(pair)
	if !ok {
		e.Create(pair)
		return fmt.Errorf("%s: %w", pair, ErrNoSnapshot)
	}
	return ob.ApplyDiff(diff)
}

// TopOfBook returns the best bid and ask of pair
func (e *Engine) TopOfBook(pair string) (types.Top, bool) {
	ob, ok := e.book(pair)
	if !ok {
		return types.Top{}, false
	}
	return ob.Top()
}

// FullBook returns a copy of both sides of pair
func (e *Engine) FullBook(pair string) types.Book {
	ob, ok := e.book(pair)
	if !ok {
		return types.Book{}
	}
	return ob.Full()
}

// Pairs lists the pairs with a book, sorted
func (e *Engine) Pairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pairs := make([]string, 0, len(e.books))
	for pair := range e.books {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}

// Remove drops the book of pair
func (e *Engine) Remove(pair string) {
	e.mu.Lock()
	ob := e.books[pair]
	delete(e.books, pair)
	e.mu.Unlock()

	if ob != nil {
		ob.Close()
	}
}

// Reset drops every book
func (e *Engine) Reset() {
	e.mu.Lock()
	books := e.books
	e.books = make(map[string]*OrderBook)
	e.mu.Unlock()

	for _, ob := range books {
		ob.Close()
	}
}
