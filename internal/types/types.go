package types

import "time"

// Side identifies one half of the book
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel is a single price point of one side. Level is the identity key.
type PriceLevel struct {
	Level     string `json:"level"`
	Volume    string `json:"volume"`
	Timestamp string `json:"timestamp"`
}

// Book is a copy of both sides in best-first order
type Book struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// IsEmpty reports whether the book has no levels at all
func (b Book) IsEmpty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}

// Top holds the first level of each side
type Top struct {
	Bid PriceLevel `json:"bid"`
	Ask PriceLevel `json:"ask"`
}

// CompressedLevel is a price bucket produced by aggregation
type CompressedLevel struct {
	Level  string  `json:"level"`
	Price  string  `json:"price"`
	Volume float64 `json:"volume"`
}

// CompressedBook is a bucketed view of a full book
type CompressedBook struct {
	Bids []CompressedLevel `json:"bids"`
	Asks []CompressedLevel `json:"asks"`
}

// DepthUpdate is the throttled full-book notification of one pair
type DepthUpdate struct {
	Book
	Counts int       `json:"counts"`
	Time   time.Time `json:"time"`
}
