package aggregation

import (
	"github.com/shopspring/decimal"

	"krakenclient/internal/types"
)

var _ types.PriceAggregator = (*Aggregator)(nil)

// Aggregator buckets price levels by a number of price decimals
type Aggregator struct {
	decimals int32
}

// New creates a new Aggregator instance
func New(decimals int32) *Aggregator {
	return &Aggregator{
		decimals: decimals,
	}
}

// SetDecimals updates the bucket precision
func (a *Aggregator) SetDecimals(decimals int32) {
	a.decimals = decimals
}

// GetDecimals returns the bucket precision
func (a *Aggregator) GetDecimals() int32 {
	return a.decimals
}

// CompressBids floors bid prices so a bucket never looks better than its levels
func (a *Aggregator) CompressBids(levels []types.PriceLevel) []types.CompressedLevel {
	return a.compress(levels, a.decimals, func(d decimal.Decimal) decimal.Decimal {
		return d.RoundFloor(a.decimals)
	})
}

// CompressAsks ceils ask prices so a bucket never looks better than its levels
func (a *Aggregator) CompressAsks(levels []types.PriceLevel) []types.CompressedLevel {
	return a.compress(levels, a.decimals, func(d decimal.Decimal) decimal.Decimal {
		return d.RoundCeil(a.decimals)
	})
}

// CompressBook buckets both sides of a book
func (a *Aggregator) CompressBook(book types.Book) types.CompressedBook {
	return types.CompressedBook{
		Bids: a.CompressBids(book.Bids),
		Asks: a.CompressAsks(book.Asks),
	}
}

func (a *Aggregator) compress(levels []types.PriceLevel, decimals int32, round func(decimal.Decimal) decimal.Decimal) []types.CompressedLevel {
	out := make([]types.CompressedLevel, 0, len(levels))
	for _, level := range levels {
		price, err := decimal.NewFromString(level.Level)
		if err != nil {
			continue
		}
		volume, err := decimal.NewFromString(level.Volume)
		if err != nil {
			continue
		}

		key := round(price).StringFixed(decimals)
		if n := len(out); n > 0 && out[n-1].Level == key {
			out[n-1].Volume += volume.InexactFloat64()
			continue
		}
		out = append(out, types.CompressedLevel{
			Level:  key,
			Price:  level.Level,
			Volume: volume.InexactFloat64(),
		})
	}
	return out
}
