package types

// PriceAggregator buckets book levels by price precision
type PriceAggregator interface {
	// SetDecimals updates the number of price decimals kept per bucket
	SetDecimals(decimals int32)

	// GetDecimals returns the current bucket precision
	GetDecimals() int32

	// CompressBook merges consecutive levels of each side that land in the
	// same bucket, rounding bids down and asks up
	CompressBook(book Book) CompressedBook
}

// BookReader is the read side of the order-book engine
type BookReader interface {
	// TopOfBook returns the first level of each side, false when the book is unusable
	TopOfBook(pair string) (Top, bool)

	// FullBook returns both sides, empty when the book is unusable
	FullBook(pair string) Book

	// Pairs lists pairs that currently have a book
	Pairs() []string
}
