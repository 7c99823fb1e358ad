package aggregation

import (
	"testing"

	"krakenclient/internal/types"
)

func TestNew(t *testing.T) {
	agg := New(2)

	if agg == nil {
		t.Fatal("New() returned nil")
	}

	if agg.GetDecimals() != 2 {
		t.Errorf("Expected 2 decimals, got %d", agg.GetDecimals())
	}
}

func TestSetGetDecimals(t *testing.T) {
	agg := New(2)
	agg.SetDecimals(0)

	if agg.GetDecimals() != 0 {
		t.Errorf("Expected 0 decimals, got %d", agg.GetDecimals())
	}
}

func TestCompressBids(t *testing.T) {
	tests := []struct {
		name     string
		decimals int32
		levels   []types.PriceLevel
		expected []types.CompressedLevel
	}{
		{
			name:     "No aggregation needed",
			decimals: 1,
			levels: []types.PriceLevel{
				{Level: "50000.1", Volume: "1.0"},
				{Level: "50000.2", Volume: "1.5"},
			},
			expected: []types.CompressedLevel{
				{Level: "50000.1", Price: "50000.1", Volume: 1.0},
				{Level: "50000.2", Price: "50000.2", Volume: 1.5},
			},
		},
		{
			name:     "Consecutive levels merge into the floor bucket",
			decimals: 0,
			levels: []types.PriceLevel{
				{Level: "50000.1", Volume: "1.0"},
				{Level: "50000.3", Volume: "1.5"},
				{Level: "50001.0", Volume: "2.0"},
			},
			expected: []types.CompressedLevel{
				{Level: "50000", Price: "50000.1", Volume: 2.5},
				{Level: "50001", Price: "50001.0", Volume: 2.0},
			},
		},
		{
			name:     "Malformed levels are skipped",
			decimals: 2,
			levels: []types.PriceLevel{
				{Level: "abc", Volume: "1.0"},
				{Level: "1.005", Volume: "x"},
				{Level: "1.001", Volume: "3"},
			},
			expected: []types.CompressedLevel{
				{Level: "1.00", Price: "1.001", Volume: 3},
			},
		},
		{
			name:     "Empty levels",
			decimals: 2,
			levels:   []types.PriceLevel{},
			expected: []types.CompressedLevel{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := New(tt.decimals).CompressBids(tt.levels)

			if len(result) != len(tt.expected) {
				t.Fatalf("Expected %d compressed levels, got %d", len(tt.expected), len(result))
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("Level %d: expected %+v, got %+v", i, tt.expected[i], result[i])
				}
			}
		})
	}
}

func TestCompressBookRoundsAwayFromSpread(t *testing.T) {
	agg := New(0)
	book := types.Book{
		Bids: []types.PriceLevel{
			{Level: "99.9", Volume: "1"},
			{Level: "99.2", Volume: "2"},
			{Level: "98.7", Volume: "1"},
		},
		Asks: []types.PriceLevel{
			{Level: "100.1", Volume: "1"},
			{Level: "100.8", Volume: "2"},
		},
	}

	got := agg.CompressBook(book)

	if len(got.Bids) != 2 {
		t.Fatalf("Expected 2 bid buckets, got %d", len(got.Bids))
	}
	if got.Bids[0].Level != "99" || got.Bids[0].Volume != 3 {
		t.Errorf("Expected bid bucket 99 with volume 3, got %+v", got.Bids[0])
	}
	if got.Bids[1].Level != "98" {
		t.Errorf("Expected bid bucket 98, got %s", got.Bids[1].Level)
	}

	if len(got.Asks) != 1 {
		t.Fatalf("Expected 1 ask bucket, got %d", len(got.Asks))
	}
	if got.Asks[0].Level != "101" || got.Asks[0].Volume != 3 {
		t.Errorf("Expected ask bucket 101 with volume 3, got %+v", got.Asks[0])
	}
	if got.Asks[0].Price != "100.1" {
		t.Errorf("Expected first raw price 100.1, got %s", got.Asks[0].Price)
	}
}
