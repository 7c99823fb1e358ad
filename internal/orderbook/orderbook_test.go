package orderbook

import (
	"errors"
	"hash/crc32"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenclient/internal/logger"
	"krakenclient/internal/types"
)

type levelChange struct {
	pair     string
	side     types.Side
	current  types.PriceLevel
	previous types.PriceLevel
}

type recorder struct {
	mu      sync.Mutex
	invalid []string
	changes []levelChange
	updates []types.DepthUpdate
}

func (r *recorder) OnInvalidBook(pair string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid = append(r.invalid, pair)
}

func (r *recorder) OnFirstLevelChange(pair string, side types.Side, current, previous types.PriceLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, levelChange{pair, side, current, previous})
}

func (r *recorder) OnDepthUpdate(pair string, update types.DepthUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestEngine(t *testing.T, interval time.Duration) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := NewEngine(Options{Depth: 10, UpdateInterval: interval}, rec, logger.Discard())
	t.Cleanup(e.Reset)
	return e, rec
}

func entry(level, volume string) Entry {
	return Entry{Level: level, Volume: volume, Timestamp: "1616663113.1234"}
}

func checksumOf(asks, bids []types.PriceLevel) string {
	return strconv.FormatUint(uint64(Checksum(asks, bids)), 10)
}

func TestChecksumString(t *testing.T) {
	asks := []types.PriceLevel{{Level: "100.0", Volume: "1.00000000"}}
	bids := []types.PriceLevel{{Level: "99.0", Volume: "0.05005"}}

	assert.Equal(t, "1000100000000990"+"5005", ChecksumString(asks, bids))
	assert.Equal(t, crc32.ChecksumIEEE([]byte("10001000000009905005")), Checksum(asks, bids))
}

func TestChecksumStringTopTenOnly(t *testing.T) {
	var asks []types.PriceLevel
	for i := 1; i <= 12; i++ {
		asks = append(asks, types.PriceLevel{Level: strconv.Itoa(i), Volume: "1"})
	}
	assert.Equal(t, "112131415161718191101", ChecksumString(asks, nil))
}

func TestVerifyChecksumRejectsGarbage(t *testing.T) {
	asks := []types.PriceLevel{{Level: "100.0", Volume: "1"}}
	assert.False(t, VerifyChecksum(asks, nil, "not-a-number"))
	assert.True(t, VerifyChecksum(asks, nil, checksumOf(asks, nil)))
}

func TestSnapshotTopOfBook(t *testing.T) {
	e, _ := newTestEngine(t, 0)

	err := e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("101.0", "2"), entry("100.0", "1")},
		Bids: []Entry{entry("98.0", "3"), entry("99.0", "1")},
	})
	require.NoError(t, err)

	top, ok := e.TopOfBook("XBT/USD")
	require.True(t, ok)
	assert.Equal(t, "100.0", top.Ask.Level)
	assert.Equal(t, "99.0", top.Bid.Level)
}

func TestDiffRemovingTopAskEmitsLevelChange(t *testing.T) {
	e, rec := newTestEngine(t, 0)

	require.NoError(t, e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("100.0", "1"), entry("101.0", "2")},
		Bids: []Entry{entry("99.0", "1")},
	}))

	asks := []types.PriceLevel{{Level: "101.0", Volume: "2"}}
	bids := []types.PriceLevel{{Level: "99.0", Volume: "1"}}
	err := e.ApplyDiff("XBT/USD", Diff{
		Asks:     []Entry{entry("100.0", "0.00000000")},
		Checksum: checksumOf(asks, bids),
	})
	require.NoError(t, err)

	top, ok := e.TopOfBook("XBT/USD")
	require.True(t, ok)
	assert.Equal(t, "101.0", top.Ask.Level)

	require.Len(t, rec.changes, 1)
	assert.Equal(t, types.SideAsk, rec.changes[0].side)
	assert.Equal(t, "101.0", rec.changes[0].current.Level)
	assert.Equal(t, "100.0", rec.changes[0].previous.Level)
	assert.Len(t, rec.updates, 1)
	assert.Equal(t, 1, rec.updates[0].Counts)
}

func TestDiffChecksumMismatchInvalidates(t *testing.T) {
	e, rec := newTestEngine(t, 0)

	require.NoError(t, e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("100.0", "1")},
		Bids: []Entry{entry("99.0", "1")},
	}))

	err := e.ApplyDiff("XBT/USD", Diff{
		Bids:     []Entry{entry("99.5", "1")},
		Checksum: "12345",
	})
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, []string{"XBT/USD"}, rec.invalid)
	assert.Empty(t, rec.changes)

	_, ok := e.TopOfBook("XBT/USD")
	assert.False(t, ok)
	assert.True(t, e.FullBook("XBT/USD").IsEmpty())

	// later diffs are refused until a fresh snapshot arrives
	err = e.ApplyDiff("XBT/USD", Diff{Bids: []Entry{entry("99.6", "1")}})
	assert.True(t, errors.Is(err, ErrNoSnapshot))

	require.NoError(t, e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("100.0", "1")},
		Bids: []Entry{entry("99.0", "1")},
	}))
	_, ok = e.TopOfBook("XBT/USD")
	assert.True(t, ok)
}

func TestSnapshotChecksumMismatch(t *testing.T) {
	e, rec := newTestEngine(t, 0)

	err := e.Initialize("XBT/USD", Snapshot{
		Asks:     []Entry{entry("100.0", "1")},
		Bids:     []Entry{entry("99.0", "1")},
		Checksum: "1",
	})
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, []string{"XBT/USD"}, rec.invalid)
	_, ok := e.TopOfBook("XBT/USD")
	assert.False(t, ok)
}

func TestSortingAndDepth(t *testing.T) {
	e, _ := newTestEngine(t, 0)

	var asks, bids []Entry
	for i := 0; i < 15; i++ {
		asks = append(asks, entry(strconv.Itoa(200-i)+".0", "1"))
		bids = append(bids, entry(strconv.Itoa(100+i)+".0", "1"))
	}
	require.NoError(t, e.Initialize("ETH/EUR", Snapshot{Asks: asks, Bids: bids}))

	book := e.FullBook("ETH/EUR")
	require.Len(t, book.Asks, 10)
	require.Len(t, book.Bids, 10)
	assert.Equal(t, "186.0", book.Asks[0].Level)
	assert.Equal(t, "195.0", book.Asks[9].Level)
	assert.Equal(t, "114.0", book.Bids[0].Level)
	assert.Equal(t, "105.0", book.Bids[9].Level)
}

func TestDiffReplacesAndInserts(t *testing.T) {
	e, rec := newTestEngine(t, 0)

	require.NoError(t, e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("100.0", "1")},
		Bids: []Entry{entry("99.0", "1"), entry("98.0", "1")},
	}))

	require.NoError(t, e.ApplyDiff("XBT/USD", Diff{
		Bids: []Entry{entry("98.00", "5"), entry("97.0", "2"), entry("50.0", "0")},
	}))

	book := e.FullBook("XBT/USD")
	require.Len(t, book.Bids, 3)
	assert.Equal(t, "99.0", book.Bids[0].Level)
	assert.Equal(t, "5", book.Bids[1].Volume)
	assert.Equal(t, "97.0", book.Bids[2].Level)
	assert.Empty(t, rec.changes)
}

func TestDiffWithoutSnapshot(t *testing.T) {
	e, rec := newTestEngine(t, 0)

	err := e.ApplyDiff("XBT/USD", Diff{Asks: []Entry{entry("100.0", "1")}})
	assert.True(t, errors.Is(err, ErrNoSnapshot))
	assert.True(t, e.Has("XBT/USD"))
	_, ok := e.TopOfBook("XBT/USD")
	assert.False(t, ok)
	assert.Empty(t, rec.updates)
}

func TestFullBookIsCopy(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	require.NoError(t, e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("100.0", "1")},
		Bids: []Entry{entry("99.0", "1")},
	}))

	book := e.FullBook("XBT/USD")
	book.Asks[0].Volume = "999"

	top, _ := e.TopOfBook("XBT/USD")
	assert.Equal(t, "1", top.Ask.Volume)
}

func TestDepthUpdateThrottle(t *testing.T) {
	e, rec := newTestEngine(t, 40*time.Millisecond)
	require.NoError(t, e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("100.0", "1")},
		Bids: []Entry{entry("99.0", "1")},
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, e.ApplyDiff("XBT/USD", Diff{Bids: []Entry{entry("98.0", strconv.Itoa(i+1))}}))
	}
	assert.Equal(t, 0, rec.updateCount())

	assert.Eventually(t, func() bool { return rec.updateCount() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, 3, rec.updates[0].Counts)
	assert.Equal(t, "3", rec.updates[0].Bids[1].Volume)
	rec.mu.Unlock()
}

func TestResetStopsPendingFlush(t *testing.T) {
	e, rec := newTestEngine(t, 30*time.Millisecond)
	require.NoError(t, e.Initialize("XBT/USD", Snapshot{
		Asks: []Entry{entry("100.0", "1")},
		Bids: []Entry{entry("99.0", "1")},
	}))
	require.NoError(t, e.ApplyDiff("XBT/USD", Diff{Bids: []Entry{entry("98.0", "1")}}))

	e.Reset()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.updateCount())
	assert.Empty(t, e.Pairs())
}
