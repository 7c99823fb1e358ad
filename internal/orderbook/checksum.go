package orderbook

import (
	"hash/crc32"
	"strconv"
	"strings"

	"krakenclient/internal/numeric"
	"krakenclient/internal/types"
)

// checksumLevels is the number of levels per side covered by the exchange checksum
const checksumLevels = 10

// ChecksumString builds the checksum input: the top ten asks then the top ten
// bids, each as normalized price followed by normalized volume.
func ChecksumString(asks, bids []types.PriceLevel) string {
	var b strings.Builder
	write := func(levels []types.PriceLevel) {
		for i, l := range levels {
			if i == checksumLevels {
				break
			}
			b.WriteString(numeric.NormalizeChecksum(l.Level))
			b.WriteString(numeric.NormalizeChecksum(l.Volume))
		}
	}
	write(asks)
	write(bids)
	return b.String()
}

// Checksum is the CRC32 (IEEE) of ChecksumString
func Checksum(asks, bids []types.PriceLevel) uint32 {
	return crc32.ChecksumIEEE([]byte(ChecksumString(asks, bids)))
}

// VerifyChecksum compares the local checksum with the decimal value sent by
// the exchange. An unparsable value never matches.
func VerifyChecksum(asks, bids []types.PriceLevel, expected string) bool {
	want, err := strconv.ParseUint(strings.TrimSpace(expected), 10, 32)
	if err != nil {
		return false
	}
	return uint32(want) == Checksum(asks, bids)
}
