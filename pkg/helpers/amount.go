package helpers

import (
	"fmt"
)

// SatoshisToBTC formats a satoshi amount as a BTC decimal string
// without trailing zeros.
func SatoshisToBTC(sat uint64) string {
	whole := sat / 100_000_000
	frac := sat % 100_000_000
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	s := fmt.Sprintf("%08d", frac)
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return fmt.Sprintf("%d.%s", whole, s)
}

// MsatToSat converts millisatoshis to satoshis, reporting whether the
// conversion was exact.
func MsatToSat(msat uint64) (uint64, bool) {
	return msat / 1000, msat%1000 == 0
}
