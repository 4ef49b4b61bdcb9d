package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeHexExact decodes an unprefixed hex string and checks that it
// decodes to exactly n bytes.
func DecodeHexExact(s string, n int) ([]byte, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("hex must not be prefixed")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}
