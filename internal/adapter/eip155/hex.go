package eip155

import (
	"fmt"
	"math/big"
	"strings"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// parseQuantity parses a JSON-RPC hex quantity ("0x..."). An empty
// string parses to nil, meaning the field was not provided.
func parseQuantity(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	digits, ok := strings.CutPrefix(value, "0x")
	if !ok || digits == "" {
		return nil, keelerr.WithDetails(keelerr.ErrInvalidHexQuantity, map[string]string{
			"field": field,
			"value": value,
		})
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, keelerr.WithDetails(keelerr.ErrInvalidHexQuantity, map[string]string{
			"field": field,
			"value": value,
		})
	}
	return n, nil
}

// formatQuantity renders a big integer as a minimal hex quantity.
func formatQuantity(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return fmt.Sprintf("%#x", n)
}

// isHexData checks a 0x-prefixed byte string with an even number of
// hex digits. Empty data and a bare "0x" are both valid.
func isHexData(value string) bool {
	if value == "" || value == "0x" {
		return true
	}
	digits, ok := strings.CutPrefix(value, "0x")
	if !ok || len(digits)%2 != 0 {
		return false
	}
	for _, c := range digits {
		if !isHexChar(c) {
			return false
		}
	}
	return true
}
