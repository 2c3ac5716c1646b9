// Package eip155 is the transaction adapter for EVM chains: drafting,
// EIP-155 signing, broadcast, and receipt probing over the JSON-RPC
// eth_* surface.
package eip155

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// IsValidAddress checks the address format (40 hex chars with 0x
// prefix) without validating the checksum.
func IsValidAddress(address string) bool {
	if len(address) != 42 {
		return false
	}
	if !strings.HasPrefix(address, "0x") {
		return false
	}
	for _, c := range address[2:] {
		if !isHexChar(c) {
			return false
		}
	}
	return true
}

// ToChecksumAddress converts an address to EIP-55 checksum format.
// Invalid input is returned unchanged.
func ToChecksumAddress(address string) string {
	if !IsValidAddress(address) {
		return address
	}

	addr := strings.ToLower(address[2:])

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(addr))
	hash := hex.EncodeToString(hasher.Sum(nil))

	result := make([]byte, 42)
	result[0] = '0'
	result[1] = 'x'

	for i := 0; i < 40; i++ {
		c := addr[i]
		// Uppercase the character when the hash nibble is >= 8.
		if hash[i] >= '8' && c >= 'a' && c <= 'f' {
			result[i+2] = c - 32
		} else {
			result[i+2] = c
		}
	}

	return string(result)
}

// ValidateChecksumAddress validates EIP-55 checksum. All-lowercase and
// all-uppercase addresses are accepted as non-checksummed; mixed case
// must match the checksum exactly.
func ValidateChecksumAddress(address string) error {
	if !IsValidAddress(address) {
		return keelerr.WithDetails(keelerr.ErrInvalidAddress, map[string]string{
			"address": address,
		})
	}

	addrPart := address[2:]
	if addrPart == strings.ToLower(addrPart) || addrPart == strings.ToUpper(addrPart) {
		return nil
	}

	expected := ToChecksumAddress(address)
	if address != expected {
		return keelerr.WithDetails(keelerr.WithSuggestion(
			keelerr.ErrInvalidAddress,
			"verify the address or use the all-lowercase form",
		), map[string]string{
			"expected": expected,
			"actual":   address,
		})
	}

	return nil
}

func isHexChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
