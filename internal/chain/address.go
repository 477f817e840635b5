package chain

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLength is the decoded length of a ledger address.
const AddressLength = 32

// ParseAddress decodes a base58 address and checks its length.
func ParseAddress(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("address is empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("address %q is not base58: %w", s, err)
	}
	if len(raw) != AddressLength {
		return nil, fmt.Errorf("address %q decodes to %d bytes, want %d", s, len(raw), AddressLength)
	}
	return raw, nil
}

// ValidAddress reports whether s is a well-formed address.
func ValidAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// EncodeAddress base58-encodes a raw 32-byte key.
func EncodeAddress(raw []byte) string {
	return base58.Encode(raw)
}
