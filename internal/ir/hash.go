package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-derived ids. The version suffix allows the
// algorithm to change without colliding with stored ids.
const (
	DomainBundle     = "ledgerops/bundle/v1"
	DomainRecord     = "ledgerops/record/v1"
	DomainResolution = "ledgerops/resolution/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BundleID derives a bundle id from its ordered transaction ids.
func BundleID(txIDs []string) string {
	items := make([]any, len(txIDs))
	for i, id := range txIDs {
		items[i] = id
	}
	canonical, err := MarshalCanonical(items)
	if err != nil {
		// a list of strings always marshals
		panic(err)
	}
	return hashWithDomain(DomainBundle, canonical)
}

// RecordID derives a compensation record id. The same operation, sequence
// and action always produce the same id, which makes record insertion
// idempotent across replays.
func RecordID(operationID string, seq int64, action ActionType, target string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"operation_id": operationID,
		"seq":          seq,
		"action":       string(action),
		"target":       target,
	})
	if err != nil {
		return "", fmt.Errorf("RecordID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// MustRecordID is like RecordID but panics on error.
func MustRecordID(operationID string, seq int64, action ActionType, target string) string {
	id, err := RecordID(operationID, seq, action, target)
	if err != nil {
		panic(err)
	}
	return id
}
