package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys.
// Version suffix enables future algorithm migration.
const (
	DomainShape = "lofi/shape/v1"
	DomainQuery = "lofi/query/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the domain-separated hash of v's canonical JSON.
// Two values that are equal after canonicalization (key order, NFC) hash
// identically, which is what makes shape deduplication work.
func ContentHash(domain string, v IRValue) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("content hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}
