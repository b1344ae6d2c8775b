package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPayload prefixes payload digests. The version suffix leaves room
// for a future algorithm change.
const DomainPayload = "matchsync/payload/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest computes the content digest of a payload batch.
// Two payloads with the same records in the same order hash identically
// regardless of key order or Unicode composition.
func PayloadDigest(payload []Record) (string, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("payload digest: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}
