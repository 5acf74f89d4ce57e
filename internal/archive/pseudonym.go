package archive

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const (
	minPseudonymLength = 8
	maxPseudonymLength = blake2b.Size256 * 2
)

// Pseudonymizer derives stable, non-reversible customer identifiers for
// archives. The same (tenant, sender) pair always yields the same pseudonym
// under one secret.
type Pseudonymizer struct {
	key    []byte
	length int
}

func NewPseudonymizer(secret string, length int) *Pseudonymizer {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	switch {
	case length <= 0:
		length = 16
	case length < minPseudonymLength:
		length = minPseudonymLength
	case length > maxPseudonymLength:
		length = maxPseudonymLength
	}
	return &Pseudonymizer{key: key, length: length}
}

// Pseudonym is a keyed BLAKE2b-256 of the tenant salt and sender id, hex
// encoded and truncated.
func (p *Pseudonymizer) Pseudonym(tenantID, senderID string) string {
	h, err := blake2b.New256(p.key)
	if err != nil {
		// key length is bounded in NewPseudonymizer
		panic(err)
	}
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(senderID))
	return hex.EncodeToString(h.Sum(nil))[:p.length]
}
