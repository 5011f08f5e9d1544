package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"mangapipe/pkg/models"
)

// Hash computes the deterministic content hash of a canonical entity:
// sha256 over its canonical JSON form. Struct fields marshal in
// declaration order and the normalizer sorts reference sets, so the
// digest is stable under any upstream field or relationship ordering.
func Hash(e models.Entity) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal %s %s: %w", e.Resource(), e.EntityID(), err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Payload is the canonical JSON form of an entity, exactly the bytes
// the hash was computed over. This is what the document store persists.
func Payload(e models.Entity) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s %s: %w", e.Resource(), e.EntityID(), err)
	}
	return b, nil
}
