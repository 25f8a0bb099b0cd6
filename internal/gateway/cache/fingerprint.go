package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Fingerprint digests a JSON payload into a stable cache key component.
//
// Two payloads that differ only in field order or in optional fields sent as
// explicit nulls produce the same fingerprint: the payload is decoded,
// null-valued object fields are dropped, and the result is re-encoded with
// sorted keys before hashing.
func Fingerprint(payload []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return "", fmt.Errorf("cache: decode payload: %w", err)
	}
	canonical, err := json.Marshal(pruneNulls(value))
	if err != nil {
		return "", fmt.Errorf("cache: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// pruneNulls removes null-valued fields from objects at every depth. Nulls
// inside arrays stay put because element positions carry meaning.
func pruneNulls(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if item == nil {
				continue
			}
			out[key] = pruneNulls(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, pruneNulls(item))
		}
		return out
	default:
		return value
	}
}
