package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Free-text fields that may carry user content. Their values are replaced by
// a salted hash. User ids are already anonymous and stay intact so budget
// counting keeps working.
var sensitiveFields = map[string]struct{}{
	"sourceText": {},
	"freeText":   {},
	"prompt":     {},
	"value":      {},
	"detail":     {},
}

// Derived structures that echo a document back. Module names and keys are
// user text too, so the whole subtree is hashed.
var sensitiveTrees = map[string]struct{}{
	"constraints": {},
	"checks":      {},
}

func redactRecord(rec Record, salt []byte) Record {
	rec.RequestPayload = redactPayload(rec.RequestPayload, salt)
	rec.ResponsePayload = redactPayload(rec.ResponsePayload, salt)
	return rec
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		payload := map[string]interface{}{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	b, err := json.Marshal(redactValue(doc, salt))
	if err != nil {
		return raw
	}
	return b
}

func redactValue(v interface{}, salt []byte) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, inner := range t {
			if _, ok := sensitiveTrees[k]; ok && inner != nil && !isDigest(inner) {
				if b, err := json.Marshal(inner); err == nil {
					t[k] = map[string]interface{}{"sha256": hashBytes(b, salt), "length": len(b)}
					continue
				}
			}
			if _, ok := sensitiveFields[k]; ok {
				if s, isString := inner.(string); isString {
					t[k] = map[string]interface{}{"sha256": hashString(s, salt), "length": len(s)}
					continue
				}
			}
			t[k] = redactValue(inner, salt)
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = redactValue(t[i], salt)
		}
		return t
	default:
		return v
	}
}

// isDigest reports whether v is the replacement written by an earlier pass.
func isDigest(v interface{}) bool {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 2 {
		return false
	}
	_, hasHash := m["sha256"]
	_, hasLen := m["length"]
	return hasHash && hasLen
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
