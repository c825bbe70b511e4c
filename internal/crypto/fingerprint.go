package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// FingerprintOperation returns a stable digest of what an operation asks the
// server to do. Two submissions with the same operation id but a different
// fingerprint indicate a client reusing ids for different payloads.
// JSON payloads are compacted first so whitespace does not matter.
func FingerprintOperation(entityType, intent, target string, payload []byte) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("failed to init blake2b: %w", err)
	}

	for _, part := range []string{entityType, intent, target} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}

	if len(payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			// not JSON, hash raw bytes
			h.Write(payload)
		} else {
			h.Write(buf.Bytes())
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
