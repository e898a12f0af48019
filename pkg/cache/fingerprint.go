package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"agentmesh/pkg/proto"
)

// volatileKeys are payload fields that vary between otherwise identical
// requests and must not influence the fingerprint.
var volatileKeys = map[string]bool{
	"timestamp": true,
	"trace_id":  true,
}

// Fingerprint derives a stable sha256 hex key from an execution input. The
// input's ID and Timestamp are excluded, as are volatile payload fields at
// any nesting depth. Map keys are ordered by the JSON encoder, so
// semantically equal inputs produce equal fingerprints.
func Fingerprint(input proto.ExecutionInput) string {
	canonical := struct {
		Payload     map[string]any `json:"payload,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Constraints map[string]any `json:"constraints,omitempty"`
	}{
		Payload:     stripVolatile(input.Payload),
		Context:     stripVolatile(input.Context),
		Constraints: stripVolatile(input.Constraints),
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		// Maps of JSON-decoded values always marshal; reaching here means a
		// caller put a non-serializable value in the payload. Fall back to a
		// per-call unique key so the entry is simply never shared.
		data = []byte(proto.NewID())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func stripVolatile(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if volatileKeys[k] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripVolatile(nested)
			continue
		}
		out[k] = v
	}
	return out
}
