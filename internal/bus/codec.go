// Package bus fans facts out to three independent transports: a durable
// Redis stream log, a low-latency pub/sub broadcast channel, and the
// transactional outbox drained by a poller. Consumers suppress duplicates
// with short-lived seen markers keyed by envelope id, so at-least-once
// delivery across all transports collapses to effectively-once processing.
package bus

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/statelinehq/stateline/model"
)

// maxSafeInteger is the largest integer JavaScript consumers can represent
// exactly. Larger integers are coerced to strings for wire safety.
const maxSafeInteger = 1<<53 - 1

// Encode marshals an envelope, coercing unsafe large integers in the
// payload to strings.
func Encode(env model.Envelope) ([]byte, error) {
	env.Payload = coerceMap(env.Payload)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal envelope: %w", err)
	}
	return data, nil
}

// Decode unmarshals an envelope.
func Decode(data []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("bus: unmarshal envelope: %w", err)
	}
	return env, nil
}

func coerceMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = coerceValue(v)
	}
	return out
}

func coerceValue(v any) any {
	switch n := v.(type) {
	case int:
		return coerceInt64(int64(n))
	case int64:
		return coerceInt64(n)
	case uint64:
		if n > maxSafeInteger {
			return fmt.Sprintf("%d", n)
		}
		return n
	case float64:
		if n == math.Trunc(n) && math.Abs(n) > maxSafeInteger {
			return fmt.Sprintf("%.0f", n)
		}
		return n
	case map[string]any:
		return coerceMap(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = coerceValue(e)
		}
		return out
	default:
		return v
	}
}

func coerceInt64(n int64) any {
	if n > maxSafeInteger || n < -maxSafeInteger {
		return fmt.Sprintf("%d", n)
	}
	return n
}
