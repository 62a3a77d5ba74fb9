package fetch

import (
	"encoding/json"
)

// Outcome is the result of one Execute call: exactly one of Payload or Failure is set.
// Ownership passes entirely to the caller.
type Outcome struct {
	// Payload is the raw, validated response body.
	Payload json.RawMessage
	// Value is Payload decoded into any.
	Value any
	// Attempts is the number of HTTP calls made.
	Attempts int
	// Failure is non-nil when no usable data was obtained.
	Failure *Failure
}

// OK reports whether the outcome is a Success.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Err returns the Failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Decode unmarshals the payload into target.
func (o Outcome) Decode(target any) error {
	if o.Failure != nil {
		return o.Failure
	}
	return json.Unmarshal(o.Payload, target)
}

func success(payload []byte, value any, attempts int) Outcome {
	return Outcome{Payload: json.RawMessage(payload), Value: value, Attempts: attempts}
}

func failed(f *Failure, attempts int) Outcome {
	f.Attempts = attempts
	return Outcome{Attempts: attempts, Failure: f}
}
