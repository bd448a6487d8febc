package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential such as the Stripe API key or webhook
// signing secret. fmt, encoding/json and slog all see a redacted placeholder;
// call Unmask at the point the raw value is handed to a client.
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw value. Keep call sites to the few places that need it.
func (s SecretString) Unmask() string {
	return string(s)
}
