package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Bytes is binary data encoded as base64 on the wire. Decoding also accepts a
// JSON array of byte values, the format browser clients produce.
type Bytes []byte

// MarshalJSON encodes b as a base64 string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON accepts a base64 string or an array of numbers in [0, 255].
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64: %w", err)
		}
		*b = decoded
		return nil
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("data must be base64 or a byte array: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value out of range at index %d: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
