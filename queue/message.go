package queue

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Message is a decoded JSON object as it travels on the wire. Pipeline
// services layer typed views on top of it.
type Message map[string]any

// correlationKeys are tried in order when looking for a message id.
var correlationKeys = []string{"ht_id", "id"}

// ID returns the correlation id used for logging, or "" if none is present.
func (m Message) ID() string {
	for _, key := range correlationKeys {
		if v, ok := m[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Encode serializes v to UTF-8 JSON and checks that the result is an object.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: got %.32s", ErrSerialization, body)
	}
	return body, nil
}

// Decode parses a body into a Message.
func Decode(body []byte) (Message, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: %.32q", ErrDecode, body)
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return m, nil
}

// CorrelationID extracts the correlation id from a raw body without fully
// decoding it.
func CorrelationID(body []byte) string {
	for _, key := range correlationKeys {
		if r := gjson.GetBytes(body, key); r.Exists() {
			return r.String()
		}
	}
	return ""
}
