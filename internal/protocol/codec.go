package protocol

import "encoding/json"

// Serializer is the bidirectional codec boundary between envelopes and
// wire bytes. Only a JSON implementation is in scope, but handlers are
// written against this interface so a future serializer is pluggable
// without touching dispatch logic.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer implements Serializer with encoding/json.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
