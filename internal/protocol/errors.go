package protocol

import "fmt"

// Error codes surfaced to callers and callback authors, carried in
// BrokerError.Code. Failures outside these kinds — a stopped broker, a
// canceled context, a transport dial error — reach callers as plain
// Go errors, not wrapped in one of these codes.
const (
	ErrNodeNotFound             = "NODE_NOT_FOUND"
	ErrEventNotFound            = "EVENT_NOT_FOUND"
	ErrActionNotFound           = "ACTION_NOT_FOUND"
	ErrCallbackNotFound         = "CALLBACK_NOT_FOUND"
	ErrCallbackFailed           = "CALLBACK_FAILED"
	ErrDeserializeFailed        = "DESERIALIZE_FAILED"
	ErrSerializeFailed          = "SERIALIZE_FAILED"
	ErrCallTimeout              = "CALL_TIMEOUT"
	ErrTransportSubscribeFailed = "TRANSPORT_SUBSCRIBE_FAILED"
)

// BrokerError is the typed error every broker-facing failure takes,
// modeled on the Moleculer wire error shape so it can be embedded
// directly into a RESPONSE envelope's Error field.
type BrokerError struct {
	Code    string
	Message string
	Data    any
}

func (e *BrokerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBrokerError builds a BrokerError with a formatted message.
func NewBrokerError(code, format string, args ...any) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ToWire converts a BrokerError into the wire MoleculerError shape
// carried inside a RESPONSE envelope.
func (e *BrokerError) ToWire() *MoleculerError {
	return &MoleculerError{
		Message: e.Message,
		Code:    e.Code,
		Type:    e.Code,
		Data:    e.Data,
	}
}
