package bus

import "errors"

// Error taxonomy for publish/subscribe operations.
//
// ErrSchemaInvalid is permanent - the message is rejected at publish and never
// retried. ErrTopicUnavailable is a connectivity failure surfaced to the
// caller; retrying is the caller's policy, not the bus's.
var (
	// ErrSchemaInvalid indicates a message that does not match its declared
	// type's required fields.
	ErrSchemaInvalid = errors.New("message schema invalid")

	// ErrTopicUnavailable indicates the underlying stream is unreachable.
	ErrTopicUnavailable = errors.New("topic unavailable")
)

// IsSchemaInvalid reports whether err is a schema validation failure.
func IsSchemaInvalid(err error) bool {
	return errors.Is(err, ErrSchemaInvalid)
}

// IsTopicUnavailable reports whether err is a bus connectivity failure.
func IsTopicUnavailable(err error) bool {
	return errors.Is(err, ErrTopicUnavailable)
}
