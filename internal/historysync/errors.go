package historysync

import "errors"

// Domain-specific errors for history sync.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnauthorized is returned when the storage node rejects the token.
	ErrUnauthorized = errors.New("historysync: unauthorized")

	// ErrServer is returned for 5xx responses from the storage node.
	ErrServer = errors.New("historysync: server error")

	// ErrBadHMAC is returned when a record fails authentication.
	ErrBadHMAC = errors.New("historysync: record HMAC mismatch")

	// ErrBadPayload is returned when a record cannot be decoded.
	ErrBadPayload = errors.New("historysync: malformed record payload")
)
