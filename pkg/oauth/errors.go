package oauth

import "errors"

// ErrUnauthorized means no usable access token exists for a credential: it is
// missing, inactive, or its refresh failed.
var ErrUnauthorized = errors.New("unauthorized")

// IsUnauthorized checks if err is or wraps ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
