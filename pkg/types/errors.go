package types

import "errors"

// Error classes shared by every burrow component. Call sites wrap them with
// fmt.Errorf("...: %w", ...) and callers test with errors.Is.
var (
	// ErrConfiguration covers unknown security overrides, invalid roles,
	// malformed TLS material and bad option combinations.
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocol covers requests that are well formed but not allowed in the
	// current state, such as releasing a lock held by someone else.
	ErrProtocol = errors.New("protocol error")

	// ErrConnectivity means a peer could not be reached. It is recoverable.
	ErrConnectivity = errors.New("connectivity error")

	// ErrTimeout means a deadline elapsed before an operation could finish.
	ErrTimeout = errors.New("timeout")

	// ErrFatalInternal reports a broken invariant, which is a bug.
	ErrFatalInternal = errors.New("fatal internal error")
)

var (
	ErrUnknownField       = errors.New("unknown field")
	ErrInvalidRole        = errors.New("invalid role")
	ErrEncryptionRequired = errors.New("encryption required")
)

// IsConnectivity reports whether err belongs to the connectivity class
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}
