package util

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingArgument is returned by NewConnection when hostname or username is absent.
	ErrMissingArgument = errors.New("missing required argument")

	// ErrConnection matches every *ConnectionError via errors.Is.
	ErrConnection = errors.New("ssh connection failed")
)

// Failure causes reported by SSHClient.Connect. Network failures are
// returned as the underlying net error instead.
var (
	ErrPasswordRequired = errors.New("private key is encrypted and no passphrase was given")
	ErrBadKey           = errors.New("private key could not be loaded")
	ErrAuthentication   = errors.New("authentication failed")
	ErrSSHProtocol      = errors.New("ssh protocol failure")
)

// ConnectionError is returned by Connection.Client when the connect call
// fails, whatever the cause. Err holds that cause.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports ErrConnection as matching so callers need not use errors.As.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}
