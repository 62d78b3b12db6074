package util

import (
	"io"
	"time"
)

// ConnectParams are the values Connection forwards to Client.Connect.
// Zero values mean "not set".
type ConnectParams struct {
	Hostname    string
	Username    string
	Password    string
	Port        int
	KeyFilename string
	Compress    bool
	Timeout     time.Duration
}

// Client is the SSH client handle Connection drives.
// SSHClient is the implementation used outside of tests.
type Client interface {
	// Connect establishes and authenticates the connection.
	Connect(params ConnectParams) error

	// ExecCommand starts command on the remote host and returns its
	// stdin, stdout and stderr. bufsize <= 0 keeps default buffering and
	// a zero timeout means none.
	ExecCommand(command string, bufsize int, timeout time.Duration, getPty bool) (io.WriteCloser, io.Reader, io.Reader, error)

	// Close tears the connection down.
	Close() error
}

// ClientFactory builds a new, unconnected Client.
type ClientFactory func() Client
