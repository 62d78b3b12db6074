package util

import (
	"fmt"
	"io"
	"time"

	"github.com/pershinghar/go-sudo-collection/pkg/models"
	"github.com/sirupsen/logrus"
)

// IOE bundles the three streams of a remote command.
type IOE struct {
	Input  io.WriteCloser
	Output io.Reader
	Error  io.Reader
}

// Connection holds the parameters for one SSH target and owns a lazily
// created Client for it.
//
// Connection is not safe for concurrent use; give every goroutine its own.
type Connection struct {
	Hostname    string
	Username    string
	Password    string
	Port        int
	KeyFilename string
	Compress    bool
	Timeout     time.Duration
	Prefix      string

	newClient ClientFactory
	client    Client
	log       *logrus.Entry
}

// Option configures a Connection.
type Option func(*Connection)

// WithClientFactory replaces the factory used to build the underlying client.
func WithClientFactory(factory ClientFactory) Option {
	return func(c *Connection) {
		c.newClient = factory
	}
}

// WithLogger sets the entry the connection logs to.
func WithLogger(entry *logrus.Entry) Option {
	return func(c *Connection) {
		c.log = entry
	}
}

// NewConnection validates config and returns a disconnected Connection.
// Nothing is dialed until Client is called.
func NewConnection(config *models.SSHConfig, opts ...Option) (*Connection, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: config", ErrMissingArgument)
	}
	if config.Hostname == "" {
		return nil, fmt.Errorf("%w: hostname", ErrMissingArgument)
	}
	if config.Username == "" {
		return nil, fmt.Errorf("%w: username", ErrMissingArgument)
	}

	port := config.Port
	if port == 0 {
		port = models.DefaultSSHPort
	}

	c := &Connection{
		Hostname:    config.Hostname,
		Username:    config.Username,
		Password:    config.Password,
		Port:        port,
		KeyFilename: config.KeyFilename,
		Compress:    config.Compress,
		Timeout:     time.Duration(config.Timeout) * time.Second,
		Prefix:      config.Prefix,
	}

	clientOpts := SSHClientOptions{
		KeyPassphrase:  config.KeyPassphrase,
		KnownHostsFile: config.KnownHostsFile,
		PTYConfig:      config.PTYConfig,
	}
	c.newClient = func() Client {
		return NewSSHClient(clientOpts, c.log)
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.WithField("host", c.Hostname)
	}

	return c, nil
}

// Client returns the cached client, connecting first if there is none.
// Any connect failure is returned as a *ConnectionError and nothing is cached.
func (c *Connection) Client() (Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	client := c.newClient()
	err := client.Connect(ConnectParams{
		Hostname:    c.Hostname,
		Username:    c.Username,
		Password:    c.Password,
		Port:        c.Port,
		KeyFilename: c.KeyFilename,
		Compress:    c.Compress,
		Timeout:     c.Timeout,
	})
	if err != nil {
		c.log.WithError(err).Debug("connect failed")
		return nil, &ConnectionError{Host: c.Hostname, Port: c.Port, Err: err}
	}

	c.log.Debug("connected")
	c.client = client
	return client, nil
}

// Sudo runs "sudo <command>" on a PTY and answers the password prompt.
// Reading the returned streams is up to the caller.
//
// timeout is accepted for call compatibility but the command always runs
// without one.
func (c *Connection) Sudo(command, password string, timeout time.Duration) (*IOE, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	stdin, stdout, stderr, err := client.ExecCommand("sudo "+command, -1, 0, true)
	if err != nil {
		return nil, fmt.Errorf("failed to run sudo %q on %s: %w", command, c.Hostname, err)
	}

	if _, err := io.WriteString(stdin, password+"\n"); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to send sudo password on %s: %w", c.Hostname, err)
	}

	return &IOE{Input: stdin, Output: stdout, Error: stderr}, nil
}

// Exec runs command without a PTY, after Prefix when one is set.
func (c *Connection) Exec(command string, timeout time.Duration) (*IOE, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	if c.Prefix != "" {
		command = c.Prefix + " " + command
	}

	stdin, stdout, stderr, err := client.ExecCommand(command, -1, timeout, false)
	if err != nil {
		return nil, fmt.Errorf("failed to run %q on %s: %w", command, c.Hostname, err)
	}

	return &IOE{Input: stdin, Output: stdout, Error: stderr}, nil
}

// IsConnected returns true if a client is cached
func (c *Connection) IsConnected() bool {
	return c.client != nil
}

// Close closes and forgets the cached client. It is a no-op when there is none.
func (c *Connection) Close() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.log.Debug("connection closed")

	if err != nil {
		return fmt.Errorf("failed to close connection to %s: %w", c.Hostname, err)
	}
	return nil
}
