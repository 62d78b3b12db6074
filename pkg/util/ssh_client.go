// Package util provides the SSH connection wrapper used by the collector,
// the x/crypto/ssh client behind it and the RabbitMQ client results are
// published with.
//
// Example usage in goroutines:
//
//	config := &models.SSHConfig{
//		Hostname: "example.com",
//		Username: "user",
//		Password: "password",
//		Timeout:  10,
//	}
//
//	conn, err := util.NewConnection(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	ioe, err := conn.Sudo("ls -la /root", "password", 0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	out, _ := io.ReadAll(ioe.Output)
//	fmt.Println(string(out))
package util

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pershinghar/go-sudo-collection/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClientOptions carries transport settings that are not connect parameters.
type SSHClientOptions struct {
	// Passphrase for an encrypted private key
	KeyPassphrase string

	// known_hosts file; empty disables host key verification
	KnownHostsFile string

	// PTY requested by ExecCommand when getPty is set.
	// nil means models.DefaultPTYConfig().
	PTYConfig *models.PTYConfig
}

// execSession is a command started by ExecCommand that has not exited yet
type execSession struct {
	session *ssh.Session
	timer   *time.Timer
	done    chan struct{}
}

// SSHClient implements Client on top of golang.org/x/crypto/ssh
type SSHClient struct {
	opts     SSHClientOptions
	client   *ssh.Client
	sessions map[*execSession]struct{}
	isClosed bool
	log      *logrus.Entry
	mu       sync.Mutex
}

// NewSSHClient creates a new, unconnected SSH client
func NewSSHClient(opts SSHClientOptions, log *logrus.Entry) *SSHClient {
	if opts.PTYConfig == nil {
		opts.PTYConfig = models.DefaultPTYConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &SSHClient{
		opts:     opts,
		sessions: make(map[*execSession]struct{}),
		log:      log,
	}
}

// Connect dials the remote host and performs the SSH handshake.
//
// Failures wrap ErrPasswordRequired, ErrBadKey, ErrAuthentication or
// ErrSSHProtocol; dial failures wrap the net error unchanged.
func (c *SSHClient) Connect(params ConnectParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return fmt.Errorf("client is closed")
	}
	if c.client != nil {
		return fmt.Errorf("client is already connected")
	}

	sshConfig, err := c.prepareSSHConfig(params)
	if err != nil {
		return err
	}

	if params.Compress {
		c.log.Warn("compression requested but not supported by the ssh transport, continuing without it")
	}

	port := params.Port
	if port == 0 {
		port = models.DefaultSSHPort
	}
	address := net.JoinHostPort(params.Hostname, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: params.Timeout}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", address, err)
	}

	client, err := handshake(conn, address, sshConfig, params.Timeout)
	if err != nil {
		return err
	}

	c.client = client
	c.log.WithField("address", address).Info("ssh connection established")
	return nil
}

// handshake runs the SSH handshake on conn. A positive timeout bounds it
// through the connection deadline, which is cleared again on success.
// conn is closed on every error.
func handshake(conn net.Conn, address string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set handshake deadline on %s: %w", address, err)
		}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(address, err)
	}

	if timeout > 0 {
		if err := conn.SetDeadline(time.Time{}); err != nil {
			sshConn.Close()
			return nil, fmt.Errorf("failed to clear handshake deadline on %s: %w", address, err)
		}
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// prepareSSHConfig builds the client configuration for params
func (c *SSHClient) prepareSSHConfig(params ConnectParams) (*ssh.ClientConfig, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // verification is opt-in through KnownHostsFile
	if c.opts.KnownHostsFile != "" {
		callback, err := knownhosts.New(c.opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", c.opts.KnownHostsFile, err)
		}
		hostKeyCallback = callback
	}

	config := &ssh.ClientConfig{
		User:            params.Username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         params.Timeout,
	}

	// Try key-based authentication first
	if params.KeyFilename != "" {
		signer, err := loadPrivateKeyFromFile(params.KeyFilename, c.opts.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(signer))
	}

	if params.Password != "" {
		password := params.Password
		config.Auth = append(config.Auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(config.Auth) == 0 {
		return nil, fmt.Errorf("%w: no authentication method provided (need password or private key)", ErrAuthentication)
	}

	return config, nil
}

// classifyHandshakeError maps a failed ssh.NewClientConn to one of the
// Connect error causes.
func classifyHandshakeError(address string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("ssh handshake with %s: %w", address, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %s: %w", ErrAuthentication, address, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrSSHProtocol, address, err)
}

// ExecCommand starts command in a new session and returns its streams.
// A positive timeout closes the session if the command is still running
// when it expires. The session is released as soon as the command exits.
func (c *SSHClient) ExecCommand(command string, bufsize int, timeout time.Duration, getPty bool) (io.WriteCloser, io.Reader, io.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || c.isClosed {
		return nil, nil, nil, fmt.Errorf("not connected: call Connect() first")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	if getPty {
		modes := ssh.TerminalModes{
			ssh.ECHO: 0, // keep the sudo password out of the output
		}
		pty := c.opts.PTYConfig
		if err := session.RequestPty(pty.Term, pty.Rows, pty.Columns, modes); err != nil {
			session.Close()
			return nil, nil, nil, fmt.Errorf("failed to request PTY: %w", err)
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	tracked := &execSession{session: session, done: make(chan struct{})}
	if timeout > 0 {
		tracked.timer = time.AfterFunc(timeout, func() {
			c.expire(tracked, timeout)
		})
	}
	c.sessions[tracked] = struct{}{}
	go c.release(tracked)

	if bufsize > 0 {
		return stdin, bufio.NewReaderSize(stdout, bufsize), bufio.NewReaderSize(stderr, bufsize), nil
	}
	return stdin, stdout, stderr, nil
}

// release waits for the command of s to exit, then stops its timer and
// forgets it.
func (c *SSHClient) release(s *execSession) {
	_ = s.session.Wait()
	close(s.done)
	if s.timer != nil {
		s.timer.Stop()
	}

	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// expire closes the session of s unless its command already exited.
func (c *SSHClient) expire(s *execSession, timeout time.Duration) {
	select {
	case <-s.done:
		return
	default:
	}

	c.log.WithField("timeout", timeout).Warn("command timed out, closing session")
	_ = s.session.Close()
}

// Close closes every running session and then the connection
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return nil
	}

	var errs []error

	for s := range c.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		// a session whose command exits concurrently reports io.EOF
		if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	clear(c.sessions)

	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	c.isClosed = true

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %w", errors.Join(errs...))
	}

	return nil
}

// IsConnected returns true if the client is connected
func (c *SSHClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && !c.isClosed
}

// Helper functions for loading private keys

func loadPrivateKeyFromFile(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	return loadPrivateKeyFromBytes(key, passphrase)
}

func loadPrivateKeyFromBytes(key []byte, passphrase string) (ssh.Signer, error) {
	var signer ssh.Signer
	var err error

	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}

	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %w", ErrPasswordRequired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}

	return signer, nil
}
