package util

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pershinghar/go-sudo-collection/pkg/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	testUser         = "tester"
	testPassword     = "login-pw"
	testSudoPassword = "sudo-pw"
)

type testServer struct {
	host    string
	port    int
	hostKey ssh.PublicKey
}

func (s *testServer) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// startTestServer runs an SSH server on a random local port that accepts
// testUser/testPassword and emulates sudo for exec requests.
func startTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveTestConn(conn, cfg)
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return &testServer{host: "127.0.0.1", port: tcpAddr.Port, hostKey: signer.PublicKey()}
}

func serveTestConn(raw net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		_ = raw.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveTestSession(ch, chReqs)
	}
}

func serveTestSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	var command string
	for req := range reqs {
		if req.Type == "exec" {
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			command = payload.Command
			break
		}
		// pty-req and env are accepted without effect
		_ = req.Reply(req.Type == "pty-req", nil)
	}
	go ssh.DiscardRequests(reqs)

	status := uint32(0)
	if rest, ok := strings.CutPrefix(command, "sudo "); ok {
		_, _ = io.WriteString(ch, "[sudo] password for "+testUser+": ")
		line, err := bufio.NewReader(ch).ReadString('\n')
		if err != nil || strings.TrimSpace(line) != testSudoPassword {
			_, _ = io.WriteString(ch.Stderr(), "sudo: incorrect password\n")
			status = 1
		} else {
			_, _ = fmt.Fprintf(ch, "\r\nran %s\r\n", rest)
		}
	} else if command == "sleep" {
		// runs until the client closes the session
		_, _ = io.Copy(io.Discard, ch)
		status = 130
	} else {
		_, _ = fmt.Fprintf(ch, "ran %s\n", command)
	}

	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	_ = ch.CloseWrite()
}

func (s *testServer) params(password string) ConnectParams {
	return ConnectParams{
		Hostname: s.host,
		Username: testUser,
		Password: password,
		Port:     s.port,
	}
}

func writeEncryptedKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "test key", []byte(passphrase))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestSSHClient_ConnectAndExec(t *testing.T) {
	srv := startTestServer(t)
	client := NewSSHClient(SSHClientOptions{}, nil)

	require.NoError(t, client.Connect(srv.params(testPassword)))
	assert.True(t, client.IsConnected())

	_, stdout, _, err := client.ExecCommand("hostname", 0, 0, false)
	require.NoError(t, err)
	out, err := io.ReadAll(stdout)
	require.NoError(t, err)
	assert.Equal(t, "ran hostname\n", string(out))

	_ = client.Close()
	assert.False(t, client.IsConnected())
	assert.NoError(t, client.Close())
}

func TestSSHClient_BufferedStreams(t *testing.T) {
	srv := startTestServer(t)
	client := NewSSHClient(SSHClientOptions{}, nil)
	require.NoError(t, client.Connect(srv.params(testPassword)))
	defer client.Close()

	_, stdout, stderr, err := client.ExecCommand("uname", 4096, 0, false)
	require.NoError(t, err)
	assert.IsType(t, &bufio.Reader{}, stdout)
	assert.IsType(t, &bufio.Reader{}, stderr)

	out, err := io.ReadAll(stdout)
	require.NoError(t, err)
	assert.Equal(t, "ran uname\n", string(out))
}

func TestSSHClient_WrongPassword(t *testing.T) {
	srv := startTestServer(t)
	client := NewSSHClient(SSHClientOptions{}, nil)

	err := client.Connect(srv.params("nope"))
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.False(t, client.IsConnected())
}

func TestSSHClient_NoAuthMethod(t *testing.T) {
	client := NewSSHClient(SSHClientOptions{}, nil)

	err := client.Connect(ConnectParams{Hostname: "127.0.0.1", Username: testUser, Port: 1})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestSSHClient_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client := NewSSHClient(SSHClientOptions{}, nil)
	err = client.Connect(ConnectParams{Hostname: "127.0.0.1", Username: testUser, Password: testPassword, Port: port})
	require.Error(t, err)

	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

func TestSSHClient_EncryptedKeyWithoutPassphrase(t *testing.T) {
	keyPath := writeEncryptedKey(t, "hunter2")
	client := NewSSHClient(SSHClientOptions{}, nil)

	err := client.Connect(ConnectParams{Hostname: "127.0.0.1", Username: testUser, KeyFilename: keyPath, Port: 1})
	assert.ErrorIs(t, err, ErrPasswordRequired)
}

func TestSSHClient_MissingKeyFile(t *testing.T) {
	client := NewSSHClient(SSHClientOptions{}, nil)

	err := client.Connect(ConnectParams{
		Hostname:    "127.0.0.1",
		Username:    testUser,
		KeyFilename: filepath.Join(t.TempDir(), "missing"),
		Port:        1,
	})
	assert.ErrorIs(t, err, ErrBadKey)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSSHClient_EncryptedKeyWithPassphrase(t *testing.T) {
	srv := startTestServer(t)
	keyPath := writeEncryptedKey(t, "hunter2")
	client := NewSSHClient(SSHClientOptions{KeyPassphrase: "hunter2"}, nil)
	defer client.Close()

	// the server only takes passwords; the key must still decrypt
	params := srv.params(testPassword)
	params.KeyFilename = keyPath
	require.NoError(t, client.Connect(params))
}

func TestSSHClient_KnownHosts(t *testing.T) {
	srv := startTestServer(t)

	writeKnownHosts := func(t *testing.T, key ssh.PublicKey) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr())}, key)
		require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
		return path
	}

	t.Run("matching key", func(t *testing.T) {
		client := NewSSHClient(SSHClientOptions{KnownHostsFile: writeKnownHosts(t, srv.hostKey)}, nil)
		defer client.Close()
		assert.NoError(t, client.Connect(srv.params(testPassword)))
	})

	t.Run("mismatched key", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		other, err := ssh.NewPublicKey(otherPub)
		require.NoError(t, err)

		client := NewSSHClient(SSHClientOptions{KnownHostsFile: writeKnownHosts(t, other)}, nil)
		err = client.Connect(srv.params(testPassword))
		assert.ErrorIs(t, err, ErrSSHProtocol)
	})

	t.Run("unreadable file", func(t *testing.T) {
		client := NewSSHClient(SSHClientOptions{KnownHostsFile: filepath.Join(t.TempDir(), "absent")}, nil)
		err := client.Connect(srv.params(testPassword))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load known_hosts file")
	})
}

func TestSSHClient_ExecBeforeConnect(t *testing.T) {
	client := NewSSHClient(SSHClientOptions{}, nil)

	_, _, _, err := client.ExecCommand("true", -1, 0, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestSSHClient_ConnectAfterClose(t *testing.T) {
	client := NewSSHClient(SSHClientOptions{}, nil)
	require.NoError(t, client.Close())

	err := client.Connect(ConnectParams{Hostname: "127.0.0.1", Username: testUser, Password: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client is closed")
}

func TestConnection_SudoOverSSH(t *testing.T) {
	srv := startTestServer(t)
	conn, err := NewConnection(&models.SSHConfig{
		Hostname: srv.host,
		Username: testUser,
		Password: testPassword,
		Port:     srv.port,
		Timeout:  5,
	})
	require.NoError(t, err)
	defer conn.Close()

	ioe, err := conn.Sudo("whoami", testSudoPassword, 0)
	require.NoError(t, err)

	out, err := io.ReadAll(ioe.Output)
	require.NoError(t, err)
	assert.Equal(t, "ran whoami\n", stripSudoPrompt(string(out)))
}

func TestConnection_WrongPasswordOverSSH(t *testing.T) {
	srv := startTestServer(t)
	conn, err := NewConnection(&models.SSHConfig{
		Hostname: srv.host,
		Username: testUser,
		Password: "wrong",
		Port:     srv.port,
		Timeout:  5,
	})
	require.NoError(t, err)

	_, err = conn.Client()
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.False(t, conn.IsConnected())
}

func timeoutWarnings(hook *logtest.Hook) int {
	n := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "command timed out, closing session" {
			n++
		}
	}
	return n
}

func openSessions(c *SSHClient) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func TestSSHClient_ExecTimeoutClosesSession(t *testing.T) {
	srv := startTestServer(t)
	logger, hook := logtest.NewNullLogger()
	client := NewSSHClient(SSHClientOptions{}, logrus.NewEntry(logger))
	require.NoError(t, client.Connect(srv.params(testPassword)))
	defer client.Close()

	const timeout = 200 * time.Millisecond
	start := time.Now()
	_, stdout, _, err := client.ExecCommand("sleep", 0, timeout, false)
	require.NoError(t, err)

	read := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(stdout)
		read <- err
	}()

	select {
	case <-read:
	case <-time.After(5 * time.Second):
		t.Fatal("stdout still open long after the timeout")
	}
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.Equal(t, 1, timeoutWarnings(hook))
	assert.Eventually(t, func() bool { return openSessions(client) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSHClient_FinishedCommandIsReleased(t *testing.T) {
	srv := startTestServer(t)
	logger, hook := logtest.NewNullLogger()
	client := NewSSHClient(SSHClientOptions{}, logrus.NewEntry(logger))
	require.NoError(t, client.Connect(srv.params(testPassword)))
	defer client.Close()

	const timeout = 200 * time.Millisecond
	for i := 0; i < 3; i++ {
		_, stdout, _, err := client.ExecCommand("hostname", 0, timeout, false)
		require.NoError(t, err)
		out, err := io.ReadAll(stdout)
		require.NoError(t, err)
		assert.Equal(t, "ran hostname\n", string(out))
	}

	assert.Eventually(t, func() bool { return openSessions(client) == 0 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(2 * timeout)
	assert.Zero(t, timeoutWarnings(hook))
}

// deadlineFailConn is a net.Conn that refuses deadlines.
type deadlineFailConn struct {
	net.Conn
}

func (deadlineFailConn) SetDeadline(time.Time) error {
	return errors.New("deadlines not supported")
}

func TestHandshake_DeadlineError(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	cfg := &ssh.ClientConfig{User: testUser, HostKeyCallback: ssh.InsecureIgnoreHostKey()} //nolint:gosec // test
	client, err := handshake(deadlineFailConn{local}, "pipe", cfg, time.Second)
	assert.Nil(t, client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set handshake deadline on pipe")

	// the connection was closed rather than left without a deadline
	_, err = remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
