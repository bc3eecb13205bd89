// Package ssh implements connection.Connection over an interactive
// SSH shell session, plus file staging via SFTP for hop commands that
// need to upload a helper script before executing it.
//
// Grounded on the reference implementation's internal/ssh/client.go
// (auth method construction, session handling, sftp-backed upload),
// adapted from request/response Execute() calls to a persistent
// shell session whose stdin/stdout feed a connection.FanoutConnection.
package ssh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

// HostConfig describes the remote endpoint, mirroring the reference
// implementation's config.RemoteHost.
type HostConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
}

// Connection is an SSH-backed connection.Connection: a single
// persistent interactive shell session over one SSH client.
type Connection struct {
	name string
	host HostConfig

	mu       sync.Mutex
	client   *gossh.Client
	session  *gossh.Session
	stdin    io.WriteCloser
	closed   bool
	receiver func(data []byte, receivedAt time.Time)

	onError func(error)
}

// New returns an SSH connection for the given host, not yet dialed.
func New(name string, host HostConfig) *Connection {
	return &Connection{name: name, host: host}
}

// SetErrorHandler installs the callback invoked when the session's
// stdout closes unexpectedly.
func (c *Connection) SetErrorHandler(fn func(error)) {
	c.onError = fn
}

// Open dials the SSH client, opens one session, and requests an
// interactive shell on it. Calling Open again after a Close (or after
// the session died and reported an error) dials again; calling it
// while already open is a no-op.
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && !c.closed {
		return nil
	}
	c.closed = false

	var authMethods []gossh.AuthMethod
	if c.host.Password != "" {
		authMethods = append(authMethods, gossh.Password(c.host.Password))
	}
	if c.host.KeyFile != "" {
		key, err := os.ReadFile(c.host.KeyFile)
		if err != nil {
			return fmt.Errorf("ssh connection: read key file: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(key)
		if err != nil {
			return fmt.Errorf("ssh connection: parse private key: %w", err)
		}
		authMethods = append(authMethods, gossh.PublicKeys(signer))
	}

	cfg := &gossh.ClientConfig{
		User:            c.host.User,
		Auth:            authMethods,
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", c.host.Host, c.host.Port)
	client, err := gossh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("ssh connection: dial: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("ssh connection: new session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("ssh connection: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("ssh connection: stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("ssh connection: request shell: %w", err)
	}

	c.client = client
	c.session = session
	c.stdin = stdin

	go c.readLoop(client, stdout)
	return nil
}

func (c *Connection) readLoop(client *gossh.Client, stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			receivedAt := time.Now()
			c.mu.Lock()
			recv := c.receiver
			closed := c.closed
			c.mu.Unlock()
			if recv != nil && !closed {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				recv(chunk, receivedAt)
			}
		}
		if err != nil {
			// Mark a dead current session closed so the next Open dials
			// again; a session already replaced by Open is ignored.
			c.mu.Lock()
			current := c.client == client
			closed := c.closed
			if current {
				c.closed = true
			}
			c.mu.Unlock()
			if current && !closed && c.onError != nil {
				c.onError(err)
			}
			return
		}
	}
}

// Close closes the session and the underlying SSH client. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	client := c.client
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

// Send writes data to the remote shell's stdin.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ssh connection %q: not open", c.name)
	}
	_, err := stdin.Write(data)
	return err
}

// Name returns the connection's configured name.
func (c *Connection) Name() string { return c.name }

// SetReceiver installs the callback invoked with every chunk read from
// the remote shell's stdout.
func (c *Connection) SetReceiver(fn func(data []byte, receivedAt time.Time)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}

// UploadFile stages a local file on the remote host via SFTP, used by
// hop commands that need a helper script in place before executing
// it (e.g. a device-specific login wrapper).
func (c *Connection) UploadFile(localPath, remotePath string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("ssh connection %q: not open", c.name)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("ssh connection: sftp client: %w", err)
	}
	defer sftpClient.Close()

	remoteDir := filepath.Dir(remotePath)
	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("ssh connection: mkdir remote dir: %w", err)
	}

	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("ssh connection: open local file: %w", err)
	}
	defer localFile.Close()

	if _, err := sftpClient.Stat(remotePath); err == nil {
		if err := sftpClient.Remove(remotePath); err != nil {
			return fmt.Errorf("ssh connection: remove existing remote file: %w", err)
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("ssh connection: create remote file: %w", err)
	}
	defer remoteFile.Close()

	if _, err := io.Copy(remoteFile, localFile); err != nil {
		return fmt.Errorf("ssh connection: copy file: %w", err)
	}
	return sftpClient.Chmod(remotePath, 0755)
}
