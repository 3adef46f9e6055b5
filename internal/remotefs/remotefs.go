// Package remotefs reads, rewrites and prunes recording and voicemail
// files on a PBX host over SSH/SFTP.
package remotefs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/callscribe/callscribe/internal/apperr"
)

// Operation timeouts. Dial covers TCP plus the SSH handshake; commands
// are short shell invocations; downloads move whole recordings.
const (
	DialTimeout     = 10 * time.Second
	CommandTimeout  = 25 * time.Second
	DownloadTimeout = 120 * time.Second
)

// Config carries the SSH endpoint and credentials for one tenant's PBX.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string // PEM, used before password when set
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// remoteConn is the slice of SSH/SFTP functionality the sessions use.
// The production implementation wraps *ssh.Client and *sftp.Client;
// tests substitute an in-memory fake.
type remoteConn interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	MkdirAll(path string) error
	RunCommand(ctx context.Context, cmd string) ([]byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg Config) (remoteConn, error)

// Client dials PBX hosts. One client per tenant configuration.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger, dial: sshDial}
}

// Connect opens an SSH connection plus SFTP subsystem. The caller owns
// the returned session and must Close it.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	conn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return nil, apperr.Transport("remotefs.connect", true, err)
	}
	return &Session{conn: conn, logger: c.logger}, nil
}

// TestResult reports what a connection probe found. OK means the SSH
// and SFTP handshakes succeeded; PathExists covers the base path.
type TestResult struct {
	OK         bool
	BasePath   string
	PathExists bool
}

// TestConnect dials, probes the given path when non-empty, and closes.
func (c *Client) TestConnect(ctx context.Context, path string) (TestResult, error) {
	res := TestResult{BasePath: path}
	sess, err := c.Connect(ctx)
	if err != nil {
		return res, err
	}
	defer sess.Close()
	res.OK = true
	if path == "" {
		return res, nil
	}
	exists, err := sess.Exists(ctx, path)
	if err != nil {
		return res, err
	}
	res.PathExists = exists
	return res, nil
}

func sshDial(ctx context.Context, cfg Config) (remoteConn, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parsing ssh private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         DialTimeout,
	}

	sshClient, err := ssh.Dial("tcp", cfg.addr(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.addr(), err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	return &sshConn{ssh: sshClient, sftp: sftpClient}, nil
}

// sshConn adapts the real clients to remoteConn.
type sshConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *sshConn) ReadDir(path string) ([]os.FileInfo, error) { return c.sftp.ReadDir(path) }
func (c *sshConn) Stat(path string) (os.FileInfo, error)      { return c.sftp.Stat(path) }
func (c *sshConn) Remove(path string) error                   { return c.sftp.Remove(path) }
func (c *sshConn) RemoveDirectory(path string) error          { return c.sftp.RemoveDirectory(path) }
func (c *sshConn) MkdirAll(path string) error                 { return c.sftp.MkdirAll(path) }

func (c *sshConn) Open(path string) (io.ReadCloser, error) {
	return c.sftp.Open(path)
}

func (c *sshConn) Create(path string) (io.WriteCloser, error) {
	return c.sftp.Create(path)
}

func (c *sshConn) Rename(oldPath, newPath string) error {
	// POSIX rename overwrites atomically where the server supports it.
	if err := c.sftp.PosixRename(oldPath, newPath); err == nil {
		return nil
	}
	return c.sftp.Rename(oldPath, newPath)
}

func (c *sshConn) RunCommand(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("running %q: %w (stderr: %s)", cmd, err, stderr.String())
		}
		return stdout.Bytes(), nil
	}
}

func (c *sshConn) Close() error {
	c.sftp.Close()
	return c.ssh.Close()
}
