// Package remote is the sync gateway: it moves the ledger and record files
// between the local working directory and the authoritative remote directory
// over SFTP.
//
// A Session is opened per submission with Gateway.Connect and must always be
// closed. Connection failures wrap domain.ErrConnection; single-file failures
// wrap domain.ErrTransfer. Both are meant to be reported as warnings.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/fsutil"
)

// Credentials locate and authenticate against the remote directory.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	Dir      string

	// KnownHostsFile, when set, pins the server key. Without it any host key
	// is accepted and a warning is logged on every connect.
	KnownHostsFile string
}

// Enabled reports whether a remote host is configured at all.
func (c Credentials) Enabled() bool { return c.Host != "" }

// Addr returns host:port, defaulting the port to 22.
func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Dialer opens an SFTP client. The returned close func releases everything
// the client depends on.
type Dialer func(ctx context.Context, c Credentials) (*sftp.Client, func() error, error)

// Gateway opens sessions against one remote directory.
type Gateway struct {
	creds           Credentials
	dial            Dialer
	transferTimeout time.Duration
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithDialer replaces the SSH dialer, e.g. with an in-memory SFTP server.
func WithDialer(d Dialer) Option { return func(g *Gateway) { g.dial = d } }

// WithTransferTimeout bounds every Download and Upload.
func WithTransferTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.transferTimeout = d }
}

// New returns a gateway for creds.
func New(creds Credentials, opts ...Option) *Gateway {
	g := &Gateway{creds: creds, dial: DialSSH(10 * time.Second), transferTimeout: time.Minute}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Enabled reports whether a remote host is configured.
func (g *Gateway) Enabled() bool { return g.creds.Enabled() }

// Target returns a printable address for logs.
func (g *Gateway) Target() string {
	return g.creds.User + "@" + g.creds.Addr() + ":" + g.creds.Dir
}

// Connect opens an authenticated session.
func (g *Gateway) Connect(ctx context.Context) (*Session, error) {
	if !g.creds.Enabled() {
		return nil, fmt.Errorf("%w: no remote host configured", domain.ErrConnection)
	}
	client, closeFn, err := g.dial(ctx, g.creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrConnection, g.creds.Addr(), err)
	}
	log.Debug().Str("remote", g.Target()).Msg("sftp session opened")
	return &Session{
		client:  client,
		closeFn: closeFn,
		dir:     g.creds.Dir,
		timeout: g.transferTimeout,
	}, nil
}

// DialSSH returns the production dialer: SSH password auth, then the SFTP
// subsystem. connectTimeout bounds the TCP connect and SSH handshake.
func DialSSH(connectTimeout time.Duration) Dialer {
	return func(ctx context.Context, c Credentials) (*sftp.Client, func() error, error) {
		hostKey, err := hostKeyCallback(c)
		if err != nil {
			return nil, nil, err
		}
		cfg := &ssh.ClientConfig{
			User:            c.User,
			Auth:            []ssh.AuthMethod{ssh.Password(c.Password)},
			HostKeyCallback: hostKey,
			Timeout:         connectTimeout,
		}

		d := net.Dialer{Timeout: connectTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.Addr())
		if err != nil {
			return nil, nil, err
		}
		if connectTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(connectTimeout))
		}
		sc, chans, reqs, err := ssh.NewClientConn(conn, c.Addr(), cfg)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		_ = conn.SetDeadline(time.Time{})

		sshClient := ssh.NewClient(sc, chans, reqs)
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, nil, err
		}
		return client, func() error {
			return errors.Join(client.Close(), sshClient.Close())
		}, nil
	}
}

func hostKeyCallback(c Credentials) (ssh.HostKeyCallback, error) {
	if c.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("known_hosts %s: %w", c.KnownHostsFile, err)
		}
		return cb, nil
	}
	log.Warn().Str("host", c.Host).Msg("no known_hosts configured; accepting any host key")
	return ssh.InsecureIgnoreHostKey(), nil
}

// Session is an open SFTP session. It is not safe for concurrent use.
type Session struct {
	client  *sftp.Client
	closeFn func() error
	dir     string
	timeout time.Duration

	once     sync.Once
	closeErr error
	closed   bool
	mu       sync.Mutex
}

// RemotePath returns where name lives on the server.
func (s *Session) RemotePath(name string) string { return path.Join(s.dir, name) }

// Download copies remote file name over localPath, replacing it atomically.
// It returns the number of bytes written.
func (s *Session) Download(ctx context.Context, name, localPath string) (int64, error) {
	remotePath := s.RemotePath(name)
	n, err := s.bounded(ctx, func() (int64, error) {
		src, err := s.client.Open(remotePath)
		if err != nil {
			return 0, err
		}
		defer src.Close()
		return fsutil.CopyFileAtomic(localPath, src)
	})
	if err != nil {
		return n, fmt.Errorf("%w: download %s: %w", domain.ErrTransfer, remotePath, err)
	}
	log.Info().Str("remote", remotePath).Str("local", localPath).Int64("bytes", n).Msg("downloaded")
	return n, nil
}

// Upload copies localPath to remote file name, overwriting it.
func (s *Session) Upload(ctx context.Context, localPath, name string) (int64, error) {
	remotePath := s.RemotePath(name)
	n, err := s.bounded(ctx, func() (int64, error) {
		src, err := os.Open(localPath)
		if err != nil {
			return 0, err
		}
		defer src.Close()

		dst, err := s.client.Create(remotePath)
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return n, err
	})
	if err != nil {
		return n, fmt.Errorf("%w: upload %s: %w", domain.ErrTransfer, remotePath, err)
	}
	log.Info().Str("local", localPath).Str("remote", remotePath).Int64("bytes", n).Msg("uploaded")
	return n, nil
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		} else {
			s.closeErr = s.client.Close()
		}
	})
	return s.closeErr
}

// bounded runs fn under the transfer timeout. When the budget expires the
// session is torn down, which unblocks fn.
func (s *Session) bounded(ctx context.Context, fn func() (int64, error)) (int64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, errors.New("session closed")
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Msg("transfer budget exceeded; closing sftp session")
			_ = s.Close()
		case <-done:
		}
	}()

	n, err := fn()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return n, fmt.Errorf("%w: %w", cerr, err)
		}
	}
	return n, err
}
