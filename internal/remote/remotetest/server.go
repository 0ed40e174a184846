// Package remotetest provides an in-memory SFTP server for tests of the
// packages built on top of remote.Gateway.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path"
	"sync"

	"github.com/pkg/sftp"

	"github.com/tbourn/biobank-intake/internal/remote"
)

// Server is an in-memory SFTP filesystem. Files survive across sessions.
type Server struct {
	handlers sftp.Handlers

	mu     sync.Mutex
	dials  int
	refuse error
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{handlers: sftp.InMemHandler()}
}

// Refuse makes every following dial fail with err; nil accepts again.
func (s *Server) Refuse(err error) {
	s.mu.Lock()
	s.refuse = err
	s.mu.Unlock()
}

// Dials returns the number of successful sessions opened so far.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Dialer returns a remote.Dialer connected to s over net.Pipe.
func (s *Server) Dialer() remote.Dialer {
	return func(context.Context, remote.Credentials) (*sftp.Client, func() error, error) {
		s.mu.Lock()
		refuse := s.refuse
		if refuse == nil {
			s.dials++
		}
		s.mu.Unlock()
		if refuse != nil {
			return nil, nil, refuse
		}
		return s.dial()
	}
}

func (s *Server) dial() (*sftp.Client, func() error, error) {
	serverConn, clientConn := net.Pipe()
	srv := sftp.NewRequestServer(serverConn, s.handlers)
	go func() { _ = srv.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		_ = srv.Close()
		return nil, nil, err
	}
	return client, func() error {
		err := client.Close()
		_ = srv.Close()
		return err
	}, nil
}

// WriteFile stores data at name, creating parent directories.
func (s *Server) WriteFile(name string, data []byte) error {
	client, closeFn, err := s.dial()
	if err != nil {
		return err
	}
	defer closeFn()
	if dir := path.Dir(name); dir != "/" && dir != "." {
		if err := client.MkdirAll(dir); err != nil {
			return err
		}
	}
	f, err := client.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFile returns the content stored at name, or os.ErrNotExist.
func (s *Server) ReadFile(name string) ([]byte, error) {
	client, closeFn, err := s.dial()
	if err != nil {
		return nil, err
	}
	defer closeFn()
	f, err := client.Open(name)
	if err != nil {
		var se *sftp.StatusError
		if errors.As(err, &se) || errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
