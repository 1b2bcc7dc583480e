// Package remote manages the SSH/SFTP session that local changes are mirrored
// over.
package remote

//go:generate mockery -name Client

import (
	"fmt"
	"io"
	"os"
	goSync "sync"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

// DefaultPort is the SSH port used when none is configured.
const DefaultPort = 22

// Config describes how to reach and authenticate with the remote host.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// IdentityFile is an optional private key used for public key auth.
	IdentityFile string

	// KnownHosts is the file that the host key must appear in.
	KnownHosts string

	// UseAgent enables authentication with keys held by a running ssh-agent.
	UseAgent bool
}

// Address returns the host:port to dial.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Client is the subset of an SFTP client used by the Session.
type Client interface {
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Create(path string) (io.WriteCloser, error)
	Remove(path string) error
	Close() error
}

// DialFunc opens a new authenticated Client.
type DialFunc func(Config) (Client, error)

// ProbeResult is the outcome of checking whether a remote path exists.
type ProbeResult int

const (
	Exists ProbeResult = iota
	NotFound
	// ProbeFailed means the probe itself failed, so we don't know whether the
	// path exists.
	ProbeFailed
)

func (r ProbeResult) String() string {
	switch r {
	case Exists:
		return "exists"
	case NotFound:
		return "not found"
	default:
		return "probe failed"
	}
}

// Session owns the single connection to the remote host. Reconnecting
// replaces the previous connection.
type Session struct {
	config Config
	dial   DialFunc
	log    logrus.FieldLogger

	lock      goSync.Mutex
	client    Client
	connected bool
}

// NewSession returns a disconnected Session. Call Connect before using it.
func NewSession(log logrus.FieldLogger, config Config, dial DialFunc) *Session {
	return &Session{config: config, dial: dial, log: log}
}

// Connect dials the remote host. Any previous connection is closed first.
// Errors are one of errors.AuthenticationError,
// errors.HostKeyUnverifiedError, or errors.ConnectivityError.
func (s *Session) Connect() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closeLocked()

	client, err := s.dial(s.config)
	if err != nil {
		return err
	}

	s.client = client
	s.connected = true
	s.log.WithField("host", s.config.Address()).Debug("Opened SFTP session")
	return nil
}

// Connected returns whether the last Connect succeeded and nothing has
// noticed the connection breaking since.
func (s *Session) Connected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.connected
}

// MarkDisconnected records that the connection is no longer usable.
func (s *Session) MarkDisconnected() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.connected = false
}

// IsAlive stats the remote root to check that the connection still works.
// A failure marks the session disconnected.
func (s *Session) IsAlive() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.connected || s.client == nil {
		return false
	}

	if _, err := s.client.Stat("/"); err != nil {
		s.log.WithError(err).Debug("Liveness probe failed")
		s.connected = false
		return false
	}
	return true
}

// Probe checks whether `path` exists on the remote.
func (s *Session) Probe(path string) (ProbeResult, error) {
	client, err := s.getClient()
	if err != nil {
		return ProbeFailed, err
	}
	return probe(client, path)
}

func probe(client Client, path string) (ProbeResult, error) {
	_, err := client.Stat(path)
	switch {
	case err == nil:
		return Exists, nil
	case errors.Is(err, os.ErrNotExist):
		return NotFound, nil
	default:
		return ProbeFailed, errors.WithContext(err, "stat")
	}
}

// EnsureDirectory creates `path` if it doesn't exist. Its parent must
// already exist.
func (s *Session) EnsureDirectory(path string) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	result, err := probe(client, path)
	switch result {
	case Exists:
		return nil
	case NotFound:
		s.log.WithField("path", path).Info("Creating remote directory")
		if err := client.Mkdir(path); err != nil {
			return errors.WithContext(err, "mkdir")
		}
		return nil
	default:
		return err
	}
}

// WriteFile opens `path` for writing, truncating it if it exists.
func (s *Session) WriteFile(path string) (io.WriteCloser, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	return client.Create(path)
}

// RemoveFile deletes the file at `path`. Directories are left alone, even
// empty ones, since the SFTP client's Remove would otherwise delete them.
func (s *Session) RemoveFile(path string) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	if fi, err := client.Stat(path); err == nil && fi.IsDir() {
		return errors.New(fmt.Sprintf("%s is a directory", path))
	}
	return client.Remove(path)
}

// Close releases the connection. The session can be reconnected afterwards.
func (s *Session) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	s.connected = false
	if s.client == nil {
		return nil
	}

	err := s.client.Close()
	s.client = nil
	if err != nil {
		s.log.WithError(err).Debug("Failed to close previous SFTP session")
	}
	return err
}

func (s *Session) getClient() (Client, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.client == nil {
		return nil, errors.ErrNotConnected
	}
	return s.client, nil
}
