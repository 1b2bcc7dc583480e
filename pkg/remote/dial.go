package remote

import (
	"io"
	"net"
	"os"
	"strings"
	goSync "sync"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

// Mocked out for unit testing.
var (
	fs      = afero.NewOsFs()
	sshDial = ssh.Dial
)

const (
	dialTimeout = 30 * time.Second

	// keepaliveInterval matches the interval the SSH session was always kept
	// alive with, so that idle NAT mappings aren't dropped between edits.
	keepaliveInterval = 30 * time.Second
)

// Dial opens an authenticated SFTP session to the host in `config`. The host
// key must already be in the known_hosts file.
func Dial(config Config) (Client, error) {
	address := config.Address()
	hostKeys, err := newHostKeyChecker(config.Host, config.KnownHosts)
	if err != nil {
		return nil, err
	}

	auth, closeAgent, err := authMethods(config)
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	sshConfig := &ssh.ClientConfig{
		User:              config.User,
		Auth:              auth,
		HostKeyCallback:   hostKeys.Check,
		HostKeyAlgorithms: hostKeys.Algorithms(address),
		Timeout:           dialTimeout,
	}
	conn, err := sshDial("tcp", address, sshConfig)
	if err != nil {
		return nil, classifyDialError(config, hostKeys.Rejection(config.Host), err)
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, errors.ConnectivityError{
			Host: address,
			Err:  errors.WithContext(err, "start sftp subsystem"),
		}
	}

	session := &sftpSession{
		sftp: sftpClient,
		conn: conn,
		stop: make(chan struct{}),
	}
	go session.keepalive()
	return session, nil
}

func classifyDialError(config Config, hostKeyErr, err error) error {
	if hostKeyErr != nil {
		return hostKeyErr
	}

	if strings.Contains(err.Error(), "unable to authenticate") {
		return errors.AuthenticationError{Host: config.Host, User: config.User, Err: err}
	}
	return errors.ConnectivityError{Host: config.Address(), Err: err}
}

// authMethods returns the ways we can authenticate, in the order they should
// be tried. The returned function closes the connection to the agent, if
// any, and must be called once the handshake is over.
func authMethods(config Config) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closeAgent := func() {}

	if sock := os.Getenv("SSH_AUTH_SOCK"); config.UseAgent && sock != "" {
		agentConn, err := net.Dial("unix", sock)
		if err != nil {
			log.WithError(err).Debug("Failed to connect to ssh-agent")
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
			closeAgent = func() { agentConn.Close() }
		}
	}

	if config.IdentityFile != "" {
		signer, err := loadIdentity(config.IdentityFile)
		if err != nil {
			closeAgent()
			return nil, nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if config.Password != "" {
		password := config.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if len(methods) == 0 {
		closeAgent()
		return nil, nil, errors.NewFriendlyError("No SSH credentials were provided.\n" +
			"Pass --password, --identity, or run an ssh-agent.")
	}
	return methods, closeAgent, nil
}

func loadIdentity(path string) (ssh.Signer, error) {
	keyBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "read identity file")
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, errors.NewFriendlyError("The identity file %q is "+
				"protected by a passphrase. Add it to ssh-agent instead.", path)
		}
		return nil, errors.WithContext(err, "parse identity file")
	}
	return signer, nil
}

// sftpSession is a Client backed by a real SSH connection.
type sftpSession struct {
	sftp *sftp.Client
	conn *ssh.Client

	stop      chan struct{}
	closeOnce goSync.Once
}

func (s *sftpSession) Stat(path string) (os.FileInfo, error) {
	return s.sftp.Stat(path)
}

func (s *sftpSession) Mkdir(path string) error {
	return s.sftp.Mkdir(path)
}

func (s *sftpSession) Create(path string) (io.WriteCloser, error) {
	f, err := s.sftp.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpSession) Remove(path string) error {
	return s.sftp.Remove(path)
}

func (s *sftpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		sftpErr := s.sftp.Close()
		err = s.conn.Close()
		if err == nil {
			err = sftpErr
		}
	})
	return err
}

func (s *sftpSession) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _, err := s.conn.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				// The next liveness probe will notice that the connection
				// is gone.
				log.WithError(err).Debug("SSH keepalive failed")
				return
			}
		}
	}
}
