package remote

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"strings"
	goSync "sync"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

// hostKeyChecker verifies host keys against a known_hosts file, and
// remembers why a key was rejected so that the handshake failure can be
// reported accurately.
type hostKeyChecker struct {
	path     string
	callback ssh.HostKeyCallback

	lock     goSync.Mutex
	rejected error
}

func newHostKeyChecker(host, path string) (*hostKeyChecker, error) {
	callback, err := knownhosts.New(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.HostKeyUnverifiedError{
				Host:       host,
				KnownHosts: path,
				Reason:     "known_hosts file does not exist",
			}
		}
		return nil, errors.HostKeyUnverifiedError{
			Host:       host,
			KnownHosts: path,
			Reason:     "unable to read known_hosts file",
			Err:        err,
		}
	}
	return &hostKeyChecker{path: path, callback: callback}, nil
}

// Check is an ssh.HostKeyCallback. Unknown hosts are rejected.
func (c *hostKeyChecker) Check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := c.callback(hostname, remote, key)
	if err != nil {
		c.lock.Lock()
		c.rejected = err
		c.lock.Unlock()
	}
	return err
}

// Rejection returns the error for the last rejected key, if any, converted
// into an errors.HostKeyUnverifiedError.
func (c *hostKeyChecker) Rejection(host string) error {
	c.lock.Lock()
	rejected := c.rejected
	c.lock.Unlock()

	if rejected == nil {
		return nil
	}

	reason := rejected.Error()
	var keyErr *knownhosts.KeyError
	var revokedErr *knownhosts.RevokedError
	switch {
	case errors.As(rejected, &keyErr) && len(keyErr.Want) == 0:
		reason = "host not found in known_hosts"
	case errors.As(rejected, &keyErr):
		reason = "host key mismatch"
	case errors.As(rejected, &revokedErr):
		reason = "host key revoked"
	}
	return errors.HostKeyUnverifiedError{Host: host, KnownHosts: c.path, Reason: reason}
}

// Algorithms returns the host key algorithms for the keys recorded for
// `address`, so that the server offers a key type we can verify. Hashed and
// wildcard entries aren't resolved; nil means the client defaults are used.
func (c *hostKeyChecker) Algorithms(address string) []string {
	contents, err := afero.ReadFile(fs, c.path)
	if err != nil {
		return nil
	}

	want := knownhosts.Normalize(address)
	seen := map[string]bool{}
	var algos []string
	add := func(algo string) {
		if !seen[algo] {
			seen[algo] = true
			algos = append(algos, algo)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		marker, hosts, key, _, _, err := ssh.ParseKnownHosts([]byte(line))
		if err != nil || marker != "" {
			continue
		}

		for _, host := range hosts {
			if knownhosts.Normalize(host) != want {
				continue
			}

			if key.Type() == ssh.KeyAlgoRSA {
				add(ssh.KeyAlgoRSASHA512)
				add(ssh.KeyAlgoRSASHA256)
			}
			add(key.Type())
		}
	}
	return algos
}
