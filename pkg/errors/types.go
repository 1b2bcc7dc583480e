package errors

import (
	"fmt"
)

// ErrNotConnected is returned by remote operations attempted while there's no
// live session.
var ErrNotConnected = New("not connected to remote host")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// NotUploadable is returned when a changed path isn't a regular file or a
// symlink, and so there's nothing to transfer. It's informational rather than
// a failure.
type NotUploadable struct {
	Path   string
	Reason string
}

func (err NotUploadable) Error() string {
	return fmt.Sprintf("not a file: %s (%s)", err.Path, err.Reason)
}

// AuthenticationError means the remote host rejected our credentials.
type AuthenticationError struct {
	Host, User string
	Err        error
}

func (err AuthenticationError) Error() string {
	return fmt.Sprintf("authenticate as %q on %s: %s", err.User, err.Host, err.Err)
}

func (err AuthenticationError) Unwrap() error {
	return err.Err
}

func (err AuthenticationError) FriendlyMessage() string {
	return fmt.Sprintf("The SSH server at %s rejected the credentials for %q.\n"+
		"Check the username, password, or identity file.", err.Host, err.User)
}

// HostKeyUnverifiedError means the remote host's key couldn't be verified
// against the trusted known_hosts file. We never trust keys on first use.
type HostKeyUnverifiedError struct {
	Host       string
	KnownHosts string
	Reason     string

	// Err is the underlying failure, if any, such as a parse error in the
	// known_hosts file.
	Err error
}

func (err HostKeyUnverifiedError) Error() string {
	msg := fmt.Sprintf("host key for %s not verified: %s", err.Host, err.Reason)
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

func (err HostKeyUnverifiedError) Unwrap() error {
	return err.Err
}

func (err HostKeyUnverifiedError) FriendlyMessage() string {
	reason := err.Reason
	if err.Err != nil {
		reason += ": " + err.Err.Error()
	}
	return fmt.Sprintf("The host key for %s could not be verified (%s).\n"+
		"Add the host to %s, for example by connecting once with `ssh`, "+
		"and try again.", err.Host, reason, err.KnownHosts)
}

// ConnectivityError covers network failures while connecting or opening the
// SFTP subsystem.
type ConnectivityError struct {
	Host string
	Err  error
}

func (err ConnectivityError) Error() string {
	return fmt.Sprintf("connect to %s: %s", err.Host, err.Err)
}

func (err ConnectivityError) Unwrap() error {
	return err.Err
}
